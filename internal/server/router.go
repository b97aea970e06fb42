package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"ticketq/internal/cache"
	"ticketq/internal/config"
	"ticketq/internal/dispatch"
	"ticketq/internal/log"
	"ticketq/internal/store"
	"ticketq/internal/waitlist"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"
)

func SetupRouter(r *chi.Mux, cfg *config.Config, st *store.Store, cacheClient *cache.Client, cacheMgr *cache.Manager, svc *waitlist.Service, disp *dispatch.Dispatcher) {
	logger := log.NewLogger()
	r.Use(httprate.Limit(100, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))

	eventPolicy := cache.Config{
		TTL:                  cfg.CacheEventTTL,
		StaleWhileRevalidate: cfg.CacheStaleWindow,
		BackgroundRefresh:    true,
	}
	positionPolicy := cache.Config{
		TTL:                  cfg.CacheSessionTTL,
		StaleWhileRevalidate: cfg.CacheStaleWindow,
		BackgroundRefresh:    true,
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := st.Ping(r.Context()); err != nil {
			logger.Error("Database health check failed", zap.Error(err))
			http.Error(w, "Database unhealthy", http.StatusServiceUnavailable)
			return
		}
		stats := cacheClient.Stats()
		if err := cacheClient.Ping(r.Context()); err != nil {
			// A tripped cache breaker degrades reads but does not take
			// the service down.
			logger.Warn("Cache health check failed", zap.Error(err), zap.Bool("breaker_open", stats.BreakerOpen))
		}
		writeJSON(w, logger, map[string]interface{}{
			"status":             "ok",
			"cache_breaker_open": stats.BreakerOpen,
			"cache_failures":     stats.FailureCount,
		})
	})

	r.Get("/events/{eventID}", func(w http.ResponseWriter, r *http.Request) {
		eventID := chi.URLParam(r, "eventID")
		data, err := cacheMgr.Get(r.Context(), cache.EventKey(eventID), eventPolicy, func(ctx context.Context) ([]byte, error) {
			ev, err := st.GetEvent(ctx, eventID)
			if err != nil {
				return nil, err
			}
			return json.Marshal(ev)
		})
		if err != nil {
			if errors.Is(err, store.ErrEventNotFound) {
				http.Error(w, "Event not found", http.StatusNotFound)
				return
			}
			logger.Error("Failed to load event", zap.Error(err), zap.String("event_id", eventID))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	})

	r.Get("/events/{eventID}/availability", func(w http.ResponseWriter, r *http.Request) {
		eventID := chi.URLParam(r, "eventID")
		avail, err := svc.AvailableSlots(r.Context(), eventID)
		if err != nil {
			if errors.Is(err, store.ErrEventNotFound) {
				http.Error(w, "Event not found", http.StatusNotFound)
				return
			}
			logger.Error("Failed to compute availability", zap.Error(err), zap.String("event_id", eventID))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, logger, avail)
	})

	r.Get("/queue/position", func(w http.ResponseWriter, r *http.Request) {
		eventID := r.URL.Query().Get("event_id")
		userID := r.URL.Query().Get("user_id")
		if eventID == "" || userID == "" {
			http.Error(w, "Missing event_id or user_id", http.StatusBadRequest)
			return
		}
		data, err := cacheMgr.Get(r.Context(), cache.PositionKey(eventID, userID), positionPolicy, func(ctx context.Context) ([]byte, error) {
			pos, err := svc.Position(ctx, eventID, userID)
			if err != nil {
				return nil, err
			}
			return json.Marshal(pos)
		})
		if err != nil {
			logger.Error("Failed to compute position", zap.Error(err),
				zap.String("event_id", eventID), zap.String("user_id", userID))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if string(data) == "null" {
			http.Error(w, "No active entry", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	})

	r.Get("/queue/job-status", func(w http.ResponseWriter, r *http.Request) {
		idStr := r.URL.Query().Get("id")
		queue := r.URL.Query().Get("queue")
		jobID, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			http.Error(w, "Invalid job id", http.StatusBadRequest)
			return
		}
		if queue != "primary" && queue != "backup" {
			http.Error(w, "Queue must be primary or backup", http.StatusBadRequest)
			return
		}
		status, err := disp.Status(r.Context(), jobID, queue)
		if err != nil {
			logger.Error("Failed to load job status", zap.Error(err), zap.Int64("job_id", jobID))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if status == nil {
			http.Error(w, "Job not found", http.StatusNotFound)
			return
		}
		writeJSON(w, logger, status)
	})

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(cfg.JWTSecret, logger))

		r.Post("/events", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				ID           string `json:"id"`
				Name         string `json:"name"`
				TotalTickets int    `json:"total_tickets"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				logger.Error("Failed to decode event request", zap.Error(err))
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
			if req.ID == "" || (req.TotalTickets < 0 && req.TotalTickets != store.UnlimitedTickets) {
				http.Error(w, "Invalid event", http.StatusBadRequest)
				return
			}
			if err := st.CreateEvent(r.Context(), store.Event{
				ID:           req.ID,
				Name:         req.Name,
				TotalTickets: req.TotalTickets,
			}); err != nil {
				logger.Error("Failed to create event", zap.Error(err), zap.String("event_id", req.ID))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			cacheMgr.Invalidate(r.Context(), cache.EventKey(req.ID))
			logger.Info("Created event", zap.String("event_id", req.ID), zap.Int("total_tickets", req.TotalTickets))
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte("OK"))
		})

		r.Post("/queue/reserve", func(w http.ResponseWriter, r *http.Request) {
			in, ok := decodeReserveInput(w, r, logger)
			if !ok {
				return
			}
			start := time.Now()
			res, err := disp.Reserve(r.Context(), in)
			if err != nil {
				logger.Error("Failed to dispatch reservation", zap.Error(err),
					zap.String("event_id", in.EventID), zap.String("user_id", in.UserID))
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			cacheMgr.Invalidate(r.Context(), cache.PositionKey(in.EventID, in.UserID))
			logger.Info("Dispatched reservation",
				zap.Int64("job_id", res.PrimaryJobID),
				zap.String("path", res.Path.String()),
				zap.Duration("duration", time.Since(start)))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusAccepted)
			if err := json.NewEncoder(w).Encode(res); err != nil {
				logger.Error("Failed to encode response", zap.Error(err))
			}
		})

		r.Post("/queue/backup-reserve", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				dispatch.ReserveInput
				DedupeKey string `json:"dedupe_key"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				logger.Error("Failed to decode backup reservation", zap.Error(err))
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
			if req.DedupeKey == "" {
				http.Error(w, "Missing dedupe_key", http.StatusBadRequest)
				return
			}
			res, err := disp.BackupReserve(r.Context(), req.ReserveInput, req.DedupeKey)
			if err != nil {
				logger.Error("Failed to dispatch backup reservation", zap.Error(err), zap.String("dedupe_key", req.DedupeKey))
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusAccepted)
			if err := json.NewEncoder(w).Encode(res); err != nil {
				logger.Error("Failed to encode response", zap.Error(err))
			}
		})

		r.Post("/queue/process", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				EventID string `json:"event_id"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.EventID == "" {
				http.Error(w, "Missing event_id", http.StatusBadRequest)
				return
			}
			if err := svc.ProcessQueue(r.Context(), req.EventID); err != nil {
				logger.Error("Queue processing failed", zap.Error(err), zap.String("event_id", req.EventID))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Write([]byte("OK"))
		})

		r.Post("/queue/release", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				EventID string `json:"event_id"`
				EntryID int64  `json:"entry_id"`
				UserID  string `json:"user_id"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.EventID == "" || req.EntryID == 0 {
				http.Error(w, "Missing event_id or entry_id", http.StatusBadRequest)
				return
			}
			if err := svc.Release(r.Context(), req.EventID, req.EntryID); err != nil {
				if errors.Is(err, store.ErrEntryNotFound) {
					http.Error(w, "Entry not found", http.StatusNotFound)
					return
				}
				logger.Error("Failed to release entry", zap.Error(err), zap.Int64("entry_id", req.EntryID))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if req.UserID != "" {
				cacheMgr.Invalidate(r.Context(), cache.PositionKey(req.EventID, req.UserID))
			}
			w.Write([]byte("OK"))
		})

		r.Post("/queue/purchase", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				EntryID int64 `json:"entry_id"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.EntryID == 0 {
				http.Error(w, "Missing entry_id", http.StatusBadRequest)
				return
			}
			converted, err := svc.ConfirmPurchase(r.Context(), req.EntryID)
			if err != nil {
				logger.Error("Failed to confirm purchase", zap.Error(err), zap.Int64("entry_id", req.EntryID))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if !converted {
				http.Error(w, "No active offer for entry", http.StatusConflict)
				return
			}
			w.Write([]byte("OK"))
		})
	})
}

func decodeReserveInput(w http.ResponseWriter, r *http.Request, logger *log.Logger) (dispatch.ReserveInput, bool) {
	var in dispatch.ReserveInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		logger.Error("Failed to decode reservation request", zap.Error(err))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return in, false
	}
	if in.EventID == "" || in.UserID == "" {
		http.Error(w, "Missing event_id or user_id", http.StatusBadRequest)
		return in, false
	}
	if in.Quantity <= 0 {
		in.Quantity = 1
	}
	return in, true
}

func writeJSON(w http.ResponseWriter, logger *log.Logger, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response", zap.Error(err))
	}
}

func authMiddleware(jwtSecret string, logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := r.Header.Get("Authorization")
			if tokenStr == "" {
				logger.Error("Missing authorization token")
				http.Error(w, "Missing token", http.StatusUnauthorized)
				return
			}
			if len(tokenStr) > 7 && tokenStr[:7] == "Bearer " {
				tokenStr = tokenStr[7:]
			}
			token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(jwtSecret), nil
			})
			if err != nil || !token.Valid {
				logger.Error("Invalid JWT token", zap.Error(err))
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey{}, token.Claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type claimsKey struct{}
