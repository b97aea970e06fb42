//go:build integration
// +build integration

package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ticketq/internal/breaker"
	"ticketq/internal/cache"
	"ticketq/internal/clock"
	"ticketq/internal/config"
	"ticketq/internal/dispatch"
	"ticketq/internal/id"
	"ticketq/internal/log"
	"ticketq/internal/metrics"
	"ticketq/internal/retry"
	"ticketq/internal/server"
	"ticketq/internal/store"
	"ticketq/internal/waitlist"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v4"
	"github.com/redis/go-redis/v9"
)

const testJWTSecret = "e2e-secret"

func generateTestToken(secret, sub string) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	tokenString, _ := token.SignedString([]byte(secret))
	return tokenString
}

func doJSON(t *testing.T, srv *httptest.Server, method, path string, body interface{}, auth bool) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %s", err)
		}
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %s", err)
	}
	if auth {
		req.Header.Set("Authorization", "Bearer "+generateTestToken(testJWTSecret, "e2e"))
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %s", method, path, err)
	}
	return resp
}

func TestE2E_HTTP_Flow(t *testing.T) {
	ctx := context.Background()

	dbURL, cleanupDB, err := setupTestDB(ctx)
	if err != nil {
		t.Fatalf("setup db failed: %s", err)
	}
	defer cleanupDB()

	redisAddr, cleanupRedis, err := setupTestRedis(ctx)
	if err != nil {
		t.Fatalf("setup redis failed: %s", err)
	}
	defer cleanupRedis()

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer rdb.Close()
	rdb.FlushAll(ctx)

	logger := log.NewNop()
	st, err := store.NewStore(dbURL, logger)
	if err != nil {
		t.Fatalf("open store: %s", err)
	}
	defer st.Close()
	if err := st.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %s", err)
	}
	resetTables(t, dbURL)

	cfg := &config.Config{
		DatabaseURL:             dbURL,
		RedisAddr:               redisAddr,
		JWTSecret:               testJWTSecret,
		OfferTTL:                time.Minute,
		SweepInterval:           time.Minute,
		BreakerFailureThreshold: 5,
		BreakerResetTimeout:     time.Second,
		CacheOpTimeout:          500 * time.Millisecond,
		CacheEventTTL:           time.Minute,
		CacheSessionTTL:         time.Minute,
		CacheStaleWindow:        time.Minute,
		CompressMinBytes:        1024,
		BackupDelay:             time.Minute,
		WorkerPollInterval:      50 * time.Millisecond,
		JobStatusTTL:            time.Hour,
		RetryBase:               time.Second,
		RetryMaxAttempts:        3,
	}

	clk := clock.NewSystem()
	node, err := id.NewNode(3)
	if err != nil {
		t.Fatalf("new node: %s", err)
	}
	m := metrics.New(":0", logger)
	brk := breaker.New(cfg.BreakerFailureThreshold, cfg.BreakerResetTimeout, clk)
	cacheClient := cache.NewClient(redisAddr, "", 10, brk, cfg.CacheOpTimeout, logger)
	cacheMgr, err := cache.NewManager(cacheClient, clk, cfg.CompressMinBytes, m, logger)
	if err != nil {
		t.Fatalf("new cache manager: %s", err)
	}

	svc := waitlist.NewService(st, clk, node, nil, m, logger, cfg.OfferTTL)
	defer svc.Stop()

	queue := dispatch.NewRedisQueue(rdb, cfg.JobStatusTTL)
	disp := dispatch.NewDispatcher(queue, node, nil, clk, m, logger, cfg.BackupDelay)
	worker := dispatch.NewWorker(queue, svc, nil, clk, m, logger, cfg.WorkerPollInterval,
		retry.Policy{Base: cfg.RetryBase, MaxAttempts: cfg.RetryMaxAttempts})

	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()
	go worker.Run(workerCtx)

	r := chi.NewRouter()
	server.SetupRouter(r, cfg, st, cacheClient, cacheMgr, svc, disp)
	srv := httptest.NewServer(r)
	defer srv.Close()

	// Unauthenticated mutation is rejected.
	resp := doJSON(t, srv, http.MethodPost, "/events", map[string]interface{}{"id": "x"}, false)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	resp = doJSON(t, srv, http.MethodPost, "/events", map[string]interface{}{
		"id": "show-1", "name": "Show", "total_tickets": 2,
	}, true)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create event: status %d", resp.StatusCode)
	}

	// Three buyers race for two tickets.
	jobs := make(map[string]int64)
	for _, user := range []string{"alice", "bob", "carol"} {
		resp = doJSON(t, srv, http.MethodPost, "/queue/reserve", map[string]interface{}{
			"event_id": "show-1", "user_id": user, "quantity": 1,
		}, true)
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("reserve %s: status %d", user, resp.StatusCode)
		}
		var res dispatch.ReserveResult
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			t.Fatalf("decode reserve response: %s", err)
		}
		resp.Body.Close()
		jobs[user] = res.PrimaryJobID
	}

	// Wait until the worker has executed all three reservations.
	for user, jobID := range jobs {
		deadline := time.Now().Add(5 * time.Second)
		for {
			resp = doJSON(t, srv, http.MethodGet, fmt.Sprintf("/queue/job-status?id=%d&queue=primary", jobID), nil, false)
			var status dispatch.JobStatus
			err := json.NewDecoder(resp.Body).Decode(&status)
			resp.Body.Close()
			if err == nil && status.State == dispatch.StateCompleted {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("job for %s never completed, last state %q", user, status.State)
			}
			time.Sleep(50 * time.Millisecond)
		}
	}

	// First two got offers, carol queues at position 3.
	resp = doJSON(t, srv, http.MethodGet, "/queue/position?event_id=show-1&user_id=carol", nil, false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("position: status %d", resp.StatusCode)
	}
	var pos waitlist.QueuePosition
	if err := json.NewDecoder(resp.Body).Decode(&pos); err != nil {
		t.Fatalf("decode position: %s", err)
	}
	resp.Body.Close()
	if pos.Position != 3 {
		t.Fatalf("expected carol at position 3, got %d", pos.Position)
	}
	if pos.Entry.Status != store.EntryWaiting {
		t.Fatalf("expected carol waiting, got %s", pos.Entry.Status)
	}

	resp = doJSON(t, srv, http.MethodGet, "/events/show-1/availability", nil, false)
	var avail waitlist.Availability
	if err := json.NewDecoder(resp.Body).Decode(&avail); err != nil {
		t.Fatalf("decode availability: %s", err)
	}
	resp.Body.Close()
	if avail.Slots != 0 {
		t.Fatalf("expected both tickets held by offers, got %d slots", avail.Slots)
	}

	// Alice bows out; her slot cascades to carol.
	alice, err := st.ActiveEntry(ctx, "show-1", "alice")
	if err != nil || alice == nil {
		t.Fatalf("load alice entry: %v %v", alice, err)
	}
	resp = doJSON(t, srv, http.MethodPost, "/queue/release", map[string]interface{}{
		"event_id": "show-1", "entry_id": alice.ID, "user_id": "alice",
	}, true)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("release: status %d", resp.StatusCode)
	}

	carol, err := st.ActiveEntry(ctx, "show-1", "carol")
	if err != nil || carol == nil {
		t.Fatalf("load carol entry: %v %v", carol, err)
	}
	if carol.Status != store.EntryOffered {
		t.Fatalf("expected carol promoted after release, got %s", carol.Status)
	}

	// Bob converts his offer into a ticket.
	bob, err := st.ActiveEntry(ctx, "show-1", "bob")
	if err != nil || bob == nil {
		t.Fatalf("load bob entry: %v %v", bob, err)
	}
	resp = doJSON(t, srv, http.MethodPost, "/queue/purchase", map[string]interface{}{"entry_id": bob.ID}, true)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("purchase: status %d", resp.StatusCode)
	}
	count, err := st.CountCommittedTickets(ctx, "show-1")
	if err != nil {
		t.Fatalf("count tickets: %s", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 committed ticket, got %d", count)
	}

	// Event details come back through the cache layer.
	resp = doJSON(t, srv, http.MethodGet, "/events/show-1", nil, false)
	var ev store.Event
	if err := json.NewDecoder(resp.Body).Decode(&ev); err != nil {
		t.Fatalf("decode event: %s", err)
	}
	resp.Body.Close()
	if ev.ID != "show-1" || ev.TotalTickets != 2 {
		t.Fatalf("unexpected event payload: %+v", ev)
	}

	resp = doJSON(t, srv, http.MethodGet, "/health", nil, false)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: status %d", resp.StatusCode)
	}
}
