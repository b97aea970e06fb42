//go:build integration
// +build integration

package tests

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"

	"ticketq/internal/breaker"
	"ticketq/internal/cache"
	"ticketq/internal/clock"
	"ticketq/internal/dispatch"
	"ticketq/internal/id"
	"ticketq/internal/log"
	"ticketq/internal/metrics"
	"ticketq/internal/store"
	"ticketq/internal/waitlist"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func setupTestDB(ctx context.Context) (string, func(), error) {
	if url := os.Getenv("TEST_DB_URL"); url != "" {
		return url, func() {}, nil
	}
	pgContainer, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15"),
		postgres.WithDatabase("ticketq"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("securepassword"),
	)
	if err != nil {
		return "", nil, fmt.Errorf("failed to start postgres container: %w", err)
	}

	dbURL, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return "", nil, fmt.Errorf("failed to get connection string for postgres: %w", err)
	}

	cleanup := func() {
		pgContainer.Terminate(ctx)
	}

	return dbURL, cleanup, nil
}

func setupTestRedis(ctx context.Context) (string, func(), error) {
	if addr := os.Getenv("TEST_REDIS_ADDR"); addr != "" {
		return addr, func() {}, nil
	}
	redisContainer, err := tcRedis.RunContainer(ctx, testcontainers.WithImage("redis:7"))
	if err != nil {
		return "", nil, fmt.Errorf("failed to start redis container: %w", err)
	}

	redisAddr, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		return "", nil, fmt.Errorf("failed to get redis endpoint: %w", err)
	}

	cleanup := func() {
		redisContainer.Terminate(ctx)
	}

	return redisAddr, cleanup, nil
}

func resetTables(t *testing.T, dbURL string) {
	t.Helper()
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("open db: %s", err)
	}
	defer db.Close()
	db.Exec("TRUNCATE TABLE tickets, waitlist_entries, events")
}

func waitForStatus(t *testing.T, st *store.Store, entryID int64, want store.EntryStatus, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		entry, err := st.GetEntry(context.Background(), entryID)
		if err == nil && entry.Status == want {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	entry, _ := st.GetEntry(context.Background(), entryID)
	t.Fatalf("entry %d never reached %s, last seen %s", entryID, want, entry.Status)
}

func TestWaitlistIntegration(t *testing.T) {
	ctx := context.Background()

	dbURL, cleanupDB, err := setupTestDB(ctx)
	if err != nil {
		t.Fatalf("setup db failed: %s", err)
	}
	defer cleanupDB()

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

	node, err := id.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %s", err)
	}
	m := metrics.New(":0", logger)

	// Short TTL so the deferred expiry timer fires within the test.
	svc := waitlist.NewService(st, clock.NewSystem(), node, nil, m, logger, 300*time.Millisecond)
	defer svc.Stop()

	if err := st.CreateEvent(ctx, store.Event{ID: "gig-1", Name: "Gig", TotalTickets: 1}); err != nil {
		t.Fatalf("create event: %s", err)
	}

	first, err := svc.JoinQueue(ctx, "gig-1", "alice", "", 1)
	if err != nil {
		t.Fatalf("join alice: %s", err)
	}
	if first.Status != store.EntryOffered {
		t.Fatalf("expected alice promoted immediately, got %s", first.Status)
	}

	second, err := svc.JoinQueue(ctx, "gig-1", "bob", "", 1)
	if err != nil {
		t.Fatalf("join bob: %s", err)
	}
	if second.Status != store.EntryWaiting {
		t.Fatalf("expected bob queued behind the offer, got %s", second.Status)
	}

	pos, err := svc.Position(ctx, "gig-1", "bob")
	if err != nil {
		t.Fatalf("position: %s", err)
	}
	if pos == nil || pos.Position != 2 {
		t.Fatalf("expected bob at position 2, got %+v", pos)
	}

	// Alice's offer lapses and the slot cascades to bob.
	waitForStatus(t, st, first.ID, store.EntryExpired, 3*time.Second)
	waitForStatus(t, st, second.ID, store.EntryOffered, 3*time.Second)

	converted, err := svc.ConfirmPurchase(ctx, second.ID)
	if err != nil {
		t.Fatalf("confirm purchase: %s", err)
	}
	if !converted {
		t.Fatalf("expected bob's offer to convert")
	}

	count, err := st.CountCommittedTickets(ctx, "gig-1")
	if err != nil {
		t.Fatalf("count tickets: %s", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 committed ticket, got %d", count)
	}

	avail, err := svc.AvailableSlots(ctx, "gig-1")
	if err != nil {
		t.Fatalf("available slots: %s", err)
	}
	if avail.Slots != 0 || avail.Unbounded {
		t.Fatalf("expected sold out, got %+v", avail)
	}
}

func TestDispatchIntegration(t *testing.T) {
	ctx := context.Background()

	redisAddr, cleanupRedis, err := setupTestRedis(ctx)
	if err != nil {
		t.Fatalf("setup redis failed: %s", err)
	}
	defer cleanupRedis()

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer rdb.Close()
	rdb.FlushAll(ctx)

	logger := log.NewNop()
	node, err := id.NewNode(2)
	if err != nil {
		t.Fatalf("new node: %s", err)
	}
	m := metrics.New(":0", logger)
	queue := dispatch.NewRedisQueue(rdb, time.Hour)
	disp := dispatch.NewDispatcher(queue, node, nil, clock.NewSystem(), m, logger, 50*time.Millisecond)

	res, err := disp.Reserve(ctx, dispatch.ReserveInput{EventID: "gig-1", UserID: "alice", Quantity: 1})
	if err != nil {
		t.Fatalf("reserve: %s", err)
	}
	if res.Path != dispatch.PathBoth {
		t.Fatalf("expected both paths, got %s", res.Path)
	}

	job, err := queue.PopPrimary(ctx)
	if err != nil {
		t.Fatalf("pop primary: %s", err)
	}
	if job == nil || job.PrimaryJobID != res.PrimaryJobID {
		t.Fatalf("expected the dispatched job on the primary list, got %+v", job)
	}

	// The backup copy is not due yet.
	early, err := queue.PopDueBackup(ctx, time.Now())
	if err != nil {
		t.Fatalf("pop backup: %s", err)
	}
	if early != nil {
		t.Fatalf("backup job due too early: %+v", early)
	}

	backup, err := queue.PopDueBackup(ctx, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("pop due backup: %s", err)
	}
	if backup == nil || backup.DedupeKey != job.DedupeKey {
		t.Fatalf("expected the delayed backup copy, got %+v", backup)
	}

	claimed, err := queue.ClaimCompletion(ctx, job.DedupeKey)
	if err != nil {
		t.Fatalf("claim: %s", err)
	}
	if !claimed {
		t.Fatalf("first claim must win")
	}
	claimed, err = queue.ClaimCompletion(ctx, job.DedupeKey)
	if err != nil {
		t.Fatalf("second claim: %s", err)
	}
	if claimed {
		t.Fatalf("second claim must lose")
	}

	status, err := disp.Status(ctx, res.PrimaryJobID, "primary")
	if err != nil {
		t.Fatalf("status: %s", err)
	}
	if status == nil || status.State != dispatch.StatePending {
		t.Fatalf("expected pending status, got %+v", status)
	}
}

func TestCacheIntegration(t *testing.T) {
	ctx := context.Background()

	redisAddr, cleanupRedis, err := setupTestRedis(ctx)
	if err != nil {
		t.Fatalf("setup redis failed: %s", err)
	}
	defer cleanupRedis()

	logger := log.NewNop()
	m := metrics.New(":0", logger)
	clk := clock.NewSystem()
	brk := breaker.New(5, time.Second, clk)
	client := cache.NewClient(redisAddr, "", 10, brk, 500*time.Millisecond, logger)
	mgr, err := cache.NewManager(client, clk, 1024, m, logger)
	if err != nil {
		t.Fatalf("new manager: %s", err)
	}

	policy := cache.Config{TTL: time.Minute, StaleWhileRevalidate: time.Minute, BackgroundRefresh: true}
	fetches := 0
	fetch := func(context.Context) ([]byte, error) {
		fetches++
		return []byte(`{"slots":5}`), nil
	}

	got, err := mgr.Get(ctx, "itest:availability", policy, fetch)
	if err != nil {
		t.Fatalf("first get: %s", err)
	}
	if string(got) != `{"slots":5}` {
		t.Fatalf("unexpected value %q", got)
	}

	// The write-back is asynchronous; wait for it to land.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, found, _ := client.Get(ctx, "itest:availability"); found {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	before := fetches
	if _, err := mgr.Get(ctx, "itest:availability", policy, fetch); err != nil {
		t.Fatalf("cached get: %s", err)
	}
	if fetches != before {
		t.Fatalf("expected a fresh hit without refetch, fetches went %d -> %d", before, fetches)
	}

	mgr.Invalidate(ctx, "itest:availability")
	if _, err := mgr.Get(ctx, "itest:availability", policy, fetch); err != nil {
		t.Fatalf("get after invalidate: %s", err)
	}
	if fetches != before+1 {
		t.Fatalf("expected refetch after invalidate, fetches %d", fetches)
	}
}
