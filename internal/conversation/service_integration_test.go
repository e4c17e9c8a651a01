package conversation_test

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/switchboardhq/switchboard/internal/conversation"
	"github.com/switchboardhq/switchboard/internal/db"
)

func setupConversationIntegrationTest(t *testing.T) (*conversation.Service, *pgxpool.Pool) {
	t.Helper()

	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("skip integration test: TEST_POSTGRES_DSN is not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Skipf("skip integration test: cannot connect to database: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("skip integration test: database ping failed: %v", err)
	}
	t.Cleanup(pool.Close)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	svc := conversation.NewService(logger, pool, "anthropic:claude-sonnet-4-5", "default prompt")
	return svc, pool
}

func createTestUser(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()
	var id pgtype.UUID
	err := pool.QueryRow(context.Background(),
		`INSERT INTO users (display_name) VALUES ('conversation-test') RETURNING id`).Scan(&id)
	if err != nil {
		t.Fatalf("create test user: %v", err)
	}
	return db.UUIDString(id)
}

func TestGetActiveAutoCreatesOnce(t *testing.T) {
	svc, pool := setupConversationIntegrationTest(t)
	ctx := context.Background()
	userID := createTestUser(t, pool)

	first, err := svc.GetActive(ctx, userID)
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if !first.IsActive || first.ThreadID == "" {
		t.Fatalf("unexpected auto-created conversation: %+v", first)
	}
	if first.Model != "anthropic:claude-sonnet-4-5" {
		t.Fatalf("expected default model, got %q", first.Model)
	}

	second, err := svc.GetActive(ctx, userID)
	if err != nil {
		t.Fatalf("get active again: %v", err)
	}
	if second.ThreadID != first.ThreadID {
		t.Fatal("second GetActive created a new conversation")
	}
}

func TestConcurrentGetActiveSingleWinner(t *testing.T) {
	svc, pool := setupConversationIntegrationTest(t)
	ctx := context.Background()
	userID := createTestUser(t, pool)

	const workers = 8
	threads := make([]string, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conv, err := svc.GetActive(ctx, userID)
			threads[i], errs[i] = conv.ThreadID, err
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if threads[i] != threads[0] {
			t.Fatalf("two active conversations created: %s vs %s", threads[i], threads[0])
		}
	}
}

func TestCreateNewHandsOffActiveAndKeepsHistory(t *testing.T) {
	svc, pool := setupConversationIntegrationTest(t)
	ctx := context.Background()
	userID := createTestUser(t, pool)

	first, err := svc.GetActive(ctx, userID)
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	second, err := svc.CreateNew(ctx, userID, "", "")
	if err != nil {
		t.Fatalf("create new: %v", err)
	}
	if second.ThreadID == first.ThreadID {
		t.Fatal("thread id reused across conversations")
	}
	if !second.IsActive {
		t.Fatal("new conversation must be active")
	}

	all, err := svc.ListFor(ctx, userID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected both conversations listed, got %d", len(all))
	}
	activeCount := 0
	for _, conv := range all {
		if conv.IsActive {
			activeCount++
		}
	}
	if activeCount != 1 {
		t.Fatalf("expected exactly one active conversation, got %d", activeCount)
	}
	if all[0].ThreadID != second.ThreadID {
		t.Fatal("expected most recently updated conversation first")
	}
}

func TestSwitchActiveByIDAndPrefix(t *testing.T) {
	svc, pool := setupConversationIntegrationTest(t)
	ctx := context.Background()
	userID := createTestUser(t, pool)

	first, err := svc.GetActive(ctx, userID)
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if _, err := svc.CreateNew(ctx, userID, "", ""); err != nil {
		t.Fatalf("create new: %v", err)
	}

	switched, err := svc.SwitchActive(ctx, userID, first.ID)
	if err != nil {
		t.Fatalf("switch by id: %v", err)
	}
	if switched.ThreadID != first.ThreadID || !switched.IsActive {
		t.Fatalf("unexpected switch result: %+v", switched)
	}

	active, err := svc.GetActive(ctx, userID)
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if active.ThreadID != first.ThreadID {
		t.Fatal("switch did not take effect")
	}

	// Thread-id prefix also resolves.
	second, err := svc.CreateNew(ctx, userID, "", "")
	if err != nil {
		t.Fatalf("create new: %v", err)
	}
	byPrefix, err := svc.SwitchActive(ctx, userID, second.ThreadID[:8])
	if err != nil {
		t.Fatalf("switch by prefix: %v", err)
	}
	if byPrefix.ThreadID != second.ThreadID {
		t.Fatal("prefix resolved to the wrong conversation")
	}
}

func TestSwitchActiveRejectsForeignConversation(t *testing.T) {
	svc, pool := setupConversationIntegrationTest(t)
	ctx := context.Background()
	owner := createTestUser(t, pool)
	intruder := createTestUser(t, pool)

	conv, err := svc.GetActive(ctx, owner)
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if _, err := svc.SwitchActive(ctx, intruder, conv.ID); err != conversation.ErrConversationNotFound {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
}

func TestUpdateMetadataDoesNotTouchThread(t *testing.T) {
	svc, pool := setupConversationIntegrationTest(t)
	ctx := context.Background()
	userID := createTestUser(t, pool)

	conv, err := svc.GetActive(ctx, userID)
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if err := svc.UpdateTitle(ctx, conv.ID, "groceries"); err != nil {
		t.Fatalf("update title: %v", err)
	}
	if err := svc.UpdateModel(ctx, conv.ID, "openai:gpt-4o"); err != nil {
		t.Fatalf("update model: %v", err)
	}
	if err := svc.UpdateSystemPrompt(ctx, conv.ID, "be terse"); err != nil {
		t.Fatalf("update system prompt: %v", err)
	}

	after, err := svc.GetActive(ctx, userID)
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if after.ThreadID != conv.ThreadID {
		t.Fatal("metadata update must not change the thread id")
	}
	if after.Title != "groceries" || after.Model != "openai:gpt-4o" || after.SystemPrompt != "be terse" {
		t.Fatalf("metadata not applied: %+v", after)
	}
}
