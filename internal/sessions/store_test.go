package sessions

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ANTFOR7717/mastraclaw/pkg/models"
)

func seedMessages() []*models.Message {
	return []*models.Message{
		models.NewTextMessage(models.RoleUser, "first"),
		models.NewTextMessage(models.RoleAssistant, "second"),
		models.NewTextMessage(models.RoleUser, "third"),
	}
}

// storeUnderTest runs the shared Store contract against one implementation.
func storeUnderTest(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	session := &models.Session{ID: "s1", Kind: models.SessionDirect, CreatedAt: time.Now()}
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatal(err)
	}
	got, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "s1" || got.Kind != models.SessionDirect {
		t.Errorf("session = %+v", got)
	}
	if _, err := store.GetSession(ctx, "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("missing session error = %v", err)
	}

	if err := store.AppendMessages(ctx, "s1", seedMessages()); err != nil {
		t.Fatal(err)
	}
	history, err := store.ReadBranch(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 3 {
		t.Fatalf("history length = %d", len(history))
	}
	if history[0].Text() != "first" || history[2].Text() != "third" {
		t.Errorf("history order wrong: %v, %v", history[0].Text(), history[2].Text())
	}

	// Replace the first two messages with one summary.
	summary := models.NewTextMessage(models.RoleAssistant, "summary of earlier turns")
	if err := store.RewritePrefix(ctx, "s1", 2, []*models.Message{summary}); err != nil {
		t.Fatal(err)
	}
	history, err = store.ReadBranch(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("after rewrite, history length = %d", len(history))
	}
	if history[0].Text() != "summary of earlier turns" || history[1].Text() != "third" {
		t.Errorf("rewrite produced %v, %v", history[0].Text(), history[1].Text())
	}

	// Appends after a rewrite continue the log.
	if err := store.AppendMessages(ctx, "s1", []*models.Message{
		models.NewTextMessage(models.RoleUser, "fourth"),
	}); err != nil {
		t.Fatal(err)
	}
	history, _ = store.ReadBranch(ctx, "s1")
	if len(history) != 3 || history[2].Text() != "fourth" {
		t.Fatalf("append after rewrite broken: %d messages", len(history))
	}
}

func TestMemoryStore(t *testing.T) {
	storeUnderTest(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	storeUnderTest(t, store)
}

func TestSQLiteStore(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	storeUnderTest(t, store)
}

func TestRepairDropsOrphanToolTurns(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	orphan := &models.Message{Role: models.RoleTool, Parts: []models.ContentPart{
		models.ToolResultPart(models.ToolResult{ToolCallID: "ghost", Content: "x"}),
	}}
	paired := []*models.Message{
		models.NewTextMessage(models.RoleUser, "hello"),
		orphan,
		{Role: models.RoleAssistant, Parts: []models.ContentPart{
			models.ToolCallPart(models.ToolCall{ID: "c1", Name: "read_file"}),
		}},
		{Role: models.RoleTool, Parts: []models.ContentPart{
			models.ToolResultPart(models.ToolResult{ToolCallID: "c1", Content: "data"}),
		}},
	}
	if err := store.AppendMessages(ctx, "s1", paired); err != nil {
		t.Fatal(err)
	}

	if err := store.RepairIfNeeded(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	history, _ := store.ReadBranch(ctx, "s1")
	if len(history) != 3 {
		t.Fatalf("history length = %d, want orphan dropped", len(history))
	}

	// A second repair is a no-op.
	if err := store.RepairIfNeeded(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	again, _ := store.ReadBranch(ctx, "s1")
	if len(again) != 3 {
		t.Errorf("repair is not idempotent: %d messages", len(again))
	}
}

func TestFileStoreRewriteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.AppendMessages(ctx, "s1", seedMessages()); err != nil {
		t.Fatal(err)
	}
	summary := models.NewTextMessage(models.RoleAssistant, "summary")
	if err := store.RewritePrefix(ctx, "s1", 2, []*models.Message{summary}); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	history, err := reopened.ReadBranch(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 || history[0].Text() != "summary" {
		t.Fatalf("reopened history = %d messages", len(history))
	}
}

func TestLockManagerMutualExclusion(t *testing.T) {
	mgr := NewLockManager(time.Second)
	ctx := context.Background()

	release, err := mgr.Acquire(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if !mgr.IsLocked("s1") {
		t.Error("lock not reported held")
	}
	if _, ok := mgr.TryAcquire("s1"); ok {
		t.Error("second writer acquired a held lock")
	}
	// Independent sessions do not contend.
	if r2, ok := mgr.TryAcquire("s2"); !ok {
		t.Error("different session blocked")
	} else {
		r2()
	}

	release()
	release() // double release is safe

	if r3, ok := mgr.TryAcquire("s1"); !ok {
		t.Error("lock not released")
	} else {
		r3()
	}
}

func TestWithWriteLockReleasesOnError(t *testing.T) {
	mgr := NewLockManager(time.Second)
	ctx := context.Background()

	wantErr := errors.New("boom")
	if err := mgr.WithWriteLock(ctx, "s1", func() error { return wantErr }); !errors.Is(err, wantErr) {
		t.Fatalf("err = %v", err)
	}
	if mgr.IsLocked("s1") {
		t.Error("lock leaked after error return")
	}
}

func TestLockSerializesWriters(t *testing.T) {
	mgr := NewLockManager(5 * time.Second)
	store := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = mgr.WithWriteLock(ctx, "s1", func() error {
				return store.AppendMessages(ctx, "s1", []*models.Message{
					models.NewTextMessage(models.RoleUser, "turn"),
					models.NewTextMessage(models.RoleAssistant, "reply"),
				})
			})
		}()
	}
	wg.Wait()

	history, _ := store.ReadBranch(ctx, "s1")
	if len(history) != 16 {
		t.Fatalf("got %d messages, want 16", len(history))
	}
	// Pairs never interleave under the lock.
	for i := 0; i < len(history); i += 2 {
		if history[i].Role != models.RoleUser || history[i+1].Role != models.RoleAssistant {
			t.Fatalf("interleaved writes at %d", i)
		}
	}
}
