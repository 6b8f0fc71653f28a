package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func countChars(text string) int { return len(text) }

func newTestManager(store Store) *Manager {
	return NewManager(store, ManagerConfig{
		DefaultModel:     "test-model",
		DefaultMaxTokens: 100,
		TokenCounter:     countChars,
	})
}

// failingStore wraps a Store and fails Save while failSave is set.
type failingStore struct {
	Store
	mu       sync.Mutex
	failSave bool
}

func (f *failingStore) Save(ctx context.Context, sess *StoredSession) error {
	f.mu.Lock()
	fail := f.failSave
	f.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return f.Store.Save(ctx, sess)
}

func (f *failingStore) setFail(v bool) {
	f.mu.Lock()
	f.failSave = v
	f.mu.Unlock()
}

func TestManagerGetOrCreatePersists(t *testing.T) {
	store, cleanup := setupSQLiteStore(t)
	defer cleanup()
	ctx := context.Background()

	mgr := newTestManager(store)
	if _, err := mgr.Get(ctx, "telegram:1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	sess, err := mgr.GetOrCreate(ctx, "telegram:1")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if sess.ID == "" || sess.Model() != "test-model" || sess.MaxTokens() != 100 {
		t.Errorf("unexpected new session: id=%q model=%q max=%d", sess.ID, sess.Model(), sess.MaxTokens())
	}

	again, err := mgr.GetOrCreate(ctx, "telegram:1")
	if err != nil {
		t.Fatalf("second GetOrCreate failed: %v", err)
	}
	if again != sess {
		t.Error("expected the cached session handle")
	}

	if _, err := mgr.Append(ctx, "telegram:1", Message{Role: "user", Content: "hello"}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	// A fresh manager over the same store sees the persisted history
	other := newTestManager(store)
	loaded, err := other.Get(ctx, "telegram:1")
	if err != nil {
		t.Fatalf("Get from second manager failed: %v", err)
	}
	msgs := loaded.GetMessages()
	if len(msgs) != 1 || msgs[0].Content != "hello" {
		t.Fatalf("expected persisted message, got %+v", msgs)
	}
	if msgs[0].ID == "" || msgs[0].Timestamp.IsZero() || msgs[0].Tokens != 5 {
		t.Errorf("append defaults not applied: %+v", msgs[0])
	}
	if loaded.ID != sess.ID {
		t.Errorf("session id changed across load: %s vs %s", loaded.ID, sess.ID)
	}
}

func TestManagerHistory(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(nil)

	for i := 0; i < 60; i++ {
		if _, err := mgr.Append(ctx, "cli:me", Message{Role: "user", Content: fmt.Sprintf("m%d", i), Source: "cli"}); err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
	}

	hist, err := mgr.History(ctx, "cli:me", 0)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(hist) != DefaultHistoryLimit {
		t.Fatalf("expected %d messages, got %d", DefaultHistoryLimit, len(hist))
	}
	if hist[0].Content != "m10" || hist[len(hist)-1].Content != "m59" {
		t.Errorf("unexpected window: first=%s last=%s", hist[0].Content, hist[len(hist)-1].Content)
	}
	if hist[0].Source != "" || hist[0].ID != "" {
		t.Errorf("history should carry role and content only: %+v", hist[0])
	}

	hist, _ = mgr.History(ctx, "cli:me", 5)
	if len(hist) != 5 {
		t.Errorf("expected 5 messages, got %d", len(hist))
	}
}

func TestManagerClearKeepsMetadata(t *testing.T) {
	store := setupJSONLStore(t)
	ctx := context.Background()
	mgr := newTestManager(store)

	sess, err := mgr.Append(ctx, "telegram:9", Message{Role: "user", Content: "hi"})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	err = sess.ReplacePrefix(ctx, 1, Message{Role: "system", Content: "sum"}, func(meta map[string]any) {
		meta["compactions"] = map[string]any{"total": 1}
	})
	if err != nil {
		t.Fatalf("ReplacePrefix failed: %v", err)
	}

	if err := mgr.Clear(ctx, "telegram:9"); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if sess.MessageCount() != 0 {
		t.Errorf("expected empty history, got %d", sess.MessageCount())
	}

	loaded, err := store.Load(ctx, "telegram:9")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(loaded.Messages) != 0 {
		t.Errorf("expected cleared history on disk, got %d", len(loaded.Messages))
	}
	if _, ok := loaded.Metadata["compactions"]; !ok {
		t.Error("telemetry must survive clear")
	}
}

func TestManagerDelete(t *testing.T) {
	store, cleanup := setupSQLiteStore(t)
	defer cleanup()
	ctx := context.Background()
	mgr := newTestManager(store)

	if _, err := mgr.GetOrCreate(ctx, "telegram:5"); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	deleted, err := mgr.Delete(ctx, "telegram:5")
	if err != nil || !deleted {
		t.Fatalf("Delete: deleted=%v err=%v", deleted, err)
	}
	if _, err := mgr.Get(ctx, "telegram:5"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound after delete, got %v", err)
	}
	deleted, _ = mgr.Delete(ctx, "telegram:5")
	if deleted {
		t.Error("second delete should report false")
	}
}

func TestReplacePrefixRollsBackOnSaveFailure(t *testing.T) {
	inner := setupJSONLStore(t)
	store := &failingStore{Store: inner}
	ctx := context.Background()
	mgr := newTestManager(store)

	var sess *Session
	var err error
	for i := 0; i < 4; i++ {
		sess, err = mgr.Append(ctx, "telegram:7", Message{Role: "user", Content: fmt.Sprintf("m%d", i)})
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	before := sess.GetMessages()
	beforeMeta := sess.Metadata()

	store.setFail(true)
	err = sess.ReplacePrefix(ctx, 2, Message{Role: "system", Content: "summary"}, func(meta map[string]any) {
		meta["compactions"] = map[string]any{"total": 1}
	})
	if err == nil {
		t.Fatal("expected save failure")
	}

	after := sess.GetMessages()
	if len(after) != len(before) {
		t.Fatalf("history not rolled back: %d vs %d", len(after), len(before))
	}
	for i := range before {
		if after[i].Content != before[i].Content || after[i].ID != before[i].ID {
			t.Errorf("message %d changed: %+v", i, after[i])
		}
	}
	if _, ok := sess.Metadata()["compactions"]; ok || len(beforeMeta) != 0 {
		t.Error("metadata not rolled back")
	}
}

func TestReplacePrefixRejectsStalePrefix(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(nil)
	sess, _ := mgr.Append(ctx, "cli:x", Message{Role: "user", Content: "only"})

	err := sess.ReplacePrefix(ctx, 3, Message{Role: "system", Content: "s"}, nil)
	if !errors.Is(err, ErrHistoryChanged) {
		t.Errorf("expected ErrHistoryChanged, got %v", err)
	}
}

func TestConcurrentAppendsAreNotLost(t *testing.T) {
	store, cleanup := setupSQLiteStore(t)
	defer cleanup()
	ctx := context.Background()
	mgr := newTestManager(store)

	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := mgr.Append(ctx, "telegram:42", Message{Role: "user", Content: fmt.Sprintf("%d-%d", w, i)}); err != nil {
					t.Errorf("Append failed: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	sess, _ := mgr.Get(ctx, "telegram:42")
	if got := sess.MessageCount(); got != writers*perWriter {
		t.Errorf("expected %d messages in memory, got %d", writers*perWriter, got)
	}
	loaded, err := store.Load(ctx, "telegram:42")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(loaded.Messages) != writers*perWriter {
		t.Errorf("expected %d persisted messages, got %d", writers*perWriter, len(loaded.Messages))
	}
}

func TestAcquireRewriteHonorsContext(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(nil)
	sess, _ := mgr.GetOrCreate(ctx, "cli:slot")

	release, err := sess.AcquireRewrite(ctx)
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	defer release()

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := sess.AcquireRewrite(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded while slot is held, got %v", err)
	}
}

func TestUsageRatio(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(nil)
	sess, _ := mgr.Append(ctx, "cli:u", Message{Role: "user", Content: "abcdefghij"}) // 10 tokens of 100

	if got := sess.UsageRatio(); got != 0.1 {
		t.Errorf("expected usage 0.1, got %v", got)
	}
	sess.SetMaxTokens(0)
	if got := sess.UsageRatio(); got != 0 {
		t.Errorf("expected 0 usage for unknown window, got %v", got)
	}
}

// slowCreateStore holds Save for one key until gate is closed
type slowCreateStore struct {
	Store
	key     string
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func (s *slowCreateStore) Save(ctx context.Context, sess *StoredSession) error {
	if sess.Key == s.key {
		s.once.Do(func() { close(s.entered) })
		<-s.gate
	}
	return s.Store.Save(ctx, sess)
}

func TestGetOrCreateDoesNotBlockOtherSessions(t *testing.T) {
	store := &slowCreateStore{
		Store:   setupJSONLStore(t),
		key:     "telegram:slow",
		entered: make(chan struct{}),
		gate:    make(chan struct{}),
	}
	ctx := context.Background()
	mgr := newTestManager(store)

	if _, err := mgr.Append(ctx, "telegram:fast", Message{Role: "user", Content: "hi"}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	first := make(chan *Session, 1)
	go func() {
		sess, err := mgr.GetOrCreate(ctx, "telegram:slow")
		if err != nil {
			t.Errorf("GetOrCreate failed: %v", err)
		}
		first <- sess
	}()
	<-store.entered

	done := make(chan error, 1)
	go func() {
		sess, err := mgr.Get(ctx, "telegram:fast")
		if err != nil {
			done <- err
			return
		}
		done <- sess.ReplacePrefix(ctx, 1, Message{Role: "system", Content: "summary"}, nil)
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("rewrite of other session failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		close(store.gate)
		t.Fatal("other session blocked behind a creation in progress")
	}

	// A second caller for the same key waits for the first save and gets the same handle.
	second := make(chan *Session, 1)
	go func() {
		sess, _ := mgr.GetOrCreate(ctx, "telegram:slow")
		second <- sess
	}()
	close(store.gate)
	a, b := <-first, <-second
	if a == nil || a != b {
		t.Errorf("expected one shared handle, got %p and %p", a, b)
	}
}

func TestDeleteRetiresLiveHandle(t *testing.T) {
	store := setupJSONLStore(t)
	ctx := context.Background()
	mgr := newTestManager(store)

	var sess *Session
	var err error
	for i := 0; i < 4; i++ {
		if sess, err = mgr.Append(ctx, "telegram:8", Message{Role: "user", Content: fmt.Sprintf("m%d", i)}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	// A compaction holding the handle across the delete must not write it back.
	release, err := sess.AcquireRewrite(ctx)
	if err != nil {
		t.Fatalf("AcquireRewrite failed: %v", err)
	}
	if deleted, err := mgr.Delete(ctx, "telegram:8"); err != nil || !deleted {
		t.Fatalf("Delete: deleted=%v err=%v", deleted, err)
	}
	err = sess.ReplacePrefix(ctx, 2, Message{Role: "system", Content: "summary"}, nil)
	release()
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound from ReplacePrefix, got %v", err)
	}
	if err := sess.append(ctx, Message{Role: "user", Content: "late"}); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound from append, got %v", err)
	}
	if _, err := store.Load(ctx, "telegram:8"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("deleted session was written back: Load err=%v", err)
	}

	// The key is free for a fresh session
	fresh, err := mgr.Append(ctx, "telegram:8", Message{Role: "user", Content: "again"})
	if err != nil {
		t.Fatalf("Append after delete failed: %v", err)
	}
	if fresh == sess || fresh.MessageCount() != 1 {
		t.Errorf("expected a new session with 1 message, got same=%v count=%d", fresh == sess, fresh.MessageCount())
	}
}
