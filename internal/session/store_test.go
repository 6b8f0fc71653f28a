package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func setupSQLiteStore(t *testing.T) (*SQLiteStore, func()) {
	t.Helper()

	f, err := os.CreateTemp("", "session_test_*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	dbPath := f.Name()
	f.Close()

	store, err := NewSQLiteStore(StoreConfig{Path: dbPath, WALMode: true})
	if err != nil {
		os.Remove(dbPath)
		t.Fatalf("failed to open store: %v", err)
	}

	cleanup := func() {
		store.Close()
		os.Remove(dbPath)
		os.Remove(dbPath + "-wal")
		os.Remove(dbPath + "-shm")
	}
	return store, cleanup
}

func setupJSONLStore(t *testing.T) *JSONLStore {
	t.Helper()
	store, err := NewJSONLStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open jsonl store: %v", err)
	}
	return store
}

func sampleSession(key string, n int) *StoredSession {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	sess := &StoredSession{
		Key:       key,
		ID:        "id-" + key,
		Model:     "claude-sonnet",
		MaxTokens: 1000,
		CreatedAt: base,
		UpdatedAt: base,
		Metadata:  map[string]any{"channel": "telegram"},
	}
	for i := 0; i < n; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		sess.Messages = append(sess.Messages, Message{
			ID:        "m" + string(rune('a'+i)),
			Role:      role,
			Content:   strings.Repeat("x", i+1),
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Tokens:    i + 1,
		})
	}
	return sess
}

// storeContract runs the behaviour every Store must share.
func storeContract(t *testing.T, store Store) {
	ctx := context.Background()

	if _, err := store.Load(ctx, "telegram:1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Load of missing session: expected ErrSessionNotFound, got %v", err)
	}

	want := sampleSession("telegram:1", 3)
	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	extra := Message{
		ID:        "md",
		Role:      "user",
		Content:   "appended",
		Timestamp: want.CreatedAt.Add(time.Minute),
		Source:    "telegram",
		Extra:     map[string]any{"reply_to": "mc"},
	}
	if err := store.AppendMessage(ctx, "telegram:1", &extra); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}

	got, err := store.Load(ctx, "telegram:1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.ID != want.ID || got.Model != want.Model || got.MaxTokens != want.MaxTokens {
		t.Errorf("header mismatch: got %+v", got)
	}
	if got.Metadata["channel"] != "telegram" {
		t.Errorf("metadata not preserved: %v", got.Metadata)
	}
	if len(got.Messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(got.Messages))
	}
	for i := 0; i < 3; i++ {
		if got.Messages[i].Content != want.Messages[i].Content || got.Messages[i].Role != want.Messages[i].Role {
			t.Errorf("message %d mismatch: got %+v", i, got.Messages[i])
		}
		if !got.Messages[i].Timestamp.Equal(want.Messages[i].Timestamp) {
			t.Errorf("message %d timestamp: got %v want %v", i, got.Messages[i].Timestamp, want.Messages[i].Timestamp)
		}
	}
	last := got.Messages[3]
	if last.Content != "appended" || last.Source != "telegram" {
		t.Errorf("appended message mismatch: %+v", last)
	}
	if last.Extra["reply_to"] != "mc" {
		t.Errorf("extra field lost: %v", last.Extra)
	}

	// Save is a full replace
	got.Messages = got.Messages[2:]
	if err := store.Save(ctx, got); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}
	again, err := store.Load(ctx, "telegram:1")
	if err != nil {
		t.Fatalf("Load after replace failed: %v", err)
	}
	if len(again.Messages) != 2 || again.Messages[0].Content != "xxx" {
		t.Errorf("replace not applied: %+v", again.Messages)
	}

	older := sampleSession("telegram:2", 1)
	older.UpdatedAt = older.CreatedAt.Add(-time.Hour)
	if err := store.Save(ctx, older); err != nil {
		t.Fatalf("Save older failed: %v", err)
	}
	list, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(list))
	}
	if list[0].Key != "telegram:1" || list[1].Key != "telegram:2" {
		t.Errorf("list order: got %s, %s", list[0].Key, list[1].Key)
	}
	if list[0].MessageCount != 2 {
		t.Errorf("expected message count 2, got %d", list[0].MessageCount)
	}

	deleted, err := store.Delete(ctx, "telegram:2")
	if err != nil || !deleted {
		t.Fatalf("Delete: deleted=%v err=%v", deleted, err)
	}
	deleted, err = store.Delete(ctx, "telegram:2")
	if err != nil || deleted {
		t.Errorf("second Delete: deleted=%v err=%v", deleted, err)
	}
}

func TestSQLiteStoreContract(t *testing.T) {
	store, cleanup := setupSQLiteStore(t)
	defer cleanup()
	storeContract(t, store)
}

func TestJSONLStoreContract(t *testing.T) {
	storeContract(t, setupJSONLStore(t))
}

func TestSQLiteStoreMigrateIsIdempotent(t *testing.T) {
	store, cleanup := setupSQLiteStore(t)
	defer cleanup()

	if err := store.Migrate(); err != nil {
		t.Fatalf("second Migrate failed: %v", err)
	}
	var version int
	if err := store.db.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&version); err != nil {
		t.Fatalf("query version: %v", err)
	}
	if version != currentSchemaVersion {
		t.Errorf("expected schema version %d, got %d", currentSchemaVersion, version)
	}
}

func TestJSONLFileLayout(t *testing.T) {
	store := setupJSONLStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, sampleSession("whatsapp:+27/82", 1)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	path := filepath.Join(store.dir, "whatsapp_+27_82.jsonl")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected session file at %s: %v", path, err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected metadata + 1 message line, got %d lines", len(lines))
	}
	if !strings.Contains(lines[0], `"_type":"metadata"`) {
		t.Errorf("first line is not a metadata record: %s", lines[0])
	}
	if !strings.Contains(lines[1], `"timestamp":"2025-03-01T12:00:00.000000"`) {
		t.Errorf("unexpected timestamp form: %s", lines[1])
	}
}

func TestJSONLAppendToMissingSession(t *testing.T) {
	store := setupJSONLStore(t)
	err := store.AppendMessage(context.Background(), "telegram:404", &Message{Role: "user", Content: "hi"})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSafeFilename(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"telegram:12345", "telegram_12345"},
		{`a<b>c"d/e\f|g?h*i`, "a_b_c_d_e_f_g_h_i"},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		if got := SafeFilename(tt.key); got != tt.want {
			t.Errorf("SafeFilename(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestJSONLStoreLocksPerSession(t *testing.T) {
	store := setupJSONLStore(t)
	ctx := context.Background()

	unlock := store.lock("telegram:busy")
	defer unlock()

	done := make(chan error, 1)
	go func() { done <- store.Save(ctx, sampleSession("telegram:idle", 2)) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("write to one session waited on another session's lock")
	}
}
