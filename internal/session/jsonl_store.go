package session

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	. "github.com/roelfdiedericks/clawgate/internal/logging"
	"github.com/roelfdiedericks/clawgate/internal/paths"
)

// TimestampLayout is the timestamp form used in JSONL session files.
const TimestampLayout = "2006-01-02T15:04:05.000000"

const (
	recordTypeKey      = "_type"
	recordTypeMetadata = "metadata"
	maxLineSize        = 16 * 1024 * 1024
)

// JSONLStore keeps one file per session: a metadata line followed by one message per line.
type JSONLStore struct {
	dir   string
	locks sync.Map // file name -> *sync.Mutex
}

// NewJSONLStore creates a store rooted at dir
func NewJSONLStore(dir string) (*JSONLStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("jsonl store: directory not set")
	}
	if err := paths.EnsureDir(dir); err != nil {
		return nil, err
	}
	L_info("jsonl: store opened", "dir", dir)
	return &JSONLStore{dir: dir}, nil
}

// SafeFilename turns a session key into a file name: ':' and characters
// unsafe on common filesystems become '_'.
func SafeFilename(key string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ':', '<', '>', '"', '/', '\\', '|', '?', '*':
			return '_'
		}
		return r
	}, key)
}

func (s *JSONLStore) path(key string) string {
	return filepath.Join(s.dir, SafeFilename(key)+".jsonl")
}

// lock serializes writes to one session file. Keys that map to the same
// file name share a lock.
func (s *JSONLStore) lock(key string) func() {
	v, _ := s.locks.LoadOrStore(SafeFilename(key), &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

type metadataRecord struct {
	Type      string         `json:"_type"`
	Key       string         `json:"key,omitempty"`
	ID        string         `json:"id,omitempty"`
	CreatedAt string         `json:"created_at"`
	UpdatedAt string         `json:"updated_at"`
	Model     string         `json:"model,omitempty"`
	MaxTokens int            `json:"max_tokens,omitempty"`
	Metadata  map[string]any `json:"metadata"`
}

// Load reads a session file
func (s *JSONLStore) Load(ctx context.Context, key string) (*StoredSession, error) {
	return s.readFile(s.path(key), key)
}

// readFile parses one session file. key is used when the header doesn't carry one.
func (s *JSONLStore) readFile(path, key string) (*StoredSession, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open session file: %w", err)
	}
	defer f.Close()

	sess := &StoredSession{Key: key, Messages: make([]Message, 0)}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var raw map[string]any
		if err := json.Unmarshal(line, &raw); err != nil {
			L_warn("jsonl: skipping malformed line", "session", key, "line", lineNo, "error", err)
			continue
		}

		if raw[recordTypeKey] == recordTypeMetadata {
			var meta metadataRecord
			if err := json.Unmarshal(line, &meta); err != nil {
				return nil, fmt.Errorf("decode metadata record: %w", err)
			}
			if meta.Key != "" {
				sess.Key = meta.Key
			}
			sess.ID = meta.ID
			sess.Model = meta.Model
			sess.MaxTokens = meta.MaxTokens
			sess.Metadata = meta.Metadata
			sess.CreatedAt = parseTimestamp(meta.CreatedAt)
			sess.UpdatedAt = parseTimestamp(meta.UpdatedAt)
			continue
		}

		sess.Messages = append(sess.Messages, decodeMessage(raw))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}

	if n := len(sess.Messages); n > 0 && sess.Messages[n-1].Timestamp.After(sess.UpdatedAt) {
		sess.UpdatedAt = sess.Messages[n-1].Timestamp
	}
	return sess, nil
}

// Save rewrites the whole session file atomically
func (s *JSONLStore) Save(ctx context.Context, sess *StoredSession) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	header := metadataRecord{
		Type:      recordTypeMetadata,
		Key:       sess.Key,
		ID:        sess.ID,
		CreatedAt: sess.CreatedAt.UTC().Format(TimestampLayout),
		UpdatedAt: sess.UpdatedAt.UTC().Format(TimestampLayout),
		Model:     sess.Model,
		MaxTokens: sess.MaxTokens,
		Metadata:  orEmpty(sess.Metadata),
	}
	if err := enc.Encode(header); err != nil {
		return fmt.Errorf("encode metadata record: %w", err)
	}
	for i := range sess.Messages {
		if err := enc.Encode(encodeMessage(&sess.Messages[i])); err != nil {
			return fmt.Errorf("encode message %d: %w", i, err)
		}
	}

	unlock := s.lock(sess.Key)
	defer unlock()
	if err := writeFileAtomic(s.path(sess.Key), buf.Bytes(), 0640); err != nil {
		return err
	}
	L_trace("jsonl: session saved", "session", sess.Key, "messages", len(sess.Messages))
	return nil
}

// AppendMessage appends one line to an existing session file
func (s *JSONLStore) AppendMessage(ctx context.Context, key string, msg *Message) error {
	line, err := json.Marshal(encodeMessage(msg))
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	unlock := s.lock(key)
	defer unlock()

	f, err := os.OpenFile(s.path(key), os.O_WRONLY|os.O_APPEND, 0640)
	if errors.Is(err, os.ErrNotExist) {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("open session file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return f.Sync()
}

// Delete removes the session file
func (s *JSONLStore) Delete(ctx context.Context, key string) (bool, error) {
	unlock := s.lock(key)
	defer unlock()

	err := os.Remove(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delete session file: %w", err)
	}
	return true, nil
}

// List reads every session header, most recently updated first
func (s *JSONLStore) List(ctx context.Context) ([]StoredSessionInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read sessions directory: %w", err)
	}

	var out []StoredSessionInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		// Files without a key in the header fall back to the name with '_' read as ':'.
		key := strings.ReplaceAll(strings.TrimSuffix(e.Name(), ".jsonl"), "_", ":")
		sess, err := s.readFile(filepath.Join(s.dir, e.Name()), key)
		if err != nil {
			L_warn("jsonl: skipping unreadable session", "file", e.Name(), "error", err)
			continue
		}
		out = append(out, StoredSessionInfo{
			Key:          sess.Key,
			ID:           sess.ID,
			CreatedAt:    sess.CreatedAt,
			UpdatedAt:    sess.UpdatedAt,
			MessageCount: len(sess.Messages),
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// Close is a no-op; files are opened per operation
func (s *JSONLStore) Close() error {
	return nil
}

func encodeMessage(msg *Message) map[string]any {
	rec := make(map[string]any, len(msg.Extra)+6)
	for k, v := range msg.Extra {
		rec[k] = v
	}
	rec["role"] = msg.Role
	rec["content"] = msg.Content
	rec["timestamp"] = msg.Timestamp.UTC().Format(TimestampLayout)
	if msg.ID != "" {
		rec["id"] = msg.ID
	}
	if msg.Source != "" {
		rec["source"] = msg.Source
	}
	if msg.Tokens > 0 {
		rec["tokens"] = msg.Tokens
	}
	return rec
}

func decodeMessage(raw map[string]any) Message {
	var msg Message
	for k, v := range raw {
		switch k {
		case "role":
			msg.Role, _ = v.(string)
		case "content":
			msg.Content, _ = v.(string)
		case "timestamp":
			s, _ := v.(string)
			msg.Timestamp = parseTimestamp(s)
		case "id":
			msg.ID, _ = v.(string)
		case "source":
			msg.Source, _ = v.(string)
		case "tokens":
			if f, ok := v.(float64); ok {
				msg.Tokens = int(f)
			}
		default:
			if msg.Extra == nil {
				msg.Extra = make(map[string]any)
			}
			msg.Extra[k] = v
		}
	}
	return msg
}

// parseTimestamp accepts the file layout (UTC) and RFC 3339; unparseable values become zero time.
func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(TimestampLayout, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	return time.Time{}
}

// writeFileAtomic writes data to path using temp file + rename.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".clawgate-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}
