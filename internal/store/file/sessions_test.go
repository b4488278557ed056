package file

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xiaoyubing999/openakita-sub001/internal/sessions"
)

func testSession(key string) *sessions.Session {
	now := time.Now().UTC().Truncate(time.Second)
	return &sessions.Session{
		Key:     key,
		Channel: "telegram",
		ChatID:  "123",
		UserID:  "telegram:999",
		Messages: []sessions.Message{
			{Role: sessions.RoleUser, Content: "hello", Timestamp: now},
			{Role: sessions.RoleAssistant, Content: "hi there", Timestamp: now},
		},
		Metadata: map[string]interface{}{"lang": "zh"},
		Created:  now,
		Updated:  now,
	}
}

// TestStore_SaveLoad verifies a session survives a save/load round trip.
func TestStore_SaveLoad(t *testing.T) {
	st, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s := testSession("telegram:123:telegram:999")
	if err := st.Save(s); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := st.Load(s.Key)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got == nil {
		t.Fatal("Load returned nil for saved session")
	}
	if got.Key != s.Key || got.Channel != s.Channel || got.ChatID != s.ChatID {
		t.Errorf("expected key %q channel %q chat %q, got %q %q %q",
			s.Key, s.Channel, s.ChatID, got.Key, got.Channel, got.ChatID)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got.Messages))
	}
	if got.Messages[0].Content != "hello" {
		t.Errorf("expected first message %q, got %q", "hello", got.Messages[0].Content)
	}
	if got.Metadata["lang"] != "zh" {
		t.Errorf("expected metadata lang=zh, got %v", got.Metadata["lang"])
	}
}

// TestStore_LoadMissing verifies unknown keys return nil without error.
func TestStore_LoadMissing(t *testing.T) {
	st, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got, err := st.Load("telegram:1:telegram:2")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing session, got %+v", got)
	}
}

// TestStore_LoadAll verifies LoadAll returns saved sessions and skips junk files.
func TestStore_LoadAll(t *testing.T) {
	dir := t.TempDir()
	st, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	keys := []string{
		"telegram:1:telegram:10",
		"feishu:2:feishu:20",
		"cli:local:local",
	}
	for _, k := range keys {
		if err := st.Save(testSession(k)); err != nil {
			t.Fatalf("Save(%s): %v", k, err)
		}
	}

	// Junk that LoadAll must skip.
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}

	all, err := st.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(all) != len(keys) {
		t.Fatalf("expected %d sessions, got %d", len(keys), len(all))
	}
	seen := make(map[string]bool)
	for _, s := range all {
		seen[s.Key] = true
	}
	for _, k := range keys {
		if !seen[k] {
			t.Errorf("LoadAll missing session %s", k)
		}
	}
}

// TestStore_Delete verifies Delete removes the file and tolerates missing keys.
func TestStore_Delete(t *testing.T) {
	st, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s := testSession("telegram:5:telegram:50")
	if err := st.Save(s); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := st.Delete(s.Key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, err := st.Load(s.Key)
	if err != nil {
		t.Fatalf("Load after delete: %v", err)
	}
	if got != nil {
		t.Error("expected session gone after delete")
	}

	// Deleting again is not an error.
	if err := st.Delete(s.Key); err != nil {
		t.Errorf("Delete of missing key: %v", err)
	}
}

// TestStore_Overwrite verifies Save replaces the previous snapshot atomically.
func TestStore_Overwrite(t *testing.T) {
	dir := t.TempDir()
	st, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s := testSession("telegram:7:telegram:70")
	if err := st.Save(s); err != nil {
		t.Fatalf("Save: %v", err)
	}
	s.Messages = append(s.Messages, sessions.Message{
		Role:      sessions.RoleUser,
		Content:   "second turn",
		Timestamp: time.Now().UTC(),
	})
	if err := st.Save(s); err != nil {
		t.Fatalf("Save overwrite: %v", err)
	}

	got, err := st.Load(s.Key)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.Messages) != 3 {
		t.Fatalf("expected 3 messages after overwrite, got %d", len(got.Messages))
	}

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("leftover temp file %s", e.Name())
		}
	}
}

// TestStore_RejectsUnsafeKeys verifies path traversal keys are refused.
func TestStore_RejectsUnsafeKeys(t *testing.T) {
	st, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for _, key := range []string{"../escape", "a/b", "..", ""} {
		s := testSession(key)
		s.Key = key
		if err := st.Save(s); err == nil {
			t.Errorf("expected error saving key %q", key)
		}
	}
}
