package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func waitForSkillID(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case got := <-ch:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("no change notification for %q", want)
		}
	}
}

func TestWatcherNotifiesOnSkillWrite(t *testing.T) {
	dir := t.TempDir()
	skillDir := filepath.Join(dir, "my-skill")
	if err := os.MkdirAll(skillDir, 0o755); err != nil {
		t.Fatal(err)
	}

	changes := make(chan string, 16)
	w := NewWatcher(dir, func(skillID string) { changes <- skillID })
	defer w.Close()

	// give the watch a moment to establish
	time.Sleep(100 * time.Millisecond)

	path := filepath.Join(skillDir, "v0001.json")
	if err := os.WriteFile(path, []byte(`{"id":"my-skill"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	waitForSkillID(t, changes, "my-skill")
}

func TestWatcherPicksUpNewSkillDirectory(t *testing.T) {
	dir := t.TempDir()
	changes := make(chan string, 16)
	w := NewWatcher(dir, func(skillID string) { changes <- skillID })
	defer w.Close()

	time.Sleep(100 * time.Millisecond)

	skillDir := filepath.Join(dir, "late-skill")
	if err := os.MkdirAll(skillDir, 0o755); err != nil {
		t.Fatal(err)
	}
	// allow the new directory to be added to the watch set
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(skillDir, "meta.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitForSkillID(t, changes, "late-skill")
}

func TestWatcherCloseIdempotent(t *testing.T) {
	w := NewWatcher(t.TempDir(), func(string) {})
	w.Close()
	w.Close()
}
