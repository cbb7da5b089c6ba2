package storage

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher pushes skill cache invalidations when files under the skills
// directory change. The cache already revalidates by mtime and TTL, so
// the watcher is strictly an optimisation: if the OS watch cannot be
// established it degrades to polling, and watcher failures are logged,
// never fatal.
type Watcher struct {
	dir      string
	onChange func(skillID string)
	interval time.Duration

	mu     sync.Mutex
	closed bool
	stop   chan struct{}
	fsw    *fsnotify.Watcher
}

// NewWatcher starts watching dir. onChange receives the skill id
// derived from the changed path ("" when it cannot be determined).
func NewWatcher(dir string, onChange func(skillID string)) *Watcher {
	w := &Watcher{
		dir:      dir,
		onChange: onChange,
		interval: 5 * time.Second,
		stop:     make(chan struct{}),
	}

	fsw, err := fsnotify.NewWatcher()
	if err == nil {
		err = w.addTree(fsw)
	}
	if err != nil {
		if fsw != nil {
			fsw.Close()
		}
		log.Printf("[Watcher] OS file watch unavailable (%v), falling back to polling every %s", err, w.interval)
		go w.pollLoop()
		return w
	}

	w.fsw = fsw
	go w.eventLoop()
	return w
}

func (w *Watcher) addTree(fsw *fsnotify.Watcher) error {
	if err := fsw.Add(w.dir); err != nil {
		return err
	}
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := fsw.Add(filepath.Join(w.dir, e.Name())); err != nil {
				log.Printf("[Watcher] Cannot watch %s: %v", e.Name(), err)
			}
		}
	}
	return nil
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			// new skill directory: extend the watch
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.fsw.Add(ev.Name); err != nil {
						log.Printf("[Watcher] Cannot watch %s: %v", ev.Name, err)
					}
					continue
				}
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				w.notify(ev.Name)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("[Watcher] Watch error: %v", err)
		}
	}
}

// notify maps skills/<skill_id>/<file> back to the skill id.
func (w *Watcher) notify(path string) {
	rel, err := filepath.Rel(w.dir, path)
	if err != nil {
		w.onChange("")
		return
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) >= 1 && parts[0] != "." && parts[0] != ".." {
		w.onChange(parts[0])
		return
	}
	w.onChange("")
}

// pollLoop is the fallback when no OS watch is available: compare the
// newest mtime under each skill directory between rounds.
func (w *Watcher) pollLoop() {
	last := w.snapshot()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			current := w.snapshot()
			for id, mtime := range current {
				if prev, ok := last[id]; !ok || !prev.Equal(mtime) {
					w.onChange(id)
				}
			}
			for id := range last {
				if _, ok := current[id]; !ok {
					w.onChange(id)
				}
			}
			last = current
		}
	}
}

func (w *Watcher) snapshot() map[string]time.Time {
	out := map[string]time.Time{}
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return out
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var newest time.Time
		files, err := os.ReadDir(filepath.Join(w.dir, e.Name()))
		if err != nil {
			continue
		}
		for _, f := range files {
			if info, err := f.Info(); err == nil && info.ModTime().After(newest) {
				newest = info.ModTime()
			}
		}
		out[e.Name()] = newest
	}
	return out
}

// Close stops the watcher; it is safe to call more than once.
func (w *Watcher) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	close(w.stop)
	if w.fsw != nil {
		w.fsw.Close()
	}
}
