// Package storage persists skills, sessions, run logs, and the server
// registry as JSON files under a single data directory, and keeps the
// in-memory skill-metadata index.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/win10ogod/skillflow-mcp/internal/registry"
	"github.com/win10ogod/skillflow-mcp/internal/schema"
)

var (
	ErrSkillNotFound   = errors.New("storage: skill not found")
	ErrSessionNotFound = errors.New("storage: session not found")
	ErrRunNotFound     = errors.New("storage: run not found")
)

// Store is the filesystem-backed persistence layer. Layout under root:
//
//	skills/<skill_id>/meta.json     latest metadata (listing form)
//	skills/<skill_id>/v<NNNN>.json  immutable skill content per version
//	sessions/<session_id>.json      sealed recording sessions
//	runs/YYYY-MM-DD/<run_id>.jsonl  append-only node execution records
//	registry/servers.json           server registry
type Store struct {
	root string

	mu    sync.Mutex
	index map[string]schema.SkillMeta

	// per-path append locks for run logs
	runLocks sync.Map // string -> *sync.Mutex
}

// NewStore creates the directory layout and loads the skill index.
func NewStore(root string) (*Store, error) {
	s := &Store{root: root, index: make(map[string]schema.SkillMeta)}
	for _, dir := range []string{s.skillsDir(), s.sessionsDir(), s.runsDir(), s.registryDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("storage: create %s: %w", dir, err)
		}
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) skillsDir() string   { return filepath.Join(s.root, "skills") }
func (s *Store) sessionsDir() string { return filepath.Join(s.root, "sessions") }
func (s *Store) runsDir() string     { return filepath.Join(s.root, "runs") }
func (s *Store) registryDir() string { return filepath.Join(s.root, "registry") }

// SkillVersionPath returns the on-disk path of one skill version.
func (s *Store) SkillVersionPath(skillID string, version int) string {
	return filepath.Join(s.skillsDir(), skillID, fmt.Sprintf("v%04d.json", version))
}

// SkillsDir exposes the skills directory for the file watcher.
func (s *Store) SkillsDir() string { return s.skillsDir() }

func (s *Store) loadIndex() error {
	entries, err := os.ReadDir(s.skillsDir())
	if err != nil {
		return fmt.Errorf("storage: scan skills: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		metaPath := filepath.Join(s.skillsDir(), e.Name(), "meta.json")
		var meta schema.SkillMeta
		if err := readJSON(metaPath, &meta); err != nil {
			log.Printf("[Storage] Skipping corrupt skill meta %s: %v", metaPath, err)
			continue
		}
		s.index[meta.ID] = meta
	}
	log.Printf("[Storage] Indexed %d skill(s) from %s", len(s.index), s.skillsDir())
	return nil
}

// writeJSONAtomic serialises v to a sibling temp file and renames it
// into place, so readers observe either the old or the new file intact.
func writeJSONAtomic(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("storage: create %s: %w", filepath.Dir(path), err)
	}
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: marshal %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("storage: temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("storage: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("storage: close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("storage: rename %s: %w", path, err)
	}
	return nil
}

func readJSON(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// ── skills ──

// SaveSkill writes the versioned skill file and the meta file, then
// updates the in-memory index. Version files are never overwritten
// in place; each version is a new file.
func (s *Store) SaveSkill(skill *schema.Skill) error {
	versionPath := s.SkillVersionPath(skill.ID, skill.Version)
	if err := writeJSONAtomic(versionPath, skill); err != nil {
		return err
	}
	meta := skill.Meta()
	metaPath := filepath.Join(s.skillsDir(), skill.ID, "meta.json")
	if err := writeJSONAtomic(metaPath, meta); err != nil {
		return err
	}
	s.mu.Lock()
	s.index[skill.ID] = meta
	s.mu.Unlock()
	return nil
}

// LoadSkill loads the latest version of a skill from disk.
func (s *Store) LoadSkill(skillID string) (*schema.Skill, error) {
	s.mu.Lock()
	meta, ok := s.index[skillID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSkillNotFound, skillID)
	}
	return s.LoadSkillVersion(skillID, meta.Version)
}

// LoadSkillVersion loads one specific version of a skill.
func (s *Store) LoadSkillVersion(skillID string, version int) (*schema.Skill, error) {
	var skill schema.Skill
	if err := readJSON(s.SkillVersionPath(skillID, version), &skill); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %q v%d", ErrSkillNotFound, skillID, version)
		}
		return nil, fmt.Errorf("storage: load skill %q v%d: %w", skillID, version, err)
	}
	return &skill, nil
}

// SkillExists reports whether the index knows the skill.
func (s *Store) SkillExists(skillID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[skillID]
	return ok
}

// SkillMeta returns the indexed metadata for one skill.
func (s *Store) SkillMeta(skillID string) (schema.SkillMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.index[skillID]
	if !ok {
		return schema.SkillMeta{}, fmt.Errorf("%w: %q", ErrSkillNotFound, skillID)
	}
	return meta, nil
}

// DeleteSkill removes a skill from the index; with hard set, the
// on-disk directory is removed as well.
func (s *Store) DeleteSkill(skillID string, hard bool) error {
	s.mu.Lock()
	_, ok := s.index[skillID]
	delete(s.index, skillID)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrSkillNotFound, skillID)
	}
	if hard {
		if err := os.RemoveAll(filepath.Join(s.skillsDir(), skillID)); err != nil {
			return fmt.Errorf("storage: delete skill %q: %w", skillID, err)
		}
	}
	return nil
}

// ListSkills returns metadata for every skill matching the filter,
// sorted by id for stable listings.
func (s *Store) ListSkills(filter *schema.SkillFilter) []schema.SkillMeta {
	s.mu.Lock()
	metas := make([]schema.SkillMeta, 0, len(s.index))
	for _, m := range s.index {
		metas = append(metas, m)
	}
	s.mu.Unlock()

	out := metas[:0]
	for _, m := range metas {
		if matchesFilter(m, filter) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func matchesFilter(m schema.SkillMeta, f *schema.SkillFilter) bool {
	if f == nil {
		return true
	}
	if f.Query != "" {
		q := strings.ToLower(f.Query)
		if !strings.Contains(strings.ToLower(m.Name), q) &&
			!strings.Contains(strings.ToLower(m.Description), q) {
			return false
		}
	}
	if len(f.Tags) > 0 {
		have := make(map[string]bool, len(m.Tags))
		for _, t := range m.Tags {
			have[t] = true
		}
		for _, t := range f.Tags {
			if !have[t] {
				return false
			}
		}
	}
	if f.AuthorID != "" && m.Author.ClientID != f.AuthorID {
		return false
	}
	if f.CreatedAfter != nil && m.CreatedAt.Before(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && m.CreatedAt.After(*f.CreatedBefore) {
		return false
	}
	return true
}

// ── sessions ──

// SaveSession persists a sealed recording session.
func (s *Store) SaveSession(session *schema.RecordingSession) error {
	return writeJSONAtomic(filepath.Join(s.sessionsDir(), session.ID+".json"), session)
}

// LoadSession reads one sealed session.
func (s *Store) LoadSession(sessionID string) (*schema.RecordingSession, error) {
	var session schema.RecordingSession
	if err := readJSON(filepath.Join(s.sessionsDir(), sessionID+".json"), &session); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, sessionID)
		}
		return nil, fmt.Errorf("storage: load session %q: %w", sessionID, err)
	}
	return &session, nil
}

// ListSessions returns the ids of all persisted sessions.
func (s *Store) ListSessions() ([]string, error) {
	entries, err := os.ReadDir(s.sessionsDir())
	if err != nil {
		return nil, fmt.Errorf("storage: list sessions: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if name, ok := strings.CutSuffix(e.Name(), ".json"); ok {
			ids = append(ids, name)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ── run logs ──

func (s *Store) runLogPath(runID string, day time.Time) string {
	return filepath.Join(s.runsDir(), day.UTC().Format("2006-01-02"), runID+".jsonl")
}

// AppendNodeExecution appends one record to a run's JSONL log.
// Concurrent appenders to the same file serialise on a per-path lock.
func (s *Store) AppendNodeExecution(runID string, startedAt time.Time, exec *schema.NodeExecution) error {
	path := s.runLogPath(runID, startedAt)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("storage: create %s: %w", filepath.Dir(path), err)
	}

	lockAny, _ := s.runLocks.LoadOrStore(filepath.Clean(path), &sync.Mutex{})
	lock := lockAny.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	raw, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("storage: marshal node execution: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("storage: open run log %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("storage: append run log %s: %w", path, err)
	}
	return nil
}

// ReadRunLog locates a run's JSONL file across day directories and
// decodes every line. Corrupt lines are skipped with a warning.
func (s *Store) ReadRunLog(runID string) ([]schema.NodeExecution, error) {
	days, err := os.ReadDir(s.runsDir())
	if err != nil {
		return nil, fmt.Errorf("storage: scan runs: %w", err)
	}
	for _, d := range days {
		if !d.IsDir() {
			continue
		}
		path := filepath.Join(s.runsDir(), d.Name(), runID+".jsonl")
		raw, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("storage: read run log %s: %w", path, err)
		}
		var execs []schema.NodeExecution
		for i, line := range strings.Split(string(raw), "\n") {
			if strings.TrimSpace(line) == "" {
				continue
			}
			var exec schema.NodeExecution
			if err := json.Unmarshal([]byte(line), &exec); err != nil {
				log.Printf("[Storage] Skipping corrupt run log line %d in %s: %v", i+1, path, err)
				continue
			}
			execs = append(execs, exec)
		}
		return execs, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrRunNotFound, runID)
}

// ── server registry ──

// LoadRegistry loads and normalises registry/servers.json. Corrupt
// files yield an empty registry.
func (s *Store) LoadRegistry() schema.ServerRegistry {
	return registry.ParseFile(filepath.Join(s.registryDir(), "servers.json"))
}

// SaveRegistry persists the registry in the external document shape.
func (s *Store) SaveRegistry(reg schema.ServerRegistry) error {
	return writeJSONAtomic(filepath.Join(s.registryDir(), "servers.json"), registry.ToExternal(reg))
}
