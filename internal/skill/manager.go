// Package skill provides CRUD and versioning over stored skills.
package skill

import (
	"fmt"
	"log"
	"time"

	"github.com/win10ogod/skillflow-mcp/internal/schema"
	"github.com/win10ogod/skillflow-mcp/internal/storage"
)

// SkillToolPrefix is the outward name prefix for skill tools.
const SkillToolPrefix = "skill__"

// Manager is a stateless façade over storage and the skill cache.
type Manager struct {
	store *storage.Store
	cache *storage.SkillCache
}

// NewManager wires the manager to its persistence and cache layers.
func NewManager(store *storage.Store, cache *storage.SkillCache) *Manager {
	return &Manager{store: store, cache: cache}
}

// Create persists a draft as version 1 of a new skill. The draft's
// graph and inputs schema are validated first; the source session id
// is propagated into the skill metadata.
func (m *Manager) Create(draft *schema.SkillDraft, author schema.SkillAuthor) (*schema.Skill, error) {
	if draft.SkillID == "" {
		return nil, fmt.Errorf("skill: draft has no skill_id")
	}
	if m.store.SkillExists(draft.SkillID) {
		return nil, fmt.Errorf("skill: %q already exists", draft.SkillID)
	}
	if err := draft.Graph.Validate(); err != nil {
		return nil, fmt.Errorf("skill: invalid draft graph: %w", err)
	}
	if _, err := CompileSchema(draft.InputsSchema); err != nil {
		return nil, fmt.Errorf("skill: invalid inputs_schema: %w", err)
	}

	now := time.Now().UTC()
	skill := &schema.Skill{
		ID:           draft.SkillID,
		Name:         draft.Name,
		Version:      1,
		Description:  draft.Description,
		Tags:         draft.Tags,
		CreatedAt:    now,
		UpdatedAt:    now,
		Author:       author,
		InputsSchema: draft.InputsSchema,
		OutputSchema: draft.OutputSchema,
		Graph:        draft.Graph,
		Metadata:     map[string]any{"source_session_id": draft.SourceSessionID},
	}
	if err := m.store.SaveSkill(skill); err != nil {
		return nil, err
	}
	m.cache.Invalidate(skill.ID)
	log.Printf("[Skill] Created %q v1 from session %s", skill.ID, draft.SourceSessionID)
	return skill, nil
}

// Update describes the partial field overrides of an update. Nil
// fields keep the current value.
type Update struct {
	Name         *string
	Description  *string
	Tags         *[]string
	Graph        *schema.SkillGraph
	InputsSchema *map[string]any
	OutputSchema *map[string]any
	Metadata     *map[string]any
}

// ApplyUpdate loads the current version, applies the overrides, and
// writes version+1. Earlier versions remain on disk untouched.
func (m *Manager) ApplyUpdate(skillID string, upd Update) (*schema.Skill, error) {
	current, err := m.store.LoadSkill(skillID)
	if err != nil {
		return nil, err
	}

	next := *current
	next.Version = current.Version + 1
	next.UpdatedAt = time.Now().UTC()
	if upd.Name != nil {
		next.Name = *upd.Name
	}
	if upd.Description != nil {
		next.Description = *upd.Description
	}
	if upd.Tags != nil {
		next.Tags = *upd.Tags
	}
	if upd.Graph != nil {
		if err := upd.Graph.Validate(); err != nil {
			return nil, fmt.Errorf("skill: invalid updated graph: %w", err)
		}
		next.Graph = *upd.Graph
	}
	if upd.InputsSchema != nil {
		if _, err := CompileSchema(*upd.InputsSchema); err != nil {
			return nil, fmt.Errorf("skill: invalid inputs_schema: %w", err)
		}
		next.InputsSchema = *upd.InputsSchema
	}
	if upd.OutputSchema != nil {
		next.OutputSchema = *upd.OutputSchema
	}
	if upd.Metadata != nil {
		next.Metadata = *upd.Metadata
	}

	if err := m.store.SaveSkill(&next); err != nil {
		return nil, err
	}
	m.cache.Invalidate(skillID)
	log.Printf("[Skill] Updated %q to v%d", skillID, next.Version)
	return &next, nil
}

// Get returns the latest version of a skill, via the cache.
func (m *Manager) Get(skillID string) (*schema.Skill, error) {
	return m.cache.GetSkill(skillID)
}

// GetVersion loads one specific version directly from disk.
func (m *Manager) GetVersion(skillID string, version int) (*schema.Skill, error) {
	return m.store.LoadSkillVersion(skillID, version)
}

// Exists reports whether a skill is known.
func (m *Manager) Exists(skillID string) bool {
	return m.store.SkillExists(skillID)
}

// Delete removes a skill from the index and cache; hard also removes
// its on-disk directory.
func (m *Manager) Delete(skillID string, hard bool) error {
	if err := m.store.DeleteSkill(skillID, hard); err != nil {
		return err
	}
	m.cache.Invalidate(skillID)
	log.Printf("[Skill] Deleted %q (hard=%v)", skillID, hard)
	return nil
}

// List returns skill metadata matching the filter.
func (m *Manager) List(filter *schema.SkillFilter) []schema.SkillMeta {
	return m.store.ListSkills(filter)
}

// ExportToolDescriptor renders a skill as a downstream tool.
func (m *Manager) ExportToolDescriptor(s *schema.Skill) schema.ToolDescriptor {
	return schema.ToolDescriptor{
		Name:        SkillToolPrefix + s.ID,
		Description: fmt.Sprintf("%s\n\n[Skill v%d]", s.Description, s.Version),
		InputSchema: s.InputsSchema,
	}
}

// ExportAllToolDescriptors renders every stored skill as a tool,
// returning the contributing skill-id set for cache bookkeeping.
// Skills that fail to load are skipped with a warning.
func (m *Manager) ExportAllToolDescriptors() ([]schema.ToolDescriptor, map[string]struct{}) {
	metas := m.store.ListSkills(nil)
	tools := make([]schema.ToolDescriptor, 0, len(metas))
	ids := make(map[string]struct{}, len(metas))
	for _, meta := range metas {
		s, err := m.Get(meta.ID)
		if err != nil {
			log.Printf("[Skill] Skipping unloadable skill %q: %v", meta.ID, err)
			continue
		}
		tools = append(tools, m.ExportToolDescriptor(s))
		ids[s.ID] = struct{}{}
	}
	return tools, ids
}
