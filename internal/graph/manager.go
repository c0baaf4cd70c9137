package graph

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	// similarityThreshold matches entities of the same type and relations.
	similarityThreshold = 0.7

	// strongSimilarityThreshold matches entities regardless of type. Near
	// identical labels unify even across types ("Apple" the company vs the
	// product) which is the intended behaviour.
	strongSimilarityThreshold = 0.9

	// defaultSnapshotInterval is how many versions pass between snapshot
	// writes to the store.
	defaultSnapshotInterval = 10
)

// Store persists session graphs. Implementations must be safe for concurrent
// use; the manager guarantees a single writer per session.
type Store interface {
	// LoadGraph returns the persisted graph for the session, or (nil, nil)
	// when none exists.
	LoadGraph(ctx context.Context, sessionID string) (*State, error)
	// SaveGraph replaces the persisted graph for the session.
	SaveGraph(ctx context.Context, sessionID string, state *State) error
	// SaveSnapshot writes an immutable copy keyed by the state's version.
	SaveSnapshot(ctx context.Context, sessionID string, state *State) error
	// DeleteGraph removes the graph and all snapshots for the session.
	DeleteGraph(ctx context.Context, sessionID string) error
}

// sessionGraph pairs one session's state with its lock. The lock covers only
// in-memory reconciliation; the commit-time store write happens while it is
// held but never crosses into another session's critical section.
type sessionGraph struct {
	mu     sync.Mutex
	state  *State
	loaded bool
}

// ManagerConfig configures a [Manager].
type ManagerConfig struct {
	// Store persists graphs across connections. Required.
	Store Store

	// Logger for reconciliation warnings. Defaults to slog.Default().
	Logger *slog.Logger

	// SnapshotInterval overrides how often snapshots are written. Defaults
	// to every 10 versions.
	SnapshotInterval int
}

// Manager owns every in-memory session graph and is the sole writer to the
// durable copies in the store. All methods are safe for concurrent use.
type Manager struct {
	store            Store
	log              *slog.Logger
	snapshotInterval int

	mu       sync.Mutex
	sessions map[string]*sessionGraph

	now func() int64
}

// NewManager creates a Manager. cfg.Store must be non-nil.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("graph: manager requires a store")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	interval := cfg.SnapshotInterval
	if interval <= 0 {
		interval = defaultSnapshotInterval
	}
	return &Manager{
		store:            cfg.Store,
		log:              log.With("component", "graph"),
		snapshotInterval: interval,
		sessions:         make(map[string]*sessionGraph),
		now:              func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// session returns the tracked graph for sessionID, creating the entry if
// needed. The state itself is loaded lazily under the session lock.
func (m *Manager) session(sessionID string) *sessionGraph {
	m.mu.Lock()
	defer m.mu.Unlock()
	sg, ok := m.sessions[sessionID]
	if !ok {
		sg = &sessionGraph{}
		m.sessions[sessionID] = sg
	}
	return sg
}

// load populates sg.state from the store on first access. Store failures are
// soft: the session continues with an empty in-memory graph.
func (m *Manager) load(ctx context.Context, sessionID string, sg *sessionGraph) {
	if sg.loaded {
		return
	}
	sg.loaded = true
	state, err := m.store.LoadGraph(ctx, sessionID)
	if err != nil {
		m.log.Warn("graph load failed, starting empty", "session", sessionID, "error", err)
	}
	if state == nil {
		state = NewState()
	}
	sg.state = state
}

// ApplyExtraction reconciles an extraction result into the session graph.
//
// idMap carries temporary-id → persistent-id bindings accumulated by earlier
// partial applications of the same extraction; it may be nil. The returned
// map is the input map extended with every binding made during this call.
//
// The graph version increases by exactly 1 iff the extraction changed
// anything. The returned delta is empty (FromVersion == ToVersion) otherwise.
func (m *Manager) ApplyExtraction(ctx context.Context, sessionID string, res ExtractionResult, idMap map[string]string) (Delta, map[string]string, error) {
	sg := m.session(sessionID)
	sg.mu.Lock()
	defer sg.mu.Unlock()
	m.load(ctx, sessionID, sg)

	state := sg.state
	if idMap == nil {
		idMap = make(map[string]string, len(res.Entities))
	}

	now := m.now()
	delta := Delta{
		AddedEntities:      []Entity{},
		AddedRelations:     []Relation{},
		UpdatedEntities:    []Entity{},
		RemovedEntityIDs:   []string{},
		RemovedRelationIDs: []string{},
		FromVersion:        state.Version,
		ToVersion:          state.Version,
	}

	for _, ext := range res.Entities {
		label := strings.TrimSpace(ext.Label)
		if label == "" {
			continue
		}
		if existing := findSimilarEntity(state.Entities, label, ext.Type); existing != nil {
			idMap[ext.ID] = existing.ID
			if utf8.RuneCountInString(label) > utf8.RuneCountInString(existing.Label) {
				existing.Label = label
				existing.UpdatedAt = now
				delta.UpdatedEntities = append(delta.UpdatedEntities, *existing)
			}
			continue
		}

		typ := ext.Type
		if !typ.IsValid() {
			typ = EntityUnknown
		}
		ent := Entity{
			ID:        newID("ent"),
			Label:     label,
			Type:      typ,
			CreatedAt: now,
			UpdatedAt: now,
		}
		state.Entities = append(state.Entities, ent)
		idMap[ext.ID] = ent.ID
		delta.AddedEntities = append(delta.AddedEntities, ent)
	}

	for _, ext := range res.Relations {
		src := m.resolveEndpoint(state, idMap, ext.Source)
		tgt := m.resolveEndpoint(state, idMap, ext.Target)
		if src == "" || tgt == "" {
			m.log.Warn("relation endpoint unresolved, skipping",
				"session", sessionID, "source", ext.Source, "target", ext.Target)
			continue
		}
		if src == tgt {
			continue
		}
		if isDuplicateRelation(state.Relations, src, tgt, ext.Relation) {
			continue
		}
		rel := Relation{
			ID:        newID("rel"),
			Source:    src,
			Target:    tgt,
			Relation:  strings.TrimSpace(ext.Relation),
			CreatedAt: now,
		}
		state.Relations = append(state.Relations, rel)
		delta.AddedRelations = append(delta.AddedRelations, rel)
	}

	if delta.Empty() {
		return delta, idMap, nil
	}

	state.Version++
	state.LastUpdated = now
	delta.ToVersion = state.Version

	m.persist(ctx, sessionID, state)
	return delta, idMap, nil
}

// resolveEndpoint maps an extracted relation endpoint to a persistent entity
// id. Order: the accumulated id map, a direct persistent-id reference, then a
// normalized-label match.
func (m *Manager) resolveEndpoint(state *State, idMap map[string]string, ref string) string {
	if id, ok := idMap[ref]; ok {
		return id
	}
	for i := range state.Entities {
		if state.Entities[i].ID == ref {
			return ref
		}
	}
	norm := NormalizeLabel(ref)
	if norm == "" {
		return ""
	}
	for i := range state.Entities {
		if NormalizeLabel(state.Entities[i].Label) == norm {
			return state.Entities[i].ID
		}
	}
	return ""
}

// persist writes the committed state (and periodic snapshot) to the store.
// Failures are logged and swallowed: the in-memory graph stays authoritative
// for the live session.
func (m *Manager) persist(ctx context.Context, sessionID string, state *State) {
	if err := m.store.SaveGraph(ctx, sessionID, state); err != nil {
		m.log.Warn("graph save failed", "session", sessionID, "version", state.Version, "error", err)
		return
	}
	if state.Version%m.snapshotInterval == 0 {
		if err := m.store.SaveSnapshot(ctx, sessionID, state); err != nil {
			m.log.Warn("graph snapshot failed", "session", sessionID, "version", state.Version, "error", err)
		}
	}
}

// GetState returns a copy of the session graph, loading it from the store on
// first access. Callers may mutate the returned state freely.
func (m *Manager) GetState(ctx context.Context, sessionID string) (*State, error) {
	sg := m.session(sessionID)
	sg.mu.Lock()
	defer sg.mu.Unlock()
	m.load(ctx, sessionID, sg)
	return sg.state.Clone(), nil
}

// ResetState replaces the session graph with an empty version-0 graph and
// persists the replacement, removing any stored snapshots.
func (m *Manager) ResetState(ctx context.Context, sessionID string) error {
	sg := m.session(sessionID)
	sg.mu.Lock()
	defer sg.mu.Unlock()

	sg.state = NewState()
	sg.loaded = true

	if err := m.store.DeleteGraph(ctx, sessionID); err != nil {
		return fmt.Errorf("graph: reset %s: %w", sessionID, err)
	}
	return nil
}

// Forget drops the in-memory entry for a closed session. Persisted state is
// untouched; the next access lazy-loads it again.
func (m *Manager) Forget(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// Purge removes both the in-memory entry and all persisted state for the
// session. Used when the client asked for its data to be cleared on close.
func (m *Manager) Purge(ctx context.Context, sessionID string) error {
	m.Forget(sessionID)
	if err := m.store.DeleteGraph(ctx, sessionID); err != nil {
		return fmt.Errorf("graph: purge %s: %w", sessionID, err)
	}
	return nil
}

// findSimilarEntity searches existing entities for one that should absorb the
// extracted label. Rules run in priority order; the first match wins:
//
//  1. exact match on normalized label
//  2. exact match on case-insensitive trimmed label
//  3. one normalized label contains the other (both ≥ 3 runes)
//  4. same type and similarity > 0.7
//  5. any type and similarity > 0.9
func findSimilarEntity(entities []Entity, label string, typ EntityType) *Entity {
	norm := NormalizeLabel(label)
	folded := strings.ToLower(strings.TrimSpace(label))

	for i := range entities {
		if NormalizeLabel(entities[i].Label) == norm && norm != "" {
			return &entities[i]
		}
	}
	for i := range entities {
		if strings.ToLower(strings.TrimSpace(entities[i].Label)) == folded && folded != "" {
			return &entities[i]
		}
	}
	for i := range entities {
		other := NormalizeLabel(entities[i].Label)
		if utf8.RuneCountInString(norm) >= 3 && utf8.RuneCountInString(other) >= 3 &&
			(strings.Contains(other, norm) || strings.Contains(norm, other)) {
			return &entities[i]
		}
	}
	for i := range entities {
		if entities[i].Type == typ &&
			Similarity(NormalizeLabel(entities[i].Label), norm) > similarityThreshold {
			return &entities[i]
		}
	}
	for i := range entities {
		if Similarity(NormalizeLabel(entities[i].Label), norm) > strongSimilarityThreshold {
			return &entities[i]
		}
	}
	return nil
}

// isDuplicateRelation reports whether an equivalent relation already exists
// between src and tgt, in either direction.
func isDuplicateRelation(relations []Relation, src, tgt, phrase string) bool {
	norm := NormalizeRelation(phrase)
	for i := range relations {
		r := &relations[i]
		existing := NormalizeRelation(r.Relation)
		if r.Source == src && r.Target == tgt {
			if existing == norm {
				return true
			}
			if Similarity(existing, norm) > similarityThreshold {
				return true
			}
		}
		if r.Source == tgt && r.Target == src &&
			Similarity(existing, norm) > similarityThreshold {
			return true
		}
	}
	return false
}

// newID mints an opaque id with the given prefix.
func newID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
