package graph

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// memStore is an in-memory Store recording calls.
type memStore struct {
	mu            sync.Mutex
	graphs        map[string]*State
	snapshots     map[string]map[int]*State
	SaveCalls     int
	SnapshotCalls int
	LoadErr       error
	SaveErr       error
}

func newMemStore() *memStore {
	return &memStore{
		graphs:    make(map[string]*State),
		snapshots: make(map[string]map[int]*State),
	}
}

func (s *memStore) LoadGraph(_ context.Context, sessionID string) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.LoadErr != nil {
		return nil, s.LoadErr
	}
	st, ok := s.graphs[sessionID]
	if !ok {
		return nil, nil
	}
	return st.Clone(), nil
}

func (s *memStore) SaveGraph(_ context.Context, sessionID string, state *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SaveCalls++
	if s.SaveErr != nil {
		return s.SaveErr
	}
	s.graphs[sessionID] = state.Clone()
	return nil
}

func (s *memStore) SaveSnapshot(_ context.Context, sessionID string, state *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SnapshotCalls++
	if s.snapshots[sessionID] == nil {
		s.snapshots[sessionID] = make(map[int]*State)
	}
	s.snapshots[sessionID][state.Version] = state.Clone()
	return nil
}

func (s *memStore) DeleteGraph(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.graphs, sessionID)
	delete(s.snapshots, sessionID)
	return nil
}

func newTestManager(t *testing.T) (*Manager, *memStore) {
	t.Helper()
	store := newMemStore()
	m, err := NewManager(ManagerConfig{Store: store})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, store
}

func TestManager_ApplyExtraction_FreshSession(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	entities := ExtractionResult{
		Entities: []ExtractedEntity{
			{ID: "e1", Label: "김철수", Type: EntityPerson},
			{ID: "e2", Label: "삼성전자", Type: EntityOrganization},
		},
	}
	delta, idMap, err := m.ApplyExtraction(ctx, "s1", entities, nil)
	if err != nil {
		t.Fatalf("apply entities: %v", err)
	}
	if len(delta.AddedEntities) != 2 {
		t.Fatalf("expected 2 added entities, got %d", len(delta.AddedEntities))
	}
	if delta.FromVersion != 0 || delta.ToVersion != 1 {
		t.Errorf("expected version 0→1, got %d→%d", delta.FromVersion, delta.ToVersion)
	}
	if idMap["e1"] == "" || idMap["e2"] == "" {
		t.Fatal("expected id map entries for e1 and e2")
	}
	if idMap["e1"] == idMap["e2"] {
		t.Error("expected distinct persistent ids")
	}

	relations := ExtractionResult{
		Relations: []ExtractedRelation{
			{Source: "e1", Target: "e2", Relation: "직장"},
		},
	}
	delta2, _, err := m.ApplyExtraction(ctx, "s1", relations, idMap)
	if err != nil {
		t.Fatalf("apply relations: %v", err)
	}
	if len(delta2.AddedRelations) != 1 {
		t.Fatalf("expected 1 added relation, got %d", len(delta2.AddedRelations))
	}
	rel := delta2.AddedRelations[0]
	if rel.Source != idMap["e1"] || rel.Target != idMap["e2"] {
		t.Error("relation endpoints should be the reconciled persistent ids")
	}
	if delta2.FromVersion != 1 || delta2.ToVersion != 2 {
		t.Errorf("expected version 1→2, got %d→%d", delta2.FromVersion, delta2.ToVersion)
	}

	state, err := m.GetState(ctx, "s1")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if state.Version != 2 {
		t.Errorf("expected final version 2, got %d", state.Version)
	}
	if store.SaveCalls != 2 {
		t.Errorf("expected 2 store saves, got %d", store.SaveCalls)
	}
}

func TestManager_ApplyExtraction_Idempotent(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	res := ExtractionResult{
		Entities: []ExtractedEntity{
			{ID: "e1", Label: "Apple", Type: EntityOrganization},
			{ID: "e2", Label: "iPhone 15", Type: EntityProduct},
		},
		Relations: []ExtractedRelation{
			{Source: "e1", Target: "e2", Relation: "released"},
		},
	}

	first, _, err := m.ApplyExtraction(ctx, "s1", res, nil)
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if first.Empty() {
		t.Fatal("first application should produce a non-empty delta")
	}

	second, _, err := m.ApplyExtraction(ctx, "s1", res, nil)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if len(second.AddedEntities) != 0 || len(second.AddedRelations) != 0 {
		t.Errorf("second application added ids: %+v", second)
	}
	if second.ToVersion != first.ToVersion {
		t.Errorf("version moved on no-op apply: %d → %d", first.ToVersion, second.ToVersion)
	}

	state, _ := m.GetState(ctx, "s1")
	if len(state.Entities) != 2 || len(state.Relations) != 1 {
		t.Errorf("graph grew on repeated apply: %d entities, %d relations",
			len(state.Entities), len(state.Relations))
	}
}

func TestManager_SynonymReconciliation(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, _, err := m.ApplyExtraction(ctx, "s1", ExtractionResult{
		Entities: []ExtractedEntity{{ID: "e1", Label: "Samsung Electronics Co.", Type: EntityOrganization}},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	t.Run("containment match does not add", func(t *testing.T) {
		delta, idMap, err := m.ApplyExtraction(ctx, "s1", ExtractionResult{
			Entities: []ExtractedEntity{{ID: "x1", Label: "Samsung Electronics", Type: EntityOrganization}},
		}, nil)
		if err != nil {
			t.Fatal(err)
		}
		if len(delta.AddedEntities) != 0 {
			t.Errorf("expected containment match, got added %+v", delta.AddedEntities)
		}
		if len(delta.UpdatedEntities) != 0 {
			t.Error("shorter label must not replace longer one")
		}
		if idMap["x1"] == "" {
			t.Error("expected temp id bound to existing entity")
		}
	})

	t.Run("case and punctuation variants unify", func(t *testing.T) {
		delta, _, err := m.ApplyExtraction(ctx, "s1", ExtractionResult{
			Entities: []ExtractedEntity{{ID: "x2", Label: "samsung electronics co", Type: EntityOrganization}},
		}, nil)
		if err != nil {
			t.Fatal(err)
		}
		if len(delta.AddedEntities) != 0 {
			t.Errorf("expected normalized match, got added %+v", delta.AddedEntities)
		}
	})

	t.Run("padding never wins the length comparison", func(t *testing.T) {
		delta, _, err := m.ApplyExtraction(ctx, "s1", ExtractionResult{
			Entities: []ExtractedEntity{{ID: "x4", Label: "  Samsung Electronics Co.   ", Type: EntityOrganization}},
		}, nil)
		if err != nil {
			t.Fatal(err)
		}
		if len(delta.UpdatedEntities) != 0 {
			t.Errorf("whitespace padding must not count as a longer label, got %+v", delta.UpdatedEntities)
		}
		state, _ := m.GetState(ctx, "s1")
		if state.Entities[0].Label != "Samsung Electronics Co." {
			t.Errorf("label gained padding: %q", state.Entities[0].Label)
		}
	})

	t.Run("longer label replaces", func(t *testing.T) {
		delta, _, err := m.ApplyExtraction(ctx, "s1", ExtractionResult{
			Entities: []ExtractedEntity{{ID: "x3", Label: "Samsung Electronics Co., Ltd.", Type: EntityOrganization}},
		}, nil)
		if err != nil {
			t.Fatal(err)
		}
		if len(delta.UpdatedEntities) != 1 {
			t.Fatalf("expected 1 updated entity, got %d", len(delta.UpdatedEntities))
		}
		if delta.UpdatedEntities[0].Label != "Samsung Electronics Co., Ltd." {
			t.Errorf("unexpected label %q", delta.UpdatedEntities[0].Label)
		}
		state, _ := m.GetState(ctx, "s1")
		if len(state.Entities) != 1 {
			t.Errorf("expected single entity, got %d", len(state.Entities))
		}
	})
}

func TestManager_TypeStableAcrossLifetime(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, _, _ = m.ApplyExtraction(ctx, "s1", ExtractionResult{
		Entities: []ExtractedEntity{{ID: "e1", Label: "Apple", Type: EntityOrganization}},
	}, nil)

	// A case variant with a different extracted type still unifies, and the
	// stored entity must keep its original type.
	_, _, _ = m.ApplyExtraction(ctx, "s1", ExtractionResult{
		Entities: []ExtractedEntity{{ID: "e2", Label: "apple", Type: EntityProduct}},
	}, nil)

	state, _ := m.GetState(ctx, "s1")
	if len(state.Entities) != 1 {
		t.Fatalf("expected entity unification, got %d entities", len(state.Entities))
	}
	if state.Entities[0].Type != EntityOrganization {
		t.Errorf("type changed to %s", state.Entities[0].Type)
	}
}

func TestManager_RelationDedup(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, idMap, err := m.ApplyExtraction(ctx, "s1", ExtractionResult{
		Entities: []ExtractedEntity{
			{ID: "a", Label: "Kim", Type: EntityPerson},
			{ID: "b", Label: "Hyundai", Type: EntityOrganization},
		},
		Relations: []ExtractedRelation{{Source: "a", Target: "b", Relation: "works at"}},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		rel  ExtractedRelation
	}{
		{"exact normalized", ExtractedRelation{Source: "a", Target: "b", Relation: "Works At"}},
		{"similar phrase", ExtractedRelation{Source: "a", Target: "b", Relation: "works_a"}},
		{"reverse direction similar", ExtractedRelation{Source: "b", Target: "a", Relation: "works at"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delta, _, err := m.ApplyExtraction(ctx, "s1", ExtractionResult{
				Relations: []ExtractedRelation{tt.rel},
			}, idMap)
			if err != nil {
				t.Fatal(err)
			}
			if len(delta.AddedRelations) != 0 {
				t.Errorf("expected duplicate suppression, got %+v", delta.AddedRelations)
			}
			if !delta.Empty() {
				t.Error("expected empty delta")
			}
		})
	}

	state, _ := m.GetState(ctx, "s1")
	if len(state.Relations) != 1 {
		t.Errorf("expected 1 relation, got %d", len(state.Relations))
	}
}

func TestManager_RelationLabelFallback(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, _, err := m.ApplyExtraction(ctx, "s1", ExtractionResult{
		Entities: []ExtractedEntity{
			{ID: "e1", Label: "Kim", Type: EntityPerson},
			{ID: "e2", Label: "Seoul", Type: EntityLocation},
		},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	// Fresh id map: the relation references labels instead of temp ids.
	delta, _, err := m.ApplyExtraction(ctx, "s1", ExtractionResult{
		Relations: []ExtractedRelation{{Source: "Kim", Target: "Seoul", Relation: "lives in"}},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(delta.AddedRelations) != 1 {
		t.Fatalf("expected label-resolved relation, got %d", len(delta.AddedRelations))
	}

	state, _ := m.GetState(ctx, "s1")
	for _, rel := range state.Relations {
		found := 0
		for _, ent := range state.Entities {
			if ent.ID == rel.Source || ent.ID == rel.Target {
				found++
			}
		}
		if found != 2 {
			t.Errorf("relation %s has dangling endpoint", rel.ID)
		}
	}
}

func TestManager_UnresolvedEndpointSkipped(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	delta, _, err := m.ApplyExtraction(ctx, "s1", ExtractionResult{
		Relations: []ExtractedRelation{{Source: "nobody", Target: "nothing", Relation: "knows"}},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !delta.Empty() {
		t.Errorf("expected empty delta, got %+v", delta)
	}
	state, _ := m.GetState(ctx, "s1")
	if state.Version != 0 {
		t.Errorf("version moved on skipped relation: %d", state.Version)
	}
}

func TestManager_UnknownTypeCollapses(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	delta, _, err := m.ApplyExtraction(ctx, "s1", ExtractionResult{
		Entities: []ExtractedEntity{{ID: "e1", Label: "Something", Type: "GADGET"}},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if delta.AddedEntities[0].Type != EntityUnknown {
		t.Errorf("expected UNKNOWN, got %s", delta.AddedEntities[0].Type)
	}
}

func TestManager_SnapshotEveryTenVersions(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	labels := []string{"aa", "bb", "cc", "dd", "ee", "ff", "gg", "hh", "ii", "jj", "kk", "ll"}
	for i, l := range labels {
		_, _, err := m.ApplyExtraction(ctx, "s1", ExtractionResult{
			Entities: []ExtractedEntity{{ID: "e", Label: l + " entity " + l, Type: EntityConcept}},
		}, nil)
		if err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
	}

	state, _ := m.GetState(ctx, "s1")
	if state.Version != len(labels) {
		t.Fatalf("expected version %d, got %d", len(labels), state.Version)
	}
	if store.SnapshotCalls != 1 {
		t.Errorf("expected 1 snapshot at version 10, got %d", store.SnapshotCalls)
	}
	if _, ok := store.snapshots["s1"][10]; !ok {
		t.Error("expected snapshot keyed by version 10")
	}
}

func TestManager_StoreFailureIsSoft(t *testing.T) {
	m, store := newTestManager(t)
	store.SaveErr = errors.New("cache down")
	ctx := context.Background()

	delta, _, err := m.ApplyExtraction(ctx, "s1", ExtractionResult{
		Entities: []ExtractedEntity{{ID: "e1", Label: "Kim", Type: EntityPerson}},
	}, nil)
	if err != nil {
		t.Fatalf("apply should not fail on store error: %v", err)
	}
	if delta.ToVersion != 1 {
		t.Errorf("in-memory version should advance, got %d", delta.ToVersion)
	}

	state, _ := m.GetState(ctx, "s1")
	if len(state.Entities) != 1 {
		t.Error("in-memory graph should remain authoritative")
	}
}

func TestManager_LazyLoadFromStore(t *testing.T) {
	store := newMemStore()
	store.graphs["s1"] = &State{
		Version: 3,
		Entities: []Entity{
			{ID: "ent_1", Label: "Kim", Type: EntityPerson, CreatedAt: 1, UpdatedAt: 1},
		},
		Relations:   []Relation{},
		LastUpdated: 1,
	}
	m, err := NewManager(ManagerConfig{Store: store})
	if err != nil {
		t.Fatal(err)
	}

	state, err := m.GetState(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if state.Version != 3 || len(state.Entities) != 1 {
		t.Errorf("expected persisted graph, got version %d with %d entities",
			state.Version, len(state.Entities))
	}
}

func TestManager_ResetState(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	_, _, _ = m.ApplyExtraction(ctx, "s1", ExtractionResult{
		Entities: []ExtractedEntity{{ID: "e1", Label: "Kim", Type: EntityPerson}},
	}, nil)

	if err := m.ResetState(ctx, "s1"); err != nil {
		t.Fatalf("ResetState: %v", err)
	}
	state, _ := m.GetState(ctx, "s1")
	if state.Version != 0 || len(state.Entities) != 0 {
		t.Errorf("expected empty graph after reset, got v%d with %d entities",
			state.Version, len(state.Entities))
	}
	if _, ok := store.graphs["s1"]; ok {
		t.Error("expected persisted graph removed")
	}
}

func TestManager_GetStateReturnsSnapshot(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, _, _ = m.ApplyExtraction(ctx, "s1", ExtractionResult{
		Entities: []ExtractedEntity{{ID: "e1", Label: "Kim", Type: EntityPerson}},
	}, nil)

	snap, _ := m.GetState(ctx, "s1")
	snap.Entities[0].Label = "mutated"
	snap.Version = 99

	fresh, _ := m.GetState(ctx, "s1")
	if fresh.Entities[0].Label != "Kim" || fresh.Version != 1 {
		t.Error("snapshot mutation leaked into manager state")
	}
}

func TestManager_ConcurrentSessionsIndependent(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	sessions := []string{"s1", "s2", "s3", "s4"}
	for _, sid := range sessions {
		wg.Add(1)
		go func(sid string) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				_, _, err := m.ApplyExtraction(ctx, sid, ExtractionResult{
					Entities: []ExtractedEntity{
						{ID: "e", Label: sid + " entity " + string(rune('a'+i)), Type: EntityConcept},
					},
				}, nil)
				if err != nil {
					t.Errorf("%s apply %d: %v", sid, i, err)
				}
			}
		}(sid)
	}
	wg.Wait()

	for _, sid := range sessions {
		state, _ := m.GetState(ctx, sid)
		if state.Version != 5 || len(state.Entities) != 5 {
			t.Errorf("%s: expected v5 with 5 entities, got v%d with %d",
				sid, state.Version, len(state.Entities))
		}
	}
}
