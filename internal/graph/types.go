// Package graph owns the per-session knowledge graph: the versioned
// entity/relation state, the reconciliation rules that merge freshly
// extracted entities into it, and the deltas shipped to clients.
package graph

// EntityType classifies a graph entity. The set is closed; extractors that
// produce anything else collapse to [EntityUnknown].
type EntityType string

const (
	EntityPerson       EntityType = "PERSON"
	EntityOrganization EntityType = "ORGANIZATION"
	EntityLocation     EntityType = "LOCATION"
	EntityConcept      EntityType = "CONCEPT"
	EntityEvent        EntityType = "EVENT"
	EntityProduct      EntityType = "PRODUCT"
	EntityTechnology   EntityType = "TECHNOLOGY"
	EntityDate         EntityType = "DATE"
	EntityMetric       EntityType = "METRIC"
	EntityAction       EntityType = "ACTION"
	EntityUnknown      EntityType = "UNKNOWN"
)

// AllEntityTypes lists every valid entity type, in prompt order.
var AllEntityTypes = []EntityType{
	EntityPerson, EntityOrganization, EntityLocation, EntityConcept,
	EntityEvent, EntityProduct, EntityTechnology, EntityDate,
	EntityMetric, EntityAction, EntityUnknown,
}

// IsValid reports whether t is one of the known entity types.
func (t EntityType) IsValid() bool {
	switch t {
	case EntityPerson, EntityOrganization, EntityLocation, EntityConcept,
		EntityEvent, EntityProduct, EntityTechnology, EntityDate,
		EntityMetric, EntityAction, EntityUnknown:
		return true
	}
	return false
}

// Entity is a node in the session graph. The id is server-assigned and never
// changes; the type is fixed at creation; the label may only ever be replaced
// by a strictly longer one.
type Entity struct {
	ID        string         `json:"id"`
	Label     string         `json:"label"`
	Type      EntityType     `json:"type"`
	CreatedAt int64          `json:"createdAt"`
	UpdatedAt int64          `json:"updatedAt"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Relation is a directed edge between two entities of the same session graph.
type Relation struct {
	ID        string  `json:"id"`
	Source    string  `json:"source"`
	Target    string  `json:"target"`
	Relation  string  `json:"relation"`
	Weight    float64 `json:"weight,omitempty"`
	CreatedAt int64   `json:"createdAt"`
}

// State is the full session graph at one version.
type State struct {
	Version     int        `json:"version"`
	Entities    []Entity   `json:"entities"`
	Relations   []Relation `json:"relations"`
	LastUpdated int64      `json:"lastUpdated"`
}

// NewState returns an empty graph at version 0.
func NewState() *State {
	return &State{
		Entities:  []Entity{},
		Relations: []Relation{},
	}
}

// Clone returns a deep copy of s so callers can hold a snapshot without
// racing the manager.
func (s *State) Clone() *State {
	cp := &State{
		Version:     s.Version,
		Entities:    make([]Entity, len(s.Entities)),
		Relations:   make([]Relation, len(s.Relations)),
		LastUpdated: s.LastUpdated,
	}
	copy(cp.Entities, s.Entities)
	copy(cp.Relations, s.Relations)
	for i, e := range cp.Entities {
		if e.Metadata != nil {
			m := make(map[string]any, len(e.Metadata))
			for k, v := range e.Metadata {
				m[k] = v
			}
			cp.Entities[i].Metadata = m
		}
	}
	return cp
}

// Delta describes the transition between two adjacent graph versions.
type Delta struct {
	AddedEntities      []Entity   `json:"addedEntities"`
	AddedRelations     []Relation `json:"addedRelations"`
	UpdatedEntities    []Entity   `json:"updatedEntities"`
	RemovedEntityIDs   []string   `json:"removedEntityIds"`
	RemovedRelationIDs []string   `json:"removedRelationIds"`
	FromVersion        int        `json:"fromVersion"`
	ToVersion          int        `json:"toVersion"`
}

// Empty reports whether the delta carries no changes.
func (d Delta) Empty() bool {
	return len(d.AddedEntities) == 0 &&
		len(d.AddedRelations) == 0 &&
		len(d.UpdatedEntities) == 0 &&
		len(d.RemovedEntityIDs) == 0 &&
		len(d.RemovedRelationIDs) == 0
}

// ExtractedEntity is a pre-reconciliation entity emitted by the LLM parser.
// The id is model-local (e.g. "e1") and only meaningful within one extraction.
type ExtractedEntity struct {
	ID    string     `json:"id"`
	Label string     `json:"label"`
	Type  EntityType `json:"type"`
}

// ExtractedRelation is a pre-reconciliation relation. Source and target may
// reference model-local ids or entity labels; the manager resolves both.
type ExtractedRelation struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	Relation string `json:"relation"`
}

// ExtractionResult is one LLM extraction prior to reconciliation.
type ExtractionResult struct {
	Entities  []ExtractedEntity   `json:"entities"`
	Relations []ExtractedRelation `json:"relations"`
}

// Empty reports whether the extraction contains nothing to apply.
func (r ExtractionResult) Empty() bool {
	return len(r.Entities) == 0 && len(r.Relations) == 0
}
