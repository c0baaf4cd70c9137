// Package extract turns speech transcripts into graph updates: it builds
// extraction prompts, drives the LLM (streaming with a single-shot fallback),
// and parses entity/relation objects out of the model's partially-arrived
// JSON output.
package extract

import (
	"regexp"
	"strings"

	"github.com/MrWong99/echograph/internal/graph"
)

// ─── Streaming JSON parser ───────────────────────────────────────────────────

var (
	fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*)")
	bareJSONRe   = regexp.MustCompile(`(?s)(\{.*)`)

	entitiesClosedRe  = regexp.MustCompile(`(?s)"entities"\s*:\s*\[(.*?)\]`)
	entitiesOpenRe    = regexp.MustCompile(`(?s)"entities"\s*:\s*\[(.*)`)
	relationsClosedRe = regexp.MustCompile(`(?s)"relations"\s*:\s*\[(.*?)\]`)
	relationsOpenRe   = regexp.MustCompile(`(?s)"relations"\s*:\s*\[(.*)`)

	objectRe = regexp.MustCompile(`\{[^{}]*\}`)

	idFieldRe       = regexp.MustCompile(`"id"\s*:\s*"([^"]+)"`)
	labelFieldRe    = regexp.MustCompile(`"label"\s*:\s*"([^"]+)"`)
	typeFieldRe     = regexp.MustCompile(`"type"\s*:\s*"([^"]+)"`)
	sourceFieldRe   = regexp.MustCompile(`"source"\s*:\s*"([^"]+)"`)
	targetFieldRe   = regexp.MustCompile(`"target"\s*:\s*"([^"]+)"`)
	relationFieldRe = regexp.MustCompile(`"relation"\s*:\s*"([^"]+)"`)
)

// Parser incrementally extracts entity and relation objects from LLM output
// as it streams in. The output may be wrapped in a fenced code block, arrive
// in arbitrarily small chunks, and end mid-array; Feed only ever reports an
// object once it is completely present in the buffer, and never twice.
//
// A Parser is single-use and not safe for concurrent use; each extraction
// call owns one.
type Parser struct {
	buf strings.Builder

	entities  []graph.ExtractedEntity
	relations []graph.ExtractedRelation

	seenEntityIDs    map[string]struct{}
	seenRelationKeys map[string]struct{}
}

// NewParser returns an empty Parser.
func NewParser() *Parser {
	return &Parser{
		seenEntityIDs:    map[string]struct{}{},
		seenRelationKeys: map[string]struct{}{},
	}
}

// Feed appends chunk to the buffer and returns the entities and relations
// that have become fully parseable since the previous call.
func (p *Parser) Feed(chunk string) ([]graph.ExtractedEntity, []graph.ExtractedRelation) {
	p.buf.WriteString(chunk)

	body := jsonRegion(p.buf.String())
	if body == "" {
		return nil, nil
	}

	var newEntities []graph.ExtractedEntity
	for _, e := range parseEntities(body) {
		if _, ok := p.seenEntityIDs[e.ID]; ok {
			continue
		}
		p.seenEntityIDs[e.ID] = struct{}{}
		p.entities = append(p.entities, e)
		newEntities = append(newEntities, e)
	}

	var newRelations []graph.ExtractedRelation
	for _, r := range parseRelations(body) {
		key := r.Source + "\x00" + r.Target + "\x00" + r.Relation
		if _, ok := p.seenRelationKeys[key]; ok {
			continue
		}
		p.seenRelationKeys[key] = struct{}{}
		p.relations = append(p.relations, r)
		newRelations = append(newRelations, r)
	}

	return newEntities, newRelations
}

// Result returns everything parsed so far.
func (p *Parser) Result() graph.ExtractionResult {
	return graph.ExtractionResult{
		Entities:  p.entities,
		Relations: p.relations,
	}
}

// jsonRegion locates the JSON object within the raw LLM output, preferring a
// fenced code block over a bare brace.
func jsonRegion(raw string) string {
	if m := fencedJSONRe.FindStringSubmatch(raw); m != nil {
		return m[1]
	}
	if m := bareJSONRe.FindStringSubmatch(raw); m != nil {
		return m[1]
	}
	return ""
}

// arrayRegion returns the contents of the named array within body. A closed
// array is preferred; if the stream has not reached the closing bracket yet,
// everything after the opening bracket is scanned instead.
func arrayRegion(body string, closed, open *regexp.Regexp) string {
	if m := closed.FindStringSubmatch(body); m != nil {
		return m[1]
	}
	if m := open.FindStringSubmatch(body); m != nil {
		return m[1]
	}
	return ""
}

// parseEntities matches every complete entity object in the "entities" array.
// Field order inside the object does not matter; objects missing any of the
// three fields are skipped. Unknown types collapse to UNKNOWN.
func parseEntities(body string) []graph.ExtractedEntity {
	region := arrayRegion(body, entitiesClosedRe, entitiesOpenRe)
	if region == "" {
		return nil
	}

	var out []graph.ExtractedEntity
	for _, obj := range objectRe.FindAllString(region, -1) {
		id := firstGroup(idFieldRe, obj)
		label := firstGroup(labelFieldRe, obj)
		typ := firstGroup(typeFieldRe, obj)
		if id == "" || label == "" || typ == "" {
			continue
		}

		entityType := graph.EntityType(typ)
		if !entityType.IsValid() {
			entityType = graph.EntityUnknown
		}
		out = append(out, graph.ExtractedEntity{ID: id, Label: label, Type: entityType})
	}
	return out
}

// parseRelations matches every complete relation object in the "relations"
// array, field order independent.
func parseRelations(body string) []graph.ExtractedRelation {
	region := arrayRegion(body, relationsClosedRe, relationsOpenRe)
	if region == "" {
		return nil
	}

	var out []graph.ExtractedRelation
	for _, obj := range objectRe.FindAllString(region, -1) {
		source := firstGroup(sourceFieldRe, obj)
		target := firstGroup(targetFieldRe, obj)
		relation := firstGroup(relationFieldRe, obj)
		if source == "" || target == "" || relation == "" {
			continue
		}
		out = append(out, graph.ExtractedRelation{Source: source, Target: target, Relation: relation})
	}
	return out
}

func firstGroup(re *regexp.Regexp, s string) string {
	if m := re.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return ""
}
