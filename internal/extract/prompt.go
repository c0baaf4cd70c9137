package extract

import (
	"fmt"
	"sort"
	"strings"

	"github.com/MrWong99/echograph/internal/graph"
)

const (
	maxContextEntities  = 8
	maxContextRelations = 5
	maxFeedbackLines    = 3
)

const compactPromptFormat = `Extract entities and relations from text. Be concise.

## Types
PERSON|ORGANIZATION|LOCATION|CONCEPT|EVENT|PRODUCT|TECHNOLOGY|DATE|METRIC|ACTION

## Rules
- Max 5 entities, 3 relations
- Reuse existing entity IDs when applicable
- Relations: use short verb phrases
- Support: Korean, English, Japanese, Chinese
%s
## Text
"%s"

## Output (JSON only)
` + "```json" + `
{"entities":[{"id":"e1","label":"Name","type":"TYPE"}],"relations":[{"source":"e1","target":"e2","relation":"verb"}]}
` + "```"

// PromptContext carries the graph snapshot and optional feedback guidance
// folded into an extraction prompt.
type PromptContext struct {
	Entities  []graph.Entity
	Relations []graph.Relation

	// Feedback is an improvement-guidance string derived from past user
	// feedback. Only its first three lines are included.
	Feedback string
}

// BuildCompactPrompt renders the compact extraction prompt used on the
// streaming path. Graph context is pruned to the entities and relations most
// relevant to the text.
func BuildCompactPrompt(text string, pc PromptContext) string {
	var parts []string

	entities, relations := SelectRelevantContext(text, pc.Entities, pc.Relations)
	if ctx := FormatCompactContext(entities, relations); ctx != "" {
		parts = append(parts, ctx)
	}

	if pc.Feedback != "" {
		lines := strings.Split(strings.TrimSpace(pc.Feedback), "\n")
		if len(lines) > maxFeedbackLines {
			lines = lines[:maxFeedbackLines]
		}
		parts = append(parts, "\n## Feedback Guidelines\n"+strings.Join(lines, "\n"))
	}

	return fmt.Sprintf(compactPromptFormat, strings.Join(parts, "\n"), text)
}

// SelectRelevantContext picks the entities and relations worth spending
// prompt tokens on: entities mentioned in the text first, then the most
// recently updated ones, capped at 8; then up to 5 relations touching a
// selected entity.
func SelectRelevantContext(text string, entities []graph.Entity, relations []graph.Relation) ([]graph.Entity, []graph.Relation) {
	if len(entities) == 0 {
		return nil, nil
	}

	textLower := strings.ToLower(text)
	selected := make([]graph.Entity, 0, maxContextEntities)
	seen := make(map[string]struct{}, maxContextEntities)

	for _, e := range entities {
		if len(selected) >= maxContextEntities {
			break
		}
		if strings.Contains(textLower, strings.ToLower(e.Label)) {
			if _, ok := seen[e.ID]; !ok {
				selected = append(selected, e)
				seen[e.ID] = struct{}{}
			}
		}
	}

	if len(selected) < maxContextEntities {
		rest := make([]graph.Entity, 0, len(entities))
		for _, e := range entities {
			if _, ok := seen[e.ID]; !ok {
				rest = append(rest, e)
			}
		}
		sort.SliceStable(rest, func(i, j int) bool {
			return rest[i].UpdatedAt > rest[j].UpdatedAt
		})
		for _, e := range rest {
			if len(selected) >= maxContextEntities {
				break
			}
			selected = append(selected, e)
			seen[e.ID] = struct{}{}
		}
	}

	var selectedRelations []graph.Relation
	for _, r := range relations {
		if len(selectedRelations) >= maxContextRelations {
			break
		}
		_, srcOK := seen[r.Source]
		_, tgtOK := seen[r.Target]
		if srcOK || tgtOK {
			selectedRelations = append(selectedRelations, r)
		}
	}

	return selected, selectedRelations
}

// FormatCompactContext renders graph context in the dense form the compact
// prompt uses: "id:label(TYPE)" per entity, "src->tgt:rel" per relation.
// Returns "" when there is nothing to show.
func FormatCompactContext(entities []graph.Entity, relations []graph.Relation) string {
	if len(entities) == 0 && len(relations) == 0 {
		return ""
	}

	entitySummary := "none"
	if len(entities) > 0 {
		parts := make([]string, len(entities))
		for i, e := range entities {
			parts[i] = fmt.Sprintf("%s:%s(%s)", e.ID, e.Label, e.Type)
		}
		entitySummary = strings.Join(parts, ", ")
	}

	relationSummary := "none"
	if len(relations) > 0 {
		parts := make([]string, len(relations))
		for i, r := range relations {
			parts[i] = fmt.Sprintf("%s->%s:%s", r.Source, r.Target, r.Relation)
		}
		relationSummary = strings.Join(parts, ", ")
	}

	return fmt.Sprintf("\n## Existing (reuse IDs)\nEntities: %s\nRelations: %s", entitySummary, relationSummary)
}

// BuildLegacyPrompt renders the verbose extraction prompt used by the
// single-shot fallback path. It spells out every rule the compact prompt
// abbreviates; some models recover better from a parse failure with it.
func BuildLegacyPrompt(text string, pc PromptContext) string {
	var b strings.Builder

	b.WriteString(`You are an expert knowledge graph builder.
Extract entities and relationships from the given text.

## Entity Types
- PERSON: People, names
- ORGANIZATION: Organizations, companies, institutions
- LOCATION: Places, regions, countries, cities
- CONCEPT: Abstract concepts, theories, ideas
- EVENT: Events, incidents, occurrences
- PRODUCT: Products, services, offerings
- TECHNOLOGY: Technologies, tools, frameworks, programming languages
- DATE: Dates, times, periods
- METRIC: Numbers, metrics, statistics, measurements
- ACTION: Actions, activities, verbs

## CRITICAL RULES
1. Extract ONLY explicitly mentioned entities.
2. Each entity must have a UNIQUE ID (e.g., entity_1, entity_2).
3. Relations describe semantic connections between entities.
4. Relation descriptions should be concise verbs or phrases.
5. Do NOT extract vague or uncertain relations.
6. Extract the MOST IMPORTANT 3-5 entities maximum.
7. Extract 1-3 key relations maximum.
8. Support multiple languages (Korean, English, Japanese, Chinese, etc.)

## DUPLICATE PREVENTION
1. If an entity is semantically identical to an existing one, REUSE the existing ID.
2. Synonyms, abbreviations, and aliases are the SAME entity.
3. Do NOT create duplicate relations (same source-target pair).
`)

	if pc.Feedback != "" {
		b.WriteString("\n## FEEDBACK-BASED IMPROVEMENTS\nBased on user feedback from previous sessions, please note:\n")
		b.WriteString(pc.Feedback)
		b.WriteString("\n")
	}

	if len(pc.Entities) > 0 {
		b.WriteString("\n## Existing Entities (reuse these IDs if applicable)\n")
		for i, e := range pc.Entities {
			if i >= 20 {
				break
			}
			fmt.Fprintf(&b, "- ID: %s, Label: %q, Type: %s\n", e.ID, e.Label, e.Type)
		}
	}

	if len(pc.Relations) > 0 {
		b.WriteString("\n## Existing Relations (avoid duplicates)\n")
		for i, r := range pc.Relations {
			if i >= 20 {
				break
			}
			fmt.Fprintf(&b, "- %s --[%s]--> %s\n", r.Source, r.Relation, r.Target)
		}
	}

	b.WriteString(`
## Output Format
Return ONLY valid JSON in this exact format:

` + "```json" + `
{
  "entities": [
    { "id": "entity_1", "label": "Entity Name", "type": "ENTITY_TYPE" }
  ],
  "relations": [
    { "source": "entity_1", "target": "entity_2", "relation": "relationship description" }
  ]
}
` + "```" + `

If no entities or relations found, return:
` + "```json" + `
{ "entities": [], "relations": [] }
` + "```" + `

## Text to analyze:
`)
	b.WriteString(`"""` + "\n" + text + "\n" + `"""`)

	return b.String()
}
