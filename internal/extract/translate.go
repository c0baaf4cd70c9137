package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MrWong99/echograph/internal/graph"
	"github.com/MrWong99/echograph/pkg/provider/llm"
)

const (
	translateTemperature = 0.3
	translateMaxTokens   = 2048
)

// Translation maps entity ids to translated labels and relation ids to
// translated relation phrases. Ids absent from the maps keep their
// original text.
type Translation struct {
	Entities  map[string]string `json:"entities"`
	Relations map[string]string `json:"relations"`
}

// Translator renders a session graph's labels into another language via a
// single-shot LLM call. Entity ids and graph structure are never touched;
// only display text moves.
type Translator struct {
	llm llm.Provider
	log *slog.Logger
}

// NewTranslator creates a Translator.
func NewTranslator(provider llm.Provider, log *slog.Logger) (*Translator, error) {
	if provider == nil {
		return nil, fmt.Errorf("extract: LLM provider must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Translator{llm: provider, log: log.With("component", "translator")}, nil
}

// Translate translates every entity label and relation phrase of state into
// targetLanguage.
func (t *Translator) Translate(ctx context.Context, state *graph.State, targetLanguage string) (*Translation, error) {
	if targetLanguage == "" {
		return nil, fmt.Errorf("extract: target language must not be empty")
	}
	if state == nil || (len(state.Entities) == 0 && len(state.Relations) == 0) {
		return &Translation{Entities: map[string]string{}, Relations: map[string]string{}}, nil
	}

	resp, err := t.llm.Complete(ctx, llm.CompletionRequest{
		Messages:    []llm.Message{{Role: "user", Content: buildTranslatePrompt(state, targetLanguage)}},
		Temperature: translateTemperature,
		MaxTokens:   translateMaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("extract: translate: %w", err)
	}

	tr, err := parseTranslation(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("extract: translate: %w", err)
	}

	t.log.Debug("graph translated",
		"target_language", targetLanguage,
		"entities", len(tr.Entities),
		"relations", len(tr.Relations))
	return tr, nil
}

func buildTranslatePrompt(state *graph.State, targetLanguage string) string {
	var b strings.Builder

	fmt.Fprintf(&b, `Translate the following knowledge graph labels into %q.
Keep proper nouns recognizable; translate descriptions naturally.
Return ONLY JSON mapping each id to its translated text:

`, targetLanguage)
	b.WriteString("```json\n{\"entities\":{\"id\":\"translated label\"},\"relations\":{\"id\":\"translated phrase\"}}\n```\n")

	b.WriteString("\n## Entities\n")
	for _, e := range state.Entities {
		fmt.Fprintf(&b, "- %s: %q (%s)\n", e.ID, e.Label, e.Type)
	}

	if len(state.Relations) > 0 {
		b.WriteString("\n## Relations\n")
		for _, r := range state.Relations {
			fmt.Fprintf(&b, "- %s: %q\n", r.ID, r.Relation)
		}
	}

	return b.String()
}

func parseTranslation(content string) (*Translation, error) {
	body := jsonRegion(content)
	if body == "" {
		return nil, fmt.Errorf("no JSON in response")
	}
	// Trim anything after the outermost closing brace (e.g. the code fence).
	if i := strings.LastIndex(body, "}"); i >= 0 {
		body = body[:i+1]
	}

	var tr Translation
	if err := json.Unmarshal([]byte(body), &tr); err != nil {
		return nil, fmt.Errorf("decode translation: %w", err)
	}
	if tr.Entities == nil {
		tr.Entities = map[string]string{}
	}
	if tr.Relations == nil {
		tr.Relations = map[string]string{}
	}
	return &tr, nil
}
