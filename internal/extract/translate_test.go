package extract

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/echograph/internal/graph"
	"github.com/MrWong99/echograph/pkg/provider/llm"
	llmmock "github.com/MrWong99/echograph/pkg/provider/llm/mock"
)

func translateState() *graph.State {
	return &graph.State{
		Version: 2,
		Entities: []graph.Entity{
			{ID: "ent_1", Label: "김철수", Type: graph.EntityPerson},
			{ID: "ent_2", Label: "삼성전자", Type: graph.EntityOrganization},
		},
		Relations: []graph.Relation{
			{ID: "rel_1", Source: "ent_1", Target: "ent_2", Relation: "직장"},
		},
	}
}

func TestTranslate(t *testing.T) {
	mock := &llmmock.Provider{
		CompleteResult: &llm.CompletionResponse{Content: "```json\n" +
			`{"entities":{"ent_1":"Kim Chulsoo","ent_2":"Samsung Electronics"},"relations":{"rel_1":"works at"}}` +
			"\n```"},
	}
	tr, err := NewTranslator(mock, nil)
	if err != nil {
		t.Fatal(err)
	}

	got, err := tr.Translate(context.Background(), translateState(), "en")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Entities["ent_1"] != "Kim Chulsoo" {
		t.Errorf("unexpected entity translation: %+v", got.Entities)
	}
	if got.Relations["rel_1"] != "works at" {
		t.Errorf("unexpected relation translation: %+v", got.Relations)
	}

	// Prompt must list every id so the model can map them back.
	prompt := mock.CompleteCalls[0].Messages[0].Content
	for _, want := range []string{"ent_1", "ent_2", "rel_1", `"en"`} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestTranslate_EmptyGraph(t *testing.T) {
	mock := &llmmock.Provider{}
	tr, _ := NewTranslator(mock, nil)

	got, err := tr.Translate(context.Background(), graph.NewState(), "ja")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.Entities) != 0 || len(got.Relations) != 0 {
		t.Errorf("expected empty translation, got %+v", got)
	}
	if mock.Completes() != 0 {
		t.Error("empty graph should not call the LLM")
	}
}

func TestTranslate_Errors(t *testing.T) {
	t.Run("empty target language", func(t *testing.T) {
		tr, _ := NewTranslator(&llmmock.Provider{}, nil)
		if _, err := tr.Translate(context.Background(), translateState(), ""); err == nil {
			t.Fatal("expected error")
		}
	})
	t.Run("llm failure", func(t *testing.T) {
		tr, _ := NewTranslator(&llmmock.Provider{CompleteError: errors.New("down")}, nil)
		if _, err := tr.Translate(context.Background(), translateState(), "en"); err == nil {
			t.Fatal("expected error")
		}
	})
	t.Run("non-json response", func(t *testing.T) {
		tr, _ := NewTranslator(&llmmock.Provider{
			CompleteResult: &llm.CompletionResponse{Content: "cannot translate"},
		}, nil)
		if _, err := tr.Translate(context.Background(), translateState(), "en"); err == nil {
			t.Fatal("expected error")
		}
	})
}
