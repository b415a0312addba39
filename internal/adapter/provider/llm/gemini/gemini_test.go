package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"relgraph/internal/domain/query"
)

const entitiesJSON = `[
	{"id": 0, "name": "Elon Musk", "tag": "person", "relationship_score": 10, "summary": "s", "description": "d", "links": []},
	{"id": 1, "name": "SpaceX", "tag": "company", "relationship_score": 9, "summary": "s", "description": "d", "links": [{"index": 1, "url": "https://example.com"}]}
]`

func TestParseEntities(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "bare array", content: entitiesJSON},
		{name: "json code fence", content: "```json\n" + entitiesJSON + "\n```"},
		{name: "plain code fence", content: "```\n" + entitiesJSON + "\n```"},
		{name: "surrounding prose", content: "Here are the entities:\n" + entitiesJSON + "\nLet me know if you need more."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entities, err := parseEntities(tt.content)
			if err != nil {
				t.Fatalf("parse failed: %v", err)
			}
			if len(entities) != 2 || entities[0].Name != "Elon Musk" {
				t.Fatalf("unexpected entities: %+v", entities)
			}
			if entities[1].Links[0].URL != "https://example.com" {
				t.Fatalf("links not parsed: %+v", entities[1].Links)
			}
		})
	}
}

func TestParseEntitiesFailuresArePermanent(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "no array", content: "I could not find any entities."},
		{name: "broken json", content: `[{"id": 0, "name": ]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseEntities(tt.content)
			if err == nil {
				t.Fatalf("expected parse error")
			}
			if query.KindOf(err) != query.KindPermanent {
				t.Fatalf("parse failures must be permanent, got %q", query.KindOf(err))
			}
		})
	}
}

func TestStructureData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req apiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request: %v", err)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("expected system + user messages, got %+v", req.Messages)
		}

		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "```json\n" + entitiesJSON + "\n```"}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p := New(Config{APIKey: "k", BaseURL: srv.URL})
	entities, err := p.StructureData(context.Background(), query.Request{Query: "Elon Musk", QueryType: "person"}, "raw research")
	if err != nil {
		t.Fatalf("structure failed: %v", err)
	}
	if len(entities) != 2 {
		t.Fatalf("expected 2 entities, got %d", len(entities))
	}
}

func TestStructureDataServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := New(Config{APIKey: "k", BaseURL: srv.URL})
	_, err := p.StructureData(context.Background(), query.Request{Query: "x"}, "raw")
	if err == nil {
		t.Fatalf("expected error")
	}
	if query.KindOf(err) != query.KindTransient {
		t.Fatalf("5xx must be transient, got %q", query.KindOf(err))
	}
}
