package tavily

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"relgraph/internal/domain/query"
)

func TestSearchInformationCombinesRounds(t *testing.T) {
	var queries []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Query string `json:"query"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		queries = append(queries, req.Query)

		json.NewEncoder(w).Encode(apiResponse{
			Answer: "answer for " + req.Query,
			Results: []apiResult{
				{Title: "T", URL: "https://example.com", Content: "content"},
			},
		})
	}))
	defer srv.Close()

	p := New(Config{APIKey: "k", BaseURL: srv.URL})
	got, err := p.SearchInformation(context.Background(), query.Request{Query: "SpaceX", QueryType: "company"})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(queries) != 2 {
		t.Fatalf("expected 2 search rounds, got %d", len(queries))
	}
	if !strings.Contains(queries[1], "recent news") {
		t.Fatalf("second round must target recent news, got %q", queries[1])
	}
	if !strings.Contains(got, "## Background") || !strings.Contains(got, "## Recent developments") {
		t.Fatalf("output must contain both sections:\n%s", got)
	}
	if !strings.Contains(got, "Source: https://example.com") {
		t.Fatalf("output must cite sources:\n%s", got)
	}
}

func TestSearchInformationToleratesSecondRoundFailure(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 2 {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(apiResponse{Answer: "base answer"})
	}))
	defer srv.Close()

	p := New(Config{APIKey: "k", BaseURL: srv.URL})
	got, err := p.SearchInformation(context.Background(), query.Request{Query: "SpaceX"})
	if err != nil {
		t.Fatalf("second-round failure must not fail the search: %v", err)
	}
	if !strings.Contains(got, "base answer") {
		t.Fatalf("first round content missing:\n%s", got)
	}
}

func TestSearchInformationFirstRoundFailureFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := New(Config{APIKey: "k", BaseURL: srv.URL})
	_, err := p.SearchInformation(context.Background(), query.Request{Query: "SpaceX"})
	if err == nil {
		t.Fatalf("first-round failure must fail the search")
	}
	if query.KindOf(err) != query.KindPermanent {
		t.Fatalf("401 must be permanent, got %q", query.KindOf(err))
	}
}

func TestSearchAvatarPersonQueries(t *testing.T) {
	var queries []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Query         string `json:"query"`
			IncludeImages bool   `json:"include_images"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if !req.IncludeImages {
			t.Errorf("avatar search must request images")
		}
		queries = append(queries, req.Query)
		json.NewEncoder(w).Encode(apiResponse{
			Images: []apiImage{{URL: "https://img.example/a.jpg"}},
		})
	}))
	defer srv.Close()

	p := New(Config{APIKey: "k", BaseURL: srv.URL})
	url, err := p.SearchAvatar(context.Background(), "Elon Musk", query.TagPerson)
	if err != nil {
		t.Fatalf("avatar search failed: %v", err)
	}
	if url != "https://img.example/a.jpg" {
		t.Fatalf("unexpected url %q", url)
	}
	if len(queries) != 1 || !strings.Contains(queries[0], "profile photo headshot portrait") {
		t.Fatalf("person avatar query wrong: %v", queries)
	}
}

func TestSearchAvatarFallsBackToSimplerQuery(t *testing.T) {
	var queries []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Query string `json:"query"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		queries = append(queries, req.Query)

		resp := apiResponse{}
		if len(queries) == 2 {
			resp.Images = []apiImage{{URL: "https://img.example/logo.png"}}
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p := New(Config{APIKey: "k", BaseURL: srv.URL})
	url, err := p.SearchAvatar(context.Background(), "SpaceX", query.TagCompany)
	if err != nil {
		t.Fatalf("avatar search failed: %v", err)
	}
	if url != "https://img.example/logo.png" {
		t.Fatalf("fallback image not used, got %q", url)
	}
	if len(queries) != 2 {
		t.Fatalf("expected 2 queries, got %v", queries)
	}
	if !strings.Contains(queries[0], "company logo official") || queries[1] != "SpaceX logo" {
		t.Fatalf("query sequence wrong: %v", queries)
	}
}

func TestSearchAvatarNoImagesReturnsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(apiResponse{})
	}))
	defer srv.Close()

	p := New(Config{APIKey: "k", BaseURL: srv.URL})
	url, err := p.SearchAvatar(context.Background(), "Nobody", query.TagPerson)
	if err != nil {
		t.Fatalf("no images is not an error: %v", err)
	}
	if url != "" {
		t.Fatalf("expected empty url, got %q", url)
	}
}
