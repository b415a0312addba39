package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"relgraph/internal/cache"
	"relgraph/internal/domain/pipeline"
	"relgraph/internal/domain/query"
)

type stubRepo struct {
	result  *query.Result
	history *query.HistoryPage
}

func (s *stubRepo) CreateResult(ctx context.Context, result *query.Result, searchResponse string) (string, error) {
	result.ID = "new-id"
	result.CreatedAt = time.Now()
	return result.ID, nil
}

func (s *stubRepo) GetResult(ctx context.Context, id string) (*query.Result, error) {
	if s.result == nil || s.result.ID != id {
		return nil, query.Newf(query.KindNotFound, query.StagePersist, "query result %s not found", id)
	}
	return s.result, nil
}

func (s *stubRepo) FindRecentResult(ctx context.Context, originalQuery, queryType string, since time.Time) (*query.Result, error) {
	return nil, nil
}

func (s *stubRepo) ListResults(ctx context.Context, page, limit int) (*query.HistoryPage, error) {
	return s.history, nil
}

func (s *stubRepo) CreateIntermediate(ctx context.Context, originalQuery, queryType string, payload any, searchResponse string) error {
	return nil
}

func (s *stubRepo) DeleteMatching(ctx context.Context, keywords []string) (int, error) {
	return 0, nil
}
func (s *stubRepo) DeleteAll(ctx context.Context) (int, error) { return 0, nil }
func (s *stubRepo) Stats(ctx context.Context) (*query.StoreStats, error) {
	return &query.StoreStats{}, nil
}

type stubSearch struct{ text string }

func (s *stubSearch) Name() string { return "stub-search" }
func (s *stubSearch) SearchInformation(ctx context.Context, req query.Request) (string, error) {
	return s.text, nil
}

type stubStructurer struct{}

func (stubStructurer) Name() string { return "stub-structurer" }
func (stubStructurer) StructureData(ctx context.Context, req query.Request, raw string) ([]query.Entity, error) {
	return []query.Entity{
		{ID: 0, Name: req.Query, Tag: query.TagPerson, RelationshipScore: 10, Summary: "s", Description: "d", Links: []query.Link{}},
	}, nil
}

type stubAvatars struct{}

func (stubAvatars) SearchAvatar(ctx context.Context, name string, tag query.Tag) (string, error) {
	return "", nil
}

func testServer(repo query.Repository) http.Handler {
	clock := cache.SystemClock{}
	mem := cache.NewMemoryStore(clock, 30*time.Minute, 10*time.Minute)
	rc := cache.NewResultCache(mem, nil, repo, clock, time.Hour)
	processor := pipeline.NewProcessor(rc, repo,
		&stubSearch{text: "research"}, &stubSearch{text: "fallback"}, stubStructurer{}, stubAvatars{})

	cfg := DefaultServerConfig()
	cfg.RunTimeout = 5 * time.Second
	cfg.Heartbeat = 0
	return NewServer(cfg, repo, processor).Handler()
}

func TestHealthEndpoint(t *testing.T) {
	handler := testServer(&stubRepo{})

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("health = %d", rr.Code)
	}
}

func TestProcessQuerySyncEndpoint(t *testing.T) {
	handler := testServer(&stubRepo{})

	body := strings.NewReader(`{"query": "Elon Musk", "queryType": "person"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/query", body)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}

	var resp struct {
		Data query.Result `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response: %v", err)
	}
	if resp.Data.ID != "new-id" || len(resp.Data.Entities) != 1 {
		t.Fatalf("unexpected result: %+v", resp.Data)
	}
}

func TestProcessQuerySyncRejectsEmptyQuery(t *testing.T) {
	handler := testServer(&stubRepo{})

	req := httptest.NewRequest(http.MethodPost, "/api/query", strings.NewReader(`{"query": "  "}`))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("empty query should 400, got %d", rr.Code)
	}
}

func TestProcessQueryStreamEndpoint(t *testing.T) {
	handler := testServer(&stubRepo{})

	req := httptest.NewRequest(http.MethodGet, "/api/query/stream?query=Elon+Musk&queryType=person", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	body := rr.Body.String()
	for _, step := range []string{`"step":"connected"`, `"step":"cache_check"`, `"step":"search_complete"`, `"step":"result"`, `"step":"complete"`} {
		if !strings.Contains(body, step) {
			t.Fatalf("stream missing %s:\n%s", step, body)
		}
	}

	if strings.Index(body, `"step":"result"`) > strings.Index(body, `"step":"complete"`) {
		t.Fatalf("result must precede complete:\n%s", body)
	}
}

func TestGetHistoryEndpoint(t *testing.T) {
	repo := &stubRepo{history: &query.HistoryPage{
		Results: []query.HistoryItem{
			{ID: "h1", OriginalQuery: "Elon Musk", QueryType: "person", EntityCount: 5},
		},
		Pagination: query.Pagination{CurrentPage: 1, TotalPages: 1, TotalItems: 1, ItemsPerPage: 10},
	}}
	handler := testServer(repo)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/query/history?page=1&limit=10", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"entityCount":5`) {
		t.Fatalf("history payload missing entity count: %s", rr.Body.String())
	}
}

func TestGetQueryByID(t *testing.T) {
	repo := &stubRepo{result: &query.Result{ID: "abc", OriginalQuery: "Elon Musk"}}
	handler := testServer(repo)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/query/abc", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/query/missing", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing id should 404, got %d", rr.Code)
	}
}
