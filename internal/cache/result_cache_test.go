package cache

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"testing"
	"time"

	"relgraph/internal/domain/query"
)

// fakeRepo 只实现缓存路径用到的方法，其余 panic 以暴露误用。
type fakeRepo struct {
	recent        *query.Result
	recentErr     error
	findCalls     int
	lastSince     time.Time
	intermediates []string
}

func (f *fakeRepo) FindRecentResult(ctx context.Context, originalQuery, queryType string, since time.Time) (*query.Result, error) {
	f.findCalls++
	f.lastSince = since
	if f.recentErr != nil {
		return nil, f.recentErr
	}
	return f.recent, nil
}

func (f *fakeRepo) CreateIntermediate(ctx context.Context, originalQuery, queryType string, payload any, searchResponse string) error {
	f.intermediates = append(f.intermediates, originalQuery+"|"+queryType)
	return nil
}

func (f *fakeRepo) CreateResult(ctx context.Context, result *query.Result, searchResponse string) (string, error) {
	panic("not used")
}
func (f *fakeRepo) GetResult(ctx context.Context, id string) (*query.Result, error) {
	panic("not used")
}
func (f *fakeRepo) ListResults(ctx context.Context, page, limit int) (*query.HistoryPage, error) {
	panic("not used")
}
func (f *fakeRepo) DeleteMatching(ctx context.Context, keywords []string) (int, error) {
	panic("not used")
}
func (f *fakeRepo) DeleteAll(ctx context.Context) (int, error) { panic("not used") }
func (f *fakeRepo) Stats(ctx context.Context) (*query.StoreStats, error) {
	panic("not used")
}

func TestCacheKeyNormalization(t *testing.T) {
	k1 := CacheKey("  Elon Musk  ", "person")
	k2 := CacheKey("elon musk", "person")
	if k1 != k2 {
		t.Fatalf("keys should match after normalization: %q vs %q", k1, k2)
	}

	encoded := base64.StdEncoding.EncodeToString([]byte("elon musk"))
	want := fmt.Sprintf("query:person:%s", encoded)
	if k1 != want {
		t.Fatalf("unexpected key %q, want %q", k1, want)
	}

	if CacheKey("elon musk", "company") == k1 {
		t.Fatalf("different query types must produce different keys")
	}
}

func TestGetCachedResultMemoryHit(t *testing.T) {
	clock := newFakeClock()
	repo := &fakeRepo{}
	mem := NewMemoryStore(clock, 30*time.Minute, 10*time.Minute)
	rc := NewResultCache(mem, nil, repo, clock, time.Hour)

	req := query.Request{Query: "Elon Musk", QueryType: "person"}
	rc.CacheResult(context.Background(), req, testResult("r1"))

	got := rc.GetCachedResult(context.Background(), req)
	if got == nil || got.ID != "r1" {
		t.Fatalf("expected memory hit, got %+v", got)
	}
	if repo.findCalls != 0 {
		t.Fatalf("memory hit must not touch the durable store")
	}
}

func TestGetCachedResultDurableFallbackRepopulates(t *testing.T) {
	clock := newFakeClock()
	repo := &fakeRepo{recent: testResult("r-db")}
	mem := NewMemoryStore(clock, 30*time.Minute, 10*time.Minute)
	rc := NewResultCache(mem, nil, repo, clock, time.Hour)

	req := query.Request{Query: "Elon Musk", QueryType: "person"}

	got := rc.GetCachedResult(context.Background(), req)
	if got == nil || got.ID != "r-db" {
		t.Fatalf("expected durable hit, got %+v", got)
	}
	if repo.findCalls != 1 {
		t.Fatalf("expected 1 durable lookup, got %d", repo.findCalls)
	}

	wantSince := clock.Now().Add(-time.Hour)
	if !repo.lastSince.Equal(wantSince) {
		t.Fatalf("freshness window wrong: since=%v want=%v", repo.lastSince, wantSince)
	}

	// 下层命中回填内存层，第二次不再查库
	got = rc.GetCachedResult(context.Background(), req)
	if got == nil || got.ID != "r-db" {
		t.Fatalf("expected repopulated memory hit, got %+v", got)
	}
	if repo.findCalls != 1 {
		t.Fatalf("memory tier should serve the second read, findCalls=%d", repo.findCalls)
	}
}

func TestGetCachedResultSwallowsDurableErrors(t *testing.T) {
	clock := newFakeClock()
	repo := &fakeRepo{recentErr: fmt.Errorf("connection refused")}
	mem := NewMemoryStore(clock, 30*time.Minute, 10*time.Minute)
	rc := NewResultCache(mem, nil, repo, clock, time.Hour)

	got := rc.GetCachedResult(context.Background(), query.Request{Query: "Elon Musk"})
	if got != nil {
		t.Fatalf("durable error must read as a miss, got %+v", got)
	}
}

func TestSaveIntermediateWritesPlaceholder(t *testing.T) {
	clock := newFakeClock()
	repo := &fakeRepo{}
	mem := NewMemoryStore(clock, 30*time.Minute, 10*time.Minute)
	rc := NewResultCache(mem, nil, repo, clock, time.Hour)

	req := query.Request{Query: "Elon Musk", QueryType: "person"}
	step := Step{
		Name:    StepSearchComplete,
		Payload: StepPayload{Search: &SearchStepData{Source: SourceFallback, Response: "raw"}},
	}
	if err := rc.SaveIntermediate(context.Background(), req, step); err != nil {
		t.Fatalf("save intermediate failed: %v", err)
	}

	if len(repo.intermediates) != 1 {
		t.Fatalf("expected 1 placeholder row, got %d", len(repo.intermediates))
	}
	want := "Elon Musk_temp_search_complete|temp_person"
	if repo.intermediates[0] != want {
		t.Fatalf("placeholder row mismatch: got %q want %q", repo.intermediates[0], want)
	}

	steps := rc.Steps(req)
	if len(steps) != 1 || steps[0].Payload.Search.Source != SourceFallback {
		t.Fatalf("step log mismatch: %+v", steps)
	}
}

func TestSaveIntermediateAvatarStepSkipsPlaceholder(t *testing.T) {
	clock := newFakeClock()
	repo := &fakeRepo{}
	mem := NewMemoryStore(clock, 30*time.Minute, 10*time.Minute)
	rc := NewResultCache(mem, nil, repo, clock, time.Hour)

	req := query.Request{Query: "Elon Musk", QueryType: "person"}
	step := Step{Name: StepAvatarComplete, Payload: StepPayload{Entities: []query.Entity{}}}
	if err := rc.SaveIntermediate(context.Background(), req, step); err != nil {
		t.Fatalf("save intermediate failed: %v", err)
	}
	if len(repo.intermediates) != 0 {
		t.Fatalf("avatar step must not write a placeholder row")
	}
}

func TestProcessingKeyDistinctFromCacheKey(t *testing.T) {
	pk := ProcessingKey("Elon Musk")
	if !strings.HasPrefix(pk, "processing:") {
		t.Fatalf("processing key prefix wrong: %q", pk)
	}
	if pk == CacheKey("Elon Musk", "person") {
		t.Fatalf("processing and result keys must not collide")
	}
}
