package pipeline

import (
	"context"

	"relgraph/internal/cache"
	"relgraph/internal/domain/query"
	applog "relgraph/internal/platform/log"
)

// State 流水线状态。
type State string

const (
	StateCacheCheck State = "CACHE_CHECK"
	StateSearch     State = "SEARCH"
	StateStructure  State = "STRUCTURE"
	StateEnrich     State = "ENRICH"
	StatePersist    State = "PERSIST"
	StateDone       State = "DONE"
)

// Status 进度事件状态。
type Status string

const (
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Event 流水线进度事件。
type Event struct {
	Step   string
	Status Status
	Data   any
	Err    error
}

// EmitFunc 进度回调。同步处理时为 nil。
type EmitFunc func(Event)

// previewLen search_complete 事件里原始文本预览的最大长度。
const previewLen = 200

// Processor 查询处理流水线。每个状态转移一个方法，依次推进
// CACHE_CHECK -> SEARCH -> STRUCTURE -> ENRICH -> PERSIST -> DONE。
type Processor struct {
	cache      *cache.ResultCache
	repo       query.Repository
	primary    query.SearchProvider
	fallback   query.SearchProvider
	structurer query.Structurer
	avatars    query.AvatarSearcher
}

// NewProcessor 组装流水线。
func NewProcessor(rc *cache.ResultCache, repo query.Repository, primary, fallback query.SearchProvider, structurer query.Structurer, avatars query.AvatarSearcher) *Processor {
	return &Processor{
		cache:      rc,
		repo:       repo,
		primary:    primary,
		fallback:   fallback,
		structurer: structurer,
		avatars:    avatars,
	}
}

// runContext 单次流水线运行的中间状态。
type runContext struct {
	req      query.Request
	emit     EmitFunc
	raw      string
	source   cache.SearchSource
	entities []query.Entity
	result   *query.Result
}

func (rc *runContext) started(step string) {
	if rc.emit != nil {
		rc.emit(Event{Step: step, Status: StatusStarted})
	}
}

func (rc *runContext) completed(step string, data any) {
	if rc.emit != nil {
		rc.emit(Event{Step: step, Status: StatusCompleted, Data: data})
	}
}

func (rc *runContext) failed(step string, err error) {
	if rc.emit != nil {
		rc.emit(Event{Step: step, Status: StatusError, Err: err})
	}
}

// ProcessQuery 同步处理一次查询。
func (p *Processor) ProcessQuery(ctx context.Context, req query.Request) (*query.Result, error) {
	return p.run(ctx, req, nil)
}

// ProcessQueryStream 处理查询并通过 emit 上报每一步进度。
func (p *Processor) ProcessQueryStream(ctx context.Context, req query.Request, emit EmitFunc) (*query.Result, error) {
	return p.run(ctx, req, emit)
}

func (p *Processor) run(ctx context.Context, req query.Request, emit EmitFunc) (*query.Result, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	rc := &runContext{req: req, emit: emit}
	state := StateCacheCheck

	for state != StateDone {
		var err error
		switch state {
		case StateCacheCheck:
			state = p.stepCacheCheck(ctx, rc)
		case StateSearch:
			state, err = p.stepSearch(ctx, rc)
		case StateStructure:
			state, err = p.stepStructure(ctx, rc)
		case StateEnrich:
			state = p.stepEnrich(ctx, rc)
		case StatePersist:
			state, err = p.stepPersist(ctx, rc)
		}
		if err != nil {
			return nil, err
		}
	}
	return rc.result, nil
}

func validateRequest(req query.Request) error {
	if query.NormalizeQuery(req.Query) == "" {
		return query.New(query.KindValidation, query.StageCacheCheck, "query text is required")
	}
	return nil
}

func (p *Processor) stepCacheCheck(ctx context.Context, rc *runContext) State {
	rc.started("cache_check")
	result := p.cache.GetCachedResult(ctx, rc.req)
	rc.completed("cache_check", nil)
	if result != nil {
		applog.Info("[Pipeline] Cache hit", "query", rc.req.Query, "type", rc.req.Type())
		rc.completed("cache_hit", result)
		rc.result = result
		return StateDone
	}
	return StateSearch
}

func (p *Processor) stepSearch(ctx context.Context, rc *runContext) (State, error) {
	rc.started("search_progress")

	raw, err := p.primary.SearchInformation(ctx, rc.req)
	if err == nil {
		rc.raw = raw
		rc.source = cache.SourcePrimary
	} else {
		applog.Warn("[Pipeline] Primary search failed, falling back",
			"provider", p.primary.Name(), "error", err)
		rc.failed("search_error", err)
		rc.started("search_fallback")

		fallbackRaw, fallbackErr := p.fallback.SearchInformation(ctx, rc.req)
		if fallbackErr != nil {
			return StateDone, query.Newf(query.KindOf(fallbackErr), query.StageSearch,
				"both search providers failed: %s: %v; %s: %v",
				p.primary.Name(), err, p.fallback.Name(), fallbackErr)
		}
		rc.raw = fallbackRaw
		rc.source = cache.SourceFallback
	}

	step := cache.Step{
		Name:    cache.StepSearchComplete,
		Payload: cache.StepPayload{Search: &cache.SearchStepData{Source: rc.source, Response: rc.raw}},
	}
	if err := p.cache.SaveIntermediate(ctx, rc.req, step); err != nil {
		applog.Warn("[Pipeline] Failed to record search step", "error", err)
	}

	rc.completed("search_complete", map[string]any{
		"source":  string(rc.source),
		"preview": preview(rc.raw),
	})
	return StateStructure, nil
}

func (p *Processor) stepStructure(ctx context.Context, rc *runContext) (State, error) {
	rc.started("structure_progress")

	entities, err := p.structurer.StructureData(ctx, rc.req, rc.raw)
	if err != nil {
		return StateDone, err
	}

	query.NormalizeEntities(entities)
	if err := query.ValidateEntities(entities); err != nil {
		return StateDone, err
	}
	rc.entities = entities

	step := cache.Step{
		Name:    cache.StepStructureComplete,
		Payload: cache.StepPayload{Entities: entities},
	}
	if err := p.cache.SaveIntermediate(ctx, rc.req, step); err != nil {
		applog.Warn("[Pipeline] Failed to record structure step", "error", err)
	}

	rc.completed("structure_complete", map[string]any{"entityCount": len(entities)})
	return StateEnrich, nil
}

// stepEnrich 逐个实体查头像。任何失败都不阻断流水线，该实体的
// avatarUrl 保持为空。
func (p *Processor) stepEnrich(ctx context.Context, rc *runContext) State {
	rc.started("avatar_progress")

	total := len(rc.entities)
	for i := range rc.entities {
		e := &rc.entities[i]
		if rc.emit != nil {
			rc.emit(Event{Step: "avatar_entity_progress", Status: StatusStarted, Data: map[string]any{
				"current": i + 1,
				"total":   total,
				"name":    e.Name,
			}})
		}

		// 结构化输出里模型可能已经填了 avatar_url，只信任这里查到的
		e.AvatarURL = ""
		url, err := p.avatars.SearchAvatar(ctx, e.Name, e.Tag)
		if err != nil {
			applog.Warn("[Pipeline] Avatar lookup failed", "entity", e.Name, "error", err)
			continue
		}
		if url != "" {
			e.AvatarURL = url
			rc.completed("avatar_found", map[string]any{"name": e.Name, "avatarUrl": url})
		}
	}

	step := cache.Step{
		Name:    cache.StepAvatarComplete,
		Payload: cache.StepPayload{Entities: rc.entities},
	}
	if err := p.cache.SaveIntermediate(ctx, rc.req, step); err != nil {
		applog.Warn("[Pipeline] Failed to record avatar step", "error", err)
	}

	rc.completed("avatar_complete", map[string]any{"total": total})
	return StatePersist
}

func (p *Processor) stepPersist(ctx context.Context, rc *runContext) (State, error) {
	rc.started("save_progress")

	result := &query.Result{
		OriginalQuery: rc.req.Query,
		QueryType:     rc.req.Type(),
		Entities:      rc.entities,
	}
	if _, err := p.repo.CreateResult(ctx, result, rc.raw); err != nil {
		return StateDone, query.Wrap(query.KindTransient, query.StagePersist, "failed to persist result", err)
	}

	p.cache.CacheResult(ctx, rc.req, result)
	p.cache.ClearSteps(rc.req)

	rc.completed("save_progress", map[string]any{"id": result.ID})
	rc.result = result
	return StateDone, nil
}

func preview(s string) string {
	if len(s) <= previewLen {
		return s
	}
	return s[:previewLen]
}
