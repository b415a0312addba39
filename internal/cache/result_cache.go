package cache

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	applog "relgraph/internal/platform/log"

	"relgraph/internal/domain/query"
)

// SharedCache 可选的跨实例共享缓存层（Redis）。未命中返回 (nil, nil)。
type SharedCache interface {
	GetResult(ctx context.Context, key string) (*query.Result, error)
	SetResult(ctx context.Context, key string, result *query.Result) error
}

// CacheKey 派生查询结果缓存键。文本先归一化再 base64，避免键里出现分隔符。
func CacheKey(text, queryType string) string {
	encoded := base64.StdEncoding.EncodeToString([]byte(query.NormalizeQuery(text)))
	return fmt.Sprintf("query:%s:%s", queryType, encoded)
}

// ProcessingKey 派生处理步骤日志键。
func ProcessingKey(text string) string {
	return "processing:" + base64.StdEncoding.EncodeToString([]byte(query.NormalizeQuery(text)))
}

// ResultCache 分层结果缓存：进程内 -> 共享层(可选) -> 持久层近期结果。
// 下层命中会回填上层。任何一层的故障都不阻断查询流程。
type ResultCache struct {
	mem       *MemoryStore
	shared    SharedCache
	repo      query.Repository
	clock     Clock
	freshness time.Duration
}

// NewResultCache 构造分层缓存。shared 可为 nil。
func NewResultCache(mem *MemoryStore, shared SharedCache, repo query.Repository, clock Clock, freshness time.Duration) *ResultCache {
	return &ResultCache{mem: mem, shared: shared, repo: repo, clock: clock, freshness: freshness}
}

// GetCachedResult 逐层查找缓存结果。全部未命中返回 nil。
func (c *ResultCache) GetCachedResult(ctx context.Context, req query.Request) *query.Result {
	key := CacheKey(req.Query, req.Type())

	if result, ok := c.mem.Get(key); ok {
		applog.Debugf("memory cache hit: %s", key)
		return result
	}

	if c.shared != nil {
		result, err := c.shared.GetResult(ctx, key)
		if err != nil {
			applog.Warnf("shared cache lookup failed: %v", err)
		} else if result != nil {
			c.mem.Set(key, result)
			return result
		}
	}

	since := c.clock.Now().Add(-c.freshness)
	result, err := c.repo.FindRecentResult(ctx, req.Query, req.Type(), since)
	if err != nil {
		applog.Warnf("durable cache lookup failed: %v", err)
		return nil
	}
	if result == nil {
		return nil
	}

	c.mem.Set(key, result)
	if c.shared != nil {
		if err := c.shared.SetResult(ctx, key, result); err != nil {
			applog.Warnf("shared cache repopulate failed: %v", err)
		}
	}
	return result
}

// CacheResult 在成功落库后写入各缓存层。
func (c *ResultCache) CacheResult(ctx context.Context, req query.Request, result *query.Result) {
	key := CacheKey(req.Query, req.Type())
	c.mem.Set(key, result)
	if c.shared != nil {
		if err := c.shared.SetResult(ctx, key, result); err != nil {
			applog.Warnf("shared cache write failed: %v", err)
		}
	}
}

// SaveIntermediate 记录处理步骤。搜索与结构化完成的步骤同时写入持久层
// 占位行（{query}_temp_{step} / temp_{type}），失败只记录不阻断。
func (c *ResultCache) SaveIntermediate(ctx context.Context, req query.Request, step Step) error {
	if err := c.mem.AppendStep(ProcessingKey(req.Query), step); err != nil {
		return err
	}

	if step.Name != StepSearchComplete && step.Name != StepStructureComplete {
		return nil
	}

	placeholderQuery := fmt.Sprintf("%s_temp_%s", req.Query, step.Name)
	placeholderType := "temp_" + req.Type()

	var payload any
	var searchResponse string
	if step.Payload.Search != nil {
		payload = step.Payload.Search
		searchResponse = step.Payload.Search.Response
	} else {
		payload = step.Payload.Entities
	}

	if err := c.repo.CreateIntermediate(ctx, placeholderQuery, placeholderType, payload, searchResponse); err != nil {
		applog.Warnf("intermediate persist failed for step %s: %v", step.Name, err)
	}
	return nil
}

// Steps 返回某查询的处理步骤日志。
func (c *ResultCache) Steps(req query.Request) []Step {
	return c.mem.Steps(ProcessingKey(req.Query))
}

// ClearSteps 流水线终态成功后清除步骤日志。
func (c *ResultCache) ClearSteps(req query.Request) {
	c.mem.ClearSteps(ProcessingKey(req.Query))
}
