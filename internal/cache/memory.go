package cache

import (
	"context"
	"sync"
	"time"

	applog "relgraph/internal/platform/log"

	"relgraph/internal/domain/query"
)

type resultEntry struct {
	result    *query.Result
	ttl       time.Duration
	writtenAt time.Time
}

func (e resultEntry) expired(now time.Time) bool {
	return now.Sub(e.writtenAt) > e.ttl
}

func stepExpired(s Step, now time.Time, retention time.Duration) bool {
	return now.Sub(s.Timestamp) > retention
}

// MemoryStore 进程内缓存层：查询结果 + 处理步骤日志。
// 过期采用惰性删除（读时判定）加周期清扫两条路径，判定谓词共用。
type MemoryStore struct {
	mu            sync.RWMutex
	results       map[string]resultEntry
	steps         map[string][]Step
	clock         Clock
	defaultTTL    time.Duration
	stepRetention time.Duration
}

// NewMemoryStore 构造进程内缓存。
func NewMemoryStore(clock Clock, defaultTTL, stepRetention time.Duration) *MemoryStore {
	return &MemoryStore{
		results:       make(map[string]resultEntry),
		steps:         make(map[string][]Step),
		clock:         clock,
		defaultTTL:    defaultTTL,
		stepRetention: stepRetention,
	}
}

// Get 读取缓存结果。过期条目在读取时删除并按未命中处理。
func (m *MemoryStore) Get(key string) (*query.Result, bool) {
	m.mu.RLock()
	entry, ok := m.results[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if entry.expired(m.clock.Now()) {
		m.mu.Lock()
		// 二次检查，期间可能已被覆盖写入
		if cur, ok := m.results[key]; ok && cur.expired(m.clock.Now()) {
			delete(m.results, key)
		}
		m.mu.Unlock()
		return nil, false
	}
	return entry.result, true
}

// Set 以默认 TTL 写入，无条件覆盖。
func (m *MemoryStore) Set(key string, result *query.Result) {
	m.SetTTL(key, result, m.defaultTTL)
}

// SetTTL 以指定 TTL 写入。
func (m *MemoryStore) SetTTL(key string, result *query.Result, ttl time.Duration) {
	m.mu.Lock()
	m.results[key] = resultEntry{result: result, ttl: ttl, writtenAt: m.clock.Now()}
	m.mu.Unlock()
}

// Delete 删除指定键。
func (m *MemoryStore) Delete(key string) {
	m.mu.Lock()
	delete(m.results, key)
	m.mu.Unlock()
}

// AppendStep 追加一条处理步骤。负载与步骤名不匹配时拒绝。
func (m *MemoryStore) AppendStep(key string, step Step) error {
	if err := validateStep(step); err != nil {
		return err
	}
	if step.Timestamp.IsZero() {
		step.Timestamp = m.clock.Now()
	}
	m.mu.Lock()
	m.steps[key] = append(m.steps[key], step)
	m.mu.Unlock()
	return nil
}

// Steps 返回某查询的步骤日志副本。每条步骤按自身时间戳判定保留期，
// 过期的在读取时剔除，全部过期则删除整组。
func (m *MemoryStore) Steps(key string) []Step {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	steps, ok := m.steps[key]
	if !ok {
		return nil
	}

	kept := steps[:0]
	for _, s := range steps {
		if !stepExpired(s, now, m.stepRetention) {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(m.steps, key)
		return nil
	}
	m.steps[key] = kept

	out := make([]Step, len(kept))
	copy(out, kept)
	return out
}

// ClearSteps 删除某查询的步骤日志。流水线成功落库后调用一次。
func (m *MemoryStore) ClearSteps(key string) {
	m.mu.Lock()
	delete(m.steps, key)
	m.mu.Unlock()
}

// Sweep 主动清扫过期条目，返回删除数量。
func (m *MemoryStore) Sweep() int {
	now := m.clock.Now()
	removed := 0
	m.mu.Lock()
	for key, entry := range m.results {
		if entry.expired(now) {
			delete(m.results, key)
			removed++
		}
	}
	for key, steps := range m.steps {
		kept := steps[:0]
		for _, s := range steps {
			if stepExpired(s, now, m.stepRetention) {
				removed++
			} else {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			delete(m.steps, key)
		} else {
			m.steps[key] = kept
		}
	}
	m.mu.Unlock()
	return removed
}

// StartSweeper 启动周期清扫协程，随 ctx 结束。
func (m *MemoryStore) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.Sweep(); n > 0 {
					applog.Debugf("cache sweep removed %d expired entries", n)
				}
			}
		}
	}()
}

// Len 当前结果条目数，不触发过期判定。
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.results)
}
