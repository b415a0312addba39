package cache

import (
	"fmt"
	"time"

	"relgraph/internal/domain/query"
)

// 处理步骤名称。步骤日志只接受这个闭集。
const (
	StepSearchComplete    = "search_complete"
	StepStructureComplete = "structure_complete"
	StepAvatarComplete    = "avatar_complete"
)

// SearchSource 标记命中结果的搜索供应商路径。
type SearchSource string

const (
	SourcePrimary  SearchSource = "primary"
	SourceFallback SearchSource = "fallback"
)

// SearchStepData 搜索步骤的负载。
type SearchStepData struct {
	Source   SearchSource `json:"source"`
	Response string       `json:"response"`
}

// StepPayload 步骤负载的封闭变体集。每个步骤名只允许其中一个分支非空。
type StepPayload struct {
	Search   *SearchStepData `json:"search,omitempty"`
	Entities []query.Entity  `json:"entities,omitempty"`
	Message  string          `json:"message,omitempty"`
}

// Step 流水线处理步骤记录。
type Step struct {
	Name      string      `json:"name"`
	Payload   StepPayload `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// validateStep 在缓存边界校验步骤负载与步骤名匹配。
func validateStep(s Step) error {
	switch s.Name {
	case StepSearchComplete:
		if s.Payload.Search == nil {
			return fmt.Errorf("step %s requires a search payload", s.Name)
		}
		if s.Payload.Search.Source != SourcePrimary && s.Payload.Search.Source != SourceFallback {
			return fmt.Errorf("step %s has invalid source %q", s.Name, s.Payload.Search.Source)
		}
		if s.Payload.Entities != nil {
			return fmt.Errorf("step %s must not carry entities", s.Name)
		}
	case StepStructureComplete, StepAvatarComplete:
		if s.Payload.Entities == nil {
			return fmt.Errorf("step %s requires an entities payload", s.Name)
		}
		if s.Payload.Search != nil {
			return fmt.Errorf("step %s must not carry a search payload", s.Name)
		}
	default:
		return fmt.Errorf("unknown processing step %q", s.Name)
	}
	return nil
}
