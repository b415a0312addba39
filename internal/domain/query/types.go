package query

import (
	"strings"
	"time"
)

// Tag 实体类型标签。
type Tag string

const (
	TagPerson  Tag = "person"
	TagCompany Tag = "company"
)

// legacyTagOrganization 旧版结构化输出中的同义标签，入库前归一化为 company。
const legacyTagOrganization Tag = "organization"

// Link 描述来源引用，Index 与 description 中的 [n] 标记对应。
type Link struct {
	Index int    `json:"index"`
	URL   string `json:"url"`
}

// Entity 关系图谱中的一个节点。ID=0 保留给查询主体本身。
type Entity struct {
	ID                int    `json:"id"`
	Name              string `json:"name"`
	Tag               Tag    `json:"tag"`
	RelationshipScore int    `json:"relationship_score"`
	Summary           string `json:"summary"`
	Description       string `json:"description"`
	Links             []Link `json:"links"`
	AvatarURL         string `json:"avatar_url"`
}

// Request 查询请求。QueryType 为空时按 "other" 处理。
type Request struct {
	Query     string `json:"query"`
	QueryType string `json:"queryType"`
}

// Type 返回归一化后的查询类型。
func (r Request) Type() string {
	t := strings.TrimSpace(r.QueryType)
	if t == "" {
		return "other"
	}
	return t
}

// Result 一次成功查询的最终产物。持久化后不再修改。
type Result struct {
	ID            string    `json:"id"`
	OriginalQuery string    `json:"originalQuery"`
	QueryType     string    `json:"queryType"`
	Entities      []Entity  `json:"entities"`
	CreatedAt     time.Time `json:"createdAt"`
}

// HistoryItem 历史列表中的单条记录。
type HistoryItem struct {
	ID            string    `json:"id"`
	OriginalQuery string    `json:"originalQuery"`
	QueryType     string    `json:"queryType"`
	CreatedAt     time.Time `json:"createdAt"`
	EntityCount   int       `json:"entityCount"`
}

// Pagination 分页信息。
type Pagination struct {
	CurrentPage  int `json:"currentPage"`
	TotalPages   int `json:"totalPages"`
	TotalItems   int `json:"totalItems"`
	ItemsPerPage int `json:"itemsPerPage"`
}

// HistoryPage 分页的查询历史。
type HistoryPage struct {
	Results    []HistoryItem `json:"results"`
	Pagination Pagination    `json:"pagination"`
}

// NormalizeQuery 归一化查询文本：小写 + 去首尾空白。
// 缓存键派生和去重都以归一化后的文本为准。
func NormalizeQuery(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

// NormalizeEntities 就地归一化实体：旧版 organization 标签转为 company。
func NormalizeEntities(entities []Entity) {
	for i := range entities {
		if entities[i].Tag == legacyTagOrganization {
			entities[i].Tag = TagCompany
		}
	}
}

// ValidateEntities 校验结构化输出是否满足实体不变量：
// 恰好一个 ID=0 的主体、标签在合法集合内、关系评分 1-10、必填字段非空。
func ValidateEntities(entities []Entity) error {
	if len(entities) == 0 {
		return &Error{Kind: KindValidation, Stage: StageStructure, Message: "structured output contains no entities"}
	}

	subjects := 0
	for _, e := range entities {
		if e.ID < 0 {
			return validationErrorf("entity %q has negative id %d", e.Name, e.ID)
		}
		if e.ID == 0 {
			subjects++
		}
		if strings.TrimSpace(e.Name) == "" {
			return validationErrorf("entity with id %d is missing a name", e.ID)
		}
		if e.Tag != TagPerson && e.Tag != TagCompany {
			return validationErrorf("entity %q has invalid tag %q", e.Name, e.Tag)
		}
		if e.RelationshipScore < 1 || e.RelationshipScore > 10 {
			return validationErrorf("entity %q has relationship score %d outside 1-10", e.Name, e.RelationshipScore)
		}
		if strings.TrimSpace(e.Summary) == "" {
			return validationErrorf("entity %q is missing a summary", e.Name)
		}
		if strings.TrimSpace(e.Description) == "" {
			return validationErrorf("entity %q is missing a description", e.Name)
		}
		if e.Links == nil {
			return validationErrorf("entity %q has no links array", e.Name)
		}
	}

	if subjects != 1 {
		return validationErrorf("expected exactly one subject entity with id 0, got %d", subjects)
	}
	return nil
}

func validationErrorf(format string, args ...any) error {
	return Newf(KindValidation, StageStructure, format, args...)
}
