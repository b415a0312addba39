package query

import (
	"context"
	"time"
)

// SearchProvider 原始信息检索供应商。返回未结构化的研究文本。
type SearchProvider interface {
	Name() string
	SearchInformation(ctx context.Context, req Request) (string, error)
}

// Structurer 把原始研究文本转换为实体数组。
type Structurer interface {
	Name() string
	StructureData(ctx context.Context, req Request, raw string) ([]Entity, error)
}

// AvatarSearcher 按实体查找头像/标志图片 URL。
type AvatarSearcher interface {
	SearchAvatar(ctx context.Context, name string, tag Tag) (string, error)
}

// StoreStats 持久层统计信息，供维护工具使用。
type StoreStats struct {
	TotalResults  int            `json:"totalResults"`
	TempResults   int            `json:"tempResults"`
	TotalEntities int            `json:"totalEntities"`
	ByType        map[string]int `json:"byType"`
}

// Repository 查询结果持久层。
type Repository interface {
	// CreateResult 在一个事务内写入查询结果及其全部实体行，返回生成的 ID。
	CreateResult(ctx context.Context, result *Result, searchResponse string) (string, error)

	// GetResult 按 ID 取回完整结果。未找到返回 KindNotFound 错误。
	GetResult(ctx context.Context, id string) (*Result, error)

	// FindRecentResult 查找 since 之后写入的同一查询结果，无匹配返回 (nil, nil)。
	FindRecentResult(ctx context.Context, originalQuery, queryType string, since time.Time) (*Result, error)

	// ListResults 分页列出非临时结果，按创建时间倒序。
	ListResults(ctx context.Context, page, limit int) (*HistoryPage, error)

	// CreateIntermediate 写入中间占位行（temp_ 前缀类型），尽力而为。
	CreateIntermediate(ctx context.Context, originalQuery, queryType string, payload any, searchResponse string) error

	// DeleteMatching 删除查询文本含任一关键字的结果，返回删除数。
	DeleteMatching(ctx context.Context, keywords []string) (int, error)

	// DeleteAll 清空全部结果。
	DeleteAll(ctx context.Context) (int, error)

	// Stats 统计存量数据。
	Stats(ctx context.Context) (*StoreStats, error)
}
