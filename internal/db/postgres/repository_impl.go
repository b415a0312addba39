package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"relgraph/internal/domain/query"
)

type Repository struct {
	db *sql.DB
}

// NewRepository 创建 PostgreSQL 存储
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// EnsureTables 确保查询结果相关表存在
func (r *Repository) EnsureTables(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS query_results (
		id              UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		original_query  TEXT NOT NULL,
		query_type      VARCHAR(64) NOT NULL DEFAULT 'other',
		structured_data JSONB NOT NULL DEFAULT '[]',
		search_response TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_query_results_lookup
		ON query_results(original_query, query_type, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_query_results_created
		ON query_results(created_at DESC);

	CREATE TABLE IF NOT EXISTS entity_relationships (
		id                 UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		query_result_id    UUID NOT NULL REFERENCES query_results(id) ON DELETE CASCADE,
		entity_id          INT NOT NULL,
		name               VARCHAR(255) NOT NULL,
		tag                VARCHAR(32) NOT NULL,
		avatar_url         TEXT NOT NULL DEFAULT '',
		relationship_score INT NOT NULL,
		summary            TEXT NOT NULL DEFAULT '',
		description        TEXT NOT NULL DEFAULT '',
		links              JSONB NOT NULL DEFAULT '[]',
		created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_entity_relationships_result
		ON entity_relationships(query_result_id);
	`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

// CreateResult 在一个事务内写入查询结果及其全部实体行
func (r *Repository) CreateResult(ctx context.Context, result *query.Result, searchResponse string) (string, error) {
	structured, err := json.Marshal(result.Entities)
	if err != nil {
		return "", fmt.Errorf("marshal entities failed: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx failed: %w", err)
	}
	defer tx.Rollback()

	id := uuid.New().String()
	var createdAt time.Time
	err = tx.QueryRowContext(ctx, `
		INSERT INTO query_results (id, original_query, query_type, structured_data, search_response)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		id, result.OriginalQuery, result.QueryType, structured, searchResponse,
	).Scan(&createdAt)
	if err != nil {
		return "", fmt.Errorf("insert query result failed: %w", err)
	}

	for _, e := range result.Entities {
		links, err := json.Marshal(e.Links)
		if err != nil {
			return "", fmt.Errorf("marshal links failed: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO entity_relationships
				(query_result_id, entity_id, name, tag, avatar_url, relationship_score, summary, description, links)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			id, e.ID, e.Name, string(e.Tag), e.AvatarURL, e.RelationshipScore, e.Summary, e.Description, links,
		)
		if err != nil {
			return "", fmt.Errorf("insert entity %q failed: %w", e.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit failed: %w", err)
	}

	result.ID = id
	result.CreatedAt = createdAt
	return id, nil
}

// GetResult 按 ID 取回完整结果
func (r *Repository) GetResult(ctx context.Context, id string) (*query.Result, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, original_query, query_type, structured_data, created_at
		FROM query_results WHERE id = $1`, id)

	result, err := scanResult(row)
	if err == sql.ErrNoRows {
		return nil, query.Newf(query.KindNotFound, query.StagePersist, "query result %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get query result failed: %w", err)
	}
	return result, nil
}

// FindRecentResult 查找 since 之后写入的同一查询结果
func (r *Repository) FindRecentResult(ctx context.Context, originalQuery, queryType string, since time.Time) (*query.Result, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, original_query, query_type, structured_data, created_at
		FROM query_results
		WHERE original_query = $1 AND query_type = $2 AND created_at >= $3
		ORDER BY created_at DESC
		LIMIT 1`, originalQuery, queryType, since)

	result, err := scanResult(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find recent result failed: %w", err)
	}
	return result, nil
}

// ListResults 分页列出非临时结果，按创建时间倒序
func (r *Repository) ListResults(ctx context.Context, page, limit int) (*query.HistoryPage, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 10
	}

	var total int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM query_results WHERE query_type NOT LIKE 'temp_%'`,
	).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("count results failed: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, original_query, query_type, jsonb_array_length(structured_data), created_at
		FROM query_results
		WHERE query_type NOT LIKE 'temp_%'
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`, limit, (page-1)*limit)
	if err != nil {
		return nil, fmt.Errorf("list results failed: %w", err)
	}
	defer rows.Close()

	items := make([]query.HistoryItem, 0, limit)
	for rows.Next() {
		var item query.HistoryItem
		if err := rows.Scan(&item.ID, &item.OriginalQuery, &item.QueryType, &item.EntityCount, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history row failed: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows failed: %w", err)
	}

	totalPages := (total + limit - 1) / limit
	return &query.HistoryPage{
		Results: items,
		Pagination: query.Pagination{
			CurrentPage:  page,
			TotalPages:   totalPages,
			TotalItems:   total,
			ItemsPerPage: limit,
		},
	}, nil
}

// CreateIntermediate 写入中间占位行
func (r *Repository) CreateIntermediate(ctx context.Context, originalQuery, queryType string, payload any, searchResponse string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal intermediate payload failed: %w", err)
	}
	// 占位负载可能不是数组，统一包一层保持 structured_data 为 JSONB 数组
	if len(data) == 0 || data[0] != '[' {
		data = append(append([]byte{'['}, data...), ']')
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO query_results (original_query, query_type, structured_data, search_response)
		VALUES ($1, $2, $3, $4)`,
		originalQuery, queryType, data, searchResponse,
	)
	if err != nil {
		return fmt.Errorf("insert intermediate failed: %w", err)
	}
	return nil
}

// DeleteMatching 删除查询文本含任一关键字的结果
func (r *Repository) DeleteMatching(ctx context.Context, keywords []string) (int, error) {
	if len(keywords) == 0 {
		return 0, nil
	}

	conditions := make([]string, len(keywords))
	args := make([]any, len(keywords))
	for i, kw := range keywords {
		conditions[i] = fmt.Sprintf("original_query ILIKE $%d", i+1)
		args[i] = "%" + kw + "%"
	}

	res, err := r.db.ExecContext(ctx,
		`DELETE FROM query_results WHERE `+strings.Join(conditions, " OR "), args...)
	if err != nil {
		return 0, fmt.Errorf("delete matching failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteAll 清空全部结果，实体行随外键级联删除
func (r *Repository) DeleteAll(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM query_results`)
	if err != nil {
		return 0, fmt.Errorf("delete all failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Stats 统计存量数据
func (r *Repository) Stats(ctx context.Context) (*query.StoreStats, error) {
	stats := &query.StoreStats{ByType: make(map[string]int)}

	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE query_type LIKE 'temp_%')
		FROM query_results`,
	).Scan(&stats.TotalResults, &stats.TempResults)
	if err != nil {
		return nil, fmt.Errorf("count stats failed: %w", err)
	}

	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entity_relationships`,
	).Scan(&stats.TotalEntities); err != nil {
		return nil, fmt.Errorf("count entities failed: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT query_type, COUNT(*) FROM query_results GROUP BY query_type`)
	if err != nil {
		return nil, fmt.Errorf("group by type failed: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var queryType string
		var count int
		if err := rows.Scan(&queryType, &count); err != nil {
			return nil, fmt.Errorf("scan type count failed: %w", err)
		}
		stats.ByType[queryType] = count
	}
	return stats, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResult(row rowScanner) (*query.Result, error) {
	var result query.Result
	var structured []byte
	if err := row.Scan(&result.ID, &result.OriginalQuery, &result.QueryType, &structured, &result.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(structured, &result.Entities); err != nil {
		return nil, fmt.Errorf("unmarshal structured data failed: %w", err)
	}
	return &result, nil
}
