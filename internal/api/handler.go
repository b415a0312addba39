package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"relgraph/internal/domain/pipeline"
	"relgraph/internal/domain/query"
	applog "relgraph/internal/platform/log"
	"relgraph/internal/stream"
)

// QueryHandler 查询相关接口
type QueryHandler struct {
	repo       query.Repository
	processor  *pipeline.Processor
	runTimeout time.Duration
	heartbeat  time.Duration
}

// NewQueryHandler 创建查询 Handler
func NewQueryHandler(repo query.Repository, processor *pipeline.Processor, runTimeout, heartbeat time.Duration) *QueryHandler {
	return &QueryHandler{
		repo:       repo,
		processor:  processor,
		runTimeout: runTimeout,
		heartbeat:  heartbeat,
	}
}

// RegisterRoutes 注册路由
func (h *QueryHandler) RegisterRoutes(r chi.Router) {
	r.Post("/api/query", h.ProcessQuery)
	r.Get("/api/query/stream", h.ProcessQueryStream)
	r.Get("/api/query/history", h.GetHistory)
	r.Get("/api/query/{id}", h.GetQueryByID)
}

// ProcessQuery 同步处理查询
// POST /api/query
func (h *QueryHandler) ProcessQuery(w http.ResponseWriter, r *http.Request) {
	var req query.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.runTimeout)
	defer cancel()

	result, err := h.processor.ProcessQuery(ctx, req)
	if err != nil {
		applog.Error("[API] Query processing failed", "query", req.Query, "error", err)
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ProcessQueryStream 流式处理查询，经 SSE 上报每一步进度
// GET /api/query/stream?query=...&queryType=...
func (h *QueryHandler) ProcessQueryStream(w http.ResponseWriter, r *http.Request) {
	req := query.Request{
		Query:     r.URL.Query().Get("query"),
		QueryType: r.URL.Query().Get("queryType"),
	}

	st, err := stream.New(w, r, h.heartbeat)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer st.Close()

	emit := func(ev pipeline.Event) {
		out := stream.Event{
			Step:   ev.Step,
			Status: stream.Status(ev.Status),
			Data:   ev.Data,
		}
		if ev.Err != nil {
			out.Error = ev.Err.Error()
		}
		st.SendEvent(out)
	}

	result, err := stream.RunWithTimeout(r.Context(), h.runTimeout, func(ctx context.Context) (*query.Result, error) {
		return h.processor.ProcessQueryStream(ctx, req, emit)
	})
	if err != nil {
		if errors.Is(err, stream.ErrTimeout) {
			applog.Warn("[API] Streaming query timed out", "query", req.Query, "timeout", h.runTimeout)
			st.SendError("timeout", err)
			return
		}
		applog.Error("[API] Streaming query failed", "query", req.Query, "error", err)
		st.SendError(stepForError(err), err)
		return
	}

	st.SendResult(result)
}

// GetHistory 分页查询历史
// GET /api/query/history?page=&limit=
func (h *QueryHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	page := parseIntParam(r, "page", 1)
	limit := parseIntParam(r, "limit", 10)

	history, err := h.repo.ListResults(r.Context(), page, limit)
	if err != nil {
		applog.Error("[API] List history failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load query history")
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// GetQueryByID 按 ID 取回完整结果
// GET /api/query/{id}
func (h *QueryHandler) GetQueryByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	result, err := h.repo.GetResult(r.Context(), id)
	if err != nil {
		if query.KindOf(err) == query.KindNotFound {
			writeError(w, http.StatusNotFound, "query result not found")
			return
		}
		applog.Error("[API] Get query result failed", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load query result")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// statusForError 按错误类别映射 HTTP 状态码
func statusForError(err error) int {
	switch query.KindOf(err) {
	case query.KindValidation:
		return http.StatusBadRequest
	case query.KindNotFound:
		return http.StatusNotFound
	case query.KindTimeout:
		return http.StatusGatewayTimeout
	case query.KindPermanent:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// stepForError 按错误发生阶段命名错误事件的 step
func stepForError(err error) string {
	if stage := query.StageOf(err); stage != "" {
		return string(stage) + "_error"
	}
	return "error"
}

func parseIntParam(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
