package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Status 进度事件状态。
type Status string

const (
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Event 统一的进度事件信封。
type Event struct {
	Step      string    `json:"step"`
	Status    Status    `json:"status"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrTimeout 运行超出时限。通道据此上报超时错误事件。
var ErrTimeout = errors.New("operation timed out")

// ErrStreamingUnsupported 底层 ResponseWriter 不支持 Flush。
var ErrStreamingUnsupported = errors.New("response writer does not support streaming")

// Stream SSE 进度通道。写入串行化，Close 幂等。
type Stream struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
	done      chan struct{}
}

// New 初始化 SSE 通道：写响应头、发送 connected 事件、启动心跳。
// 心跳随请求上下文或 Close 停止。
func New(w http.ResponseWriter, r *http.Request, heartbeat time.Duration) (*Stream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s := &Stream{
		w:       w,
		flusher: flusher,
		done:    make(chan struct{}),
	}

	s.SendEvent(Event{Step: "connected", Status: StatusCompleted})

	if heartbeat > 0 {
		go s.heartbeatLoop(r.Context(), heartbeat)
	}
	return s, nil
}

func (s *Stream) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.writeRaw(": heartbeat\n\n")
		}
	}
}

// SendEvent 发送一条进度事件。通道关闭后静默丢弃。
func (s *Stream) SendEvent(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	s.writeRaw(fmt.Sprintf("data: %s\n\n", data))
}

// StepStarted 上报某步骤开始。
func (s *Stream) StepStarted(step string) {
	s.SendEvent(Event{Step: step, Status: StatusStarted})
}

// StepCompleted 上报某步骤完成及其负载。
func (s *Stream) StepCompleted(step string, data any) {
	s.SendEvent(Event{Step: step, Status: StatusCompleted, Data: data})
}

// SendError 上报错误事件。
func (s *Stream) SendError(step string, err error) {
	s.SendEvent(Event{Step: step, Status: StatusError, Error: err.Error()})
}

// SendResult 发送最终结果事件，随后发送 complete 终止事件。
func (s *Stream) SendResult(result any) {
	s.SendEvent(Event{Step: "result", Status: StatusCompleted, Data: result})
	s.SendEvent(Event{Step: "complete", Status: StatusCompleted})
}

// Close 关闭通道。只有第一次调用生效。
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
	})
}

func (s *Stream) writeRaw(payload string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, err := fmt.Fprint(s.w, payload); err != nil {
		return
	}
	s.flusher.Flush()
}

// RunWithTimeout 在时限内等待 op 完成。超时返回 ErrTimeout，op 不被强制
// 取消，其结果被丢弃；客户端断开仍会通过请求上下文终止 op。
func RunWithTimeout[T any](ctx context.Context, d time.Duration, op func(context.Context) (T, error)) (T, error) {
	type outcome struct {
		value T
		err   error
	}
	resCh := make(chan outcome, 1)
	go func() {
		value, err := op(ctx)
		resCh <- outcome{value: value, err: err}
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	var zero T
	select {
	case res := <-resCh:
		return res.value, res.err
	case <-timer.C:
		return zero, ErrTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
