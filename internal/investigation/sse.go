package investigation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"bugpilot/internal/shared/model"
)

// ErrStreamingUnsupported ResponseWriter 不支持 Flush
var ErrStreamingUnsupported = errors.New("streaming unsupported")

// SetSSEHeaders 写入 text/event-stream 响应头
func SetSSEHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// FormatSSE 将事件编码为一条 SSE 记录：data: <json>\n\n
func FormatSSE(e model.Event) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(len(b) + 8)
	buf.WriteString("data: ")
	buf.Write(b)
	buf.WriteString("\n\n")
	return buf.Bytes(), nil
}

// SSEWriter 将事件写为 SSE 流，每条记录后立即 Flush
type SSEWriter struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	closed  bool
	ended   bool
}

// NewSSEWriter 设置响应头并返回写入器
//
// w 必须实现 http.Flusher，否则返回 ErrStreamingUnsupported。
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	SetSSEHeaders(w.Header())
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &SSEWriter{w: w, flusher: f}, nil
}

// Emit 实现 Emitter；写失败后的调用全部返回错误
func (s *SSEWriter) Emit(e model.Event) error {
	rec, err := FormatSSE(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := s.write(rec); err != nil {
		return err
	}
	if e.IsPipelineTerminal() {
		s.mu.Lock()
		s.ended = true
		s.mu.Unlock()
	}
	return nil
}

// Terminated 是否已写出流水线终结事件
func (s *SSEWriter) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// Comment 写入注释行（保活）
func (s *SSEWriter) Comment(text string) error {
	return s.write([]byte(": " + text + "\n\n"))
}

func (s *SSEWriter) write(rec []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return io.ErrClosedPipe
	}
	if _, err := s.w.Write(rec); err != nil {
		s.closed = true
		return err
	}
	s.flusher.Flush()
	return nil
}
