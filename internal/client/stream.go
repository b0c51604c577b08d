package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"bugpilot/internal/shared/model"
)

// InvestigateRequest POST /api/v1/investigate 的请求体
type InvestigateRequest struct {
	Title  string `json:"title"`
	Body   string `json:"body"`
	Repo   string `json:"repo,omitempty"`
	CaseID string `json:"case_id,omitempty"`
}

// ErrStreamEnded 流在流水线终结事件之前结束
var ErrStreamEnded = errors.New("stream ended before the investigation finished")

// StreamOptions 流消费选项
type StreamOptions struct {
	// Client 为 nil 时使用不带超时的默认客户端（流可能持续数分钟）
	Client *http.Client
	// OnMalformed 收到无法解析的记录时回调；nil 时只记日志
	OnMalformed func(error)
	// Now 为 StreamFailed 打时间戳
	Now func() time.Time
}

// Stream 向调查端点发起请求并把事件送入 run
//
// 读到流水线终结事件（complete/error）即返回 nil。
// 传输失败、非 200 响应或流提前结束时向 run 投递 StreamFailed 并返回错误。
// run 被取代时停止读取并返回 context.Canceled。
func Stream(ctx context.Context, url string, req InvestigateRequest, run *Run, opts StreamOptions) error {
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := mergeDone(ctx, run.Context())
	defer cancel()

	fail := func(err error) error {
		run.Dispatch(StreamFailed{Err: err.Error(), At: opts.Now()})
		return err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := opts.Client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fail(fmt.Errorf("connect: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fail(fmt.Errorf("server returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg)))
	}

	dec := NewDecoder()
	deliver := func(events []model.Event, derr error) bool {
		if derr != nil {
			if opts.OnMalformed != nil {
				opts.OnMalformed(derr)
			} else {
				log.Printf("[Stream] skip record: %v", derr)
			}
		}
		for _, ev := range events {
			run.Dispatch(EventReceived{Event: ev})
			if ev.IsPipelineTerminal() {
				return true
			}
		}
		return false
	}

	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if deliver(dec.Feed(buf[:n])) {
				return nil
			}
		}
		if rerr == nil {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(rerr, io.EOF) {
			if deliver(dec.Flush()) {
				return nil
			}
			return fail(ErrStreamEnded)
		}
		return fail(fmt.Errorf("read stream: %w", rerr))
	}
}
