package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bugpilot/pkg/logging"

	"golang.org/x/time/rate"
)

// DefaultSlackAPI Slack Web API 地址
const DefaultSlackAPI = "https://slack.com/api"

// ErrSlack Slack 返回 ok=false
var ErrSlack = errors.New("slack api error")

// SlackConfig Slack 客户端配置
type SlackConfig struct {
	Token   string
	BaseURL string
	// RatePerSecond chat.postMessage 的发送速率（Slack 对单频道约 1 条/秒）
	RatePerSecond float64
	HTTPClient    *http.Client
	Logger        *logging.Logger
}

// Slack 通过 chat.postMessage 发送消息
type Slack struct {
	token   string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	logger  *logging.Logger
}

var _ Notifier = (*Slack)(nil)

// NewSlack 创建 Slack 通知器
func NewSlack(cfg SlackConfig) *Slack {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultSlackAPI
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 1
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default("notify")
	}
	return &Slack{
		token:   cfg.Token,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  cfg.HTTPClient,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		logger:  cfg.Logger,
	}
}

type postMessageRequest struct {
	Channel  string  `json:"channel"`
	ThreadTS string  `json:"thread_ts,omitempty"`
	Text     string  `json:"text"`
	Blocks   []Block `json:"blocks,omitempty"`
}

type postMessageResponse struct {
	OK    bool   `json:"ok"`
	TS    string `json:"ts"`
	Error string `json:"error"`

	limited bool
	wait    time.Duration
}

func (r *postMessageResponse) retryAfter() (time.Duration, bool) {
	return r.wait, r.limited
}

// PostInThread 实现 Notifier
//
// 受限流器约束；收到 429 时按 Retry-After 等待后重试一次。
func (s *Slack) PostInThread(ctx context.Context, channel, threadTS string, msg Message) (string, error) {
	if channel == "" {
		return "", fmt.Errorf("%w: channel is required", ErrSlack)
	}
	body, err := json.Marshal(postMessageRequest{
		Channel:  channel,
		ThreadTS: threadTS,
		Text:     msg.Text,
		Blocks:   msg.Blocks,
	})
	if err != nil {
		return "", err
	}

	for attempt := 0; ; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return "", err
		}
		resp, err := s.post(ctx, "chat.postMessage", body)
		if err != nil {
			return "", err
		}
		if retryAfter, limited := resp.retryAfter(); limited && attempt == 0 {
			s.logger.Warn("slack rate limited", "channel", channel, "retry_after", retryAfter)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(retryAfter):
			}
			continue
		}
		if resp.limited {
			return "", fmt.Errorf("%w: rate limited", ErrSlack)
		}
		if !resp.OK {
			return "", fmt.Errorf("%w: %s", ErrSlack, resp.Error)
		}
		s.logger.Debug("slack message posted", "channel", channel, "thread_ts", threadTS, "ts", resp.TS)
		return resp.TS, nil
	}
}

// BuildActionMessage 实现 Notifier
func (s *Slack) BuildActionMessage(caseID, text string, actions []Action) Message {
	return BuildActionMessage(caseID, text, actions)
}

func (s *Slack) post(ctx context.Context, method string, body []byte) (*postMessageResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("slack %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		secs, err := strconv.Atoi(resp.Header.Get("Retry-After"))
		if err != nil || secs < 0 {
			secs = 1
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		return &postMessageResponse{limited: true, wait: time.Duration(secs) * time.Second}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned HTTP %d", ErrSlack, method, resp.StatusCode)
	}

	var out postMessageResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("slack %s: decode response: %w", method, err)
	}
	return &out, nil
}
