package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"bugpilot/internal/shared/model"
	"bugpilot/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCase() *model.Case {
	return &model.Case{ID: "case-1", Repo: "a/b", ExternalIssueID: "42", Title: "checkout fails"}
}

func TestBuildActionMessage(t *testing.T) {
	msg := BuildActionMessage("case-1", "report ready", ReportActions)
	require.Len(t, msg.Blocks, 2)
	assert.Equal(t, "section", msg.Blocks[0].Type)

	actions := msg.Blocks[1]
	assert.Equal(t, "actions", actions.Type)
	require.Len(t, actions.Elements, 3)
	labels := []string{}
	for _, el := range actions.Elements {
		assert.Equal(t, "button", el.Type)
		assert.Equal(t, "case-1", el.Value)
		labels = append(labels, el.Text.Text)
	}
	assert.Equal(t, []string{"Generate patch", "Needs human", "Close as failed"}, labels)

	plain := BuildActionMessage("case-1", "hi", nil)
	assert.Len(t, plain.Blocks, 1)
}

func TestTransitionMessage(t *testing.T) {
	tests := []struct {
		name    string
		to      model.CaseState
		buttons int
	}{
		{"报告就绪带按钮", model.CaseReportReady, 3},
		{"其他状态纯文本", model.CaseFailed, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := TransitionMessage(testCase(), model.CaseInvestigating, tt.to, "[high] checkout fails")
			assert.Contains(t, msg.Text, "a/b#42")
			assert.Contains(t, msg.Text, string(tt.to))
			assert.Contains(t, msg.Text, "[high] checkout fails")
			assert.Equal(t, tt.buttons, countButtons(msg))
		})
	}
}

func TestLookupAction(t *testing.T) {
	a, ok := LookupAction("generate_patch")
	require.True(t, ok)
	assert.Equal(t, model.CasePatching, a.Target)

	_, ok = LookupAction("merge_now")
	assert.False(t, ok)
}

// slackStub 记录 chat.postMessage 请求
type slackStub struct {
	mu       sync.Mutex
	requests []postMessageRequest
	auth     []string
	reply    func(w http.ResponseWriter, n int)
}

func (s *slackStub) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat.postMessage", r.URL.Path)
		var req postMessageRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		s.mu.Lock()
		s.requests = append(s.requests, req)
		s.auth = append(s.auth, r.Header.Get("Authorization"))
		n := len(s.requests)
		s.mu.Unlock()
		if s.reply != nil {
			s.reply(w, n)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "ts": "1700000000.000100"})
	})
}

func (s *slackStub) snapshot() ([]postMessageRequest, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]postMessageRequest(nil), s.requests...), append([]string(nil), s.auth...)
}

func newStubSlack(t *testing.T, stub *slackStub) *Slack {
	srv := httptest.NewServer(stub.handler(t))
	t.Cleanup(srv.Close)
	return NewSlack(SlackConfig{Token: "xoxb-test", BaseURL: srv.URL, RatePerSecond: 1000, Logger: logging.Nop()})
}

func TestSlackPostInThread(t *testing.T) {
	stub := &slackStub{}
	s := newStubSlack(t, stub)

	msg := s.BuildActionMessage("case-1", "report ready", ReportActions)
	ts, err := s.PostInThread(context.Background(), "C123", "1699.0001", msg)
	require.NoError(t, err)
	assert.Equal(t, "1700000000.000100", ts)

	requests, auth := stub.snapshot()
	require.Len(t, requests, 1)
	req := requests[0]
	assert.Equal(t, "C123", req.Channel)
	assert.Equal(t, "1699.0001", req.ThreadTS)
	assert.Equal(t, "report ready", req.Text)
	assert.Len(t, req.Blocks, 2)
	assert.Equal(t, "Bearer xoxb-test", auth[0])
}

func TestSlackErrors(t *testing.T) {
	t.Run("ok=false", func(t *testing.T) {
		stub := &slackStub{reply: func(w http.ResponseWriter, n int) {
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "channel_not_found"})
		}}
		_, err := newStubSlack(t, stub).PostInThread(context.Background(), "C404", "", Message{Text: "x"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrSlack))
		assert.Contains(t, err.Error(), "channel_not_found")
	})

	t.Run("HTTP 500", func(t *testing.T) {
		stub := &slackStub{reply: func(w http.ResponseWriter, n int) {
			w.WriteHeader(http.StatusInternalServerError)
		}}
		_, err := newStubSlack(t, stub).PostInThread(context.Background(), "C1", "", Message{Text: "x"})
		assert.True(t, errors.Is(err, ErrSlack))
	})

	t.Run("缺少频道", func(t *testing.T) {
		_, err := newStubSlack(t, &slackStub{}).PostInThread(context.Background(), "", "", Message{Text: "x"})
		assert.True(t, errors.Is(err, ErrSlack))
	})
}

func TestSlackRetriesOnceWhenRateLimited(t *testing.T) {
	stub := &slackStub{reply: func(w http.ResponseWriter, n int) {
		if n == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "ts": "2.0"})
	}}
	ts, err := newStubSlack(t, stub).PostInThread(context.Background(), "C1", "", Message{Text: "x"})
	require.NoError(t, err)
	assert.Equal(t, "2.0", ts)
	requests, _ := stub.snapshot()
	assert.Len(t, requests, 2)

	always := &slackStub{reply: func(w http.ResponseWriter, n int) {
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}}
	_, err = newStubSlack(t, always).PostInThread(context.Background(), "C1", "", Message{Text: "x"})
	assert.True(t, errors.Is(err, ErrSlack))
	requests, _ = always.snapshot()
	assert.Len(t, requests, 2)
}

type countingNotifier struct {
	calls atomic.Int64
	ts    string
	err   error
}

func (c *countingNotifier) PostInThread(ctx context.Context, channel, threadTS string, msg Message) (string, error) {
	c.calls.Add(1)
	return c.ts, c.err
}

func (c *countingNotifier) BuildActionMessage(caseID, text string, actions []Action) Message {
	return BuildActionMessage(caseID, text, actions)
}

func TestMultiFansOut(t *testing.T) {
	a := &countingNotifier{ts: "1.1"}
	b := &countingNotifier{err: errors.New("down")}
	m := Multi{a, b, NoOp{}, &Log{Logger: logging.Nop()}}

	ts, err := m.PostInThread(context.Background(), "C1", "", Message{Text: "x"})
	assert.Equal(t, "1.1", ts)
	assert.ErrorContains(t, err, "down")
	assert.Equal(t, int64(1), a.calls.Load())
	assert.Equal(t, int64(1), b.calls.Load())

	ts, err = Multi{}.PostInThread(context.Background(), "C1", "9.9", Message{})
	assert.NoError(t, err)
	assert.Equal(t, "9.9", ts)
}
