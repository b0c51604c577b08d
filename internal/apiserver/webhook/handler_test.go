package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"bugpilot/internal/shared/cache"
	"bugpilot/internal/shared/model"
	"bugpilot/internal/shared/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	githubSecret = "gh-secret"
	slackSecret  = "slack-secret"
)

type transitionCall struct {
	id   string
	to   model.CaseState
	meta map[string]string
}

type fakeCases struct {
	mu             sync.Mutex
	byExternal     map[string]*model.Case
	transitions    []transitionCall
	failCreate     bool
	failTransition bool
}

func newFakeCases() *fakeCases {
	return &fakeCases{byExternal: map[string]*model.Case{}}
}

func (f *fakeCases) Create(ctx context.Context, src model.CaseSource) (*model.Case, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate {
		return nil, false, errors.New("db down")
	}
	key := src.Repo + "#" + src.ExternalIssueID
	if c, ok := f.byExternal[key]; ok {
		return c, false, nil
	}
	c := &model.Case{ID: "case-" + strconv.Itoa(len(f.byExternal)+1), Repo: src.Repo,
		ExternalIssueID: src.ExternalIssueID, Title: src.Title, State: model.CaseNew}
	f.byExternal[key] = c
	return c, true, nil
}

func (f *fakeCases) Transition(ctx context.Context, id string, to model.CaseState, metadata json.RawMessage) (*model.TransitionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTransition {
		return nil, errors.New("db down")
	}
	var meta map[string]string
	_ = json.Unmarshal(metadata, &meta)
	f.transitions = append(f.transitions, transitionCall{id: id, to: to, meta: meta})
	return &model.TransitionResult{CaseID: id, From: model.CaseReportReady, To: to}, nil
}

func (f *fakeCases) calls() []transitionCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transitionCall(nil), f.transitions...)
}

type fixture struct {
	cases *fakeCases
	queue *queue.MemoryQueue
	mux   *http.ServeMux
	now   time.Time
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	if cfg.GitHubSecret == "" {
		cfg.GitHubSecret = githubSecret
	}
	if cfg.SlackSigningSecret == "" {
		cfg.SlackSigningSecret = slackSecret
	}
	f := &fixture{
		cases: newFakeCases(),
		queue: queue.NewMemoryQueue(8),
		mux:   http.NewServeMux(),
		now:   time.Unix(1_700_000_000, 0),
	}
	h := NewHandler(f.cases, f.queue, cache.NewMemoryCache(), cfg)
	h.now = func() time.Time { return f.now }
	h.RegisterRoutes(f.mux)
	return f
}

const issueOpened = `{"action":"opened","issue":{"number":42,"title":"checkout fails","body":"500 on /pay"},"repository":{"full_name":"acme/shop"}}`

func (f *fixture) github(t *testing.T, event, delivery, body, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", "/webhooks/github", strings.NewReader(body))
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-GitHub-Delivery", delivery)
	req.Header.Set("X-Hub-Signature-256", signature)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func slackBody(t *testing.T, triggerID, actionID, caseID string) string {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"type":       "block_actions",
		"trigger_id": triggerID,
		"user":       map[string]string{"id": "U1", "username": "alice"},
		"actions":    []map[string]string{{"action_id": actionID, "value": caseID}},
	})
	require.NoError(t, err)
	return url.Values{"payload": {string(payload)}}.Encode()
}

func (f *fixture) slack(t *testing.T, body, timestamp, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", "/webhooks/slack/interactions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Slack-Request-Timestamp", timestamp)
	req.Header.Set("X-Slack-Signature", signature)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

// ============================================================================
// 签名
// ============================================================================

func TestVerifyGitHub(t *testing.T) {
	body := []byte(issueOpened)
	good := SignGitHub(githubSecret, body)
	assert.True(t, strings.HasPrefix(good, "sha256="))

	tests := []struct {
		name   string
		secret string
		header string
		ok     bool
	}{
		{"正确签名", githubSecret, good, true},
		{"错误密钥", "other", good, false},
		{"缺少前缀", githubSecret, strings.TrimPrefix(good, "sha256="), false},
		{"空头", githubSecret, "", false},
		{"未配置密钥", "", good, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyGitHub(tt.secret, body, tt.header)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrBadSignature)
			}
		})
	}
}

func TestVerifySlack(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	body := []byte("payload=%7B%7D")
	ts := strconv.FormatInt(now.Unix(), 10)
	good := SignSlack(slackSecret, ts, body)

	assert.NoError(t, VerifySlack(slackSecret, body, ts, good, now, 5*time.Minute))
	assert.NoError(t, VerifySlack(slackSecret, body, ts, good, now.Add(-4*time.Minute), 5*time.Minute))
	assert.ErrorIs(t, VerifySlack(slackSecret, body, ts, good, now.Add(6*time.Minute), 5*time.Minute), ErrStaleRequest)
	assert.ErrorIs(t, VerifySlack(slackSecret, []byte("tampered"), ts, good, now, 5*time.Minute), ErrBadSignature)
	assert.ErrorIs(t, VerifySlack(slackSecret, body, "not-a-number", good, now, 5*time.Minute), ErrBadSignature)
	assert.ErrorIs(t, VerifySlack(slackSecret, body, ts, "", now, 5*time.Minute), ErrBadSignature)
}

// ============================================================================
// GitHub
// ============================================================================

func TestGitHub_IssueOpenedCreatesCase(t *testing.T) {
	f := newFixture(t, Config{AutoInvestigate: true})

	rec := f.github(t, "issues", "d-1", issueOpened, SignGitHub(githubSecret, []byte(issueOpened)))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"case_id":"case-1","created":true,"queued":true}`, rec.Body.String())

	jobs, err := f.queue.Consume(context.Background(), "t", 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "case-1", jobs[0].CaseID)
	assert.Equal(t, queue.TriggerGitHub, jobs[0].Trigger)
	assert.Equal(t, model.Issue{Title: "checkout fails", Body: "500 on /pay", Repo: "acme/shop"}, jobs[0].Issue)
}

func TestGitHub_RedeliveryIsDeduplicated(t *testing.T) {
	f := newFixture(t, Config{AutoInvestigate: true})
	sig := SignGitHub(githubSecret, []byte(issueOpened))

	require.Equal(t, http.StatusCreated, f.github(t, "issues", "d-1", issueOpened, sig).Code)
	rec := f.github(t, "issues", "d-1", issueOpened, sig)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"duplicate"}`, rec.Body.String())

	// 新投递 ID 但同一 issue：Case 已存在，不再排队
	rec = f.github(t, "issues", "d-2", issueOpened, sig)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"case_id":"case-1","created":false,"queued":false}`, rec.Body.String())

	n, _ := f.queue.Len(context.Background())
	assert.EqualValues(t, 1, n)
}

func TestGitHub_NoAutoInvestigate(t *testing.T) {
	f := newFixture(t, Config{})
	rec := f.github(t, "issues", "d-1", issueOpened, SignGitHub(githubSecret, []byte(issueOpened)))
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"case_id":"case-1","created":true,"queued":false}`, rec.Body.String())
}

func TestGitHub_Rejections(t *testing.T) {
	closed := `{"action":"closed","issue":{"number":42},"repository":{"full_name":"acme/shop"}}`
	noRepo := `{"action":"opened","issue":{"number":42}}`
	tests := []struct {
		name   string
		event  string
		body   string
		sig    string
		status int
	}{
		{"签名错误", "issues", issueOpened, SignGitHub("wrong", []byte(issueOpened)), http.StatusUnauthorized},
		{"ping", "ping", `{}`, SignGitHub(githubSecret, []byte(`{}`)), http.StatusOK},
		{"其他事件忽略", "push", `{}`, SignGitHub(githubSecret, []byte(`{}`)), http.StatusAccepted},
		{"非 opened 动作忽略", "issues", closed, SignGitHub(githubSecret, []byte(closed)), http.StatusAccepted},
		{"非法 JSON", "issues", `{`, SignGitHub(githubSecret, []byte(`{`)), http.StatusBadRequest},
		{"缺少仓库", "issues", noRepo, SignGitHub(githubSecret, []byte(noRepo)), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{AutoInvestigate: true})
			rec := f.github(t, tt.event, "d-1", tt.body, tt.sig)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			n, _ := f.queue.Len(context.Background())
			assert.Zero(t, n)
		})
	}
}

func TestGitHub_CreateFailure(t *testing.T) {
	f := newFixture(t, Config{})
	sig := SignGitHub(githubSecret, []byte(issueOpened))

	f.cases.failCreate = true
	rec := f.github(t, "issues", "d-1", issueOpened, sig)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	// 同一投递 ID 重发时应再次处理
	f.cases.failCreate = false
	rec = f.github(t, "issues", "d-1", issueOpened, sig)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Len(t, f.cases.byExternal, 1)

	rec = f.github(t, "issues", "d-1", issueOpened, sig)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"duplicate"`)
}

// ============================================================================
// Slack
// ============================================================================

func TestSlack_ButtonTransitionsCase(t *testing.T) {
	tests := []struct {
		action string
		want   model.CaseState
	}{
		{"generate_patch", model.CasePatching},
		{"needs_human", model.CaseNeedsHuman},
		{"close_failed", model.CaseFailed},
	}
	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			f := newFixture(t, Config{})
			body := slackBody(t, "trig-"+tt.action, tt.action, "case-9")
			ts := strconv.FormatInt(f.now.Unix(), 10)

			rec := f.slack(t, body, ts, SignSlack(slackSecret, ts, []byte(body)))
			require.Equal(t, http.StatusOK, rec.Code)

			calls := f.cases.calls()
			require.Len(t, calls, 1)
			assert.Equal(t, "case-9", calls[0].id)
			assert.Equal(t, tt.want, calls[0].to)
			assert.Equal(t, tt.action, calls[0].meta["action"])
			assert.Equal(t, "U1", calls[0].meta["user_id"])
		})
	}
}

func TestSlack_Rejections(t *testing.T) {
	f := newFixture(t, Config{})
	body := slackBody(t, "trig-1", "needs_human", "case-9")
	ts := strconv.FormatInt(f.now.Unix(), 10)
	stale := strconv.FormatInt(f.now.Add(-10*time.Minute).Unix(), 10)

	t.Run("签名错误", func(t *testing.T) {
		rec := f.slack(t, body, ts, SignSlack("wrong", ts, []byte(body)))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
	t.Run("过期时间戳", func(t *testing.T) {
		rec := f.slack(t, body, stale, SignSlack(slackSecret, stale, []byte(body)))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
	t.Run("未知按钮", func(t *testing.T) {
		unknown := slackBody(t, "trig-2", "deploy", "case-9")
		rec := f.slack(t, unknown, ts, SignSlack(slackSecret, ts, []byte(unknown)))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
	assert.Empty(t, f.cases.calls())
}

func TestSlack_RetryIsDeduplicated(t *testing.T) {
	f := newFixture(t, Config{})
	body := slackBody(t, "trig-1", "needs_human", "case-9")
	ts := strconv.FormatInt(f.now.Unix(), 10)
	sig := SignSlack(slackSecret, ts, []byte(body))

	require.Equal(t, http.StatusOK, f.slack(t, body, ts, sig).Code)
	require.Equal(t, http.StatusOK, f.slack(t, body, ts, sig).Code)
	assert.Len(t, f.cases.calls(), 1)
}

func TestSlack_RetryAfterFailedTransition(t *testing.T) {
	f := newFixture(t, Config{})
	body := slackBody(t, "trig-1", "needs_human", "case-9")
	ts := strconv.FormatInt(f.now.Unix(), 10)
	sig := SignSlack(slackSecret, ts, []byte(body))

	f.cases.failTransition = true
	require.Equal(t, http.StatusOK, f.slack(t, body, ts, sig).Code)
	assert.Empty(t, f.cases.calls())

	f.cases.failTransition = false
	require.Equal(t, http.StatusOK, f.slack(t, body, ts, sig).Code)
	require.Len(t, f.cases.calls(), 1)
	assert.Equal(t, model.CaseNeedsHuman, f.cases.calls()[0].to)
}

func TestNotConfigured(t *testing.T) {
	mux := http.NewServeMux()
	NewHandler(newFakeCases(), nil, nil, Config{}).RegisterRoutes(mux)

	for _, path := range []string{"/webhooks/github", "/webhooks/slack/interactions"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("POST", path, strings.NewReader(`{}`)))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
}
