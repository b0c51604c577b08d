// Package webhook 入站集成：GitHub issue 事件与 Slack 交互按钮
//
// 两个入口都先校验签名再解析请求体：
//   - POST /webhooks/github             issues/opened → 创建 Case，可选自动排队调查
//   - POST /webhooks/slack/interactions 按钮点击 → Case 状态迁移
//
// 同一投递（GitHub delivery ID、Slack trigger_id）在 DeliveryTTL 内只处理一次。
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"bugpilot/internal/notify"
	"bugpilot/internal/shared/cache"
	"bugpilot/internal/shared/model"
	"bugpilot/internal/shared/queue"
)

// maxBodyBytes 请求体上限
const maxBodyBytes = 1 << 20

// CaseService webhook 需要的 Case 操作（*cases.Service）
type CaseService interface {
	Create(ctx context.Context, src model.CaseSource) (*model.Case, bool, error)
	Transition(ctx context.Context, id string, to model.CaseState, metadata json.RawMessage) (*model.TransitionResult, error)
}

// Config webhook 配置
type Config struct {
	GitHubSecret       string
	SlackSigningSecret string
	// MaxSkew Slack 时间戳允许偏差，默认 5 分钟
	MaxSkew time.Duration
	// AutoInvestigate issue 创建 Case 后自动排队调查
	AutoInvestigate bool
	// DeliveryTTL 投递去重窗口，默认 1 小时
	DeliveryTTL time.Duration
}

// Handler webhook HTTP 处理器
type Handler struct {
	cases      CaseService
	queue      queue.InvestigationQueue
	deliveries cache.DeliveryCache
	cfg        Config
	now        func() time.Time
}

// NewHandler 创建 webhook 处理器；q 为 nil 时不自动调查
func NewHandler(cases CaseService, q queue.InvestigationQueue, deliveries cache.DeliveryCache, cfg Config) *Handler {
	if cfg.MaxSkew <= 0 {
		cfg.MaxSkew = 5 * time.Minute
	}
	if cfg.DeliveryTTL <= 0 {
		cfg.DeliveryTTL = time.Hour
	}
	if deliveries == nil {
		deliveries = cache.NewMemoryCache()
	}
	return &Handler{cases: cases, queue: q, deliveries: deliveries, cfg: cfg, now: time.Now}
}

// RegisterRoutes 注册 webhook 路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhooks/github", h.GitHub)
	mux.HandleFunc("POST /webhooks/slack/interactions", h.SlackInteraction)
}

// ============================================================================
// GitHub
// ============================================================================

type githubIssueEvent struct {
	Action string `json:"action"`
	Issue  struct {
		Number  int    `json:"number"`
		Title   string `json:"title"`
		Body    string `json:"body"`
		HTMLURL string `json:"html_url"`
	} `json:"issue"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// GitHub 处理 GitHub webhook
// POST /webhooks/github
func (h *Handler) GitHub(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.cfg.GitHubSecret == "" {
		writeError(w, http.StatusServiceUnavailable, "github webhook not configured")
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if err := VerifyGitHub(h.cfg.GitHubSecret, body, r.Header.Get("X-Hub-Signature-256")); err != nil {
		log.Printf("[webhook.github.rejected] delivery=%s error=%v", r.Header.Get("X-GitHub-Delivery"), err)
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	event := r.Header.Get("X-GitHub-Event")
	delivery := r.Header.Get("X-GitHub-Delivery")
	switch event {
	case "ping":
		writeJSON(w, http.StatusOK, map[string]string{"status": "pong"})
		return
	case "issues":
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "ignored", "event": event})
		return
	}

	var payload githubIssueEvent
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if payload.Action != "opened" {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "ignored", "action": payload.Action})
		return
	}
	if payload.Repository.FullName == "" || payload.Issue.Number == 0 {
		writeError(w, http.StatusBadRequest, "repository and issue number are required")
		return
	}
	if !h.firstDelivery(ctx, "github", delivery) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	src := model.CaseSource{
		Repo:            payload.Repository.FullName,
		ExternalIssueID: strconv.Itoa(payload.Issue.Number),
		Title:           payload.Issue.Title,
	}
	c, created, err := h.cases.Create(ctx, src)
	if err != nil {
		log.Printf("[webhook.github.case.failed] repo=%s issue=%s error=%v", src.Repo, src.ExternalIssueID, err)
		h.forgetDelivery(ctx, "github", delivery)
		writeError(w, http.StatusInternalServerError, "failed to create case")
		return
	}

	queued := false
	if created && h.cfg.AutoInvestigate && h.queue != nil {
		job := &queue.Job{
			CaseID:  c.ID,
			Issue:   model.Issue{Title: payload.Issue.Title, Body: payload.Issue.Body, Repo: src.Repo},
			Trigger: queue.TriggerGitHub,
		}
		if _, err := h.queue.Enqueue(ctx, job); err != nil {
			log.Printf("[webhook.github.enqueue.failed] case_id=%s error=%v", c.ID, err)
		} else {
			queued = true
		}
	}

	log.Printf("[webhook.github.issue] case_id=%s repo=%s issue=%s created=%v queued=%v",
		c.ID, src.Repo, src.ExternalIssueID, created, queued)
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"case_id": c.ID, "created": created, "queued": queued})
}

// ============================================================================
// Slack
// ============================================================================

type slackInteraction struct {
	Type      string `json:"type"`
	TriggerID string `json:"trigger_id"`
	User      struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"user"`
	Actions []struct {
		ActionID string `json:"action_id"`
		Value    string `json:"value"`
	} `json:"actions"`
}

// SlackInteraction 处理 Slack 交互按钮
// POST /webhooks/slack/interactions
//
// 请求体为 application/x-www-form-urlencoded，payload 字段是 JSON。
// 签名通过后一律返回 200（Slack 要求 3 秒内确认），迁移失败只记日志。
func (h *Handler) SlackInteraction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.cfg.SlackSigningSecret == "" {
		writeError(w, http.StatusServiceUnavailable, "slack interactions not configured")
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	err = VerifySlack(h.cfg.SlackSigningSecret, body,
		r.Header.Get("X-Slack-Request-Timestamp"), r.Header.Get("X-Slack-Signature"),
		h.now(), h.cfg.MaxSkew)
	if err != nil {
		log.Printf("[webhook.slack.rejected] error=%v", err)
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid form body")
		return
	}
	var payload slackInteraction
	if err := json.Unmarshal([]byte(form.Get("payload")), &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if payload.Type != "block_actions" {
		w.WriteHeader(http.StatusOK)
		return
	}
	if payload.TriggerID != "" && !h.firstDelivery(ctx, "slack", payload.TriggerID) {
		w.WriteHeader(http.StatusOK)
		return
	}

	attempted, applied := 0, 0
	for _, a := range payload.Actions {
		action, ok := notify.LookupAction(a.ActionID)
		if !ok || a.Value == "" {
			log.Printf("[webhook.slack.action.unknown] action_id=%s", a.ActionID)
			continue
		}
		meta, _ := json.Marshal(map[string]string{
			"reason":  action.Label,
			"action":  action.ID,
			"user_id": payload.User.ID,
			"user":    payload.User.Username,
		})
		attempted++
		res, err := h.cases.Transition(ctx, a.Value, action.Target, meta)
		if err != nil {
			log.Printf("[webhook.slack.transition.failed] case_id=%s action=%s error=%v", a.Value, action.ID, err)
			continue
		}
		applied++
		log.Printf("[webhook.slack.transition] case_id=%s from=%s to=%s user=%s", res.CaseID, res.From, res.To, payload.User.ID)
	}
	if attempted > 0 && applied == 0 {
		h.forgetDelivery(ctx, "slack", payload.TriggerID)
	}
	w.WriteHeader(http.StatusOK)
}

// firstDelivery 投递去重；缓存故障时放行
func (h *Handler) firstDelivery(ctx context.Context, source, id string) bool {
	if id == "" {
		return true
	}
	first, err := h.deliveries.MarkDelivery(ctx, source, id, h.cfg.DeliveryTTL)
	if err != nil {
		log.Printf("[webhook.dedupe.failed] source=%s delivery=%s error=%v", source, id, err)
		return true
	}
	return first
}

// forgetDelivery 处理失败时撤销去重标记
func (h *Handler) forgetDelivery(ctx context.Context, source, id string) {
	if id == "" {
		return
	}
	if err := h.deliveries.ForgetDelivery(context.WithoutCancel(ctx), source, id); err != nil {
		log.Printf("[webhook.dedupe.forget_failed] source=%s delivery=%s error=%v", source, id, err)
	}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("body exceeds %d bytes", tooLarge.Limit)
		}
		return nil, err
	}
	return body, nil
}
