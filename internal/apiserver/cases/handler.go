package cases

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"bugpilot/internal/shared/model"
	"bugpilot/internal/shared/storage"
)

// Handler Case 领域 HTTP 处理器
type Handler struct {
	svc *Service
}

// NewHandler 创建 Case 处理器
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes 注册 Case 相关路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/cases", h.Create)
	mux.HandleFunc("GET /api/v1/cases", h.List)
	mux.HandleFunc("GET /api/v1/cases/{id}", h.Get)
	mux.HandleFunc("POST /api/v1/cases/{id}/transitions", h.Transition)
	mux.HandleFunc("GET /api/v1/cases/{id}/history", h.History)
}

// CreateRequest 创建 Case 的请求体
type CreateRequest struct {
	Repo            string `json:"repo"`
	ExternalIssueID string `json:"external_issue_id"`
	Title           string `json:"title"`
	SlackChannel    string `json:"slack_channel,omitempty"`
	SlackThreadTS   string `json:"slack_thread_ts,omitempty"`
}

// TransitionRequest 状态迁移请求体
type TransitionRequest struct {
	ToState  string          `json:"to_state"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// Create 创建 Case（幂等）
// POST /api/v1/cases
//
// 新建返回 201，(repo, external_issue_id) 已存在返回 200 与已有 Case。
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	c, created, err := h.svc.Create(r.Context(), model.CaseSource{
		Repo:            req.Repo,
		ExternalIssueID: req.ExternalIssueID,
		Title:           req.Title,
		SlackChannel:    req.SlackChannel,
		SlackThreadTS:   req.SlackThreadTS,
	})
	if err != nil {
		writeServiceError(w, "case.create", err)
		return
	}
	log.Printf("[case.create] case_id=%s repo=%s issue=%s created=%t", c.ID, c.Repo, c.ExternalIssueID, created)

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, c)
}

// List 列出 Case
// GET /api/v1/cases?state=&repo=&limit=
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.CaseFilter{Repo: q.Get("repo")}
	if s := q.Get("state"); s != "" {
		st, err := model.ParseCaseState(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.State = st
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}

	cases, err := h.svc.List(r.Context(), filter)
	if err != nil {
		writeServiceError(w, "case.list", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cases": cases, "count": len(cases)})
}

// Get 获取 Case
// GET /api/v1/cases/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, "case.get", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// Transition 迁移 Case 状态
// POST /api/v1/cases/{id}/transitions
//
// 成功返回 {case_id, from, to}；被拒绝返回 422 {error, reason}。
func (h *Handler) Transition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.ToState) == "" {
		writeError(w, http.StatusBadRequest, "to_state is required")
		return
	}

	res, err := h.svc.Transition(r.Context(), id, model.CaseState(req.ToState), req.Metadata)
	if err != nil {
		writeServiceError(w, "case.transition", err)
		return
	}
	log.Printf("[case.transition] case_id=%s from=%s to=%s", id, res.From, res.To)
	writeJSON(w, http.StatusOK, res)
}

// History 审计记录（最新在前）
// GET /api/v1/cases/{id}/history
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	history, err := h.svc.History(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, "case.history", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transitions": history, "count": len(history)})
}

// writeServiceError 将服务层错误映射为 HTTP 状态码
func writeServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrTransitionRejected):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error":  ErrTransitionRejected.Error(),
			"reason": rejectionReason(err),
		})
	case errors.Is(err, ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "case not found")
	case errors.Is(err, storage.ErrConflict):
		writeError(w, http.StatusConflict, "case was modified concurrently")
	default:
		log.Printf("[%s.failed] error=%v", op, err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// rejectionReason 去掉哨兵前缀，只保留拒绝原因
func rejectionReason(err error) string {
	return strings.TrimPrefix(err.Error(), ErrTransitionRejected.Error()+": ")
}
