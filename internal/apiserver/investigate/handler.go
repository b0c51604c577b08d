package investigate

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"bugpilot/internal/investigation"
	"bugpilot/internal/shared/model"
	"bugpilot/internal/shared/storage"
)

// Handler 调查 HTTP 处理器
type Handler struct {
	runner *Runner
}

// NewHandler 创建调查处理器
func NewHandler(runner *Runner) *Handler {
	return &Handler{runner: runner}
}

// RegisterRoutes 注册调查路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/investigate", h.Investigate)
}

// InvestigateRequest 请求体
type InvestigateRequest struct {
	Title  string `json:"title"`
	Body   string `json:"body"`
	Repo   string `json:"repo"`
	CaseID string `json:"case_id,omitempty"`
}

// Investigate 运行调查流水线并以 SSE 推送事件
// POST /api/v1/investigate
//
// 每个事件一条 "data: <json>\n\n" 记录。请求体校验与 Case 查找在开始推流前完成，
// 失败时返回普通 JSON 错误；推流开始后的错误以 pipeline/error 事件告知。
// 客户端断开即取消流水线，不会继续执行后续阶段。
func (h *Handler) Investigate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req InvestigateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	if req.CaseID != "" && h.runner.cases != nil {
		if _, err := h.runner.cases.Get(ctx, req.CaseID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				writeError(w, http.StatusNotFound, "case not found")
				return
			}
			log.Printf("[investigate.case.failed] case_id=%s error=%v", req.CaseID, err)
			writeError(w, http.StatusInternalServerError, "failed to load case")
			return
		}
	}

	sse, err := investigation.NewSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Printf("[investigate.start] case_id=%s repo=%s title=%q", req.CaseID, req.Repo, req.Title)
	issue := model.Issue{Title: req.Title, Body: req.Body, Repo: req.Repo}
	_, err = h.runner.Run(ctx, Request{Issue: issue, CaseID: req.CaseID}, sse)
	switch {
	case err == nil:
		log.Printf("[investigate.done] case_id=%s", req.CaseID)
	case ctx.Err() != nil:
		log.Printf("[investigate.disconnected] case_id=%s error=%v", req.CaseID, err)
	default:
		log.Printf("[investigate.failed] case_id=%s error=%v", req.CaseID, err)
		// 流水线开始前的失败（如 Case 迁移失败）没有对应事件，这里补一条终结事件
		if !sse.Terminated() {
			_ = sse.Emit(model.NewEvent(model.AgentPipeline, model.EventError, model.StepFatal,
				"Pipeline error: "+err.Error(), model.PipelineErrorData{Error: err.Error()}))
		}
	}
}
