// Package server HTTP 入口：路由装配与横切基础设施
//
// 文件组织：
//   - common.go: Handler 定义与依赖
//   - handler.go: 路由与 CORS
//   - metrics.go: Prometheus HTTP 指标
//   - openapi.go: 请求体校验中间件
//   - websocket.go: Case 事件 WebSocket 网关
//
// 领域接口在各自的包中实现（cases、investigate、webhook），这里只负责组装。
package server

import (
	"encoding/json"
	"net/http"

	"bugpilot/internal/apiserver/cases"
	"bugpilot/internal/apiserver/investigate"
	"bugpilot/internal/apiserver/webhook"
	"bugpilot/internal/shared/eventbus"
)

// Deps Handler 依赖
type Deps struct {
	Cases  *cases.Service
	Runner *investigate.Runner
	// Webhooks 为 nil 时不注册 /webhooks 路由
	Webhooks *webhook.Handler
	Bus      eventbus.CaseEventBus
	// Validator 为 nil 时不做请求校验
	Validator *Validator
	Metrics   *Metrics
}

// Handler API 处理器
type Handler struct {
	cases        *cases.Service
	runner       *investigate.Runner
	webhooks     *webhook.Handler
	validator    *Validator
	eventGateway *EventGateway
	metrics      *Metrics
}

// NewHandler 创建 Handler 实例
func NewHandler(deps Deps) *Handler {
	if deps.Bus == nil {
		deps.Bus = eventbus.NewNoOpEventBus()
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics("bugpilot", nil)
	}
	var lookup CaseLookup
	if deps.Cases != nil {
		lookup = deps.Cases
	}
	return &Handler{
		cases:        deps.Cases,
		runner:       deps.Runner,
		webhooks:     deps.Webhooks,
		validator:    deps.Validator,
		eventGateway: NewEventGateway(deps.Bus, lookup, deps.Metrics),
		metrics:      deps.Metrics,
	}
}

// GetMetrics 返回指标实例
func (h *Handler) GetMetrics() *Metrics {
	return h.metrics
}

// Health 健康检查接口
//
// 路由: GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
