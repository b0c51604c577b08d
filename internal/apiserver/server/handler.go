package server

import (
	"net/http"

	"bugpilot/internal/apiserver/cases"
	"bugpilot/internal/apiserver/investigate"
)

// Router 返回配置好的 HTTP 路由
//
// 健康检查与指标:
//   - GET  /health
//   - GET  /metrics
//
// 调查:
//   - POST /api/v1/investigate                - SSE 事件流
//
// Case:
//   - POST /api/v1/cases                      - 创建（幂等）
//   - GET  /api/v1/cases                      - 列表
//   - GET  /api/v1/cases/{id}                 - 详情
//   - POST /api/v1/cases/{id}/transitions     - 状态迁移
//   - GET  /api/v1/cases/{id}/history         - 审计记录
//
// 入站集成:
//   - POST /webhooks/github
//   - POST /webhooks/slack/interactions
//
// WebSocket:
//   - GET  /ws/cases/{id}/events              - Case 事件推送
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)
	mux.Handle("GET /metrics", MetricsHandler())

	if h.cases != nil {
		cases.NewHandler(h.cases).RegisterRoutes(mux)
	}
	if h.runner != nil {
		investigate.NewHandler(h.runner).RegisterRoutes(mux)
	}
	if h.webhooks != nil {
		h.webhooks.RegisterRoutes(mux)
	}

	var api http.Handler = mux
	if h.validator != nil {
		api = h.validator.Middleware(api)
	}
	api = h.metrics.MetricsMiddleware(api)
	api = corsMiddleware(api)

	// WebSocket 绕过 metrics 中间件（避免 http.Hijacker 问题）
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /ws/cases/{id}/events", h.eventGateway.HandleWebSocket)
	topMux.Handle("/", api)
	return topMux
}

// corsMiddleware 添加 CORS 头支持跨域请求
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
