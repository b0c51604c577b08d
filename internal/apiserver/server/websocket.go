package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"bugpilot/internal/shared/eventbus"
	"bugpilot/internal/shared/model"
	"bugpilot/internal/shared/storage"
)

// upgrader WebSocket 升级器配置
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
	// wsReplayLimit 重连时补发的历史事件上限
	wsReplayLimit = 500
)

// CaseLookup 连接前校验 Case 是否存在（*cases.Service）
type CaseLookup interface {
	Get(ctx context.Context, id string) (*model.Case, error)
}

// EventGateway Case 事件 WebSocket 网关
//
// 订阅事件总线上某个 Case 的事件（流水线事件镜像与状态迁移），
// 原样推送给该 Case 的所有观察者。SSE 主通道不经过这里。
type EventGateway struct {
	bus     eventbus.CaseEventBus
	cases   CaseLookup
	metrics *Metrics
	clients map[string]map[*websocket.Conn]bool // 按 CaseID 索引的客户端连接
	mu      sync.RWMutex
}

// NewEventGateway 创建事件网关；cases 为 nil 时不校验 Case 是否存在
func NewEventGateway(bus eventbus.CaseEventBus, cases CaseLookup, metrics *Metrics) *EventGateway {
	return &EventGateway{
		bus:     bus,
		cases:   cases,
		metrics: metrics,
		clients: make(map[string]map[*websocket.Conn]bool),
	}
}

// HandleWebSocket 处理 WebSocket 连接请求
//
// 路由: GET /ws/cases/{id}/events
//
// 查询参数：
//   - from: 事件流 ID（可选），先补发该 ID 之后的历史事件，用于断线重连
//
// 推送消息格式：
//
//	{"type": "event", "data": CaseEvent}
//
// 客户端消息：
//
//	心跳：{"type": "ping"} -> 响应 {"type": "pong"}
func (g *EventGateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	caseID := r.PathValue("id")
	if caseID == "" {
		http.Error(w, "case id required", http.StatusBadRequest)
		return
	}
	if g.cases != nil {
		if _, err := g.cases.Get(r.Context(), caseID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				http.Error(w, "case not found", http.StatusNotFound)
				return
			}
			log.Printf("[ws.case.failed] case_id=%s error=%v", caseID, err)
			http.Error(w, "failed to load case", http.StatusInternalServerError)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws.upgrade.failed] case_id=%s error=%v", caseID, err)
		return
	}
	defer conn.Close()

	g.addClient(caseID, conn)
	defer g.removeClient(caseID, conn)
	g.metrics.WSConnectionOpened()
	defer g.metrics.WSConnectionClosed()
	log.Printf("[ws.connected] case_id=%s", caseID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// 写操作串行化：readPump 的 pong 与 writePump 共用连接
	var writeMu sync.Mutex
	go g.readPump(conn, &writeMu, cancel)
	g.writePump(ctx, conn, &writeMu, caseID, r.URL.Query().Get("from"))
	log.Printf("[ws.disconnected] case_id=%s", caseID)
}

func (g *EventGateway) addClient(caseID string, conn *websocket.Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.clients[caseID] == nil {
		g.clients[caseID] = make(map[*websocket.Conn]bool)
	}
	g.clients[caseID][conn] = true
}

func (g *EventGateway) removeClient(caseID string, conn *websocket.Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if clients, ok := g.clients[caseID]; ok {
		delete(clients, conn)
		if len(clients) == 0 {
			delete(g.clients, caseID)
		}
	}
}

// ClientCount 某 Case 当前的观察者数量
func (g *EventGateway) ClientCount(caseID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients[caseID])
}

// readPump 读取客户端消息，连接断开时取消上下文
func (g *EventGateway) readPump(conn *websocket.Conn, writeMu *sync.Mutex, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("[ws.read.failed] error=%v", err)
			}
			return
		}
		g.metrics.RecordWSMessage("in", "client")

		var req struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(msg, &req) == nil && req.Type == "ping" {
			writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err := conn.WriteJSON(map[string]string{"type": "pong"})
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// writePump 补发历史事件后转发订阅到的实时事件
func (g *EventGateway) writePump(ctx context.Context, conn *websocket.Conn, writeMu *sync.Mutex, caseID, from string) {
	send := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(v)
	}

	// 先订阅再补发；补发过的 ID 不再重复推送
	events, err := g.bus.SubscribeCaseEvents(ctx, caseID)
	if err != nil {
		log.Printf("[ws.subscribe.failed] case_id=%s error=%v", caseID, err)
		return
	}

	seen := map[string]bool{}
	if from != "" {
		history, err := g.bus.GetCaseEvents(ctx, caseID, from, wsReplayLimit)
		if err != nil {
			log.Printf("[ws.replay.failed] case_id=%s from=%s error=%v", caseID, from, err)
		}
		for _, ev := range history {
			if err := send(map[string]any{"type": "event", "data": ev}); err != nil {
				return
			}
			g.metrics.RecordWSMessage("out", string(ev.Kind))
			if ev.ID != "" {
				seen[ev.ID] = true
			}
		}
	}

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			writeMu.Unlock()
			if err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.ID != "" && seen[ev.ID] {
				continue
			}
			if err := send(map[string]any{"type": "event", "data": ev}); err != nil {
				log.Printf("[ws.write.failed] case_id=%s error=%v", caseID, err)
				return
			}
			g.metrics.RecordWSMessage("out", string(ev.Kind))
		}
	}
}
