package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"homework-live/server/internal/model"
)

// 推送给浏览器的消息类型
const (
	PushState   = "state"
	PushTypeset = "typeset"
	PushChart   = "chart"
)

// ErrNoViewer 会话没有打开的浏览器页面
var ErrNoViewer = errors.New("no viewer connected")

// Push 服务端 -> 浏览器
type Push struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	State     *model.UIState  `json:"state,omitempty"`
	Content   string          `json:"content,omitempty"`
	Config    json.RawMessage `json:"config,omitempty"`
}

const (
	viewerSendBuffer = 32
	viewerWriteWait  = 5 * time.Second
)

// viewer 一个浏览器连接。写操作只在 writeLoop 里进行。
type viewer struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (v *viewer) close() {
	v.closeOnce.Do(func() {
		close(v.done)
		v.conn.Close()
	})
}

func (v *viewer) writeLoop() {
	defer v.close()
	for {
		select {
		case <-v.done:
			return
		case data := <-v.send:
			v.conn.SetWriteDeadline(time.Now().Add(viewerWriteWait))
			if err := v.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

// Hub 把会话状态与渲染指令推送给浏览器页面
type Hub struct {
	mu      sync.RWMutex
	viewers map[string]map[*viewer]struct{}
	logger  *log.Logger
}

func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{viewers: make(map[string]map[*viewer]struct{}), logger: logger}
}

// attach 注册浏览器连接并启动写协程，返回注销函数
func (h *Hub) attach(sessionID string, conn *websocket.Conn) (*viewer, func()) {
	v := &viewer{conn: conn, send: make(chan []byte, viewerSendBuffer), done: make(chan struct{})}

	h.mu.Lock()
	if h.viewers[sessionID] == nil {
		h.viewers[sessionID] = make(map[*viewer]struct{})
	}
	h.viewers[sessionID][v] = struct{}{}
	n := len(h.viewers[sessionID])
	h.mu.Unlock()

	go v.writeLoop()
	h.logger.Printf("[Hub] 👀 Viewer attached: session=%s viewers=%d", sessionID, n)

	return v, func() {
		h.mu.Lock()
		delete(h.viewers[sessionID], v)
		if len(h.viewers[sessionID]) == 0 {
			delete(h.viewers, sessionID)
		}
		h.mu.Unlock()
		v.close()
		h.logger.Printf("[Hub] Viewer detached: session=%s", sessionID)
	}
}

// Viewers 会话当前的浏览器连接数
func (h *Hub) Viewers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.viewers[sessionID])
}

// Broadcast 发送给会话的全部浏览器；返回送达的连接数。慢连接丢消息。
func (h *Hub) Broadcast(sessionID string, p Push) int {
	p.SessionID = sessionID
	data, err := json.Marshal(p)
	if err != nil {
		h.logger.Printf("[Hub] marshal push failed: %v", err)
		return 0
	}

	h.mu.RLock()
	targets := make([]*viewer, 0, len(h.viewers[sessionID]))
	for v := range h.viewers[sessionID] {
		targets = append(targets, v)
	}
	h.mu.RUnlock()

	sent := 0
	for _, v := range targets {
		select {
		case v.send <- data:
			sent++
		case <-v.done:
		default:
			h.logger.Printf("[Hub] ⚠️  Viewer too slow, dropping %s push: session=%s", p.Type, sessionID)
		}
	}
	return sent
}

// PublishState 推送状态快照
func (h *Hub) PublishState(state model.UIState) {
	h.Broadcast(state.SessionID, Push{Type: PushState, State: &state})
}

// Renderer 会话维度的渲染服务，交给 Controller 作为 Typesetter / ChartRenderer
func (h *Hub) Renderer(sessionID string) *Renderer {
	return &Renderer{hub: h, sessionID: sessionID}
}

// Renderer 把排版与图表请求转成浏览器指令
type Renderer struct {
	hub       *Hub
	sessionID string
}

func (r *Renderer) Typeset(ctx context.Context, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.hub.Broadcast(r.sessionID, Push{Type: PushTypeset, Content: content}) == 0 {
		return ErrNoViewer
	}
	return nil
}

func (r *Renderer) Render(ctx context.Context, config json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.hub.Broadcast(r.sessionID, Push{Type: PushChart, Config: config}) == 0 {
		return ErrNoViewer
	}
	return nil
}
