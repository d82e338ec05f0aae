package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"homework-live/server/internal/config"
	"homework-live/server/internal/metrics"
	"homework-live/server/internal/orchestrator"
	"homework-live/server/internal/realtime"
	"homework-live/server/internal/session"
	"homework-live/server/internal/transport"
)

// SessionFactory 为 sessionID 组装传输与控制器（此时不连接）
type SessionFactory func(sessionID string, renderer *Renderer) (*orchestrator.Controller, error)

// TokenIssuer Live API token 签发
type TokenIssuer interface {
	CreateEphemeralToken(ctx context.Context) (realtime.Token, error)
}

type Server struct {
	config     *config.Config
	registry   *session.Registry[*orchestrator.Controller]
	newSession SessionFactory
	hub        *Hub
	tokens     TokenIssuer
	snapshots  session.Store
	metrics    *metrics.Metrics
	logger     *log.Logger
	upgrader   websocket.Upgrader

	// startTimeout 后台连接后端的超时
	startTimeout time.Duration
}

// Option 可选依赖
type Option func(*Server)

// WithTokenIssuer 未设置时 /api/live/token 返回 503
func WithTokenIssuer(t TokenIssuer) Option {
	return func(s *Server) { s.tokens = t }
}

// WithSnapshots 会话结束后 state 接口回落到最后一份快照
func WithSnapshots(store session.Store) Option {
	return func(s *Server) { s.snapshots = store }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

func WithLogger(l *log.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewServer(cfg *config.Config, registry *session.Registry[*orchestrator.Controller], hub *Hub, factory SessionFactory, opts ...Option) *Server {
	s := &Server{
		config:       cfg,
		registry:     registry,
		newSession:   factory,
		hub:          hub,
		logger:       log.Default(),
		startTimeout: cfg.Backend.ConnectTimeout + 5*time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(cfg.Server.AllowedOrigins, origin)
		},
	}
	return s
}

// Routes 注册全部路由
func (s *Server) Routes() http.Handler {
	engine := gin.New()
	engine.Use(gin.Logger(), gin.Recovery(), s.metricsMiddleware())
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     s.config.Server.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
	}))

	engine.GET("/healthz", s.handleHealthz)
	if s.metrics != nil {
		engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	api := engine.Group("/api")
	{
		api.POST("/sessions", s.handleCreateSession)
		api.GET("/sessions/:id/state", s.handleState)
		api.GET("/sessions/:id/history", s.handleHistory)
		api.POST("/sessions/:id/recording/start", s.handleStartRecording)
		api.POST("/sessions/:id/recording/stop", s.handleStopRecording)
		api.POST("/sessions/:id/interrupt", s.handleInterrupt)
		api.POST("/sessions/:id/retry", s.handleRetry)
		api.DELETE("/sessions/:id", s.handleDeleteSession)
		api.GET("/sessions/:id/stream", s.handleStream)
		api.POST("/live/token", s.handleLiveToken)
	}
	return engine
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.RecordHTTPRequest(c.Request.Method, route, strconv.Itoa(c.Writer.Status()))
	}
}

// handleHealthz 返回服务健康状态。
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": len(s.registry.IDs())})
}

type createSessionRequest struct {
	SessionID string `json:"session_id"`
}

// handleCreateSession 创建会话并在后台连接后端。
// 同一 session_id 已有活跃会话时返回 409。
func (s *Server) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
	}
	id := req.SessionID
	if id == "" {
		id = uuid.NewString()
	}

	ctrl, err := s.registry.Acquire(id, func() (*orchestrator.Controller, error) {
		return s.newSession(id, s.hub.Renderer(id))
	})
	if err != nil {
		if errors.Is(err, session.ErrAlreadyActive) {
			c.JSON(http.StatusConflict, gin.H{"error": "session already active"})
			return
		}
		s.logger.Printf("[API] ❌ Failed to create session %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create session failed"})
		return
	}
	ctrl.Subscribe(s.hub.PublishState)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.startTimeout)
		defer cancel()
		if err := ctrl.Start(ctx); err != nil {
			s.logger.Printf("[API] ⚠️  Session %s failed to connect: %v", id, err)
		}
	}()

	s.logger.Printf("[API] ✅ Session created: %s", id)
	c.JSON(http.StatusCreated, gin.H{
		"session_id": id,
		"view_url":   s.config.ViewURL(id),
		"state":      ctrl.Snapshot(),
	})
}

// controller 取活跃会话；不存在时已写好 404
func (s *Server) controller(c *gin.Context) (*orchestrator.Controller, bool) {
	ctrl, err := s.registry.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return nil, false
	}
	return ctrl, true
}

func (s *Server) handleState(c *gin.Context) {
	id := c.Param("id")
	ctrl, err := s.registry.Get(id)
	if err == nil {
		c.JSON(http.StatusOK, gin.H{"state": ctrl.Snapshot(), "queue": ctrl.QueueStats(), "active": true})
		return
	}
	if s.snapshots != nil {
		if snap, err := s.snapshots.Get(c.Request.Context(), id); err == nil {
			c.JSON(http.StatusOK, gin.H{"state": snap, "active": false})
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
}

func (s *Server) handleHistory(c *gin.Context) {
	ctrl, ok := s.controller(c)
	if !ok {
		return
	}
	entries, err := ctrl.History(c.Request.Context())
	if err != nil {
		s.logger.Printf("[API] load history failed: session=%s err=%v", ctrl.SessionID(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load history failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": ctrl.SessionID(), "history": entries})
}

func (s *Server) handleStartRecording(c *gin.Context) {
	ctrl, ok := s.controller(c)
	if !ok {
		return
	}
	if err := ctrl.StartRecording(c.Request.Context()); err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error(), "state": ctrl.Snapshot()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": ctrl.Snapshot()})
}

func (s *Server) handleStopRecording(c *gin.Context) {
	ctrl, ok := s.controller(c)
	if !ok {
		return
	}
	ctrl.StopRecording(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"state": ctrl.Snapshot()})
}

func (s *Server) handleInterrupt(c *gin.Context) {
	ctrl, ok := s.controller(c)
	if !ok {
		return
	}
	ctrl.Interrupt()
	c.JSON(http.StatusOK, gin.H{"state": ctrl.Snapshot()})
}

func (s *Server) handleRetry(c *gin.Context) {
	ctrl, ok := s.controller(c)
	if !ok {
		return
	}
	if err := ctrl.Retry(c.Request.Context()); err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error(), "state": ctrl.Snapshot()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": ctrl.Snapshot()})
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	id := c.Param("id")
	if err := s.registry.Release(id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		s.logger.Printf("[API] close session %s: %v", id, err)
	}
	c.Status(http.StatusNoContent)
}

// statusForError 会话错误 -> HTTP 状态码
func statusForError(err error) int {
	switch {
	case errors.Is(err, transport.ErrInvalidState), errors.Is(err, transport.ErrConnectionRejected):
		return http.StatusConflict
	case errors.Is(err, transport.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, transport.ErrDeviceNotFound):
		return http.StatusUnprocessableEntity
	case errors.Is(err, orchestrator.ErrControllerClosed):
		return http.StatusGone
	case errors.Is(err, transport.ErrConnection):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// viewerCommand 浏览器 -> 服务端
type viewerCommand struct {
	Type string `json:"type"`
}

// handleStream 浏览器页面的推送通道；也接受简单的控制指令
func (s *Server) handleStream(c *gin.Context) {
	ctrl, ok := s.controller(c)
	if !ok {
		return
	}
	sessionID := ctrl.SessionID()

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Printf("[API] ❌ Failed to upgrade websocket: %v", err)
		return
	}
	_, detach := s.hub.attach(sessionID, conn)
	defer detach()

	// 连接后先推一份完整状态
	snap := ctrl.Snapshot()
	s.hub.PublishState(snap)

	for {
		var cmd viewerCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Printf("[API] viewer read error: session=%s err=%v", sessionID, err)
			}
			return
		}
		s.handleViewerCommand(ctrl, cmd)
	}
}

func (s *Server) handleViewerCommand(ctrl *orchestrator.Controller, cmd viewerCommand) {
	ctx, cancel := context.WithTimeout(context.Background(), s.startTimeout)
	defer cancel()

	var err error
	switch cmd.Type {
	case "start_recording":
		err = ctrl.StartRecording(ctx)
	case "stop_recording":
		ctrl.StopRecording(ctx)
	case "interrupt":
		ctrl.Interrupt()
	case "retry":
		err = ctrl.Retry(ctx)
	default:
		s.logger.Printf("[API] unknown viewer command %q", cmd.Type)
		return
	}
	if err != nil {
		s.logger.Printf("[API] viewer command %s failed: session=%s err=%v", cmd.Type, ctrl.SessionID(), err)
	}
}

// handleLiveToken 签发 Live API 的短期 token，服务端 API Key 不出本进程。
func (s *Server) handleLiveToken(c *gin.Context) {
	if s.tokens == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "live token issuing is not configured"})
		return
	}
	tok, err := s.tokens.CreateEphemeralToken(c.Request.Context())
	if err != nil {
		// 详细错误只进日志
		s.logger.Printf("[API] create live token failed: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "create live token failed"})
		return
	}
	c.JSON(http.StatusOK, tok)
}
