package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"talentbud/server/internal/auth"
	"talentbud/server/internal/checkpoint"
	"talentbud/server/internal/config"
	"talentbud/server/internal/gateway"
	"talentbud/server/internal/interview"
	"talentbud/server/internal/logging"
	"talentbud/server/internal/model"
	"talentbud/server/internal/session"
)

const maxFieldLen = 200

// Dependencies 是 Server 需要的全部协作者，由 cmd 组装。
type Dependencies struct {
	Config   *config.Config
	Store    interview.Store
	Matcher  *checkpoint.Matcher
	Tokens   *auth.TokenManager
	Executor session.Executor
	Registry *session.Registry
	// AgentURL 为每次拨号签发 Agent 会话地址
	AgentURL gateway.URLProvider
	Logger   zerolog.Logger
}

type Server struct {
	config   *config.Config
	store    interview.Store
	matcher  *checkpoint.Matcher
	tokens   *auth.TokenManager
	exec     session.Executor
	registry *session.Registry
	agentURL gateway.URLProvider
	logger   zerolog.Logger
	now      func() time.Time

	// WebSocket upgrader
	upgrader websocket.Upgrader
}

func NewServer(deps Dependencies) (*Server, error) {
	if deps.Config == nil || deps.Store == nil || deps.Matcher == nil || deps.Tokens == nil {
		return nil, errors.New("config, store, matcher and tokens are required")
	}
	if deps.Executor == nil || deps.Registry == nil || deps.AgentURL == nil {
		return nil, errors.New("executor, registry and agent url provider are required")
	}

	s := &Server{
		config:   deps.Config,
		store:    deps.Store,
		matcher:  deps.Matcher,
		tokens:   deps.Tokens,
		exec:     deps.Executor,
		registry: deps.Registry,
		agentURL: deps.AgentURL,
		logger:   deps.Logger.With().Str("component", "api").Logger(),
		now:      time.Now,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return s.originAllowed(r.Header.Get("Origin"))
		},
	}
	return s, nil
}

func (s *Server) Routes() http.Handler {
	// Gin 统一承载中间件与路由，便于扩展日志/鉴权/限流等能力。
	engine := gin.New()
	engine.Use(gin.Recovery(), logging.GinMiddleware(s.logger), s.corsMiddleware())
	engine.GET("/healthz", s.handleHealthz)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := engine.Group("/api")
	api.GET("/checkpoints", s.handleCheckpoints)
	api.POST("/interviews", s.handleCreateInterview)
	api.GET("/interviews/:id", s.handleGetInterview)
	api.GET("/interviews/:id/messages", s.handleListMessages)
	api.POST("/interviews/:id/token", s.handleStreamToken)
	api.GET("/interviews/:id/stream", s.handleStream)
	return engine
}

// handleHealthz 返回服务健康状态。
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "active_sessions": s.registry.Len()})
}

// handleCheckpoints 返回检查点目录。
func (s *Server) handleCheckpoints(c *gin.Context) {
	c.JSON(http.StatusOK, s.matcher.Checkpoints())
}

// handleCreateInterview 创建一条 ready 状态的面试记录。
func (s *Server) handleCreateInterview(c *gin.Context) {
	var req model.CreateInterviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	req.CandidateName = strings.TrimSpace(req.CandidateName)
	req.Role = strings.TrimSpace(req.Role)
	if req.CandidateName == "" || req.Role == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "candidate_name and role required"})
		return
	}
	if len(req.CandidateName) > maxFieldLen || len(req.Role) > maxFieldLen {
		c.JSON(http.StatusBadRequest, gin.H{"error": "candidate_name or role too long"})
		return
	}

	first, _ := s.matcher.Checkpoint(1)
	now := s.now()
	iv := model.Interview{
		ID:              ulid.Make().String(),
		OrganizationID:  strings.TrimSpace(req.OrganizationID),
		CandidateName:   req.CandidateName,
		Role:            req.Role,
		Status:          model.InterviewReady,
		CheckpointIndex: 1,
		CheckpointID:    first.ID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.Create(c.Request.Context(), &iv); err != nil {
		s.logger.Error().Err(err).Msg("create interview")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create interview failed"})
		return
	}

	c.JSON(http.StatusCreated, iv)
}

// handleGetInterview 返回面试记录、已持久化消息以及活跃会话快照。
func (s *Server) handleGetInterview(c *gin.Context) {
	iv, ok := s.loadInterview(c)
	if !ok {
		return
	}
	msgs, err := s.store.ListMessages(c.Request.Context(), iv.ID)
	if err != nil {
		s.logger.Error().Err(err).Str("interview_id", iv.ID).Msg("list messages")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load messages failed"})
		return
	}

	resp := model.InterviewResponse{Interview: *iv, Messages: msgs}
	if ctrl, err := s.registry.Get(iv.ID); err == nil {
		snap := ctrl.Snapshot()
		resp.Live = &snap
	}
	c.JSON(http.StatusOK, resp)
}

// handleListMessages 按写入顺序返回持久化的消息。
func (s *Server) handleListMessages(c *gin.Context) {
	iv, ok := s.loadInterview(c)
	if !ok {
		return
	}
	msgs, err := s.store.ListMessages(c.Request.Context(), iv.ID)
	if err != nil {
		s.logger.Error().Err(err).Str("interview_id", iv.ID).Msg("list messages")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load messages failed"})
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	c.JSON(http.StatusOK, msgs)
}

// handleStreamToken 签发会话流令牌，浏览器凭它打开 WebSocket。
func (s *Server) handleStreamToken(c *gin.Context) {
	iv, ok := s.loadFreshInterview(c)
	if !ok {
		return
	}
	if iv.Status == model.InterviewDone {
		c.JSON(http.StatusConflict, gin.H{"error": "interview already ended"})
		return
	}

	token, exp, err := s.tokens.Mint(iv.ID, iv.CandidateName)
	if err != nil {
		// 这里记录详细错误到服务端日志，返回给前端的错误保持简洁。
		s.logger.Error().Err(err).Msg("mint stream token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create stream token failed"})
		return
	}

	c.JSON(http.StatusOK, model.StreamTokenResponse{
		Token:     token,
		StreamURL: s.streamURL(c.Request, iv.ID, token),
		ExpiresAt: exp.Unix(),
	})
}

// handleStream 升级为 WebSocket，创建会话控制器并把浏览器动作交给它。
func (s *Server) handleStream(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.tokens.Verify(bearerToken(c), id); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	iv, ok := s.loadFreshInterview(c)
	if !ok {
		return
	}
	if iv.Status == model.InterviewDone {
		c.JSON(http.StatusConflict, gin.H{"error": "interview already ended"})
		return
	}

	history, err := s.store.ListMessages(c.Request.Context(), id)
	if err != nil {
		s.logger.Error().Err(err).Str("interview_id", id).Msg("load history")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load messages failed"})
		return
	}

	ctrl, err := s.registry.Open(id, func() (*session.Controller, error) {
		return s.newController(iv, history)
	})
	if err != nil {
		if errors.Is(err, session.ErrAlreadyOpen) {
			c.JSON(http.StatusConflict, gin.H{"error": "interview already open in another window"})
			return
		}
		if errors.Is(err, session.ErrClosed) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server shutting down"})
			return
		}
		s.logger.Error().Err(err).Str("interview_id", id).Msg("create session controller")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create session failed"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("upgrade websocket")
		s.registry.Remove(id)
		return
	}

	stream := gateway.NewClientStream(id, conn, s.config.Transport.PingInterval, s.logger)
	ctrl.SetListener(stream.SendSnapshot)
	ctrl.SetNavigator(stream)

	// 清理：浏览器离开即挂起会话，之后可以从 paused 恢复
	defer func() {
		ctrl.SetListener(nil)
		ctrl.SetNavigator(nil)
		ctrl.Suspend()
		s.registry.Remove(id)
		s.logger.Info().Str("interview_id", id).Int("remaining", s.registry.Len()).Msg("session stream closed")
	}()

	stream.SendSnapshot(ctrl.Snapshot())
	s.logger.Info().Str("interview_id", id).Msg("session stream opened")

	// 阻塞直到连接关闭
	stream.Run(func(ctx context.Context, msg *gateway.ClientMessage) error {
		return s.dispatch(ctx, ctrl, msg)
	})
}

// dispatch 把浏览器动作映射到控制器操作
func (s *Server) dispatch(ctx context.Context, ctrl *session.Controller, msg *gateway.ClientMessage) error {
	switch msg.Action {
	case gateway.ActionStart:
		return ctrl.Start(ctx)
	case gateway.ActionPause:
		return ctrl.Pause()
	case gateway.ActionResume:
		return ctrl.Resume(ctx)
	case gateway.ActionEnd:
		return ctrl.End()
	default:
		return errors.New("unknown action")
	}
}

// newController 按面试记录构造控制器并绑定 Agent 传输层
func (s *Server) newController(iv *model.Interview, history []model.Message) (*session.Controller, error) {
	status := model.SessionReady
	// 进行中但没有活跃控制器，说明上次连接已经断开，按暂停处理。
	if iv.Status == model.InterviewPaused || iv.Status == model.InterviewInProgress {
		status = model.SessionPaused
	}

	ctrl, err := session.NewController(session.Options{
		InterviewID:       iv.ID,
		History:           history,
		InitialStatus:     status,
		InitialCheckpoint: iv.CheckpointIndex,
		Matcher:           s.matcher,
		Store:             s.store,
		Executor:          s.exec,
		Retry: session.RetryPolicy{
			Attempts:    s.config.Persistence.RetryAttempts,
			Backoff:     s.config.Persistence.RetryBackoff,
			CallTimeout: s.config.Persistence.CallTimeout,
		},
		Logger: s.logger,
	})
	if err != nil {
		return nil, err
	}

	agent := gateway.NewAgentConn(gateway.AgentConfig{
		URLProvider:       s.agentURL,
		Candidate:         gateway.CandidateContext{UserName: iv.CandidateName, Role: iv.Role},
		ReconnectAttempts: s.config.Transport.ReconnectAttempts,
		ReconnectTimeout:  s.config.Transport.ReconnectTimeout,
		HandshakeTimeout:  s.config.Transport.HandshakeTimeout,
		PingInterval:      s.config.Transport.PingInterval,
		Logger:            s.logger.With().Str("interview_id", iv.ID).Logger(),
	}, ctrl)
	ctrl.AttachTransport(agent)
	return ctrl, nil
}

// freshReader 由带缓存的 Store 实现，读取时绕过缓存。
type freshReader interface {
	GetFresh(ctx context.Context, id string) (*model.Interview, error)
}

func (s *Server) loadInterview(c *gin.Context) (*model.Interview, bool) {
	return s.readInterview(c, s.store.Get)
}

// loadFreshInterview 用于要判断面试是否已结束的入口，不信任缓存。
func (s *Server) loadFreshInterview(c *gin.Context) (*model.Interview, bool) {
	if fr, ok := s.store.(freshReader); ok {
		return s.readInterview(c, fr.GetFresh)
	}
	return s.loadInterview(c)
}

func (s *Server) readInterview(c *gin.Context, get func(context.Context, string) (*model.Interview, error)) (*model.Interview, bool) {
	iv, err := get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, interview.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "interview not found"})
			return nil, false
		}
		s.logger.Error().Err(err).Str("interview_id", c.Param("id")).Msg("load interview")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load interview failed"})
		return nil, false
	}
	return iv, true
}

// streamURL 拼接会话流地址；配置了 PublicURL 时以它为准
func (s *Server) streamURL(r *http.Request, id, token string) string {
	base := strings.TrimRight(s.config.Server.PublicURL, "/")
	if base == "" {
		scheme := "http"
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			scheme = "https"
		}
		base = scheme + "://" + r.Host
	}
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/api/interviews/" + url.PathEscape(id) + "/stream?token=" + url.QueryEscape(token)
}

// bearerToken 优先读取查询参数（浏览器 WebSocket 无法设置请求头）
func bearerToken(c *gin.Context) string {
	if tok := c.Query("token"); tok != "" {
		return tok
	}
	return strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
}

// originAllowed 空 Origin（非浏览器客户端）放行；否则按白名单匹配，"*" 表示全部放行
func (s *Server) originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	for _, allowed := range s.config.Server.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && s.originAllowed(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
