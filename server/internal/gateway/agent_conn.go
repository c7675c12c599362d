package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"talentbud/server/internal/logging"
	"talentbud/server/internal/model"
)

var ErrSessionActive = errors.New("agent session already active")

// Handler 接收传输层回调，session.Controller 实现了它。
// 同一条连接上的回调都在读取协程里按到达顺序串行调用。
type Handler interface {
	OnConnected()
	OnMessage(id, text string, source model.MessageSource)
	OnSpeaking(speaking bool)
	OnError(err error)
	OnDisconnected()
	OnReconnecting(attempt int)
	OnReconnected()
	OnReconnectFailed(err error)
}

// URLProvider 返回一次性的 Agent 会话地址，每次拨号都会重新调用。
type URLProvider func(ctx context.Context) (string, error)

// AgentConfig 传输层配置
type AgentConfig struct {
	URLProvider URLProvider
	Candidate   CandidateContext

	// ReconnectAttempts 为 0 表示不自动重连。
	ReconnectAttempts int
	// ReconnectTimeout 是单次重连拨号的超时。
	ReconnectTimeout time.Duration
	HandshakeTimeout time.Duration
	PingInterval     time.Duration

	Logger zerolog.Logger
}

// AgentConn 维护后端↔对话 Agent 的 WebSocket 连接
// 职责：
// 1. StartSession 异步拨号并发送候选人上下文
// 2. 把转写/发言/说话状态翻译成 Handler 回调
// 3. 连接意外断开时按策略自动重连
// EndSession 之后的回调全部丢弃；之后可以再次 StartSession。
type AgentConn struct {
	cfg     AgentConfig
	handler Handler
	logger  zerolog.Logger

	mu   sync.Mutex
	live *agentSession

	speaking atomic.Bool

	// backoff 返回第 n 次重连前的等待时间
	backoff func(attempt int) time.Duration
}

// agentSession 是一次 StartSession 到 EndSession 之间的连接代
type agentSession struct {
	ctx    context.Context
	cancel context.CancelFunc
	ended  atomic.Bool

	connMu sync.Mutex
	conn   *websocket.Conn

	conversationID string
}

func NewAgentConn(cfg AgentConfig, handler Handler) *AgentConn {
	if cfg.ReconnectAttempts < 0 {
		cfg.ReconnectAttempts = 0
	}
	if cfg.ReconnectTimeout <= 0 {
		cfg.ReconnectTimeout = 10 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 15 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	return &AgentConn{
		cfg:     cfg,
		handler: handler,
		logger:  cfg.Logger.With().Str("component", "agent_conn").Logger(),
		backoff: defaultBackoff,
	}
}

func defaultBackoff(attempt int) time.Duration {
	d := time.Duration(attempt) * 500 * time.Millisecond
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}

// StartSession 启动一代新连接，不等待拨号结果。
// 成功调用 OnConnected，失败调用 OnError。
func (a *AgentConn) StartSession(ctx context.Context) error {
	if a.cfg.URLProvider == nil {
		return errors.New("agent url provider not configured")
	}

	a.mu.Lock()
	if a.live != nil {
		a.mu.Unlock()
		return ErrSessionActive
	}
	// 连接生命周期由 EndSession 决定，不跟随发起请求的 ctx 取消。
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &agentSession{ctx: sctx, cancel: cancel}
	a.live = s
	a.mu.Unlock()

	go a.run(s)
	return nil
}

// EndSession 关闭当前连接代。可重复调用。
func (a *AgentConn) EndSession() error {
	a.mu.Lock()
	s := a.live
	a.live = nil
	a.mu.Unlock()

	if s == nil {
		return nil
	}
	s.ended.Store(true)
	a.speaking.Store(false)
	s.cancel()
	return s.closeConn()
}

// IsSpeaking 返回 AI 是否正在说话
func (a *AgentConn) IsSpeaking() bool {
	return a.speaking.Load()
}

// run 是一代连接的生命周期：拨号 → 读取 → 断线重连 → 结束
func (a *AgentConn) run(s *agentSession) {
	conn, err := a.dial(s.ctx, a.cfg.HandshakeTimeout)
	if err != nil {
		a.finish(s)
		a.emit(s, func() { a.handler.OnError(err) })
		return
	}
	if !s.setConn(conn) {
		return
	}
	a.logger.Info().Msg("agent session connected")
	a.emit(s, a.handler.OnConnected)

	for {
		err := a.readLoop(s, conn)
		a.setSpeaking(s, false)
		if s.ended.Load() {
			return
		}

		a.logger.Warn().Err(err).Msg("agent connection lost")
		a.emit(s, a.handler.OnDisconnected)
		s.closeConn()

		conn, err = a.reconnect(s)
		if err != nil {
			a.finish(s)
			a.emit(s, func() { a.handler.OnReconnectFailed(err) })
			return
		}
		if !s.setConn(conn) {
			return
		}
		a.logger.Info().Msg("agent session reconnected")
		a.emit(s, a.handler.OnReconnected)
	}
}

// reconnect 按配置的次数重试拨号，每次拨号有独立的超时
func (a *AgentConn) reconnect(s *agentSession) (*websocket.Conn, error) {
	attempts := a.cfg.ReconnectAttempts
	if attempts == 0 {
		return nil, errors.New("reconnect disabled")
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		a.emit(s, func() { a.handler.OnReconnecting(attempt) })

		select {
		case <-s.ctx.Done():
			return nil, s.ctx.Err()
		case <-time.After(a.backoff(attempt)):
		}

		conn, err := a.dial(s.ctx, a.cfg.ReconnectTimeout)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		a.logger.Warn().Err(err).Int("attempt", attempt).Msg("agent reconnect attempt failed")
	}
	return nil, fmt.Errorf("reconnect failed after %d attempts: %w", attempts, lastErr)
}

// dial 获取签名地址、建立连接并发送第一帧候选人上下文
func (a *AgentConn) dial(ctx context.Context, timeout time.Duration) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url, err := a.cfg.URLProvider(dialCtx)
	if err != nil {
		return nil, fmt.Errorf("get agent url: %w", err)
	}

	a.logger.Debug().Str("url", logging.Redact(url)).Msg("dialing agent")

	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, resp, err := dialer.DialContext(dialCtx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial agent: status=%d err=%w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial agent: %w", err)
	}

	if err := conn.WriteJSON(a.cfg.Candidate.initiation()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send initiation data: %w", err)
	}
	return conn, nil
}

// readLoop 读取 Agent 事件直到连接出错
func (a *AgentConn) readLoop(s *agentSession, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go a.pingLoop(s, done)

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if err := a.handleEvent(s, data); err != nil {
			a.logger.Debug().Err(err).Msg("handle agent event")
		}
	}
}

// handleEvent 把 Agent 事件翻译成回调
func (a *AgentConn) handleEvent(s *agentSession, data []byte) error {
	ev, err := decodeAgentEvent(data)
	if err != nil {
		return fmt.Errorf("unmarshal agent event: %w", err)
	}

	switch ev.Type {
	case AgentEventInitMetadata:
		if ev.InitMetadata != nil {
			s.conversationID = ev.InitMetadata.ConversationID
			a.logger.Info().Str("conversation_id", s.conversationID).Msg("agent conversation started")
		}

	case AgentEventUserTranscript:
		if ev.UserTranscription == nil {
			return errors.New("user_transcript without payload")
		}
		a.setSpeaking(s, false)
		id := s.messageID("user", ev.UserTranscription.EventID)
		a.emit(s, func() { a.handler.OnMessage(id, ev.UserTranscription.UserTranscript, model.SourceCandidate) })

	case AgentEventAgentResponse:
		if ev.AgentResponseEvent == nil {
			return errors.New("agent_response without payload")
		}
		id := s.messageID("agent", ev.AgentResponseEvent.EventID)
		a.emit(s, func() { a.handler.OnMessage(id, ev.AgentResponseEvent.AgentResponse, model.SourceAssistant) })

	case AgentEventAudio:
		a.setSpeaking(s, true)

	case AgentEventResponseEnd, AgentEventInterruption:
		a.setSpeaking(s, false)

	case AgentEventPing:
		if ev.PingEvent == nil {
			return nil
		}
		return s.writeJSON(PongMessage{Type: "pong", EventID: ev.PingEvent.EventID})

	case AgentEventError:
		msg := ev.Message
		if msg == "" {
			msg = "unknown agent error"
		}
		a.emit(s, func() { a.handler.OnError(fmt.Errorf("agent error: %s", msg)) })

	default:
		a.logger.Debug().Str("type", string(ev.Type)).Msg("ignore agent event")
	}
	return nil
}

// pingLoop 定期发送 WebSocket ping 保持连接
func (a *AgentConn) pingLoop(s *agentSession, done <-chan struct{}) {
	ticker := time.NewTicker(a.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.connMu.Lock()
			if s.conn != nil {
				_ = s.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(5*time.Second))
			}
			s.connMu.Unlock()
		}
	}
}

func (a *AgentConn) setSpeaking(s *agentSession, speaking bool) {
	if a.speaking.Swap(speaking) != speaking {
		a.emit(s, func() { a.handler.OnSpeaking(speaking) })
	}
}

// emit 只在本代连接仍然有效时调用回调
func (a *AgentConn) emit(s *agentSession, fn func()) {
	if s.ended.Load() {
		return
	}
	fn()
}

// finish 在连接代自行结束（拨号失败、重连耗尽）时释放槽位
func (a *AgentConn) finish(s *agentSession) {
	a.mu.Lock()
	if a.live == s {
		a.live = nil
	}
	a.mu.Unlock()
	s.cancel()
	s.closeConn()
}

// setConn 返回 false 表示这一代已经结束，新连接被立即关闭
func (s *agentSession) setConn(conn *websocket.Conn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.ended.Load() {
		conn.Close()
		return false
	}
	s.conn = conn
	return true
}

func (s *agentSession) writeJSON(v interface{}) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return errors.New("agent connection is closed")
	}
	return s.conn.WriteJSON(v)
}

func (s *agentSession) closeConn() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.conn == nil {
		return nil
	}
	// 发送关闭消息
	_ = s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	err := s.conn.Close()
	s.conn = nil
	return err
}

// messageID 用会话 ID 和事件序号拼出稳定 ID，让重复送达可以被去重
func (s *agentSession) messageID(kind string, eventID int64) string {
	if eventID > 0 && s.conversationID != "" {
		return fmt.Sprintf("%s:%s:%d", s.conversationID, kind, eventID)
	}
	return uuid.NewString()
}
