package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"talentbud/server/internal/model"
)

// ActionHandler 处理浏览器发来的用户动作
// 返回error会以 error 帧回给浏览器，连接保持不断
type ActionHandler func(ctx context.Context, msg *ClientMessage) error

// ClientStream 维护浏览器↔后端的会话通道
// 职责：
// 1. 读取用户动作（start/pause/resume/end）并交给 ActionHandler
// 2. 通过 EventQueue 串行下发快照与导航帧
// 3. 心跳保活
type ClientStream struct {
	interviewID string

	conn     *websocket.Conn
	connLock sync.Mutex

	queue *EventQueue
	seq   atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeChan chan struct{}

	pingInterval time.Duration
	writeTimeout time.Duration
	logger       zerolog.Logger
}

func NewClientStream(interviewID string, conn *websocket.Conn, pingInterval time.Duration, logger zerolog.Logger) *ClientStream {
	ctx, cancel := context.WithCancel(context.Background())
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}

	cs := &ClientStream{
		interviewID:  interviewID,
		conn:         conn,
		ctx:          ctx,
		cancel:       cancel,
		closeChan:    make(chan struct{}),
		pingInterval: pingInterval,
		writeTimeout: 10 * time.Second,
		logger:       logger.With().Str("component", "client_stream").Str("interview_id", interviewID).Logger(),
	}
	cs.queue = NewEventQueue(interviewID, cs.writeFrame, logger)
	return cs
}

// Run 阻塞读取浏览器消息直到连接关闭
func (cs *ClientStream) Run(handler ActionHandler) {
	defer cs.Close()
	go cs.pingLoop()

	for {
		messageType, data, err := cs.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				cs.logger.Debug().Err(err).Msg("client read error")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		if err := cs.handleClientMessage(data, handler); err != nil {
			cs.logger.Info().Err(err).Msg("client action rejected")
			// 发送错误给客户端，但不断开连接
			_ = cs.SendError(err.Error())
		}
	}
}

func (cs *ClientStream) handleClientMessage(data []byte, handler ActionHandler) error {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("unmarshal client message: %w", err)
	}

	switch msg.Action {
	case ActionStart, ActionPause, ActionResume, ActionEnd:
	default:
		return fmt.Errorf("unknown action %q", msg.Action)
	}

	cs.logger.Debug().Str("action", string(msg.Action)).Str("event_id", msg.EventID).Msg("client action")

	ctx, cancel := context.WithTimeout(cs.ctx, 10*time.Second)
	defer cancel()
	return handler(ctx, &msg)
}

// SendSnapshot 下发一份会话快照，可作为控制器的监听器
func (cs *ClientStream) SendSnapshot(snap model.Snapshot) {
	if err := cs.queue.Enqueue(&ServerFrame{Type: FrameSnapshot, Snapshot: &snap}); err != nil && !errors.Is(err, ErrQueueClosed) {
		cs.logger.Warn().Err(err).Msg("drop snapshot")
	}
}

// Navigate 通知浏览器离开面试页面，等待帧写出后返回
func (cs *ClientStream) Navigate(interviewID string) {
	err := cs.queue.EnqueueSync(&ServerFrame{Type: FrameNavigate, InterviewID: interviewID}, 5*time.Second)
	if err != nil {
		cs.logger.Warn().Err(err).Msg("send navigate frame")
	}
}

// SendError 下发错误帧
func (cs *ClientStream) SendError(msg string) error {
	return cs.queue.Enqueue(&ServerFrame{Type: FrameError, Error: msg})
}

// writeFrame 是 EventQueue 的处理器，唯一写数据帧的地方
func (cs *ClientStream) writeFrame(_ context.Context, frame *ServerFrame) error {
	frame.Seq = cs.seq.Add(1)
	if frame.ServerTS.IsZero() {
		frame.ServerTS = time.Now()
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal server frame: %w", err)
	}

	cs.connLock.Lock()
	defer cs.connLock.Unlock()

	if cs.conn == nil {
		return errors.New("client connection is closed")
	}
	_ = cs.conn.SetWriteDeadline(time.Now().Add(cs.writeTimeout))
	if err := cs.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write to client: %w", err)
	}
	return nil
}

// pingLoop 定期发送ping保持连接
func (cs *ClientStream) pingLoop() {
	ticker := time.NewTicker(cs.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cs.closeChan:
			return
		case <-ticker.C:
			cs.connLock.Lock()
			if cs.conn != nil {
				_ = cs.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(5*time.Second))
			}
			cs.connLock.Unlock()
		}
	}
}

// Close 关闭会话流。不影响控制器与 Agent 连接，浏览器可以重新接入。
func (cs *ClientStream) Close() error {
	var closeErr error

	cs.closeOnce.Do(func() {
		cs.cancel()
		close(cs.closeChan)
		_ = cs.queue.Close()

		cs.connLock.Lock()
		defer cs.connLock.Unlock()
		if cs.conn == nil {
			return
		}
		_ = cs.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		closeErr = cs.conn.Close()
		cs.conn = nil
	})

	return closeErr
}
