package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrQueueClosed = errors.New("event queue closed")
	ErrQueueFull   = errors.New("event queue full")
)

// FrameHandler 处理出队的帧，通常是写回浏览器连接
type FrameHandler func(ctx context.Context, frame *ServerFrame) error

// EventQueue 为单个会话流提供串行的下行帧处理（Actor Model）
// 解决问题：
// 1. 控制器在任意 goroutine 发布快照，写连接必须串行
// 2. 保证快照顺序，慢客户端不阻塞控制器
type EventQueue struct {
	interviewID string
	handler     FrameHandler
	eventChan   chan *queuedFrame
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	closeOnce   sync.Once
	logger      zerolog.Logger

	// 统计信息
	mu              sync.Mutex
	totalEvents     int64
	processedEvents int64
	droppedEvents   int64
}

type queuedFrame struct {
	frame     *ServerFrame
	timestamp time.Time
	resultCh  chan error // 用于同步等待结果（可选）
}

// QueueStats 是队列的统计快照
type QueueStats struct {
	Total     int64
	Processed int64
	Dropped   int64
	Pending   int
	Capacity  int
}

const (
	// 队列容量：超过此值的帧将被丢弃（背压控制）
	defaultQueueCapacity = 100
	// 单帧处理超时
	defaultEventTimeout = 10 * time.Second
)

// NewEventQueue 创建事件队列并启动处理协程
func NewEventQueue(interviewID string, handler FrameHandler, logger zerolog.Logger) *EventQueue {
	ctx, cancel := context.WithCancel(context.Background())

	eq := &EventQueue{
		interviewID: interviewID,
		handler:     handler,
		eventChan:   make(chan *queuedFrame, defaultQueueCapacity),
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger.With().Str("component", "event_queue").Str("interview_id", interviewID).Logger(),
	}

	// 启动单线程处理器
	eq.wg.Add(1)
	go eq.processLoop()

	return eq
}

// Enqueue 将帧加入队列（异步，非阻塞）
func (eq *EventQueue) Enqueue(frame *ServerFrame) error {
	select {
	case <-eq.ctx.Done():
		return ErrQueueClosed
	default:
	}

	item := &queuedFrame{frame: frame, timestamp: time.Now()}

	select {
	case eq.eventChan <- item:
		eq.mu.Lock()
		eq.totalEvents++
		eq.mu.Unlock()
		return nil
	default:
		eq.mu.Lock()
		eq.droppedEvents++
		eq.mu.Unlock()
		eq.logger.Warn().Str("type", string(frame.Type)).Msg("queue full, dropping frame")
		return ErrQueueFull
	}
}

// EnqueueSync 将帧加入队列并等待处理完成（同步）
func (eq *EventQueue) EnqueueSync(frame *ServerFrame, timeout time.Duration) error {
	select {
	case <-eq.ctx.Done():
		return ErrQueueClosed
	default:
	}

	if timeout == 0 {
		timeout = defaultEventTimeout
	}

	item := &queuedFrame{
		frame:     frame,
		timestamp: time.Now(),
		resultCh:  make(chan error, 1),
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case eq.eventChan <- item:
		eq.mu.Lock()
		eq.totalEvents++
		eq.mu.Unlock()
	case <-timer.C:
		return errors.New("timeout enqueuing frame")
	case <-eq.ctx.Done():
		return ErrQueueClosed
	}

	// 等待处理结果
	select {
	case err := <-item.resultCh:
		return err
	case <-timer.C:
		return errors.New("timeout waiting for frame processing")
	case <-eq.ctx.Done():
		return ErrQueueClosed
	}
}

// processLoop 串行处理（单线程）
func (eq *EventQueue) processLoop() {
	defer eq.wg.Done()

	for {
		select {
		case <-eq.ctx.Done():
			return
		case item := <-eq.eventChan:
			eq.process(item)
		}
	}
}

func (eq *EventQueue) process(item *queuedFrame) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(eq.ctx, defaultEventTimeout)
	defer cancel()

	err := eq.handler(ctx, item.frame)
	elapsed := time.Since(start)

	if err != nil {
		eq.logger.Debug().Err(err).Str("type", string(item.frame.Type)).Msg("frame handling failed")
	}

	eq.mu.Lock()
	eq.processedEvents++
	eq.mu.Unlock()

	// 如果是同步调用，返回结果
	if item.resultCh != nil {
		select {
		case item.resultCh <- err:
		default:
		}
	}

	// 监控：处理时间过长说明客户端写得很慢
	if elapsed > 5*time.Second {
		eq.logger.Warn().
			Str("type", string(item.frame.Type)).
			Dur("queue_latency", start.Sub(item.timestamp)).
			Dur("processing_time", elapsed).
			Msg("slow frame processing")
	}
}

// Close 关闭队列并等待处理器退出；未处理的帧直接丢弃。
func (eq *EventQueue) Close() error {
	eq.closeOnce.Do(func() {
		eq.cancel()
		eq.wg.Wait()

		stats := eq.Stats()
		eq.logger.Debug().
			Int64("total", stats.Total).
			Int64("processed", stats.Processed).
			Int64("dropped", stats.Dropped).
			Int("pending", stats.Pending).
			Msg("event queue closed")
	})
	return nil
}

// Stats 获取队列统计信息
func (eq *EventQueue) Stats() QueueStats {
	eq.mu.Lock()
	defer eq.mu.Unlock()

	return QueueStats{
		Total:     eq.totalEvents,
		Processed: eq.processedEvents,
		Dropped:   eq.droppedEvents,
		Pending:   len(eq.eventChan),
		Capacity:  cap(eq.eventChan),
	}
}
