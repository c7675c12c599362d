package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

var (
	ErrQueueFull = errors.New("worker queue full")
	ErrStopped   = errors.New("worker pool stopped")
)

// Task 是提交给池的异步任务。
type Task func(ctx context.Context) error

// Pool 是一个固定并发的任务池，用于 fire-and-forget 的持久化调用。
// Submit 不阻塞：队列满时直接拒绝，由调用方决定如何提示。
type Pool struct {
	wg      sync.WaitGroup
	jobs    chan Task
	quit    chan struct{}
	n       int
	logger  zerolog.Logger
	mu      sync.RWMutex
	stopped bool
}

func NewPool(workers, queueSize int, logger zerolog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers * 4
	}
	return &Pool{
		jobs:   make(chan Task, queueSize),
		quit:   make(chan struct{}),
		n:      workers,
		logger: logger.With().Str("component", "worker_pool").Logger(),
	}
}

// Start 启动 worker；ctx 取消或 Stop 后退出。
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.n; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-p.quit:
					p.drain(ctx, id)
					return
				case task := <-p.jobs:
					p.run(ctx, id, task)
				}
			}
		}(i)
	}
}

// drain 在停止时把已排队的任务执行完，避免丢掉已确认提交的写入。
func (p *Pool) drain(ctx context.Context, id int) {
	for {
		select {
		case task := <-p.jobs:
			p.run(ctx, id, task)
		default:
			return
		}
	}
}

func (p *Pool) run(ctx context.Context, id int, task Task) {
	if task == nil {
		return
	}
	if err := task(ctx); err != nil {
		p.logger.Debug().Int("worker", id).Err(err).Msg("task error")
	}
}

// Stop 停止接收新任务并等待已排队任务完成。
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.quit)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) Submit(task Task) error {
	if task == nil {
		return errors.New("nil task")
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.jobs <- task:
		return nil
	default:
		return ErrQueueFull
	}
}
