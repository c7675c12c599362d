package session

import (
	"errors"
	"sync"

	"talentbud/server/internal/metrics"
)

var (
	ErrNotFound    = errors.New("session not found")
	ErrAlreadyOpen = errors.New("session already open")
	ErrClosed      = errors.New("session registry closed")
)

// Registry 保存进程内活跃的会话控制器，按面试 ID 索引。
// 注意：控制器绑定在单个进程的传输连接上，多实例部署需要按面试 ID 做粘性路由。
type Registry struct {
	mu     sync.RWMutex
	data   map[string]*Controller
	closed bool
}

func NewRegistry() *Registry {
	return &Registry{data: make(map[string]*Controller)}
}

// Get 根据面试 ID 获取控制器。
func (r *Registry) Get(id string) (*Controller, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.data[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

// Open 用 create 创建控制器并登记；同一面试已有活跃控制器时返回 ErrAlreadyOpen，
// CloseAll 之后返回 ErrClosed。
func (r *Registry) Open(id string, create func() (*Controller, error)) (*Controller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if _, ok := r.data[id]; ok {
		return nil, ErrAlreadyOpen
	}
	c, err := create()
	if err != nil {
		return nil, err
	}
	r.data[id] = c
	metrics.SessionOpened()
	return c, nil
}

// Remove 删除控制器。
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data[id]; ok {
		delete(r.data, id)
		metrics.SessionClosed()
	}
}

// Len 返回活跃控制器数量。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}

// CloseAll 挂起所有未完成的会话并停止接收新会话，服务关闭时调用。
// 已挂起的控制器不再接受用户动作。
func (r *Registry) CloseAll() {
	r.mu.Lock()
	r.closed = true
	controllers := make([]*Controller, 0, len(r.data))
	for id, c := range r.data {
		controllers = append(controllers, c)
		delete(r.data, id)
		metrics.SessionClosed()
	}
	r.mu.Unlock()

	for _, c := range controllers {
		c.Shutdown()
	}
}
