package interview

import (
	"context"
	"sort"
	"sync"
	"time"

	"talentbud/server/internal/model"
)

// InMemoryStore 是一个基于内存的面试存储实现。
type InMemoryStore struct {
	mu         sync.RWMutex
	interviews map[string]*model.Interview
	messages   map[string][]model.Message
	messageIDs map[string]map[string]struct{}
	now        func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	// 重启即丢数据；多实例部署需要换成 postgres 实现。
	return &InMemoryStore{
		interviews: make(map[string]*model.Interview),
		messages:   make(map[string][]model.Message),
		messageIDs: make(map[string]map[string]struct{}),
		now:        time.Now,
	}
}

// Create 保存一条新的面试记录。
func (s *InMemoryStore) Create(_ context.Context, iv *model.Interview) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *iv
	now := s.now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.interviews[cp.ID] = &cp
	return nil
}

// Get 根据 ID 获取面试记录（返回副本）。
func (s *InMemoryStore) Get(_ context.Context, id string) (*model.Interview, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	iv, ok := s.interviews[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *iv
	return &cp, nil
}

func (s *InMemoryStore) UpdateStatus(_ context.Context, id string, status model.InterviewStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	iv, ok := s.interviews[id]
	if !ok {
		return ErrNotFound
	}
	iv.Status = status
	iv.UpdatedAt = s.now()
	return nil
}

func (s *InMemoryStore) UpdateCheckpoint(_ context.Context, id string, index int, checkpointID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	iv, ok := s.interviews[id]
	if !ok {
		return ErrNotFound
	}
	// 检查点只前进不后退，乱序完成的写入不会覆盖更高的值。
	if index > iv.CheckpointIndex {
		iv.CheckpointIndex = index
		iv.CheckpointID = checkpointID
	}
	iv.UpdatedAt = s.now()
	return nil
}

// AppendMessage 追加消息；相同消息 ID 直接返回（幂等）。
func (s *InMemoryStore) AppendMessage(_ context.Context, interviewID string, msg model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.interviews[interviewID]; !ok {
		return ErrNotFound
	}
	seen := s.messageIDs[interviewID]
	if seen == nil {
		seen = make(map[string]struct{})
		s.messageIDs[interviewID] = seen
	}
	if _, dup := seen[msg.ID]; dup {
		return nil
	}
	seen[msg.ID] = struct{}{}

	// 并发写入可能乱序到达，按消息时间插入，同一时间保持到达顺序
	msgs := s.messages[interviewID]
	i := sort.Search(len(msgs), func(i int) bool { return msgs[i].Timestamp.After(msg.Timestamp) })
	msgs = append(msgs, model.Message{})
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = msg
	s.messages[interviewID] = msgs
	return nil
}

// ListMessages 按消息时间顺序返回消息副本。
func (s *InMemoryStore) ListMessages(_ context.Context, interviewID string) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.interviews[interviewID]; !ok {
		return nil, ErrNotFound
	}
	msgs := s.messages[interviewID]
	out := make([]model.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}
