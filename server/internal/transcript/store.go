package transcript

import (
	"errors"
	"sync"

	"talentbud/server/internal/model"
)

// ErrDuplicate 表示该消息 ID 已经在 transcript 中。
var ErrDuplicate = errors.New("message already in transcript")

// Store 是单个会话的有序消息日志，只追加，不重排。
// 约定：消息 ID 是去重键，重试送达的同一条消息只保留第一次。
type Store struct {
	mu       sync.RWMutex
	messages []model.Message
	ids      map[string]struct{}
}

func NewStore() *Store {
	return &Store{ids: make(map[string]struct{})}
}

// Append 追加一条消息到末尾。
// 相同 ID 再次追加会返回 ErrDuplicate，且不修改内部状态。
func (s *Store) Append(msg model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID != "" {
		if _, seen := s.ids[msg.ID]; seen {
			return ErrDuplicate
		}
		s.ids[msg.ID] = struct{}{}
	}
	s.messages = append(s.messages, msg)
	return nil
}

// Clear 清空全部消息，会话结束时调用。
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = nil
	s.ids = make(map[string]struct{})
}

// List 按追加顺序返回消息副本，避免调用方修改内部数据。
func (s *Store) List() []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len 返回当前消息数。
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}
