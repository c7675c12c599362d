package cache

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"talentbud/server/internal/interview"
	"talentbud/server/internal/model"
)

var _ interview.Store = (*InterviewStore)(nil)

// genStripes 是写代数的分片数，按面试 ID 哈希取模。
const genStripes = 64

// InterviewStore 在底层 Store 之上加一层面试记录的读穿缓存。
// 写操作先落库再删缓存；缓存读写失败只记日志，不影响主流程。
// 回填前检查写代数：读库期间发生过写入的结果不回填，避免旧记录覆盖已删除的键。
type InterviewStore struct {
	next   interview.Store
	client Client
	ttl    time.Duration
	logger zerolog.Logger

	genMu sync.Mutex
	gens  [genStripes]uint64
}

func NewInterviewStore(next interview.Store, client Client, ttl time.Duration, logger zerolog.Logger) *InterviewStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &InterviewStore{
		next:   next,
		client: client,
		ttl:    ttl,
		logger: logger.With().Str("component", "interview_cache").Logger(),
	}
}

func interviewKey(id string) string {
	return "interview:" + id
}

func (s *InterviewStore) Create(ctx context.Context, iv *model.Interview) error {
	if err := s.next.Create(ctx, iv); err != nil {
		return err
	}
	s.store(ctx, iv)
	return nil
}

func (s *InterviewStore) Get(ctx context.Context, id string) (*model.Interview, error) {
	if data, err := s.client.Get(ctx, interviewKey(id)); err == nil {
		var iv model.Interview
		if err := json.Unmarshal([]byte(data), &iv); err == nil {
			return &iv, nil
		}
		s.logger.Warn().Str("interview_id", id).Msg("drop undecodable cache entry")
	} else if !errors.Is(err, ErrMiss) {
		s.logger.Warn().Err(err).Str("interview_id", id).Msg("cache get failed")
	}

	return s.load(ctx, id)
}

// GetFresh 跳过缓存直接读底层存储，用于状态判断必须准确的场景。
func (s *InterviewStore) GetFresh(ctx context.Context, id string) (*model.Interview, error) {
	return s.load(ctx, id)
}

func (s *InterviewStore) load(ctx context.Context, id string) (*model.Interview, error) {
	gen := s.generation(id)
	iv, err := s.next.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, iv, gen)
	return iv, nil
}

func (s *InterviewStore) UpdateStatus(ctx context.Context, id string, status model.InterviewStatus) error {
	if err := s.next.UpdateStatus(ctx, id, status); err != nil {
		return err
	}
	s.invalidate(ctx, id)
	return nil
}

func (s *InterviewStore) UpdateCheckpoint(ctx context.Context, id string, index int, checkpointID string) error {
	if err := s.next.UpdateCheckpoint(ctx, id, index, checkpointID); err != nil {
		return err
	}
	s.invalidate(ctx, id)
	return nil
}

// 消息不进缓存，直接透传。
func (s *InterviewStore) AppendMessage(ctx context.Context, interviewID string, msg model.Message) error {
	return s.next.AppendMessage(ctx, interviewID, msg)
}

func (s *InterviewStore) ListMessages(ctx context.Context, interviewID string) ([]model.Message, error) {
	return s.next.ListMessages(ctx, interviewID)
}

func stripe(id string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return int(h.Sum32() % genStripes)
}

func (s *InterviewStore) generation(id string) uint64 {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	return s.gens[stripe(id)]
}

// fill 仅在读库以来没有写入时回填。
// 检查和 Set 在同一把锁内，写方递增代数后才删键，所以删键一定晚于回填。
func (s *InterviewStore) fill(ctx context.Context, iv *model.Interview, gen uint64) {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	if s.gens[stripe(iv.ID)] != gen {
		return
	}
	s.store(ctx, iv)
}

func (s *InterviewStore) store(ctx context.Context, iv *model.Interview) {
	data, err := json.Marshal(iv)
	if err != nil {
		return
	}
	if err := s.client.Set(ctx, interviewKey(iv.ID), data, s.ttl); err != nil {
		s.logger.Warn().Err(err).Str("interview_id", iv.ID).Msg("cache set failed")
	}
}

func (s *InterviewStore) invalidate(ctx context.Context, id string) {
	s.genMu.Lock()
	s.gens[stripe(id)]++
	s.genMu.Unlock()

	if err := s.client.Del(ctx, interviewKey(id)); err != nil {
		s.logger.Warn().Err(err).Str("interview_id", id).Msg("cache delete failed")
	}
}
