package interview

import (
	"context"
	"errors"

	"talentbud/server/internal/model"
)

var ErrNotFound = errors.New("interview not found")

// Store 是面试、消息与检查点记录的持久化接口，以面试 ID 为键。
// 约定：AppendMessage 按消息 ID 幂等，调用方可以安全重试。
type Store interface {
	Create(ctx context.Context, iv *model.Interview) error
	Get(ctx context.Context, id string) (*model.Interview, error)
	UpdateStatus(ctx context.Context, id string, status model.InterviewStatus) error
	UpdateCheckpoint(ctx context.Context, id string, index int, checkpointID string) error
	AppendMessage(ctx context.Context, interviewID string, msg model.Message) error
	ListMessages(ctx context.Context, interviewID string) ([]model.Message, error)
}
