package interview

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"talentbud/server/internal/model"
)

func seed(t *testing.T, s *InMemoryStore) {
	t.Helper()
	require.NoError(t, s.Create(context.Background(), &model.Interview{
		ID:              "iv1",
		CandidateName:   "Sam",
		Role:            "Backend Engineer",
		Status:          model.InterviewReady,
		CheckpointIndex: 1,
		CheckpointID:    "background",
	}))
}

// TestInMemoryStoreGetMissing 验证不存在的面试返回 ErrNotFound。
func TestInMemoryStoreGetMissing(t *testing.T) {
	s := NewInMemoryStore()
	_, err := s.Get(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, s.UpdateStatus(context.Background(), "nope", model.InterviewDone), ErrNotFound)
	require.ErrorIs(t, s.AppendMessage(context.Background(), "nope", model.Message{ID: "m"}), ErrNotFound)
}

// TestInMemoryStoreAppendMessageIdempotent 验证相同消息 ID 只存一次。
func TestInMemoryStoreAppendMessageIdempotent(t *testing.T) {
	s := NewInMemoryStore()
	seed(t, s)
	ctx := context.Background()

	m := model.Message{ID: "m1", Text: "hi", Source: model.SourceCandidate, Timestamp: time.Now()}
	require.NoError(t, s.AppendMessage(ctx, "iv1", m))
	require.NoError(t, s.AppendMessage(ctx, "iv1", m))

	msgs, err := s.ListMessages(ctx, "iv1")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

// TestInMemoryStoreCheckpointMonotonic 验证检查点写入不会回退。
func TestInMemoryStoreCheckpointMonotonic(t *testing.T) {
	s := NewInMemoryStore()
	seed(t, s)
	ctx := context.Background()

	require.NoError(t, s.UpdateCheckpoint(ctx, "iv1", 3, "projects"))
	require.NoError(t, s.UpdateCheckpoint(ctx, "iv1", 2, "skills"))

	iv, err := s.Get(ctx, "iv1")
	require.NoError(t, err)
	assert.Equal(t, 3, iv.CheckpointIndex)
	assert.Equal(t, "projects", iv.CheckpointID)
}

// TestInMemoryStoreGetReturnsCopy 验证 Get 返回副本。
func TestInMemoryStoreGetReturnsCopy(t *testing.T) {
	s := NewInMemoryStore()
	seed(t, s)
	ctx := context.Background()

	iv, err := s.Get(ctx, "iv1")
	require.NoError(t, err)
	iv.Status = model.InterviewDone

	again, err := s.Get(ctx, "iv1")
	require.NoError(t, err)
	assert.Equal(t, model.InterviewReady, again.Status)
}

// TestInMemoryStoreListMessagesByTimestamp 验证乱序写入的消息按消息时间返回。
func TestInMemoryStoreListMessagesByTimestamp(t *testing.T) {
	s := NewInMemoryStore()
	seed(t, s)
	ctx := context.Background()

	base := time.Now()
	require.NoError(t, s.AppendMessage(ctx, "iv1", model.Message{ID: "m2", Text: "second", Timestamp: base.Add(time.Second)}))
	require.NoError(t, s.AppendMessage(ctx, "iv1", model.Message{ID: "m1", Text: "first", Timestamp: base}))
	require.NoError(t, s.AppendMessage(ctx, "iv1", model.Message{ID: "m3", Text: "third", Timestamp: base.Add(time.Second)}))

	msgs, err := s.ListMessages(ctx, "iv1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "m2", msgs[1].ID)
	assert.Equal(t, "m3", msgs[2].ID)
}
