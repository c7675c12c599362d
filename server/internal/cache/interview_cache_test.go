package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"talentbud/server/internal/interview"
	"talentbud/server/internal/model"
)

type fakeClient struct {
	mu      sync.Mutex
	data    map[string]string
	gets    int
	failGet bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{data: make(map[string]string)}
}

func (f *fakeClient) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.failGet {
		return "", errors.New("redis down")
	}
	v, ok := f.data[key]
	if !ok {
		return "", ErrMiss
	}
	return v, nil
}

func (f *fakeClient) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	default:
		f.data[key] = fmt.Sprint(v)
	}
	return nil
}

func (f *fakeClient) Del(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

func (f *fakeClient) Close() error { return nil }

// countingStore 统计底层 Get 次数。
type countingStore struct {
	interview.Store
	gets int
}

func (c *countingStore) Get(ctx context.Context, id string) (*model.Interview, error) {
	c.gets++
	return c.Store.Get(ctx, id)
}

func setup(t *testing.T) (*InterviewStore, *countingStore, *fakeClient) {
	t.Helper()
	base := &countingStore{Store: interview.NewInMemoryStore()}
	client := newFakeClient()
	s := NewInterviewStore(base, client, time.Minute, zerolog.Nop())
	require.NoError(t, s.Create(context.Background(), &model.Interview{
		ID: "iv1", CandidateName: "Sam", Role: "SRE", Status: model.InterviewReady, CheckpointIndex: 1,
	}))
	return s, base, client
}

// TestInterviewStoreReadThrough 验证创建后读取命中缓存。
func TestInterviewStoreReadThrough(t *testing.T) {
	s, base, _ := setup(t)

	iv, err := s.Get(context.Background(), "iv1")
	require.NoError(t, err)
	assert.Equal(t, "Sam", iv.CandidateName)
	assert.Equal(t, 0, base.gets)
}

// TestInterviewStoreInvalidatesOnUpdate 验证更新后缓存失效并重新加载。
func TestInterviewStoreInvalidatesOnUpdate(t *testing.T) {
	s, base, client := setup(t)
	ctx := context.Background()

	require.NoError(t, s.UpdateStatus(ctx, "iv1", model.InterviewPaused))
	_, cached := client.data[interviewKey("iv1")]
	assert.False(t, cached)

	iv, err := s.Get(ctx, "iv1")
	require.NoError(t, err)
	assert.Equal(t, model.InterviewPaused, iv.Status)
	assert.Equal(t, 1, base.gets)
}

// TestInterviewStoreFallsBackOnCacheError 验证缓存故障时回落到底层存储。
func TestInterviewStoreFallsBackOnCacheError(t *testing.T) {
	s, base, client := setup(t)
	client.failGet = true

	iv, err := s.Get(context.Background(), "iv1")
	require.NoError(t, err)
	assert.Equal(t, "iv1", iv.ID)
	assert.Equal(t, 1, base.gets)

	_, err = s.Get(context.Background(), "missing")
	require.ErrorIs(t, err, interview.ErrNotFound)
}

// pausingStore 在 Get 读完记录后停住，直到 release 关闭。
type pausingStore struct {
	interview.Store
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *pausingStore) Get(ctx context.Context, id string) (*model.Interview, error) {
	iv, err := p.Store.Get(ctx, id)
	p.once.Do(func() {
		close(p.entered)
		<-p.release
	})
	return iv, err
}

// TestInterviewStoreSkipsFillAfterConcurrentWrite 验证读库期间发生的写入不会被旧记录回填覆盖。
func TestInterviewStoreSkipsFillAfterConcurrentWrite(t *testing.T) {
	ctx := context.Background()
	base := interview.NewInMemoryStore()
	require.NoError(t, base.Create(ctx, &model.Interview{
		ID: "iv1", CandidateName: "Sam", Role: "SRE", Status: model.InterviewInProgress, CheckpointIndex: 1,
	}))
	slow := &pausingStore{Store: base, entered: make(chan struct{}), release: make(chan struct{})}
	client := newFakeClient()
	s := NewInterviewStore(slow, client, time.Hour, zerolog.Nop())

	done := make(chan *model.Interview, 1)
	go func() {
		iv, err := s.Get(ctx, "iv1")
		assert.NoError(t, err)
		done <- iv
	}()

	<-slow.entered
	require.NoError(t, s.UpdateStatus(ctx, "iv1", model.InterviewDone))
	close(slow.release)

	stale := <-done
	assert.Equal(t, model.InterviewInProgress, stale.Status)

	iv, err := s.Get(ctx, "iv1")
	require.NoError(t, err)
	assert.Equal(t, model.InterviewDone, iv.Status)
}

// TestInterviewStoreGetFreshBypassesCache 验证 GetFresh 不读取缓存中的旧记录。
func TestInterviewStoreGetFreshBypassesCache(t *testing.T) {
	s, base, client := setup(t)
	ctx := context.Background()

	// 模拟其他实例写库后缓存里仍留着旧记录
	require.NoError(t, base.Store.UpdateStatus(ctx, "iv1", model.InterviewDone))
	_, cached := client.data[interviewKey("iv1")]
	require.True(t, cached)

	iv, err := s.GetFresh(ctx, "iv1")
	require.NoError(t, err)
	assert.Equal(t, model.InterviewDone, iv.Status)
	assert.Equal(t, 1, base.gets)
}
