package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"talentbud/server/internal/auth"
	"talentbud/server/internal/checkpoint"
	"talentbud/server/internal/config"
	"talentbud/server/internal/gateway"
	"talentbud/server/internal/interview"
	"talentbud/server/internal/model"
	"talentbud/server/internal/session"
	"talentbud/server/internal/worker"
)

type inlineExecutor struct{}

func (inlineExecutor) Submit(task worker.Task) error {
	_ = task(context.Background())
	return nil
}

// fakeAgent 接收候选人上下文后说一句话，然后保持连接
func fakeAgent(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			_ = conn.WriteJSON(map[string]interface{}{
				"type":                                   "conversation_initiation_metadata",
				"conversation_initiation_metadata_event": map[string]interface{}{"conversation_id": "conv_api"},
			})
			_ = conn.WriteJSON(map[string]interface{}{
				"type":                 "agent_response",
				"agent_response_event": map[string]interface{}{"agent_response": "Which technologies do you use?", "event_id": 1},
			})
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}))
	t.Cleanup(srv.Close)
	return srv
}

type testEnv struct {
	server *httptest.Server
	store  *interview.InMemoryStore
	tokens *auth.TokenManager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := interview.NewInMemoryStore()
	return newTestEnvWithStore(t, store, store)
}

func newTestEnvWithStore(t *testing.T, store *interview.InMemoryStore, front interview.Store) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	agent := fakeAgent(t)
	agentURL := "ws" + strings.TrimPrefix(agent.URL, "http")

	matcher, err := checkpoint.NewMatcher(checkpoint.DefaultCheckpoints())
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Transport.ReconnectAttempts = 0
	cfg.Transport.ReconnectTimeout = time.Second
	cfg.Transport.HandshakeTimeout = time.Second
	cfg.Transport.PingInterval = time.Minute
	cfg.Persistence.RetryAttempts = 1
	cfg.Persistence.CallTimeout = time.Second

	tokens := auth.NewTokenManager("0123456789abcdef-test", time.Minute)

	srv, err := NewServer(Dependencies{
		Config:   cfg,
		Store:    front,
		Matcher:  matcher,
		Tokens:   tokens,
		Executor: inlineExecutor{},
		Registry: session.NewRegistry(),
		AgentURL: func(context.Context) (string, error) { return agentURL, nil },
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, store: store, tokens: tokens}
}

func (e *testEnv) createInterview(t *testing.T) model.Interview {
	t.Helper()
	body := `{"candidate_name":"Sam","role":"Backend Engineer"}`
	resp, err := http.Post(e.server.URL+"/api/interviews", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var iv model.Interview
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&iv))
	return iv
}

func (e *testEnv) token(t *testing.T, id string) model.StreamTokenResponse {
	t.Helper()
	resp, err := http.Post(e.server.URL+"/api/interviews/"+id+"/token", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out model.StreamTokenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

// readFrame 读取帧直到满足条件
func readFrame(t *testing.T, conn *websocket.Conn, match func(gateway.ServerFrame) bool) gateway.ServerFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var frame gateway.ServerFrame
		require.NoError(t, conn.ReadJSON(&frame))
		if match(frame) {
			return frame
		}
	}
}

func snapshotWith(pred func(model.Snapshot) bool) func(gateway.ServerFrame) bool {
	return func(f gateway.ServerFrame) bool {
		return f.Type == gateway.FrameSnapshot && f.Snapshot != nil && pred(*f.Snapshot)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCheckpointsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.server.URL + "/api/checkpoints")
	require.NoError(t, err)
	defer resp.Body.Close()

	var cps []model.Checkpoint
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cps))
	require.Len(t, cps, 5)
	assert.Equal(t, "background", cps[0].ID)
}

func TestCreateInterview(t *testing.T) {
	env := newTestEnv(t)
	iv := env.createInterview(t)

	assert.Len(t, iv.ID, 26)
	assert.Equal(t, model.InterviewReady, iv.Status)
	assert.Equal(t, 1, iv.CheckpointIndex)
	assert.Equal(t, "background", iv.CheckpointID)
}

func TestCreateInterviewValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []string{
		`not json`,
		`{"candidate_name":"  ","role":"Engineer"}`,
		`{"candidate_name":"Sam"}`,
		`{"candidate_name":"` + strings.Repeat("x", maxFieldLen+1) + `","role":"Engineer"}`,
	}
	for _, body := range cases {
		resp, err := http.Post(env.server.URL+"/api/interviews", "application/json", bytes.NewBufferString(body))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
}

func TestGetInterview(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.server.URL + "/api/interviews/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	iv := env.createInterview(t)
	resp, err = http.Get(env.server.URL + "/api/interviews/" + iv.ID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out model.InterviewResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, iv.ID, out.Interview.ID)
	assert.Empty(t, out.Messages)
	assert.Nil(t, out.Live)
}

func TestStreamTokenForEndedInterview(t *testing.T) {
	env := newTestEnv(t)
	iv := env.createInterview(t)
	require.NoError(t, env.store.UpdateStatus(context.Background(), iv.ID, model.InterviewDone))

	resp, err := http.Post(env.server.URL+"/api/interviews/"+iv.ID+"/token", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestStreamRequiresToken(t *testing.T) {
	env := newTestEnv(t)
	iv := env.createInterview(t)

	resp, err := http.Get(env.server.URL + "/api/interviews/" + iv.ID + "/stream")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// 为其他面试签发的令牌不能复用
	other := env.createInterview(t)
	tok, _, err := env.tokens.Mint(other.ID, other.CandidateName)
	require.NoError(t, err)
	resp, err = http.Get(env.server.URL + "/api/interviews/" + iv.ID + "/stream?token=" + tok)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

// TestStreamInterviewLifecycle 走完整流程：开始 → AI 提问推进检查点 → 结束并导航。
func TestStreamInterviewLifecycle(t *testing.T) {
	env := newTestEnv(t)
	iv := env.createInterview(t)
	tok := env.token(t, iv.ID)
	require.True(t, strings.HasPrefix(tok.StreamURL, "ws://"))

	conn, _, err := websocket.DefaultDialer.Dial(tok.StreamURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	readFrame(t, conn, snapshotWith(func(s model.Snapshot) bool { return s.Status == model.SessionReady }))

	// 同一面试不能同时打开第二个会话流
	_, resp, err := websocket.DefaultDialer.Dial(tok.StreamURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	require.NoError(t, conn.WriteJSON(gateway.ClientMessage{Action: gateway.ActionStart}))
	snap := readFrame(t, conn, snapshotWith(func(s model.Snapshot) bool {
		return s.Status == model.SessionConnected && len(s.Transcript) == 1
	})).Snapshot
	assert.Equal(t, 2, snap.CheckpointIndex)
	assert.Equal(t, model.SourceAssistant, snap.Transcript[0].Source)

	// 非法动作返回 error 帧，连接不断
	require.NoError(t, conn.WriteJSON(gateway.ClientMessage{Action: gateway.ActionResume}))
	readFrame(t, conn, func(f gateway.ServerFrame) bool { return f.Type == gateway.FrameError })

	require.NoError(t, conn.WriteJSON(gateway.ClientMessage{Action: gateway.ActionEnd}))
	nav := readFrame(t, conn, func(f gateway.ServerFrame) bool { return f.Type == gateway.FrameNavigate })
	assert.Equal(t, iv.ID, nav.InterviewID)

	stored, err := env.store.Get(context.Background(), iv.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InterviewDone, stored.Status)
	assert.Equal(t, 2, stored.CheckpointIndex)
	assert.Equal(t, "skills", stored.CheckpointID)

	msgs, err := env.store.ListMessages(context.Background(), iv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "conv_api:agent:1", msgs[0].ID)
}

// cachedStore 的 Get 返回过期的缓存记录，GetFresh 读底层存储。
type cachedStore struct {
	*interview.InMemoryStore
	stale map[string]model.Interview
}

func (c *cachedStore) Get(ctx context.Context, id string) (*model.Interview, error) {
	if iv, ok := c.stale[id]; ok {
		return &iv, nil
	}
	return c.InMemoryStore.Get(ctx, id)
}

func (c *cachedStore) GetFresh(ctx context.Context, id string) (*model.Interview, error) {
	return c.InMemoryStore.Get(ctx, id)
}

// TestEndedInterviewIgnoresStaleCache 验证令牌和会话流按底层存储判断面试是否已结束。
func TestEndedInterviewIgnoresStaleCache(t *testing.T) {
	base := interview.NewInMemoryStore()
	front := &cachedStore{InMemoryStore: base, stale: make(map[string]model.Interview)}
	env := newTestEnvWithStore(t, base, front)
	iv := env.createInterview(t)

	old, err := base.Get(context.Background(), iv.ID)
	require.NoError(t, err)
	old.Status = model.InterviewInProgress
	front.stale[iv.ID] = *old
	require.NoError(t, base.UpdateStatus(context.Background(), iv.ID, model.InterviewDone))

	resp, err := http.Post(env.server.URL+"/api/interviews/"+iv.ID+"/token", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	tok, _, err := env.tokens.Mint(iv.ID, iv.CandidateName)
	require.NoError(t, err)
	resp, err = http.Get(env.server.URL + "/api/interviews/" + iv.ID + "/stream?token=" + tok)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}
