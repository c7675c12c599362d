package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"talentbud/server/internal/checkpoint"
	"talentbud/server/internal/metrics"
	"talentbud/server/internal/model"
	"talentbud/server/internal/transcript"
	"talentbud/server/internal/worker"
)

var (
	// ErrInvalidTransition 表示当前状态不接受该用户动作。
	ErrInvalidTransition = errors.New("invalid session transition")
	// ErrShutdown 表示服务正在关闭，控制器不再接受用户动作。
	ErrShutdown = errors.New("session controller shut down")
)

const (
	reconnectFailedMessage = "We lost the connection to the interviewer. Press resume to try again."
	transportErrorMessage  = "The interviewer connection failed. Press resume to try again."
)

// Transport 是第三方对话通道，由 gateway.AgentConn 实现。
// StartSession 不阻塞，连接结果通过回调通知控制器。
type Transport interface {
	StartSession(ctx context.Context) error
	EndSession() error
	IsSpeaking() bool
}

// Persister 是控制器需要的持久化能力（interview.Store 的子集）。
type Persister interface {
	UpdateStatus(ctx context.Context, id string, status model.InterviewStatus) error
	UpdateCheckpoint(ctx context.Context, id string, index int, checkpointID string) error
	AppendMessage(ctx context.Context, interviewID string, msg model.Message) error
}

// Executor 异步执行持久化任务，worker.Pool 实现了它。
type Executor interface {
	Submit(task worker.Task) error
}

// Navigator 在会话结束后把用户带离面试页面。
type Navigator interface {
	Navigate(interviewID string)
}

// RetryPolicy 是持久化调用的重试策略。
type RetryPolicy struct {
	Attempts    int
	Backoff     time.Duration
	CallTimeout time.Duration
}

// Options 是创建控制器所需的依赖，全部显式注入。
type Options struct {
	InterviewID string
	// History 是已持久化的消息，用于恢复时回填 transcript。
	History []model.Message
	// InitialStatus 只接受 ready 或 paused（恢复一个已暂停的面试）。
	InitialStatus     model.SessionStatus
	InitialCheckpoint int
	Matcher           *checkpoint.Matcher
	Store             Persister
	Executor          Executor
	Navigator         Navigator
	Retry             RetryPolicy
	Logger            zerolog.Logger
	Now               func() time.Time
	NewID             func() string
}

// Controller 拥有一次实时面试会话的状态机。
//
// 职责与契约：
// - 状态迁移都在 mu 内完成；对传输层与持久化的副作用先收集，解锁后再执行，
//   这样传输层回调可以安全重入。
// - 持久化是 fire-and-forget：失败只记录并提示，不回滚本地状态。
// - epoch 在每次生命周期动作时递增，过期的持久化结果不再影响提示。
type Controller struct {
	mu sync.Mutex

	interviewID string
	status      model.SessionStatus
	checkpoint  int
	errMsg      string
	notice      string
	epoch       uint64
	closed      bool

	transcript *transcript.Store
	matcher    *checkpoint.Matcher
	transport  Transport
	store      Persister
	exec       Executor
	nav        Navigator
	retry      RetryPolicy
	listener   func(model.Snapshot)

	logger zerolog.Logger
	now    func() time.Time
	newID  func() string
}

func NewController(opts Options) (*Controller, error) {
	if opts.InterviewID == "" {
		return nil, errors.New("interview id required")
	}
	if opts.Matcher == nil || opts.Store == nil || opts.Executor == nil {
		return nil, errors.New("matcher, store and executor are required")
	}

	status := opts.InitialStatus
	switch status {
	case "":
		status = model.SessionReady
	case model.SessionReady, model.SessionPaused:
	default:
		return nil, fmt.Errorf("initial status %q not allowed", status)
	}

	cp := opts.InitialCheckpoint
	if cp < 1 {
		cp = 1
	}
	if cp > opts.Matcher.Len() {
		cp = opts.Matcher.Len()
	}

	retry := opts.Retry
	if retry.Attempts <= 0 {
		retry.Attempts = 1
	}
	if retry.CallTimeout <= 0 {
		retry.CallTimeout = 10 * time.Second
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}

	tr := transcript.NewStore()
	for _, m := range opts.History {
		_ = tr.Append(m)
	}

	return &Controller{
		interviewID: opts.InterviewID,
		status:      status,
		checkpoint:  cp,
		transcript:  tr,
		matcher:     opts.Matcher,
		store:       opts.Store,
		exec:        opts.Executor,
		nav:         opts.Navigator,
		retry:       retry,
		logger:      opts.Logger.With().Str("component", "session").Str("interview_id", opts.InterviewID).Logger(),
		now:         now,
		newID:       newID,
	}, nil
}

// AttachTransport 绑定传输层。传输层的回调持有控制器，所以只能在构造后注入。
func (c *Controller) AttachTransport(t Transport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transport = t
}

// SetListener 注册快照监听器，每次状态变化后在锁外调用。
func (c *Controller) SetListener(fn func(model.Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = fn
}

// SetNavigator 替换结束后的导航目标，浏览器重连时会换成新的流。
func (c *Controller) SetNavigator(nav Navigator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nav = nav
}

// InterviewID 返回控制器绑定的面试 ID。
func (c *Controller) InterviewID() string {
	return c.interviewID
}

// Snapshot 返回当前只读视图。
func (c *Controller) Snapshot() model.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() model.Snapshot {
	speaking := false
	if c.transport != nil && c.status == model.SessionConnected {
		speaking = c.transport.IsSpeaking()
	}
	return model.Snapshot{
		InterviewID:     c.interviewID,
		Status:          c.status,
		CheckpointIndex: c.checkpoint,
		Transcript:      c.transcript.List(),
		Error:           c.errMsg,
		Notice:          c.notice,
		Speaking:        speaking,
	}
}

// Start 由用户发起：ready → connecting，并打开传输层。
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrShutdown
	}
	if c.status != model.SessionReady {
		status := c.status
		c.mu.Unlock()
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, status)
	}
	effects := c.beginConnectLocked(ctx)
	c.mu.Unlock()

	c.run(effects)
	return nil
}

// Resume 由用户发起：paused → connecting，重新打开传输层。
func (c *Controller) Resume(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrShutdown
	}
	if c.status != model.SessionPaused {
		status := c.status
		c.mu.Unlock()
		return fmt.Errorf("%w: resume from %s", ErrInvalidTransition, status)
	}
	effects := c.beginConnectLocked(ctx)
	c.mu.Unlock()

	c.run(effects)
	return nil
}

func (c *Controller) beginConnectLocked(ctx context.Context) []func() {
	c.setStatusLocked(model.SessionConnecting)
	c.errMsg = ""
	c.notice = ""
	c.epoch++

	transport := c.transport
	effects := []func(){
		c.persistStatus(model.InterviewInProgress),
		c.publishEffect(),
	}
	if transport == nil {
		return append(effects, func() { c.OnError(errors.New("transport not attached")) })
	}
	return append(effects, func() {
		if err := transport.StartSession(ctx); err != nil {
			c.OnError(err)
		}
	})
}

// Pause 由用户发起：connected → paused，关闭传输层并持久化 paused。
func (c *Controller) Pause() error {
	c.mu.Lock()
	if c.status != model.SessionConnected {
		status := c.status
		c.mu.Unlock()
		return fmt.Errorf("%w: pause from %s", ErrInvalidTransition, status)
	}
	c.setStatusLocked(model.SessionPaused)
	c.notice = ""
	c.epoch++
	effects := []func(){
		c.endTransportEffect(),
		c.persistStatus(model.InterviewPaused),
		c.publishEffect(),
	}
	c.mu.Unlock()

	c.run(effects)
	return nil
}

// End 由用户发起：connecting/connected/paused → done。
// 关闭传输层、清空 transcript、持久化 done 并离开页面；done 之后不再有本地修改。
func (c *Controller) End() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrShutdown
	}
	prev := c.status
	switch prev {
	case model.SessionConnecting, model.SessionConnected, model.SessionPaused:
	default:
		c.mu.Unlock()
		return fmt.Errorf("%w: end from %s", ErrInvalidTransition, prev)
	}
	c.setStatusLocked(model.SessionDone)
	c.transcript.Clear()
	c.errMsg = ""
	c.notice = ""
	c.epoch++

	var effects []func()
	// paused 时传输层已经关闭。
	if prev != model.SessionPaused {
		effects = append(effects, c.endTransportEffect())
	}
	effects = append(effects, c.persistStatus(model.InterviewDone), c.publishEffect())
	if nav := c.nav; nav != nil {
		id := c.interviewID
		effects = append(effects, func() { nav.Navigate(id) })
	}
	c.mu.Unlock()

	c.run(effects)
	return nil
}

// OnConnected 是传输层回调：connecting → connected。
func (c *Controller) OnConnected() {
	metrics.TransportEvent("connected")

	c.mu.Lock()
	if c.status != model.SessionConnecting {
		c.logger.Debug().Str("status", string(c.status)).Msg("ignore connected callback")
		c.mu.Unlock()
		return
	}
	c.setStatusLocked(model.SessionConnected)
	c.errMsg = ""
	effects := []func(){c.publishEffect()}
	c.mu.Unlock()

	c.run(effects)
}

// OnMessage 是传输层回调：追加 transcript，异步持久化消息，
// AI 发言时再判断检查点是否推进。
func (c *Controller) OnMessage(id, text string, source model.MessageSource) {
	text = strings.TrimSpace(text)
	if text == "" || !source.Valid() {
		metrics.Message(string(source), "dropped")
		return
	}

	c.mu.Lock()
	if c.status != model.SessionConnected {
		c.logger.Debug().Str("status", string(c.status)).Msg("drop message outside connected state")
		c.mu.Unlock()
		metrics.Message(string(source), "dropped")
		return
	}
	if id == "" {
		id = c.newID()
	}
	msg := model.Message{ID: id, Text: text, Source: source, Timestamp: c.now()}
	if err := c.transcript.Append(msg); err != nil {
		c.logger.Debug().Str("message_id", id).Msg("drop duplicate message")
		c.mu.Unlock()
		metrics.Message(string(source), "duplicate")
		return
	}
	metrics.Message(string(source), "appended")

	effects := []func(){c.persistMessage(msg)}
	if source == model.SourceAssistant {
		if next := c.matcher.Evaluate(text, c.checkpoint); next > c.checkpoint {
			c.checkpoint = next
			cp, _ := c.matcher.Checkpoint(next)
			metrics.CheckpointAdvanced(cp.ID)
			c.logger.Info().Int("checkpoint", next).Str("checkpoint_id", cp.ID).Msg("checkpoint advanced")
			effects = append(effects, c.persistCheckpoint(next, cp.ID))
		}
	}
	effects = append(effects, c.publishEffect())
	c.mu.Unlock()

	c.run(effects)
}

// OnError 是传输层回调：任何状态（done 除外）强制进入 paused 并展示错误。
func (c *Controller) OnError(err error) {
	metrics.TransportEvent("error")
	c.logger.Warn().Err(err).Msg("transport error")
	c.forcePause(transportErrorMessage)
}

// OnReconnectFailed 是传输层回调：自动重连耗尽，强制 paused，需要用户手动恢复。
func (c *Controller) OnReconnectFailed(err error) {
	metrics.TransportEvent("reconnect_failed")
	c.logger.Warn().Err(err).Msg("transport reconnect exhausted")
	c.forcePause(reconnectFailedMessage)
}

func (c *Controller) forcePause(message string) {
	c.mu.Lock()
	prev := c.status
	if prev == model.SessionDone {
		c.mu.Unlock()
		return
	}
	c.errMsg = message
	c.notice = ""
	effects := []func(){}
	if prev != model.SessionPaused {
		c.setStatusLocked(model.SessionPaused)
		c.epoch++
		if prev == model.SessionConnecting || prev == model.SessionConnected {
			effects = append(effects, c.endTransportEffect())
		}
		effects = append(effects, c.persistStatus(model.InterviewPaused))
	}
	effects = append(effects, c.publishEffect())
	c.mu.Unlock()

	c.run(effects)
}

// OnReconnecting 是传输层回调：保持当前状态，只给出临时提示。
func (c *Controller) OnReconnecting(attempt int) {
	metrics.TransportEvent("reconnecting")

	c.mu.Lock()
	if c.status != model.SessionConnected && c.status != model.SessionConnecting {
		c.mu.Unlock()
		return
	}
	c.notice = fmt.Sprintf("Connection lost, reconnecting (attempt %d)...", attempt)
	effects := []func(){c.publishEffect()}
	c.mu.Unlock()

	c.run(effects)
}

// OnReconnected 是传输层回调：清除错误并回到 connected。
func (c *Controller) OnReconnected() {
	metrics.TransportEvent("reconnected")

	c.mu.Lock()
	if c.status != model.SessionConnected && c.status != model.SessionConnecting {
		c.mu.Unlock()
		return
	}
	c.setStatusLocked(model.SessionConnected)
	c.errMsg = ""
	c.notice = ""
	effects := []func(){c.publishEffect()}
	c.mu.Unlock()

	c.run(effects)
}

// OnSpeaking 是传输层回调：AI 说话状态变化时刷新快照。
func (c *Controller) OnSpeaking(speaking bool) {
	c.mu.Lock()
	if c.status != model.SessionConnected {
		c.mu.Unlock()
		return
	}
	effects := []func(){c.publishEffect()}
	c.mu.Unlock()

	c.run(effects)
}

// OnDisconnected 是传输层回调。是否重连由传输层的策略决定，这里只记录。
func (c *Controller) OnDisconnected() {
	metrics.TransportEvent("disconnected")

	c.mu.Lock()
	status := c.status
	c.mu.Unlock()
	c.logger.Info().Str("status", string(status)).Msg("transport disconnected")
}

// Suspend 在浏览器断开或服务关闭时释放传输层；未结束的面试落为 paused，之后可以恢复。
func (c *Controller) Suspend() {
	c.mu.Lock()
	prev := c.status
	if prev != model.SessionConnecting && prev != model.SessionConnected {
		c.mu.Unlock()
		return
	}
	c.setStatusLocked(model.SessionPaused)
	c.epoch++
	effects := []func(){
		c.endTransportEffect(),
		c.persistStatus(model.InterviewPaused),
		c.publishEffect(),
	}
	c.mu.Unlock()

	c.run(effects)
}

// Shutdown 挂起会话并拒绝之后的 Start/Resume/End，服务关闭时调用。
// 浏览器流可能还连着，之后到达的动作不会重新打开传输层。
func (c *Controller) Shutdown() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.Suspend()
}

func (c *Controller) setStatusLocked(status model.SessionStatus) {
	if c.status == status {
		return
	}
	c.logger.Info().Str("from", string(c.status)).Str("to", string(status)).Msg("session transition")
	c.status = status
	metrics.SessionTransition(string(status))
}

func (c *Controller) run(effects []func()) {
	for _, fn := range effects {
		fn()
	}
}

func (c *Controller) publishEffect() func() {
	listener := c.listener
	if listener == nil {
		return func() {}
	}
	snap := c.snapshotLocked()
	return func() { listener(snap) }
}

func (c *Controller) endTransportEffect() func() {
	transport := c.transport
	return func() {
		if transport == nil {
			return
		}
		if err := transport.EndSession(); err != nil {
			c.logger.Warn().Err(err).Msg("end transport session")
		}
	}
}

func (c *Controller) persistStatus(status model.InterviewStatus) func() {
	id := c.interviewID
	return c.persist("status", func(ctx context.Context) error {
		return c.store.UpdateStatus(ctx, id, status)
	})
}

func (c *Controller) persistCheckpoint(index int, checkpointID string) func() {
	id := c.interviewID
	return c.persist("checkpoint", func(ctx context.Context) error {
		return c.store.UpdateCheckpoint(ctx, id, index, checkpointID)
	})
}

func (c *Controller) persistMessage(msg model.Message) func() {
	id := c.interviewID
	return c.persist("message", func(ctx context.Context) error {
		return c.store.AppendMessage(ctx, id, msg)
	})
}

// persist 把一次持久化调用包装成异步任务；必须在持锁时调用以捕获当前 epoch。
func (c *Controller) persist(kind string, call func(ctx context.Context) error) func() {
	epoch := c.epoch
	retry := c.retry
	task := func(ctx context.Context) error {
		start := time.Now()
		var err error
	retryLoop:
		for attempt := 1; attempt <= retry.Attempts; attempt++ {
			callCtx, cancel := context.WithTimeout(ctx, retry.CallTimeout)
			err = call(callCtx)
			cancel()
			if err == nil || attempt == retry.Attempts {
				break
			}
			select {
			case <-ctx.Done():
				break retryLoop
			case <-time.After(retry.Backoff * time.Duration(attempt)):
			}
		}
		metrics.PersistenceCall(kind, err == nil, float64(time.Since(start).Milliseconds()))
		if err != nil {
			c.persistFailed(epoch, kind, err)
		}
		return err
	}
	return func() {
		if err := c.exec.Submit(task); err != nil {
			metrics.PersistenceCall(kind, false, 0)
			c.persistFailed(epoch, kind, err)
		}
	}
}

// persistFailed 记录失败并展示非阻塞提示；会话已经往前走了则只记日志。
func (c *Controller) persistFailed(epoch uint64, kind string, err error) {
	c.logger.Error().Err(err).Str("kind", kind).Msg("persist failed")

	c.mu.Lock()
	if epoch != c.epoch || c.status == model.SessionDone {
		c.mu.Unlock()
		return
	}
	c.notice = fmt.Sprintf("We couldn't save the latest %s. The interview continues.", kind)
	effects := []func(){c.publishEffect()}
	c.mu.Unlock()

	c.run(effects)
}
