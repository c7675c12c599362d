package model

import "time"

// MessageSource 表示一条发言的来源。
type MessageSource string

const (
	SourceCandidate MessageSource = "candidate"
	SourceAssistant MessageSource = "assistant"
)

// Valid 判断来源是否为已知取值。
func (s MessageSource) Valid() bool {
	return s == SourceCandidate || s == SourceAssistant
}

// Message 表示对话中的一条发言，追加后不可变。
type Message struct {
	// ID 由客户端（或网关）生成，同时作为去重键。
	ID string `json:"id"`
	// Text 是发言内容，非空。
	Text string `json:"text"`
	// Source 标识候选人或 AI 面试官。
	Source MessageSource `json:"source"`
	// Timestamp 为收到事件时的墙钟时间。
	Timestamp time.Time `json:"timestamp"`
}

// Checkpoint 是面试覆盖进度中的一个里程碑。
type Checkpoint struct {
	// Index 从 1 开始，全序。
	Index int `json:"index" yaml:"index"`
	// ID 是稳定的短标识，持久化时使用。
	ID string `json:"id" yaml:"id"`
	// Name 用于展示。
	Name string `json:"name" yaml:"name"`
	// Keywords 用于子串匹配，加载时统一转小写。
	Keywords []string `json:"keywords" yaml:"keywords"`
}

// SessionStatus 是实时面试会话的状态机取值。
type SessionStatus string

const (
	SessionReady      SessionStatus = "ready"
	SessionConnecting SessionStatus = "connecting"
	SessionConnected  SessionStatus = "connected"
	SessionPaused     SessionStatus = "paused"
	SessionDone       SessionStatus = "done"
)

// InterviewStatus 是持久化到面试记录上的状态。
type InterviewStatus string

const (
	InterviewReady      InterviewStatus = "ready"
	InterviewInProgress InterviewStatus = "in_progress"
	InterviewPaused     InterviewStatus = "paused"
	InterviewDone       InterviewStatus = "done"
)

// Valid 判断面试状态是否为已知取值。
func (s InterviewStatus) Valid() bool {
	switch s {
	case InterviewReady, InterviewInProgress, InterviewPaused, InterviewDone:
		return true
	}
	return false
}

// Interview 是一次面试的持久化记录。
type Interview struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organization_id"`
	CandidateName  string          `json:"candidate_name"`
	Role           string          `json:"role"`
	Status         InterviewStatus `json:"status"`
	// CheckpointIndex 为已到达的最高检查点，从 1 开始。
	CheckpointIndex int       `json:"checkpoint_index"`
	CheckpointID    string    `json:"checkpoint_id"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Snapshot 是会话控制器对外发布的只读视图，用于推送给浏览器。
type Snapshot struct {
	InterviewID     string        `json:"interview_id"`
	Status          SessionStatus `json:"status"`
	CheckpointIndex int           `json:"checkpoint_index"`
	Transcript      []Message     `json:"transcript"`
	// Error 是传输层错误，需要用户手动恢复。
	Error string `json:"error,omitempty"`
	// Notice 是非阻塞提示（保存失败、正在重连等）。
	Notice   string `json:"notice,omitempty"`
	Speaking bool   `json:"speaking"`
}

// CreateInterviewRequest 是创建面试的请求体。
type CreateInterviewRequest struct {
	OrganizationID string `json:"organization_id"`
	CandidateName  string `json:"candidate_name"`
	Role           string `json:"role"`
}

// InterviewResponse 是查询面试的响应体。
type InterviewResponse struct {
	Interview Interview `json:"interview"`
	Messages  []Message `json:"messages"`
	// Live 是进程内活跃会话的快照，没有活跃会话时为空。
	Live *Snapshot `json:"live,omitempty"`
}

// StreamTokenResponse 是签发会话流令牌的响应体。
type StreamTokenResponse struct {
	Token     string `json:"token"`
	StreamURL string `json:"stream_url"`
	ExpiresAt int64  `json:"expires_at"`
}
