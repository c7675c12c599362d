package gateway

import (
	"encoding/json"
	"time"

	"talentbud/server/internal/model"
)

// AgentEventType 是对话 Agent 在 WebSocket 上推送的事件类型
type AgentEventType string

const (
	AgentEventInitMetadata   AgentEventType = "conversation_initiation_metadata" // 会话建立确认
	AgentEventUserTranscript AgentEventType = "user_transcript"                  // 候选人语音转写
	AgentEventAgentResponse  AgentEventType = "agent_response"                   // AI 面试官发言
	AgentEventAudio          AgentEventType = "audio"                            // AI 语音片段（说话中）
	AgentEventResponseEnd    AgentEventType = "agent_response_end"               // AI 发言结束
	AgentEventInterruption   AgentEventType = "interruption"                     // 候选人插话
	AgentEventPing           AgentEventType = "ping"                             // 心跳，需要回 pong
	AgentEventError          AgentEventType = "error"                            // Agent 侧错误
)

// AgentEvent 是 Agent 事件的外层信封；各类型的载荷在同名的 *_event 字段里。
type AgentEvent struct {
	Type               AgentEventType       `json:"type"`
	InitMetadata       *InitMetadataEvent   `json:"conversation_initiation_metadata_event,omitempty"`
	UserTranscription  *UserTranscriptEvent `json:"user_transcription_event,omitempty"`
	AgentResponseEvent *AgentResponseEvent  `json:"agent_response_event,omitempty"`
	PingEvent          *PingEvent           `json:"ping_event,omitempty"`
	Message            string               `json:"message,omitempty"` // error 事件
}

type InitMetadataEvent struct {
	ConversationID string `json:"conversation_id"`
}

type UserTranscriptEvent struct {
	UserTranscript string `json:"user_transcript"`
	EventID        int64  `json:"event_id,omitempty"`
}

type AgentResponseEvent struct {
	AgentResponse string `json:"agent_response"`
	EventID       int64  `json:"event_id,omitempty"`
}

type PingEvent struct {
	EventID int64 `json:"event_id"`
	PingMS  int64 `json:"ping_ms,omitempty"`
}

// InitiationClientData 是连接建立后发送的第一帧，携带候选人上下文。
type InitiationClientData struct {
	Type             string            `json:"type"` // "conversation_initiation_client_data"
	DynamicVariables map[string]string `json:"dynamic_variables"`
}

// PongMessage 回应 Agent 的 ping
type PongMessage struct {
	Type    string `json:"type"` // "pong"
	EventID int64  `json:"event_id"`
}

// CandidateContext 是开始会话时交给 Agent 的候选人信息。
type CandidateContext struct {
	UserName string
	Role     string
}

func (c CandidateContext) initiation() InitiationClientData {
	return InitiationClientData{
		Type: "conversation_initiation_client_data",
		DynamicVariables: map[string]string{
			"user_name": c.UserName,
			"role":      c.Role,
		},
	}
}

// ClientAction 是浏览器发给会话流的用户动作
type ClientAction string

const (
	ActionStart  ClientAction = "start"
	ActionPause  ClientAction = "pause"
	ActionResume ClientAction = "resume"
	ActionEnd    ClientAction = "end"
)

// ClientMessage 浏览器发送给服务端的消息（WebSocket 文本帧）
type ClientMessage struct {
	Action  ClientAction `json:"action"`
	EventID string       `json:"event_id,omitempty"`
}

// ServerFrameType 服务端推给浏览器的帧类型
type ServerFrameType string

const (
	FrameSnapshot ServerFrameType = "snapshot"
	FrameNavigate ServerFrameType = "navigate"
	FrameError    ServerFrameType = "error"
)

// ServerFrame 服务端发送给浏览器的消息
type ServerFrame struct {
	Type        ServerFrameType `json:"type"`
	Seq         int64           `json:"seq,omitempty"`
	Snapshot    *model.Snapshot `json:"snapshot,omitempty"`
	InterviewID string          `json:"interview_id,omitempty"`
	Error       string          `json:"error,omitempty"`
	ServerTS    time.Time       `json:"server_ts"`
}

func decodeAgentEvent(data []byte) (*AgentEvent, error) {
	var ev AgentEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}
