// ABOUTME: Closed event-type namespace and typed payloads for every protocol message
// ABOUTME: Also defines agent lifecycle states and the content/progress payload shapes

package protocol

import "strings"

// Event types. The set is closed per ProtocolVersion; receivers drop anything
// else without failing.
const (
	TypeConnectionInit      = "connection.init"
	TypeConnectionAck       = "connection.ack"
	TypeConnectionTerminate = "connection.terminate"

	TypePing = "ping"
	TypePong = "pong"

	TypeRequestSubmit   = "request.submit"
	TypeRequestCancel   = "request.cancel"
	TypeRequestAccepted = "request.accepted"
	TypeRequestFailed   = "request.failed"
	TypeRequestComplete = "request.complete"

	TypeChatMessage  = "chat.message"
	TypeChatAccepted = "chat.accepted"

	TypeAgentStatus   = "agent.status"
	TypeAgentProgress = "agent.progress"
	TypeAgentLog      = "agent.log"

	TypeContentChunk    = "content.chunk"
	TypeContentComplete = "content.complete"

	TypeValidationResult = "validation.result"

	TypeError = "error"
)

// NamespaceValidation is the prefix shared by all validation.* events.
const NamespaceValidation = "validation"

// Namespace returns the portion of eventType before the first dot.
func Namespace(eventType string) string {
	if i := strings.IndexByte(eventType, '.'); i >= 0 {
		return eventType[:i]
	}
	return eventType
}

// Known reports whether eventType belongs to the namespace of this version.
// Any validation.* type is considered known.
func Known(eventType string) bool {
	switch eventType {
	case TypeConnectionInit, TypeConnectionAck, TypeConnectionTerminate,
		TypePing, TypePong,
		TypeRequestSubmit, TypeRequestCancel, TypeRequestAccepted, TypeRequestFailed, TypeRequestComplete,
		TypeChatMessage, TypeChatAccepted,
		TypeAgentStatus, TypeAgentProgress, TypeAgentLog,
		TypeContentChunk, TypeContentComplete,
		TypeError:
		return true
	}
	return Namespace(eventType) == NamespaceValidation
}

// AgentStatus is the lifecycle state of one agent within one request.
type AgentStatus string

const (
	StatusIdle      AgentStatus = "idle"
	StatusWorking   AgentStatus = "working"
	StatusWaiting   AgentStatus = "waiting"
	StatusComplete  AgentStatus = "complete"
	StatusError     AgentStatus = "error"
	StatusCancelled AgentStatus = "cancelled"
)

// Terminal reports whether no further transitions are expected after s.
func (s AgentStatus) Terminal() bool {
	return s == StatusComplete || s == StatusError || s == StatusCancelled
}

// Valid reports whether s is one of the enumerated states.
func (s AgentStatus) Valid() bool {
	switch s {
	case StatusIdle, StatusWorking, StatusWaiting, StatusComplete, StatusError, StatusCancelled:
		return true
	}
	return false
}

// InitPayload is sent by the client as the first envelope on a new transport.
type InitPayload struct {
	ClientID      string   `json:"clientId"`
	Token         string   `json:"token,omitempty"`
	ClientVersion string   `json:"clientVersion"`
	Capabilities  []string `json:"capabilities"`
}

// AckPayload answers connection.init and establishes a session.
type AckPayload struct {
	SessionID           string      `json:"sessionId"`
	ServerVersion       string      `json:"serverVersion"`
	HeartbeatIntervalMs int64       `json:"heartbeatIntervalMs"`
	AgentsAvailable     []AgentInfo `json:"agentsAvailable"`
}

// AgentInfo describes one agent the gateway can dispatch to.
type AgentInfo struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// TerminatePayload ends a session. The server must not respond.
type TerminatePayload struct {
	Reason string `json:"reason"`
}

// HeartbeatPayload is the body of both ping and pong.
type HeartbeatPayload struct {
	Timestamp string `json:"timestamp"`
}

// SubmitPayload starts a unit of work across one or more agents.
type SubmitPayload struct {
	Topic      string         `json:"topic"`
	Agents     []string       `json:"agents,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// CancelPayload asks the gateway to stop a running request.
type CancelPayload struct {
	RequestID string `json:"requestId"`
	Reason    string `json:"reason,omitempty"`
}

// AcceptedPayload acknowledges a submit or cancel.
type AcceptedPayload struct {
	RequestID           string `json:"requestId"`
	EstimatedDurationMs int64  `json:"estimatedDurationMs,omitempty"`
}

// FailedPayload rejects a submit.
type FailedPayload struct {
	RequestID string       `json:"requestId"`
	Error     ErrorPayload `json:"error"`
}

// CompletePayload marks the end of all work for a request.
type CompletePayload struct {
	RequestID string      `json:"requestId"`
	Status    AgentStatus `json:"status"`
}

// ChatPayload is a free-form message from the user, optionally scoped to a request.
type ChatPayload struct {
	RequestID string `json:"requestId,omitempty"`
	Content   string `json:"content"`
}

// ChatAcceptedPayload acknowledges a chat message.
type ChatAcceptedPayload struct {
	MessageID string `json:"messageId"`
}

// Progress reports how far an agent is through its task.
type Progress struct {
	Current int64  `json:"current"`
	Total   int64  `json:"total"`
	Unit    string `json:"unit,omitempty"`
}

// StatusPayload reports an agent lifecycle transition.
type StatusPayload struct {
	AgentID         string      `json:"agentId"`
	AgentName       string      `json:"agentName,omitempty"`
	Status          AgentStatus `json:"status"`
	PreviousStatus  AgentStatus `json:"previousStatus,omitempty"`
	TaskDescription string      `json:"taskDescription,omitempty"`
	Progress        *Progress   `json:"progress,omitempty"`
}

// ProgressPayload reports progress without a status change.
type ProgressPayload struct {
	AgentID  string   `json:"agentId"`
	Progress Progress `json:"progress"`
}

// LogPayload carries a human-readable line emitted by an agent.
type LogPayload struct {
	AgentID string `json:"agentId"`
	Level   string `json:"level,omitempty"`
	Message string `json:"message"`
}

// ChunkPayload is one fragment of streamed content.
type ChunkPayload struct {
	ChunkIndex int    `json:"chunkIndex"`
	Content    string `json:"content"`
	Section    string `json:"section"`
	IsFinal    bool   `json:"isFinal"`
	AgentID    string `json:"agentId,omitempty"`
}

// ContentCompletePayload announces a finished artifact.
type ContentCompletePayload struct {
	ContentID string         `json:"contentId"`
	Title     string         `json:"title,omitempty"`
	Format    string         `json:"format,omitempty"`
	Content   string         `json:"content,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ValidationPayload is an opaque validation verdict produced by an agent.
type ValidationPayload struct {
	AgentID string         `json:"agentId,omitempty"`
	Passed  bool           `json:"passed"`
	Issues  []string       `json:"issues,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}
