package model

// EventType discriminates SyncEvent payloads.
type EventType string

const (
	EventSessionAdded        EventType = "session-added"
	EventSessionUpdated      EventType = "session-updated"
	EventSessionRemoved      EventType = "session-removed"
	EventMessageReceived     EventType = "message-received"
	EventMessagesCleared     EventType = "messages-cleared"
	EventMachineUpdated      EventType = "machine-updated"
	EventConnectionChanged   EventType = "connection-changed"
	EventOnlineUsersChanged  EventType = "online-users-changed"
	EventTypingChanged       EventType = "typing-changed"
	EventAdvisorAlert        EventType = "advisor-alert"
	EventAdvisorIdleSuggest  EventType = "advisor-idle-suggestion"
	EventGroupMessage        EventType = "group-message"
	EventReviewSyncStatus    EventType = "review-sync-status"
)

// SessionEventData is the data payload attached to session lifecycle
// events. WasThinking marks a task-completion update and triggers the
// strict notification routing in the distributor; RecipientClientIDs, when
// set, is the explicit allow-list for that routing.
type SessionEventData struct {
	Active             bool       `json:"active"`
	ActiveAt           int64      `json:"activeAt,omitempty"`
	Thinking           bool       `json:"thinking"`
	WasThinking        bool       `json:"wasThinking,omitempty"`
	PermissionMode     string     `json:"permissionMode,omitempty"`
	ModelMode          string     `json:"modelMode,omitempty"`
	ReasoningEffort    string     `json:"reasoningEffort,omitempty"`
	Todos              []TodoItem `json:"todos,omitempty"`
	RecipientClientIDs []string   `json:"recipientClientIds,omitempty"`
}

type MachineEventData struct {
	Active   bool  `json:"active"`
	ActiveAt int64 `json:"activeAt,omitempty"`
}

type OnlineUser struct {
	Email      string `json:"email,omitempty"`
	ClientID   string `json:"clientId"`
	DeviceType string `json:"deviceType,omitempty"`
}

type TypingInfo struct {
	ClientID string `json:"clientId"`
	Email    string `json:"email,omitempty"`
	Typing   bool   `json:"typing"`
}

type AdvisorAlert struct {
	Level string `json:"level"`
	Text  string `json:"text"`
}

type IdleSuggestion struct {
	Text string `json:"text"`
}

// MessagePayload is the wire form of a stored message inside an event.
// Content is the raw persisted document, passed through untouched.
type MessagePayload struct {
	ID        string `json:"id"`
	Seq       int64  `json:"seq"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"createdAt"`
}

// SyncEvent is the ephemeral event envelope this core emits. It is never
// persisted; the distributor serializes it as SSE JSON with only the
// fields relevant to the event type set.
type SyncEvent struct {
	Type           EventType       `json:"type"`
	Namespace      string          `json:"namespace,omitempty"`
	SessionID      string          `json:"sessionId,omitempty"`
	MachineID      string          `json:"machineId,omitempty"`
	GroupID        string          `json:"groupId,omitempty"`
	Data           any             `json:"data,omitempty"`
	Message        *MessagePayload `json:"message,omitempty"`
	Users          []OnlineUser    `json:"users,omitempty"`
	Typing         *TypingInfo     `json:"typing,omitempty"`
	Alert          *AdvisorAlert   `json:"alert,omitempty"`
	IdleSuggestion *IdleSuggestion `json:"idleSuggestion,omitempty"`
	GroupMessage   *GroupMessage   `json:"groupMessage,omitempty"`

	// AgentText is the extracted text of an agent-authored message. It is
	// internal routing state for group fan-out and never serialized.
	AgentText string `json:"-"`
}

// Public returns the restricted projection handed to external subscribers:
// the same envelope with internal-only routing state stripped.
func (e SyncEvent) Public() SyncEvent {
	e.AgentText = ""
	return e
}
