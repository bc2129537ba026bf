package model

// Session is the in-memory view of a tracked agent conversation. Server-origin
// fields (Metadata, AgentState, Seq, versions) mirror the persisted row;
// liveness fields (Active, ActiveAt, Thinking, ThinkingAt, mode fields) are
// owned by the sync engine and survive reconciliation.
type Session struct {
	ID                string
	Namespace         string
	Seq               int64
	Metadata          *SessionMetadata
	MetadataVersion   int
	AgentState        *AgentState
	AgentStateVersion int
	Active            bool
	ActiveAt          int64
	Thinking          bool
	ThinkingAt        int64
	Todos             []TodoItem
	PermissionMode    string
	ModelMode         string
	ReasoningEffort   string
	CreatedAt         int64
	UpdatedAt         int64
}

type TodoItem struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Status  string `json:"status"`
}

type Machine struct {
	ID                 string
	Namespace          string
	Metadata           *MachineMetadata
	MetadataVersion    int
	DaemonState        *string
	DaemonStateVersion int
	Active             bool
	ActiveAt           int64
	CreatedAt          int64
	UpdatedAt          int64
}

type SessionMessage struct {
	ID        string
	SessionID string
	Seq       int64
	Content   string
	CreatedAt int64
	UpdatedAt int64
}

// SessionGroup is a named collection of sessions whose agent output is
// mirrored into a shared feed.
type SessionGroup struct {
	ID        string
	Namespace string
	Name      string
	Members   []string
	CreatedAt int64
}

type GroupMessage struct {
	ID        string
	GroupID   string
	SessionID string
	Text      string
	CreatedAt int64
}
