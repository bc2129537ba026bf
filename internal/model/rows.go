package model

// SessionRow is the persisted shape of a session. Metadata, AgentState and
// Todos are raw documents; validation happens at reconcile time, not here.
type SessionRow struct {
	ID                string
	Namespace         string
	Seq               int64
	Metadata          string
	MetadataVersion   int
	AgentState        *string
	AgentStateVersion int
	Todos             string
	CreatedAt         int64
	UpdatedAt         int64
	Deleted           bool
}

type MachineRow struct {
	ID                 string
	Namespace          string
	Metadata           string
	MetadataVersion    int
	DaemonState        *string
	DaemonStateVersion int
	CreatedAt          int64
	UpdatedAt          int64
}
