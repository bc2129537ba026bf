package model

import "encoding/json"

// SessionMetadata is the validated shape of a session's metadata document.
// Unknown keys are preserved in Extra so clients can round-trip fields this
// server does not interpret.
type SessionMetadata struct {
	Path    string `json:"path,omitempty"`
	Host    string `json:"host,omitempty"`
	Name    string `json:"name,omitempty"`
	Role    string `json:"role,omitempty"`
	OS      string `json:"os,omitempty"`
	Summary string `json:"summary,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

var sessionMetadataKnownKeys = map[string]struct{}{
	"path": {}, "host": {}, "name": {}, "role": {}, "os": {}, "summary": {},
}

// ParseSessionMetadata validates a persisted metadata document. Invalid
// documents degrade to nil; callers treat nil as "unknown", never an error.
func ParseSessionMetadata(raw string) *SessionMetadata {
	if raw == "" {
		return nil
	}
	var md SessionMetadata
	if err := json.Unmarshal([]byte(raw), &md); err != nil {
		return nil
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &all); err != nil {
		return nil
	}
	for key := range all {
		if _, known := sessionMetadataKnownKeys[key]; known {
			delete(all, key)
		}
	}
	if len(all) > 0 {
		md.Extra = all
	}
	return &md
}

func (m *SessionMetadata) MarshalJSON() ([]byte, error) {
	type plain SessionMetadata
	data, err := json.Marshal((*plain)(m))
	if err != nil {
		return nil, err
	}
	if len(m.Extra) == 0 {
		return data, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for key, value := range m.Extra {
		merged[key] = value
	}
	return json.Marshal(merged)
}

// AgentRequest is a single tool-call request tracked in agent state.
type AgentRequest struct {
	Tool      string          `json:"tool,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	CreatedAt int64           `json:"createdAt,omitempty"`
}

// AgentState holds pending and completed tool-call requests keyed by
// request id, plus whatever else the agent chose to store.
type AgentState struct {
	Requests          map[string]AgentRequest `json:"requests,omitempty"`
	CompletedRequests map[string]AgentRequest `json:"completedRequests,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

var agentStateKnownKeys = map[string]struct{}{
	"requests": {}, "completedRequests": {},
}

// ParseAgentState validates a persisted agent-state document, degrading to
// nil on any malformed input.
func ParseAgentState(raw *string) *AgentState {
	if raw == nil || *raw == "" {
		return nil
	}
	var st AgentState
	if err := json.Unmarshal([]byte(*raw), &st); err != nil {
		return nil
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal([]byte(*raw), &all); err != nil {
		return nil
	}
	for key := range all {
		if _, known := agentStateKnownKeys[key]; known {
			delete(all, key)
		}
	}
	if len(all) > 0 {
		st.Extra = all
	}
	return &st
}

// MachineMetadata is the validated shape of a machine's metadata document.
type MachineMetadata struct {
	Host        string `json:"host,omitempty"`
	Platform    string `json:"platform,omitempty"`
	Version     string `json:"version,omitempty"`
	DisplayName string `json:"displayName,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

var machineMetadataKnownKeys = map[string]struct{}{
	"host": {}, "platform": {}, "version": {}, "displayName": {},
}

func ParseMachineMetadata(raw string) *MachineMetadata {
	if raw == "" {
		return nil
	}
	var md MachineMetadata
	if err := json.Unmarshal([]byte(raw), &md); err != nil {
		return nil
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &all); err != nil {
		return nil
	}
	for key := range all {
		if _, known := machineMetadataKnownKeys[key]; known {
			delete(all, key)
		}
	}
	if len(all) > 0 {
		md.Extra = all
	}
	return &md
}
