package model

import "encoding/json"

// MessageEnvelope is the structured form of a stored message document,
// discriminated on T. Agent output carries text; "todo" updates carry the
// session's current todo list; "user" entries are client-authored.
type MessageEnvelope struct {
	T     string     `json:"t"`
	Text  string     `json:"text,omitempty"`
	Todos []TodoItem `json:"todos,omitempty"`
}

const (
	MessageAgent = "agent"
	MessageUser  = "user"
	MessageTodo  = "todo"
)

// ParseMessageEnvelope degrades to nil on anything that is not a tagged
// JSON object; opaque (e.g. client-encrypted) content is simply skipped by
// callers that scan for structured entries.
func ParseMessageEnvelope(content string) *MessageEnvelope {
	if content == "" {
		return nil
	}
	var env MessageEnvelope
	if err := json.Unmarshal([]byte(content), &env); err != nil {
		return nil
	}
	if env.T == "" {
		return nil
	}
	return &env
}
