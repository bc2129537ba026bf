package rpc

import (
	"encoding/json"
	"fmt"
)

// Typed wrappers over the gateway. Each performs exactly one RPC call and
// validates the shape of the reply; transport and timeout failures pass
// through untouched so callers can distinguish them.

type ackReply struct {
	OK bool `json:"ok"`
}

func (g *Gateway) decodeAck(reply json.RawMessage) error {
	var ack ackReply
	if err := json.Unmarshal(reply, &ack); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidReply, err)
	}
	if !ack.OK {
		return fmt.Errorf("%w: remote rejected", ErrInvalidReply)
	}
	return nil
}

func (g *Gateway) ApprovePermission(sessionID, requestID string) error {
	reply, err := g.SessionRPC(sessionID, "permission", map[string]any{"id": requestID, "approved": true})
	if err != nil {
		return err
	}
	return g.decodeAck(reply)
}

func (g *Gateway) DenyPermission(sessionID, requestID string) error {
	reply, err := g.SessionRPC(sessionID, "permission", map[string]any{"id": requestID, "approved": false})
	if err != nil {
		return err
	}
	return g.decodeAck(reply)
}

func (g *Gateway) Abort(sessionID string) error {
	reply, err := g.SessionRPC(sessionID, "abort", map[string]any{})
	if err != nil {
		return err
	}
	return g.decodeAck(reply)
}

func (g *Gateway) SetPermissionMode(sessionID, mode string) error {
	reply, err := g.SessionRPC(sessionID, "set-permission-mode", map[string]any{"mode": mode})
	if err != nil {
		return err
	}
	return g.decodeAck(reply)
}

func (g *Gateway) SetModelMode(sessionID, mode, reasoningEffort string) error {
	params := map[string]any{"mode": mode}
	if reasoningEffort != "" {
		params["reasoningEffort"] = reasoningEffort
	}
	reply, err := g.SessionRPC(sessionID, "set-model-mode", params)
	if err != nil {
		return err
	}
	return g.decodeAck(reply)
}

type SpawnResult struct {
	SessionID string `json:"sessionId"`
}

// SpawnSession asks a machine daemon to start a new session in the given
// directory.
func (g *Gateway) SpawnSession(machineID, directory string) (SpawnResult, error) {
	reply, err := g.MachineRPC(machineID, "spawn-session", map[string]any{"directory": directory})
	if err != nil {
		return SpawnResult{}, err
	}
	var result SpawnResult
	if err := json.Unmarshal(reply, &result); err != nil {
		return SpawnResult{}, fmt.Errorf("%w: %v", ErrInvalidReply, err)
	}
	if result.SessionID == "" {
		return SpawnResult{}, fmt.Errorf("%w: missing sessionId", ErrInvalidReply)
	}
	return result, nil
}

type FileContent struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (g *Gateway) ReadFile(sessionID, path string) (FileContent, error) {
	reply, err := g.SessionRPC(sessionID, "read-file", map[string]any{"path": path})
	if err != nil {
		return FileContent{}, err
	}
	var result FileContent
	if err := json.Unmarshal(reply, &result); err != nil {
		return FileContent{}, fmt.Errorf("%w: %v", ErrInvalidReply, err)
	}
	return result, nil
}

func (g *Gateway) WriteFile(sessionID, path, content string) error {
	reply, err := g.SessionRPC(sessionID, "write-file", map[string]any{"path": path, "content": content})
	if err != nil {
		return err
	}
	return g.decodeAck(reply)
}

type GitStatus struct {
	Branch string   `json:"branch"`
	Dirty  bool     `json:"dirty"`
	Files  []string `json:"files,omitempty"`
}

func (g *Gateway) GitStatus(sessionID string) (GitStatus, error) {
	reply, err := g.SessionRPC(sessionID, "git-status", map[string]any{})
	if err != nil {
		return GitStatus{}, err
	}
	var result GitStatus
	if err := json.Unmarshal(reply, &result); err != nil {
		return GitStatus{}, fmt.Errorf("%w: %v", ErrInvalidReply, err)
	}
	return result, nil
}

type Usage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

func (g *Gateway) Usage(sessionID string) (Usage, error) {
	reply, err := g.SessionRPC(sessionID, "usage", map[string]any{})
	if err != nil {
		return Usage{}, err
	}
	var result Usage
	if err := json.Unmarshal(reply, &result); err != nil {
		return Usage{}, fmt.Errorf("%w: %v", ErrInvalidReply, err)
	}
	return result, nil
}
