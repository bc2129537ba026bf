// Package rpc turns a named remote capability into a function call with a
// bounded timeout. Method names are scoped as "<entityId>:<method>" and
// resolved through an injected capability registry.
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrHandlerNotRegistered = errors.New("handler not registered")
	ErrDisconnected         = errors.New("socket disconnected")
	ErrTimeout              = errors.New("rpc timeout")
	ErrInvalidReply         = errors.New("invalid rpc reply")
)

// Handle is a live transport endpoint able to service one or more methods.
type Handle interface {
	Connected() bool
	// CallWithTimeout sends the payload and waits for an acknowledgement.
	// Implementations return ErrTimeout (possibly wrapped) when no ack
	// arrives within the timeout.
	CallWithTimeout(payload any, timeout time.Duration) (json.RawMessage, error)
}

// Transport maps a fully-qualified method name to its live handle.
type Transport interface {
	ResolveHandle(method string) (Handle, bool)
}

type Gateway struct {
	transport Transport
	timeout   time.Duration
}

func NewGateway(transport Transport, timeout time.Duration) *Gateway {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Gateway{transport: transport, timeout: timeout}
}

type callPayload struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

// Call resolves "<targetID>:<method>", verifies the handle is still
// connected, invokes it and normalizes the acknowledgement. A reply that
// is a JSON-encoded string is unwrapped; anything else comes back as-is.
// A malformed-but-present reply is the caller's problem, not an error.
func (g *Gateway) Call(targetID, method string, params any) (json.RawMessage, error) {
	qualified := targetID + ":" + method

	handle, ok := g.transport.ResolveHandle(qualified)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHandlerNotRegistered, qualified)
	}
	if !handle.Connected() {
		return nil, fmt.Errorf("%w: %s", ErrDisconnected, qualified)
	}

	reply, err := handle.CallWithTimeout(callPayload{Method: qualified, Params: params}, g.timeout)
	if err != nil {
		return nil, err
	}
	return normalizeReply(reply), nil
}

// SessionRPC invokes a method on the agent owning a session.
func (g *Gateway) SessionRPC(sessionID, method string, params any) (json.RawMessage, error) {
	return g.Call(sessionID, method, params)
}

// MachineRPC invokes a method on a machine daemon.
func (g *Gateway) MachineRPC(machineID, method string, params any) (json.RawMessage, error) {
	return g.Call(machineID, method, params)
}

func normalizeReply(reply json.RawMessage) json.RawMessage {
	if len(reply) == 0 {
		return reply
	}
	var inner string
	if err := json.Unmarshal(reply, &inner); err != nil {
		return reply
	}
	if json.Valid([]byte(inner)) {
		return json.RawMessage(inner)
	}
	return reply
}
