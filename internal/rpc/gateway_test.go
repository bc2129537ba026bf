package rpc

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	connected bool
	reply     json.RawMessage
	err       error

	gotPayload any
	gotTimeout time.Duration
}

func (h *fakeHandle) Connected() bool { return h.connected }

func (h *fakeHandle) CallWithTimeout(payload any, timeout time.Duration) (json.RawMessage, error) {
	h.gotPayload = payload
	h.gotTimeout = timeout
	return h.reply, h.err
}

type fakeTransport struct {
	handles map[string]Handle
}

func (t *fakeTransport) ResolveHandle(method string) (Handle, bool) {
	h, ok := t.handles[method]
	return h, ok
}

func TestGateway_CallQualifiesMethodAndPassesTimeout(t *testing.T) {
	h := &fakeHandle{connected: true, reply: json.RawMessage(`{"ok":true}`)}
	tr := &fakeTransport{handles: map[string]Handle{"sess-1:abort": h}}
	g := NewGateway(tr, 5*time.Second)

	reply, err := g.SessionRPC("sess-1", "abort", map[string]any{"reason": "user"})
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(reply))
	require.Equal(t, 5*time.Second, h.gotTimeout)

	payload, ok := h.gotPayload.(callPayload)
	require.True(t, ok)
	require.Equal(t, "sess-1:abort", payload.Method)
}

func TestGateway_HandlerNotRegistered(t *testing.T) {
	g := NewGateway(&fakeTransport{handles: map[string]Handle{}}, time.Second)

	_, err := g.SessionRPC("sess-1", "abort", nil)
	require.ErrorIs(t, err, ErrHandlerNotRegistered)
}

func TestGateway_Disconnected(t *testing.T) {
	h := &fakeHandle{connected: false}
	tr := &fakeTransport{handles: map[string]Handle{"sess-1:abort": h}}
	g := NewGateway(tr, time.Second)

	_, err := g.SessionRPC("sess-1", "abort", nil)
	require.ErrorIs(t, err, ErrDisconnected)
}

func TestGateway_TimeoutPropagates(t *testing.T) {
	h := &fakeHandle{connected: true, err: ErrTimeout}
	tr := &fakeTransport{handles: map[string]Handle{"m-1:spawn-session": h}}
	g := NewGateway(tr, time.Second)

	_, err := g.MachineRPC("m-1", "spawn-session", nil)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestGateway_DefaultTimeout(t *testing.T) {
	h := &fakeHandle{connected: true, reply: json.RawMessage(`{}`)}
	tr := &fakeTransport{handles: map[string]Handle{"sess-1:usage": h}}
	g := NewGateway(tr, 0)

	_, err := g.SessionRPC("sess-1", "usage", nil)
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, h.gotTimeout)
}

func TestNormalizeReply(t *testing.T) {
	// A reply that is a JSON-encoded string holding valid JSON is unwrapped.
	got := normalizeReply(json.RawMessage(`"{\"ok\":true}"`))
	require.JSONEq(t, `{"ok":true}`, string(got))

	// A JSON string holding non-JSON text stays wrapped.
	got = normalizeReply(json.RawMessage(`"plain text"`))
	require.Equal(t, `"plain text"`, string(got))

	// Objects pass through untouched.
	got = normalizeReply(json.RawMessage(`{"ok":true}`))
	require.Equal(t, `{"ok":true}`, string(got))

	require.Empty(t, normalizeReply(nil))
}

func TestGateway_ReplyNormalization(t *testing.T) {
	h := &fakeHandle{connected: true, reply: json.RawMessage(`"{\"status\":\"clean\"}"`)}
	tr := &fakeTransport{handles: map[string]Handle{"sess-1:git-status": h}}
	g := NewGateway(tr, time.Second)

	reply, err := g.SessionRPC("sess-1", "git-status", nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"status":"clean"}`, string(reply))
}
