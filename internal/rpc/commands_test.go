package rpc

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGateway_AbortDecodesAck(t *testing.T) {
	h := &fakeHandle{connected: true, reply: json.RawMessage(`{"ok":true}`)}
	tr := &fakeTransport{handles: map[string]Handle{"sess-1:abort": h}}
	g := NewGateway(tr, time.Second)

	require.NoError(t, g.Abort("sess-1"))
}

func TestGateway_RejectedAck(t *testing.T) {
	h := &fakeHandle{connected: true, reply: json.RawMessage(`{"ok":false}`)}
	tr := &fakeTransport{handles: map[string]Handle{"sess-1:permission": h}}
	g := NewGateway(tr, time.Second)

	err := g.ApprovePermission("sess-1", "req-1")
	require.ErrorIs(t, err, ErrInvalidReply)
}

func TestGateway_MalformedAck(t *testing.T) {
	h := &fakeHandle{connected: true, reply: json.RawMessage(`not json`)}
	tr := &fakeTransport{handles: map[string]Handle{"sess-1:abort": h}}
	g := NewGateway(tr, time.Second)

	require.ErrorIs(t, g.Abort("sess-1"), ErrInvalidReply)
}

func TestGateway_PermissionCarriesDecision(t *testing.T) {
	h := &fakeHandle{connected: true, reply: json.RawMessage(`{"ok":true}`)}
	tr := &fakeTransport{handles: map[string]Handle{"sess-1:permission": h}}
	g := NewGateway(tr, time.Second)

	require.NoError(t, g.DenyPermission("sess-1", "req-9"))

	payload := h.gotPayload.(callPayload)
	params := payload.Params.(map[string]any)
	require.Equal(t, "req-9", params["id"])
	require.Equal(t, false, params["approved"])
}

func TestGateway_SpawnSession(t *testing.T) {
	h := &fakeHandle{connected: true, reply: json.RawMessage(`{"sessionId":"new-sess"}`)}
	tr := &fakeTransport{handles: map[string]Handle{"m-1:spawn-session": h}}
	g := NewGateway(tr, time.Second)

	result, err := g.SpawnSession("m-1", "/home/dev/project")
	require.NoError(t, err)
	require.Equal(t, "new-sess", result.SessionID)

	payload := h.gotPayload.(callPayload)
	params := payload.Params.(map[string]any)
	require.Equal(t, "/home/dev/project", params["directory"])
}

func TestGateway_SpawnSessionMissingID(t *testing.T) {
	h := &fakeHandle{connected: true, reply: json.RawMessage(`{}`)}
	tr := &fakeTransport{handles: map[string]Handle{"m-1:spawn-session": h}}
	g := NewGateway(tr, time.Second)

	_, err := g.SpawnSession("m-1", "/tmp")
	require.ErrorIs(t, err, ErrInvalidReply)
}

func TestGateway_SetModelModeOmitsEmptyEffort(t *testing.T) {
	h := &fakeHandle{connected: true, reply: json.RawMessage(`{"ok":true}`)}
	tr := &fakeTransport{handles: map[string]Handle{"sess-1:set-model-mode": h}}
	g := NewGateway(tr, time.Second)

	require.NoError(t, g.SetModelMode("sess-1", "fast", ""))

	params := h.gotPayload.(callPayload).Params.(map[string]any)
	require.NotContains(t, params, "reasoningEffort")
}
