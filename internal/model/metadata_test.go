package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSessionMetadata(t *testing.T) {
	md := ParseSessionMetadata(`{"name":"build","path":"/src","role":"advisor"}`)
	require.NotNil(t, md)
	require.Equal(t, "build", md.Name)
	require.Equal(t, "/src", md.Path)
	require.Equal(t, "advisor", md.Role)
	require.Nil(t, md.Extra)

	require.Nil(t, ParseSessionMetadata(""))
	require.Nil(t, ParseSessionMetadata("not json"))
	require.Nil(t, ParseSessionMetadata(`["array"]`))
}

func TestSessionMetadata_ExtraRoundTrip(t *testing.T) {
	raw := `{"name":"build","customField":{"nested":true},"flavor":"vanilla"}`
	md := ParseSessionMetadata(raw)
	require.NotNil(t, md)
	require.Len(t, md.Extra, 2)
	require.JSONEq(t, `{"nested":true}`, string(md.Extra["customField"]))

	out, err := json.Marshal(md)
	require.NoError(t, err)
	require.JSONEq(t, raw, string(out), "unknown keys survive a round trip")
}

func TestSessionMetadata_MarshalWithoutExtra(t *testing.T) {
	out, err := json.Marshal(&SessionMetadata{Name: "build"})
	require.NoError(t, err)
	require.JSONEq(t, `{"name":"build"}`, string(out))
}

func TestParseAgentState(t *testing.T) {
	raw := `{"requests":{"r1":{"tool":"bash","createdAt":123}},"controlledByUser":true}`
	st := ParseAgentState(&raw)
	require.NotNil(t, st)
	require.Equal(t, "bash", st.Requests["r1"].Tool)
	require.Len(t, st.Extra, 1)

	require.Nil(t, ParseAgentState(nil))
	empty := ""
	require.Nil(t, ParseAgentState(&empty))
	bad := "{broken"
	require.Nil(t, ParseAgentState(&bad))
}

func TestParseMachineMetadata(t *testing.T) {
	md := ParseMachineMetadata(`{"host":"dev-box","platform":"linux","tags":["ci"]}`)
	require.NotNil(t, md)
	require.Equal(t, "dev-box", md.Host)
	require.Equal(t, "linux", md.Platform)
	require.Len(t, md.Extra, 1)

	require.Nil(t, ParseMachineMetadata("not json"))
}

func TestParseMessageEnvelope(t *testing.T) {
	env := ParseMessageEnvelope(`{"t":"agent","text":"done"}`)
	require.NotNil(t, env)
	require.Equal(t, MessageAgent, env.T)
	require.Equal(t, "done", env.Text)

	env = ParseMessageEnvelope(`{"t":"todo","todos":[{"id":"1","content":"ship it","status":"pending"}]}`)
	require.NotNil(t, env)
	require.Equal(t, MessageTodo, env.T)
	require.Len(t, env.Todos, 1)

	// Opaque or untagged content degrades to nil rather than erroring.
	require.Nil(t, ParseMessageEnvelope(""))
	require.Nil(t, ParseMessageEnvelope("ciphertext-blob"))
	require.Nil(t, ParseMessageEnvelope(`{"other":"shape"}`))
}

func TestSyncEventPublicStripsAgentText(t *testing.T) {
	ev := SyncEvent{Type: EventMessageReceived, Namespace: "ns1", AgentText: "internal"}
	pub := ev.Public()
	require.Empty(t, pub.AgentText)
	require.Equal(t, ev.Namespace, pub.Namespace)

	data, err := json.Marshal(ev)
	require.NoError(t, err)
	require.NotContains(t, string(data), "internal")
}
