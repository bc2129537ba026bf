package sse

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sync-server/internal/model"
)

type frameWriter struct {
	mu     sync.Mutex
	frames []string
	failed bool
	closed bool
}

func (w *frameWriter) Write(frame []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failed {
		return errors.New("write failed")
	}
	w.frames = append(w.frames, string(frame))
	return nil
}

func (w *frameWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *frameWriter) fail() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failed = true
}

func (w *frameWriter) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// eventsOfType decodes the data lines of captured frames and filters by type.
func (w *frameWriter) eventsOfType(t *testing.T, typ model.EventType) []model.SyncEvent {
	t.Helper()
	w.mu.Lock()
	defer w.mu.Unlock()

	var result []model.SyncEvent
	for _, frame := range w.frames {
		for _, line := range strings.Split(frame, "\n") {
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var ev model.SyncEvent
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
			if ev.Type == typ {
				result = append(result, ev)
			}
		}
	}
	return result
}

func (w *frameWriter) heartbeatCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, frame := range w.frames {
		if strings.HasPrefix(frame, ": heartbeat") {
			n++
		}
	}
	return n
}

func newTestDistributor() *Distributor {
	// Heartbeat far out so it never fires during a test.
	return New(time.Hour)
}

func subscribe(d *Distributor, c *Conn) *frameWriter {
	w := &frameWriter{}
	c.Writer = w
	d.Subscribe(c)
	return w
}

func TestDistributor_NamespaceGate(t *testing.T) {
	d := newTestDistributor()
	inside := subscribe(d, &Conn{Namespace: "ns1", All: true})
	outside := subscribe(d, &Conn{Namespace: "ns2", All: true})

	d.Broadcast(model.SyncEvent{Type: model.EventSessionUpdated, Namespace: "ns1", SessionID: "s1"})

	require.Len(t, inside.eventsOfType(t, model.EventSessionUpdated), 1)
	require.Empty(t, outside.eventsOfType(t, model.EventSessionUpdated))
}

func TestDistributor_ConnectionChangedCrossesNamespaces(t *testing.T) {
	d := newTestDistributor()
	w1 := subscribe(d, &Conn{Namespace: "ns1", All: true})
	w2 := subscribe(d, &Conn{Namespace: "ns2", SessionID: "other"})

	d.Broadcast(model.SyncEvent{Type: model.EventConnectionChanged, Namespace: "ns1", SessionID: "s1"})

	require.Len(t, w1.eventsOfType(t, model.EventConnectionChanged), 1)
	require.Len(t, w2.eventsOfType(t, model.EventConnectionChanged), 1)
}

func TestDistributor_MessageReceivedOnlyToSessionViewer(t *testing.T) {
	d := newTestDistributor()
	viewer := subscribe(d, &Conn{Namespace: "ns1", SessionID: "s1"})
	everything := subscribe(d, &Conn{Namespace: "ns1", All: true})
	other := subscribe(d, &Conn{Namespace: "ns1", SessionID: "s2"})

	d.Broadcast(model.SyncEvent{Type: model.EventMessageReceived, Namespace: "ns1", SessionID: "s1"})

	require.Len(t, viewer.eventsOfType(t, model.EventMessageReceived), 1)
	require.Empty(t, everything.eventsOfType(t, model.EventMessageReceived), "message content never leaves the session's viewers")
	require.Empty(t, other.eventsOfType(t, model.EventMessageReceived))
}

func TestDistributor_TypingExcludesSender(t *testing.T) {
	d := newTestDistributor()
	sender := subscribe(d, &Conn{Namespace: "ns1", SessionID: "s1", ClientID: "c1"})
	peer := subscribe(d, &Conn{Namespace: "ns1", SessionID: "s1", ClientID: "c2"})

	d.Broadcast(model.SyncEvent{
		Type:      model.EventTypingChanged,
		Namespace: "ns1",
		SessionID: "s1",
		Typing:    &model.TypingInfo{ClientID: "c1", Typing: true},
	})

	require.Empty(t, sender.eventsOfType(t, model.EventTypingChanged))
	require.Len(t, peer.eventsOfType(t, model.EventTypingChanged), 1)
}

func TestDistributor_TaskCompletionRoutesStrictly(t *testing.T) {
	d := newTestDistributor()
	viewer := subscribe(d, &Conn{Namespace: "ns1", SessionID: "s1"})
	allowed := subscribe(d, &Conn{Namespace: "ns1", All: true, ClientID: "c-allowed"})
	bystander := subscribe(d, &Conn{Namespace: "ns1", All: true, ClientID: "c-other"})

	d.Broadcast(model.SyncEvent{
		Type:      model.EventSessionUpdated,
		Namespace: "ns1",
		SessionID: "s1",
		Data:      model.SessionEventData{WasThinking: true, RecipientClientIDs: []string{"c-allowed"}},
	})

	require.Len(t, viewer.eventsOfType(t, model.EventSessionUpdated), 1)
	require.Len(t, allowed.eventsOfType(t, model.EventSessionUpdated), 1)
	require.Empty(t, bystander.eventsOfType(t, model.EventSessionUpdated), "completion updates fail closed")
}

func TestDistributor_TaskCompletionEmptyRecipientList(t *testing.T) {
	d := newTestDistributor()
	everything := subscribe(d, &Conn{Namespace: "ns1", All: true, ClientID: "c1"})

	d.Broadcast(model.SyncEvent{
		Type:      model.EventSessionUpdated,
		Namespace: "ns1",
		SessionID: "s1",
		Data:      model.SessionEventData{WasThinking: true},
	})

	require.Empty(t, everything.eventsOfType(t, model.EventSessionUpdated))
}

func TestDistributor_PlainSessionUpdateReachesAllSubscriber(t *testing.T) {
	d := newTestDistributor()
	everything := subscribe(d, &Conn{Namespace: "ns1", All: true})
	machinePinned := subscribe(d, &Conn{Namespace: "ns1", MachineID: "m1"})

	d.Broadcast(model.SyncEvent{
		Type:      model.EventSessionUpdated,
		Namespace: "ns1",
		SessionID: "s1",
		Data:      model.SessionEventData{Active: true},
	})

	require.Len(t, everything.eventsOfType(t, model.EventSessionUpdated), 1)
	require.Empty(t, machinePinned.eventsOfType(t, model.EventSessionUpdated))
}

func TestDistributor_MachineUpdateToMachinePin(t *testing.T) {
	d := newTestDistributor()
	pinned := subscribe(d, &Conn{Namespace: "ns1", MachineID: "m1"})
	otherPin := subscribe(d, &Conn{Namespace: "ns1", MachineID: "m2"})

	d.Broadcast(model.SyncEvent{Type: model.EventMachineUpdated, Namespace: "ns1", MachineID: "m1"})

	require.Len(t, pinned.eventsOfType(t, model.EventMachineUpdated), 1)
	require.Empty(t, otherPin.eventsOfType(t, model.EventMachineUpdated))
}

func TestDistributor_ReviewStatusOnlyToSessionViewer(t *testing.T) {
	d := newTestDistributor()
	viewer := subscribe(d, &Conn{Namespace: "ns1", SessionID: "s1"})
	everything := subscribe(d, &Conn{Namespace: "ns1", All: true})

	d.Broadcast(model.SyncEvent{Type: model.EventReviewSyncStatus, Namespace: "ns1", SessionID: "s1"})

	require.Len(t, viewer.eventsOfType(t, model.EventReviewSyncStatus), 1)
	require.Empty(t, everything.eventsOfType(t, model.EventReviewSyncStatus))
}

func TestDistributor_GroupMessageOnlyToGroupPin(t *testing.T) {
	d := newTestDistributor()
	member := subscribe(d, &Conn{Namespace: "ns1", GroupID: "g1"})
	everything := subscribe(d, &Conn{Namespace: "ns1", All: true})

	d.BroadcastGroup("g1", model.SyncEvent{Type: model.EventGroupMessage, Namespace: "ns1"})

	require.Len(t, member.eventsOfType(t, model.EventGroupMessage), 1)
	require.Empty(t, everything.eventsOfType(t, model.EventGroupMessage))
}

func TestDistributor_FailedWriteDropsConnection(t *testing.T) {
	d := newTestDistributor()
	conn := &Conn{Namespace: "ns1", All: true}
	w := subscribe(d, conn)
	healthy := subscribe(d, &Conn{Namespace: "ns1", All: true})

	w.fail()
	d.Broadcast(model.SyncEvent{Type: model.EventSessionUpdated, Namespace: "ns1", SessionID: "s1"})

	require.True(t, w.isClosed(), "failed subscriber is closed and removed")
	require.Len(t, healthy.eventsOfType(t, model.EventSessionUpdated), 1)

	// The dropped connection stays gone.
	w2 := subscribe(d, &Conn{Namespace: "ns1", All: true})
	d.Broadcast(model.SyncEvent{Type: model.EventSessionUpdated, Namespace: "ns1", SessionID: "s2"})
	require.Len(t, w2.eventsOfType(t, model.EventSessionUpdated), 1)
}

func TestDistributor_PresenceOnSubscribeAndUnsubscribe(t *testing.T) {
	d := newTestDistributor()
	w1 := subscribe(d, &Conn{Namespace: "ns1", All: true, ClientID: "c1", Email: "a@example.com"})

	conn2 := &Conn{Namespace: "ns1", All: true, ClientID: "c2"}
	subscribe(d, conn2)

	presence := w1.eventsOfType(t, model.EventOnlineUsersChanged)
	require.NotEmpty(t, presence)
	require.Len(t, presence[len(presence)-1].Users, 2)

	d.Unsubscribe(conn2)
	presence = w1.eventsOfType(t, model.EventOnlineUsersChanged)
	require.Len(t, presence[len(presence)-1].Users, 1)
	require.Equal(t, "c1", presence[len(presence)-1].Users[0].ClientID)
}

func TestDistributor_HeartbeatLifecycle(t *testing.T) {
	d := New(20 * time.Millisecond)
	conn := &Conn{Namespace: "ns1", All: true}
	w := subscribe(d, conn)

	require.Eventually(t, func() bool {
		return w.heartbeatCount() > 0
	}, time.Second, 5*time.Millisecond, "heartbeat ticker starts with the first subscriber")

	d.Unsubscribe(conn)
	require.True(t, w.isClosed())

	// Let any in-flight tick land, then verify the ticker stopped.
	time.Sleep(50 * time.Millisecond)
	count := w.heartbeatCount()
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, count, w.heartbeatCount(), "no heartbeats after the table empties")
}

func TestDistributor_PresenceDedupesByClientID(t *testing.T) {
	d := newTestDistributor()
	w := subscribe(d, &Conn{Namespace: "ns1", All: true, ClientID: "c1"})

	// Same client on a second device connection.
	subscribe(d, &Conn{Namespace: "ns1", All: true, ClientID: "c1"})
	anonymous := &Conn{Namespace: "ns1", All: true}
	subscribe(d, anonymous)

	presence := w.eventsOfType(t, model.EventOnlineUsersChanged)
	require.NotEmpty(t, presence)
	require.Len(t, presence[len(presence)-1].Users, 1, "duplicate clients and anonymous connections stay out of presence")
}
