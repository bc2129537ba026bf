// Package sse tracks live event-stream subscribers and fans SyncEvents out
// to them under per-event visibility rules.
package sse

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"sync-server/internal/model"
)

// Writer receives fully-framed SSE bytes. Implementations must be safe to
// call from the distributor's goroutines.
type Writer interface {
	Write(frame []byte) error
	Close() error
}

// Conn is one subscriber connection, pinned to a namespace and optionally
// to a session, machine or group, or subscribed to everything in its
// namespace via All.
type Conn struct {
	Namespace string
	SessionID string
	MachineID string
	GroupID   string
	All       bool

	Email      string
	ClientID   string
	DeviceType string

	Writer Writer
}

type Distributor struct {
	mu    sync.Mutex
	conns map[*Conn]struct{}

	heartbeatInterval time.Duration
	heartbeatStop     chan struct{}

	log zerolog.Logger
}

func New(heartbeatInterval time.Duration) *Distributor {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 30 * time.Second
	}
	return &Distributor{
		conns:             make(map[*Conn]struct{}),
		heartbeatInterval: heartbeatInterval,
		log:               zerolog.New(os.Stderr).With().Timestamp().Str("component", "sse").Logger(),
	}
}

// Subscribe registers the connection and broadcasts updated presence to the
// namespace. The heartbeat timer starts with the first subscriber.
func (d *Distributor) Subscribe(c *Conn) {
	d.mu.Lock()
	d.conns[c] = struct{}{}
	if d.heartbeatStop == nil {
		d.heartbeatStop = make(chan struct{})
		go d.heartbeatLoop(d.heartbeatStop)
	}
	users := d.onlineUsersLocked(c.Namespace)
	d.mu.Unlock()

	d.broadcastPresence(c.Namespace, users)
}

// Unsubscribe removes the connection; the heartbeat timer stops when the
// table empties.
func (d *Distributor) Unsubscribe(c *Conn) {
	d.mu.Lock()
	_, present := d.conns[c]
	delete(d.conns, c)
	if len(d.conns) == 0 && d.heartbeatStop != nil {
		close(d.heartbeatStop)
		d.heartbeatStop = nil
	}
	users := d.onlineUsersLocked(c.Namespace)
	d.mu.Unlock()

	if present {
		_ = c.Writer.Close()
		d.broadcastPresence(c.Namespace, users)
	}
}

// Broadcast delivers the event to every eligible connection. Delivery is
// fire-and-forget per connection: a failed write unsubscribes that one
// connection and the rest are unaffected.
func (d *Distributor) Broadcast(ev model.SyncEvent) {
	frame, err := eventFrame(ev)
	if err != nil {
		d.log.Error().Err(err).Str("eventType", string(ev.Type)).Msg("event marshal failed")
		return
	}

	for _, c := range d.snapshot() {
		if !shouldDeliver(c, ev) {
			continue
		}
		if err := c.Writer.Write(frame); err != nil {
			d.log.Warn().Err(err).Str("eventType", string(ev.Type)).Msg("subscriber write failed, dropping connection")
			d.Unsubscribe(c)
		}
	}
}

// shouldDeliver is the per-connection visibility filter.
func shouldDeliver(c *Conn, ev model.SyncEvent) bool {
	// connection-changed is the only event that crosses namespaces.
	if ev.Type == model.EventConnectionChanged {
		return true
	}
	if ev.Namespace != c.Namespace {
		return false
	}

	switch ev.Type {
	case model.EventMessageReceived:
		return ev.SessionID != "" && c.SessionID == ev.SessionID

	case model.EventTypingChanged:
		if ev.SessionID == "" || c.SessionID != ev.SessionID {
			return false
		}
		return ev.Typing == nil || c.ClientID != ev.Typing.ClientID

	case model.EventSessionUpdated:
		if data, ok := ev.Data.(model.SessionEventData); ok && data.WasThinking {
			// Task-completion updates route strictly: the viewer of the
			// session, or an explicit recipient list. Fail closed.
			if c.SessionID == ev.SessionID {
				return true
			}
			for _, clientID := range data.RecipientClientIDs {
				if clientID != "" && clientID == c.ClientID {
					return true
				}
			}
			return false
		}

	case model.EventReviewSyncStatus:
		return ev.SessionID != "" && c.SessionID == ev.SessionID

	case model.EventGroupMessage:
		return ev.GroupID != "" && c.GroupID == ev.GroupID
	}

	if c.All {
		return true
	}
	if ev.SessionID != "" && c.SessionID == ev.SessionID {
		return true
	}
	if ev.MachineID != "" && c.MachineID == ev.MachineID {
		return true
	}
	return false
}

// BroadcastGroup pushes an event to the connections pinned to a group.
func (d *Distributor) BroadcastGroup(groupID string, ev model.SyncEvent) {
	ev.GroupID = groupID
	d.Broadcast(ev)
}

func (d *Distributor) snapshot() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	conns := make([]*Conn, 0, len(d.conns))
	for c := range d.conns {
		conns = append(conns, c)
	}
	return conns
}

// onlineUsersLocked deduplicates the namespace's presence list by clientId.
func (d *Distributor) onlineUsersLocked(namespace string) []model.OnlineUser {
	seen := make(map[string]struct{})
	users := make([]model.OnlineUser, 0)
	for c := range d.conns {
		if c.Namespace != namespace || c.ClientID == "" {
			continue
		}
		if _, dup := seen[c.ClientID]; dup {
			continue
		}
		seen[c.ClientID] = struct{}{}
		users = append(users, model.OnlineUser{Email: c.Email, ClientID: c.ClientID, DeviceType: c.DeviceType})
	}
	return users
}

func (d *Distributor) broadcastPresence(namespace string, users []model.OnlineUser) {
	d.Broadcast(model.SyncEvent{
		Type:      model.EventOnlineUsersChanged,
		Namespace: namespace,
		Users:     users,
	})
}

func (d *Distributor) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(d.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, c := range d.snapshot() {
				if err := c.Writer.Write(heartbeatFrame); err != nil {
					d.Unsubscribe(c)
				}
			}
		}
	}
}

var heartbeatFrame = []byte(": heartbeat\n\n")

func eventFrame(ev model.SyncEvent) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: message\ndata: %s\n\n", data)), nil
}
