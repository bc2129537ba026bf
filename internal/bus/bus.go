// Package bus is the synchronous in-process event fabric of the sync
// engine. Local subscribers run on the emitting goroutine; the public
// projection of each event is then handed to the SSE distributor.
package bus

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"sync-server/internal/model"
)

// Listener receives every emitted event. Listeners run synchronously on
// the emitter's goroutine and must not call back into the engine.
type Listener func(model.SyncEvent)

type listenerEntry struct {
	id uint64
	fn Listener
}

// NamespaceResolver fills in a missing event namespace from the referenced
// session or machine.
type NamespaceResolver interface {
	SessionNamespace(sessionID string) (string, bool)
	MachineNamespace(machineID string) (string, bool)
}

// GroupStore is the group membership/message collaborator used for
// mirroring agent output into group feeds.
type GroupStore interface {
	ListGroupsForSession(namespace, sessionID string) []model.SessionGroup
	AppendGroupMessage(namespace, groupID, sessionID, text string, nowMillis int64) (model.GroupMessage, error)
}

// Distributor receives the public projection of every event.
type Distributor interface {
	Broadcast(ev model.SyncEvent)
}

type Bus struct {
	mu        sync.RWMutex
	listeners []listenerEntry
	nextID    uint64

	resolver NamespaceResolver
	groups   GroupStore
	dist     Distributor

	log zerolog.Logger
	now func() time.Time
}

type Deps struct {
	Resolver    NamespaceResolver
	Groups      GroupStore
	Distributor Distributor
	Now         func() time.Time
}

func New(deps Deps) *Bus {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Bus{
		resolver: deps.Resolver,
		groups:   deps.Groups,
		dist:     deps.Distributor,
		log:      zerolog.New(os.Stderr).With().Timestamp().Str("component", "bus").Logger(),
		now:      now,
	}
}

// Subscribe registers a local listener and returns its unsubscribe func.
func (b *Bus) Subscribe(fn Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, listenerEntry{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, entry := range b.listeners {
			if entry.id == id {
				b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
				return
			}
		}
	}
}

// Emit delivers the event to every local listener in order, then hands the
// public projection to the distributor. A listener panic is logged and
// never aborts delivery to the remaining listeners.
func (b *Bus) Emit(ev model.SyncEvent) {
	if ev.Namespace == "" && b.resolver != nil {
		if ev.SessionID != "" {
			if ns, ok := b.resolver.SessionNamespace(ev.SessionID); ok {
				ev.Namespace = ns
			}
		} else if ev.MachineID != "" {
			if ns, ok := b.resolver.MachineNamespace(ev.MachineID); ok {
				ev.Namespace = ns
			}
		}
	}

	b.mu.RLock()
	listeners := make([]Listener, 0, len(b.listeners))
	for _, entry := range b.listeners {
		listeners = append(listeners, entry.fn)
	}
	b.mu.RUnlock()

	for _, fn := range listeners {
		b.invoke(fn, ev)
	}

	b.mirrorToGroups(ev)

	if b.dist != nil {
		b.dist.Broadcast(ev.Public())
	}
}

func (b *Bus) invoke(fn Listener, ev model.SyncEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Interface("panic", r).Str("eventType", string(ev.Type)).Msg("subscriber panicked")
		}
	}()
	fn(ev)
}

// mirrorToGroups copies agent-authored message text into every group the
// session belongs to. Best-effort: failures are logged and isolated from
// the primary delivery.
func (b *Bus) mirrorToGroups(ev model.SyncEvent) {
	if ev.Type != model.EventMessageReceived || ev.AgentText == "" || ev.SessionID == "" {
		return
	}
	if b.groups == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Interface("panic", r).Str("sessionId", ev.SessionID).Msg("group fan-out panicked")
		}
	}()

	nowMillis := b.now().UnixMilli()
	for _, group := range b.groups.ListGroupsForSession(ev.Namespace, ev.SessionID) {
		msg, err := b.groups.AppendGroupMessage(ev.Namespace, group.ID, ev.SessionID, ev.AgentText, nowMillis)
		if err != nil {
			b.log.Warn().Err(err).Str("groupId", group.ID).Msg("group fan-out append failed")
			continue
		}
		if b.dist != nil {
			b.dist.Broadcast(model.SyncEvent{
				Type:         model.EventGroupMessage,
				Namespace:    ev.Namespace,
				GroupID:      group.ID,
				SessionID:    ev.SessionID,
				GroupMessage: &msg,
			})
		}
	}
}
