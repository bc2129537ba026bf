// Package engine maintains the authoritative in-memory state for sessions
// and machines, merges liveness signals from the transport, and emits
// change events. All registry mutation is serialized behind one mutex;
// event emission happens on the mutating goroutine, so bus subscribers
// must not call back into the engine.
package engine

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"sync-server/internal/bus"
	"sync-server/internal/config"
	"sync-server/internal/model"
	"sync-server/internal/push"
	"sync-server/internal/rpc"
	"sync-server/internal/store"
)

// Realtime pushes updates to the connected agent over the live transport.
type Realtime interface {
	PushSessionMessage(namespace, sessionID string, msg model.SessionMessage)
}

type Engine struct {
	mu sync.Mutex

	store    *store.Store
	bus      *bus.Bus
	gateway  *rpc.Gateway
	push     *push.Gate
	realtime Realtime
	policy   config.SyncPolicy

	sessions map[string]*model.Session
	machines map[string]*model.Machine

	lastBroadcast   map[string]time.Time
	todosBackfilled map[string]struct{}
	pendingDeletion map[string]struct{}

	recentMessages map[string][]model.SessionMessage

	now func() time.Time
	log zerolog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

type Deps struct {
	Store    *store.Store
	Bus      *bus.Bus
	Gateway  *rpc.Gateway
	Push     *push.Gate
	Realtime Realtime
	Policy   config.SyncPolicy
	Now      func() time.Time
}

func New(deps Deps) *Engine {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:           deps.Store,
		bus:             deps.Bus,
		gateway:         deps.Gateway,
		push:            deps.Push,
		realtime:        deps.Realtime,
		policy:          deps.Policy,
		sessions:        make(map[string]*model.Session),
		machines:        make(map[string]*model.Machine),
		lastBroadcast:   make(map[string]time.Time),
		todosBackfilled: make(map[string]struct{}),
		pendingDeletion: make(map[string]struct{}),
		recentMessages:  make(map[string][]model.SessionMessage),
		now:             now,
		log:             zerolog.New(os.Stderr).With().Timestamp().Str("component", "engine").Logger(),
		stopCh:          make(chan struct{}),
	}
}

// SetRealtime wires the live transport after construction; the transport
// itself depends on the engine, so this breaks the cycle.
func (e *Engine) SetRealtime(rt Realtime) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.realtime = rt
}

// Start launches the liveness monitor.
func (e *Engine) Start() {
	go func() {
		ticker := time.NewTicker(e.policy.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-e.stopCh:
				return
			case <-ticker.C:
				e.sweep()
			}
		}
	}()
}

func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// Subscribe registers a local event listener.
func (e *Engine) Subscribe(fn bus.Listener) func() {
	return e.bus.Subscribe(fn)
}

// Emit publishes an event on behalf of a collaborator (review services,
// advisor automation). The engine's own emissions carry their namespace;
// the bus resolves it here if absent.
func (e *Engine) Emit(ev model.SyncEvent) {
	e.bus.Emit(ev)
}

// Gateway exposes the RPC-backed command set.
func (e *Engine) Gateway() *rpc.Gateway {
	return e.gateway
}

func (e *Engine) emitLocked(ev model.SyncEvent) {
	e.bus.Emit(ev)
}

// GetSession reconciles and returns a snapshot of the session.
func (e *Engine) GetSession(namespace, sessionID string) (model.Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sess := e.reconcileSessionLocked(namespace, sessionID)
	if sess == nil {
		return model.Session{}, false
	}
	return snapshotSession(sess), true
}

func (e *Engine) ListSessions(namespace string) []model.Session {
	rows := e.store.ListSessionRows(namespace)

	e.mu.Lock()
	defer e.mu.Unlock()

	result := make([]model.Session, 0, len(rows))
	for _, row := range rows {
		if sess := e.reconcileSessionLocked(namespace, row.ID); sess != nil {
			result = append(result, snapshotSession(sess))
		}
	}
	return result
}

func (e *Engine) GetMachine(namespace, machineID string) (model.Machine, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	m := e.reconcileMachineLocked(namespace, machineID)
	if m == nil {
		return model.Machine{}, false
	}
	return snapshotMachine(m), true
}

func (e *Engine) ListMachines(namespace string) []model.Machine {
	rows := e.store.ListMachineRows(namespace)

	e.mu.Lock()
	defer e.mu.Unlock()

	result := make([]model.Machine, 0, len(rows))
	for _, row := range rows {
		if m := e.reconcileMachineLocked(namespace, row.ID); m != nil {
			result = append(result, snapshotMachine(m))
		}
	}
	return result
}

func (e *Engine) GetMessagesPage(namespace, sessionID string, after int64, limit int) ([]model.SessionMessage, error) {
	return e.store.ListMessagesAfter(namespace, sessionID, after, limit)
}

// RecentMessages returns the bounded in-memory tail for a session, newest
// last.
func (e *Engine) RecentMessages(sessionID string) []model.SessionMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]model.SessionMessage(nil), e.recentMessages[sessionID]...)
}

func snapshotSession(s *model.Session) model.Session {
	out := *s
	out.Todos = append([]model.TodoItem(nil), s.Todos...)
	return out
}

func snapshotMachine(m *model.Machine) model.Machine {
	return *m
}
