package engine

import (
	"encoding/json"

	"sync-server/internal/model"
)

// todosBackfillScan bounds the backward message scan when a session row has
// no todos column yet.
const todosBackfillScan = 200

// ReconcileSession refreshes the in-memory session from its persisted row
// and returns a snapshot, or false when the row is gone.
func (e *Engine) ReconcileSession(namespace, sessionID string) (model.Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sess := e.reconcileSessionLocked(namespace, sessionID)
	if sess == nil {
		return model.Session{}, false
	}
	return snapshotSession(sess), true
}

// reconcileSessionLocked merges the persisted row into the registry.
// Server-origin fields are replaced wholesale; liveness fields are
// preserved from the in-memory copy since the persistence layer does not
// own them.
func (e *Engine) reconcileSessionLocked(namespace, sessionID string) *model.Session {
	row, ok := e.store.GetSessionRow(namespace, sessionID)
	if !ok {
		if _, had := e.sessions[sessionID]; had {
			delete(e.sessions, sessionID)
			delete(e.lastBroadcast, sessionID)
			delete(e.recentMessages, sessionID)
			e.emitLocked(model.SyncEvent{
				Type:      model.EventSessionRemoved,
				Namespace: namespace,
				SessionID: sessionID,
			})
		}
		return nil
	}

	existing := e.sessions[sessionID]

	sess := &model.Session{
		ID:                row.ID,
		Namespace:         row.Namespace,
		Seq:               row.Seq,
		Metadata:          model.ParseSessionMetadata(row.Metadata),
		MetadataVersion:   row.MetadataVersion,
		AgentState:        model.ParseAgentState(row.AgentState),
		AgentStateVersion: row.AgentStateVersion,
		CreatedAt:         row.CreatedAt,
		UpdatedAt:         row.UpdatedAt,
	}

	if row.Todos != "" {
		sess.Todos = parseTodos(row.Todos)
	} else {
		sess.Todos = e.backfillTodosLocked(namespace, sessionID)
	}

	if existing != nil {
		sess.Active = existing.Active
		sess.ActiveAt = existing.ActiveAt
		sess.Thinking = existing.Thinking
		sess.ThinkingAt = existing.ThinkingAt
		sess.PermissionMode = existing.PermissionMode
		sess.ModelMode = existing.ModelMode
		sess.ReasoningEffort = existing.ReasoningEffort
	}

	e.sessions[sessionID] = sess

	if existing == nil {
		e.emitLocked(model.SyncEvent{
			Type:      model.EventSessionAdded,
			Namespace: namespace,
			SessionID: sessionID,
			Data:      e.sessionEventData(sess),
		})
	} else if rowChanged(existing, row) {
		e.emitLocked(model.SyncEvent{
			Type:      model.EventSessionUpdated,
			Namespace: namespace,
			SessionID: sessionID,
			Data:      e.sessionEventData(sess),
		})
	}

	return sess
}

// rowChanged reports whether the persisted row moved since the last
// reconcile; reads with no intervening write stay silent.
func rowChanged(existing *model.Session, row model.SessionRow) bool {
	return existing.Seq != row.Seq ||
		existing.MetadataVersion != row.MetadataVersion ||
		existing.AgentStateVersion != row.AgentStateVersion ||
		existing.UpdatedAt != row.UpdatedAt
}

// backfillTodosLocked scans the most recent stored messages backward for
// the newest structured todo update and persists it. Attempted at most
// once per session id.
func (e *Engine) backfillTodosLocked(namespace, sessionID string) []model.TodoItem {
	if _, done := e.todosBackfilled[sessionID]; done {
		return nil
	}
	e.todosBackfilled[sessionID] = struct{}{}

	for _, msg := range e.store.ListRecentMessages(namespace, sessionID, todosBackfillScan) {
		env := model.ParseMessageEnvelope(msg.Content)
		if env == nil || env.T != model.MessageTodo || len(env.Todos) == 0 {
			continue
		}
		raw, err := json.Marshal(env.Todos)
		if err != nil {
			return nil
		}
		e.store.SetSessionTodos(namespace, sessionID, string(raw), e.now().UnixMilli())
		return env.Todos
	}
	return nil
}

func parseTodos(raw string) []model.TodoItem {
	var todos []model.TodoItem
	if err := json.Unmarshal([]byte(raw), &todos); err != nil {
		return nil
	}
	return todos
}

func (e *Engine) sessionEventData(sess *model.Session) model.SessionEventData {
	return model.SessionEventData{
		Active:          sess.Active,
		ActiveAt:        sess.ActiveAt,
		Thinking:        sess.Thinking,
		PermissionMode:  sess.PermissionMode,
		ModelMode:       sess.ModelMode,
		ReasoningEffort: sess.ReasoningEffort,
		Todos:           sess.Todos,
	}
}

// ReconcileMachine refreshes the in-memory machine from its persisted row.
func (e *Engine) ReconcileMachine(namespace, machineID string) (model.Machine, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	m := e.reconcileMachineLocked(namespace, machineID)
	if m == nil {
		return model.Machine{}, false
	}
	return snapshotMachine(m), true
}

func (e *Engine) reconcileMachineLocked(namespace, machineID string) *model.Machine {
	row, ok := e.store.GetMachineRow(namespace, machineID)
	if !ok {
		delete(e.machines, machineID)
		delete(e.lastBroadcast, machineID)
		return nil
	}

	existing := e.machines[machineID]

	m := &model.Machine{
		ID:                 row.ID,
		Namespace:          row.Namespace,
		Metadata:           model.ParseMachineMetadata(row.Metadata),
		MetadataVersion:    row.MetadataVersion,
		DaemonState:        row.DaemonState,
		DaemonStateVersion: row.DaemonStateVersion,
		CreatedAt:          row.CreatedAt,
		UpdatedAt:          row.UpdatedAt,
	}

	if existing != nil {
		m.Active = existing.Active
		m.ActiveAt = existing.ActiveAt
	}

	e.machines[machineID] = m

	if existing != nil && existing.UpdatedAt != row.UpdatedAt {
		e.emitLocked(model.SyncEvent{
			Type:      model.EventMachineUpdated,
			Namespace: namespace,
			MachineID: machineID,
			Data:      model.MachineEventData{Active: m.Active, ActiveAt: m.ActiveAt},
		})
	}

	return m
}
