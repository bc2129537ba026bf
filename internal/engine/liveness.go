package engine

import (
	"errors"

	"sync-server/internal/model"
)

// AliveOptions carries the optional fields of a session alive signal.
// Empty mode strings mean "not reported", not "clear".
type AliveOptions struct {
	Thinking        bool
	PermissionMode  string
	ModelMode       string
	ReasoningEffort string
}

// HandleSessionAlive applies a liveness report from the agent. The signal
// is dropped when the id is mid-deletion or the timestamp fails the
// clock-skew guard; otherwise the entity is reconciled or created, marked
// active, and a session-updated event is broadcast unless debounced.
func (e *Engine) HandleSessionAlive(namespace, sessionID string, timeMillis int64, opts AliveOptions) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, deleting := e.pendingDeletion[sessionID]; deleting {
		return
	}

	now := e.now()
	if !e.timestampValid(timeMillis, now.UnixMilli()) {
		return
	}

	sess := e.reconcileSessionLocked(namespace, sessionID)
	if sess == nil {
		if _, err := e.store.CreateSessionWithID(namespace, sessionID, now.UnixMilli()); err != nil {
			e.log.Warn().Err(err).Str("sessionId", sessionID).Msg("alive for uncreatable session")
			return
		}
		sess = e.reconcileSessionLocked(namespace, sessionID)
		if sess == nil {
			return
		}
	}

	wasActive := sess.Active
	wasThinking := sess.Thinking
	prevPermission := sess.PermissionMode
	prevModel := sess.ModelMode
	prevEffort := sess.ReasoningEffort

	sess.Active = true
	if timeMillis > sess.ActiveAt {
		sess.ActiveAt = timeMillis
	}
	sess.Thinking = opts.Thinking
	sess.ThinkingAt = timeMillis
	if opts.PermissionMode != "" {
		sess.PermissionMode = opts.PermissionMode
	}
	if opts.ModelMode != "" {
		sess.ModelMode = opts.ModelMode
	}
	if opts.ReasoningEffort != "" {
		sess.ReasoningEffort = opts.ReasoningEffort
	}

	modeChanged := sess.PermissionMode != prevPermission ||
		sess.ModelMode != prevModel ||
		sess.ReasoningEffort != prevEffort
	thinkingFlipped := sess.Thinking != wasThinking
	taskCompleted := wasThinking && !sess.Thinking

	broadcast := !wasActive || thinkingFlipped || modeChanged
	if !broadcast {
		last, seen := e.lastBroadcast[sessionID]
		broadcast = !seen || now.Sub(last) > e.policy.DebounceWindow
	}
	if !broadcast {
		return
	}
	e.lastBroadcast[sessionID] = now

	data := e.sessionEventData(sess)
	data.WasThinking = taskCompleted
	e.emitLocked(model.SyncEvent{
		Type:      model.EventSessionUpdated,
		Namespace: namespace,
		SessionID: sessionID,
		Data:      data,
	})

	if taskCompleted && e.push != nil {
		// Detached: the gate never blocks or fails the liveness update.
		e.push.NotifyTaskComplete(snapshotSession(sess))
	}
}

// HandleSessionEnd applies an explicit end-of-session signal.
func (e *Engine) HandleSessionEnd(namespace, sessionID string, timeMillis int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, deleting := e.pendingDeletion[sessionID]; deleting {
		return
	}

	sess := e.reconcileSessionLocked(namespace, sessionID)
	if sess == nil {
		return
	}
	if !sess.Active && !sess.Thinking {
		return
	}

	wasThinking := sess.Thinking
	sess.Active = false
	sess.Thinking = false
	sess.ThinkingAt = timeMillis
	e.lastBroadcast[sessionID] = e.now()

	data := e.sessionEventData(sess)
	data.WasThinking = wasThinking
	e.emitLocked(model.SyncEvent{
		Type:      model.EventSessionUpdated,
		Namespace: namespace,
		SessionID: sessionID,
		Data:      data,
	})
}

// HandleMachineAlive applies a daemon liveness report, creating the
// machine row on first reference.
func (e *Engine) HandleMachineAlive(namespace, machineID string, timeMillis int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, deleting := e.pendingDeletion[machineID]; deleting {
		return
	}

	now := e.now()
	if !e.timestampValid(timeMillis, now.UnixMilli()) {
		return
	}

	m := e.reconcileMachineLocked(namespace, machineID)
	if m == nil {
		if _, _, err := e.store.UpsertMachine(namespace, machineID, "", nil, now.UnixMilli()); err != nil {
			e.log.Warn().Err(err).Str("machineId", machineID).Msg("alive for uncreatable machine")
			return
		}
		m = e.reconcileMachineLocked(namespace, machineID)
		if m == nil {
			return
		}
	}

	wasActive := m.Active
	m.Active = true
	if timeMillis > m.ActiveAt {
		m.ActiveAt = timeMillis
	}

	broadcast := !wasActive
	if !broadcast {
		last, seen := e.lastBroadcast[machineID]
		broadcast = !seen || now.Sub(last) > e.policy.DebounceWindow
	}
	if !broadcast {
		return
	}
	e.lastBroadcast[machineID] = now

	e.emitLocked(model.SyncEvent{
		Type:      model.EventMachineUpdated,
		Namespace: namespace,
		MachineID: machineID,
		Data:      model.MachineEventData{Active: true, ActiveAt: m.ActiveAt},
	})
}

// HandleMachineEnd applies an explicit daemon shutdown signal.
func (e *Engine) HandleMachineEnd(namespace, machineID string, timeMillis int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, deleting := e.pendingDeletion[machineID]; deleting {
		return
	}

	m := e.reconcileMachineLocked(namespace, machineID)
	if m == nil || !m.Active {
		return
	}

	m.Active = false
	e.lastBroadcast[machineID] = e.now()
	e.emitLocked(model.SyncEvent{
		Type:      model.EventMachineUpdated,
		Namespace: namespace,
		MachineID: machineID,
		Data:      model.MachineEventData{Active: false, ActiveAt: m.ActiveAt},
	})
}

// timestampValid is the clock-skew guard: a candidate more than the skew
// window in the past, or in the future, is rejected rather than applied.
func (e *Engine) timestampValid(timeMillis, nowMillis int64) bool {
	if timeMillis <= 0 {
		return false
	}
	if timeMillis > nowMillis {
		return false
	}
	if nowMillis-timeMillis > e.policy.SkewWindow.Milliseconds() {
		return false
	}
	return true
}

// sweep is the liveness monitor pass: the only mechanism that detects
// silent disconnects.
func (e *Engine) sweep() {
	e.mu.Lock()
	defer e.mu.Unlock()

	nowMillis := e.now().UnixMilli()

	sessionCutoff := nowMillis - e.policy.SessionTimeout.Milliseconds()
	for id, sess := range e.sessions {
		if !sess.Active || sess.ActiveAt >= sessionCutoff {
			continue
		}
		sess.Active = false
		sess.Thinking = false
		e.lastBroadcast[id] = e.now()
		e.emitLocked(model.SyncEvent{
			Type:      model.EventSessionUpdated,
			Namespace: sess.Namespace,
			SessionID: id,
			Data:      e.sessionEventData(sess),
		})
	}

	machineCutoff := nowMillis - e.policy.MachineTimeout.Milliseconds()
	for id, m := range e.machines {
		if !m.Active || m.ActiveAt >= machineCutoff {
			continue
		}
		m.Active = false
		e.lastBroadcast[id] = e.now()
		e.emitLocked(model.SyncEvent{
			Type:      model.EventMachineUpdated,
			Namespace: m.Namespace,
			MachineID: id,
			Data:      model.MachineEventData{Active: false, ActiveAt: m.ActiveAt},
		})
	}
}

// DeleteSession removes a session everywhere. The id is parked in the
// pending-deletion set first so a racing liveness signal cannot resurrect
// the entity mid-delete; the marker clears when deletion completes or
// fails.
func (e *Engine) DeleteSession(namespace, sessionID string) error {
	e.mu.Lock()
	if _, inFlight := e.pendingDeletion[sessionID]; inFlight {
		e.mu.Unlock()
		return errors.New("deletion already in progress")
	}
	e.pendingDeletion[sessionID] = struct{}{}
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.pendingDeletion, sessionID)
		e.mu.Unlock()
	}()

	// Ask the agent to shut down first. Best-effort: a dead agent is the
	// common reason for deleting.
	if e.gateway != nil {
		if _, err := e.gateway.SessionRPC(sessionID, "abort", map[string]any{}); err != nil {
			e.log.Debug().Err(err).Str("sessionId", sessionID).Msg("abort before delete failed")
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.store.DeleteSession(namespace, sessionID, e.now().UnixMilli()) {
		return errors.New("session not found")
	}
	delete(e.sessions, sessionID)
	delete(e.lastBroadcast, sessionID)
	delete(e.recentMessages, sessionID)

	e.emitLocked(model.SyncEvent{
		Type:      model.EventSessionRemoved,
		Namespace: namespace,
		SessionID: sessionID,
	})
	return nil
}
