package engine

import (
	"encoding/json"
	"errors"
	"strings"

	"sync-server/internal/model"
)

const (
	recentMessageCap        = 200
	advisorCompactThreshold = 50
	advisorRole             = "advisor"
)

// SendMessage persists a user-authored message, pushes it to the connected
// agent in realtime, and emits message-received. Long-running advisor
// sessions get a synthesized /compact command first once their history
// grows past the threshold.
func (e *Engine) SendMessage(namespace, sessionID, content string) (model.SessionMessage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sess := e.reconcileSessionLocked(namespace, sessionID)
	if sess == nil {
		return model.SessionMessage{}, errors.New("session not found")
	}

	if e.shouldCompactLocked(sess, content) {
		compact, err := json.Marshal(model.MessageEnvelope{T: model.MessageUser, Text: "/compact"})
		if err == nil {
			if _, err := e.appendMessageLocked(namespace, sessionID, string(compact)); err != nil {
				e.log.Warn().Err(err).Str("sessionId", sessionID).Msg("auto-compact send failed")
			}
		}
	}

	return e.appendMessageLocked(namespace, sessionID, content)
}

func (e *Engine) shouldCompactLocked(sess *model.Session, content string) bool {
	if sess.Metadata == nil || sess.Metadata.Role != advisorRole {
		return false
	}
	if e.store.CountMessages(sess.Namespace, sess.ID) <= advisorCompactThreshold {
		return false
	}
	env := model.ParseMessageEnvelope(content)
	if env != nil && strings.HasPrefix(env.Text, "/") {
		return false
	}
	return true
}

func (e *Engine) appendMessageLocked(namespace, sessionID, content string) (model.SessionMessage, error) {
	msg, err := e.store.AppendMessage(namespace, sessionID, content, e.now().UnixMilli())
	if err != nil {
		return model.SessionMessage{}, err
	}

	if e.realtime != nil {
		e.realtime.PushSessionMessage(namespace, sessionID, msg)
	}

	e.cacheMessageLocked(sessionID, msg)

	e.emitLocked(model.SyncEvent{
		Type:      model.EventMessageReceived,
		Namespace: namespace,
		SessionID: sessionID,
		Message:   messagePayload(msg),
	})
	return msg, nil
}

// HandleAgentMessage ingests a message authored by the agent itself. The
// extracted text rides on the event so the bus can mirror it into group
// feeds.
func (e *Engine) HandleAgentMessage(namespace, sessionID, content string) (model.SessionMessage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.reconcileSessionLocked(namespace, sessionID) == nil {
		return model.SessionMessage{}, errors.New("session not found")
	}

	msg, err := e.store.AppendMessage(namespace, sessionID, content, e.now().UnixMilli())
	if err != nil {
		return model.SessionMessage{}, err
	}

	e.cacheMessageLocked(sessionID, msg)

	var agentText string
	if env := model.ParseMessageEnvelope(content); env != nil && env.T == model.MessageAgent {
		agentText = env.Text
	}

	e.emitLocked(model.SyncEvent{
		Type:      model.EventMessageReceived,
		Namespace: namespace,
		SessionID: sessionID,
		Message:   messagePayload(msg),
		AgentText: agentText,
	})
	return msg, nil
}

// ClearMessages drops a session's history and notifies viewers.
func (e *Engine) ClearMessages(namespace, sessionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.store.ClearMessages(namespace, sessionID) {
		return errors.New("session not found")
	}
	delete(e.recentMessages, sessionID)

	e.emitLocked(model.SyncEvent{
		Type:      model.EventMessagesCleared,
		Namespace: namespace,
		SessionID: sessionID,
	})
	return nil
}

// HandleTyping forwards a typing indicator to the session's viewers. The
// distributor excludes the sender's own connection.
func (e *Engine) HandleTyping(namespace, sessionID string, info model.TypingInfo) {
	e.bus.Emit(model.SyncEvent{
		Type:      model.EventTypingChanged,
		Namespace: namespace,
		SessionID: sessionID,
		Typing:    &info,
	})
}

func (e *Engine) cacheMessageLocked(sessionID string, msg model.SessionMessage) {
	cache := append(e.recentMessages[sessionID], msg)
	if len(cache) > recentMessageCap {
		cache = cache[len(cache)-recentMessageCap:]
	}
	e.recentMessages[sessionID] = cache
}

func messagePayload(msg model.SessionMessage) *model.MessagePayload {
	return &model.MessagePayload{
		ID:        msg.ID,
		Seq:       msg.Seq,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
	}
}
