// Package push is the rate-limited, best-effort side channel fired when a
// session finishes a task. Delivery never blocks or fails the liveness
// update that triggered it.
package push

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"sync-server/internal/model"
)

// Payload is the normalized notification handed to the deliverer.
type Payload struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Icon  string            `json:"icon,omitempty"`
	Tag   string            `json:"tag,omitempty"`
	Data  map[string]string `json:"data,omitempty"`
}

// Deliverer is the external push-delivery collaborator.
type Deliverer interface {
	SendToChat(chatID string, p Payload) error
	SendToClient(clientID string, p Payload) error
}

// RecipientSource resolves who should be notified for a namespace.
type RecipientSource interface {
	ListPushRecipients(namespace string) (chats []string, clients []string)
}

type Gate struct {
	mu       sync.Mutex
	lastSent map[string]time.Time

	minInterval time.Duration
	deliverer   Deliverer
	recipients  RecipientSource

	log zerolog.Logger
	now func() time.Time
}

type Deps struct {
	MinInterval time.Duration
	Deliverer   Deliverer
	Recipients  RecipientSource
	Now         func() time.Time
}

func NewGate(deps Deps) *Gate {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Gate{
		lastSent:    make(map[string]time.Time),
		minInterval: deps.MinInterval,
		deliverer:   deps.Deliverer,
		recipients:  deps.Recipients,
		log:         zerolog.New(os.Stderr).With().Timestamp().Str("component", "push").Logger(),
		now:         now,
	}
}

// NotifyTaskComplete dispatches a completion notification for the session
// unless one was sent within the minimum interval. Delivery happens off
// the caller's path; failures are logged and dropped.
func (g *Gate) NotifyTaskComplete(sess model.Session) {
	if g == nil || g.deliverer == nil {
		return
	}

	g.mu.Lock()
	now := g.now()
	if last, ok := g.lastSent[sess.ID]; ok && now.Sub(last) < g.minInterval {
		g.mu.Unlock()
		return
	}
	g.lastSent[sess.ID] = now
	g.mu.Unlock()

	payload := buildPayload(sess)
	chats, clients := []string(nil), []string(nil)
	if g.recipients != nil {
		chats, clients = g.recipients.ListPushRecipients(sess.Namespace)
	}

	go g.deliver(sess.ID, payload, chats, clients)
}

func (g *Gate) deliver(sessionID string, payload Payload, chats, clients []string) {
	for _, chatID := range chats {
		if err := g.deliverer.SendToChat(chatID, payload); err != nil {
			g.log.Warn().Err(err).Str("sessionId", sessionID).Str("chatId", chatID).Msg("push delivery failed")
		}
	}
	for _, clientID := range clients {
		if err := g.deliverer.SendToClient(clientID, payload); err != nil {
			g.log.Warn().Err(err).Str("sessionId", sessionID).Str("clientId", clientID).Msg("push delivery failed")
		}
	}
}

func buildPayload(sess model.Session) Payload {
	title := "Task complete"
	if sess.Metadata != nil {
		if sess.Metadata.Name != "" {
			title = sess.Metadata.Name
		} else if sess.Metadata.Path != "" {
			title = sess.Metadata.Path
		}
	}
	body := "The agent finished working"
	if sess.Metadata != nil && sess.Metadata.Summary != "" {
		body = sess.Metadata.Summary
	}
	return Payload{
		Title: title,
		Body:  body,
		Icon:  "task-complete",
		Tag:   "session-" + sess.ID,
		Data:  map[string]string{"sessionId": sess.ID, "namespace": sess.Namespace},
	}
}
