package handler

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"sync-server/internal/middleware"
	"sync-server/internal/sse"
)

type EventsHandler struct {
	Distributor *sse.Distributor
}

// Serve upgrades the request to a server-sent event stream and registers it
// with the distributor. The handler blocks until the client goes away or
// the distributor drops the connection after a failed write.
func (h *EventsHandler) Serve(c *gin.Context) {
	ns, ok := middleware.NamespaceFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Streaming unsupported"})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	w := &streamWriter{w: c.Writer, flusher: flusher, done: make(chan struct{})}
	conn := &sse.Conn{
		Namespace:  ns,
		SessionID:  c.Query("sessionId"),
		MachineID:  c.Query("machineId"),
		GroupID:    c.Query("groupId"),
		All:        c.Query("all") == "true",
		Email:      c.Query("email"),
		ClientID:   c.Query("clientId"),
		DeviceType: c.Query("deviceType"),
		Writer:     w,
	}

	h.Distributor.Subscribe(conn)
	defer h.Distributor.Unsubscribe(conn)

	select {
	case <-c.Request.Context().Done():
	case <-w.done:
	}
}

// streamWriter adapts the gin response writer to the distributor's Writer.
// Writes happen on distributor goroutines, so they are serialized here.
type streamWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher

	closeOnce sync.Once
	done      chan struct{}
}

func (s *streamWriter) Write(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return http.ErrHandlerTimeout
	default:
	}
	if _, err := s.w.Write(frame); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *streamWriter) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
