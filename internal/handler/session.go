package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"sync-server/internal/engine"
	"sync-server/internal/middleware"
	"sync-server/internal/model"
	"sync-server/internal/store"
)

type SessionHandler struct {
	Engine *engine.Engine
	Store  *store.Store
}

func sessionJSON(s model.Session) gin.H {
	out := gin.H{
		"id":                s.ID,
		"seq":               s.Seq,
		"metadataVersion":   s.MetadataVersion,
		"agentStateVersion": s.AgentStateVersion,
		"active":            s.Active,
		"activeAt":          s.ActiveAt,
		"thinking":          s.Thinking,
		"thinkingAt":        s.ThinkingAt,
		"createdAt":         s.CreatedAt,
		"updatedAt":         s.UpdatedAt,
	}
	if s.Metadata != nil {
		out["metadata"] = s.Metadata
	}
	if s.AgentState != nil {
		out["agentState"] = s.AgentState
	}
	if len(s.Todos) > 0 {
		out["todos"] = s.Todos
	}
	if s.PermissionMode != "" {
		out["permissionMode"] = s.PermissionMode
	}
	if s.ModelMode != "" {
		out["modelMode"] = s.ModelMode
	}
	if s.ReasoningEffort != "" {
		out["reasoningEffort"] = s.ReasoningEffort
	}
	return out
}

func messageJSON(m model.SessionMessage) gin.H {
	return gin.H{
		"id":        m.ID,
		"seq":       m.Seq,
		"content":   m.Content,
		"createdAt": m.CreatedAt,
	}
}

func (h *SessionHandler) List(c *gin.Context) {
	ns, ok := middleware.NamespaceFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	sessions := h.Engine.ListSessions(ns)
	out := make([]gin.H, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionJSON(s))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (h *SessionHandler) Get(c *gin.Context) {
	ns, ok := middleware.NamespaceFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	sess, ok := h.Engine.GetSession(ns, c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sessionJSON(sess)})
}

func (h *SessionHandler) Create(c *gin.Context) {
	ns, ok := middleware.NamespaceFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body struct {
		Metadata   string  `json:"metadata"`
		AgentState *string `json:"agentState"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	row, err := h.Store.CreateSession(ns, body.Metadata, body.AgentState, nowMillis())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create session"})
		return
	}

	sess, ok := h.Engine.ReconcileSession(ns, row.ID)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sessionJSON(sess)})
}

func (h *SessionHandler) Delete(c *gin.Context) {
	ns, ok := middleware.NamespaceFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	if err := h.Engine.DeleteSession(ns, c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *SessionHandler) Messages(c *gin.Context) {
	ns, ok := middleware.NamespaceFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	after, _ := strconv.ParseInt(c.DefaultQuery("after", "0"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	msgs, err := h.Engine.GetMessagesPage(ns, c.Param("id"), after, limit)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	out := make([]gin.H, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageJSON(m))
	}
	c.JSON(http.StatusOK, gin.H{"messages": out})
}

func (h *SessionHandler) SendMessage(c *gin.Context) {
	ns, ok := middleware.NamespaceFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	msg, err := h.Engine.SendMessage(ns, c.Param("id"), body.Content)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": messageJSON(msg)})
}

func (h *SessionHandler) ClearMessages(c *gin.Context) {
	ns, ok := middleware.NamespaceFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	if err := h.Engine.ClearMessages(ns, c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
