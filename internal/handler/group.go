package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"sync-server/internal/middleware"
	"sync-server/internal/model"
	"sync-server/internal/store"
)

type GroupHandler struct {
	Store *store.Store
}

func groupJSON(g model.SessionGroup) gin.H {
	return gin.H{
		"id":        g.ID,
		"name":      g.Name,
		"members":   g.Members,
		"createdAt": g.CreatedAt,
	}
}

func (h *GroupHandler) Create(c *gin.Context) {
	ns, ok := middleware.NamespaceFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body struct {
		Name    string   `json:"name"`
		Members []string `json:"members"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	group, err := h.Store.CreateGroup(ns, body.Name, body.Members, nowMillis())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create group"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"group": groupJSON(group)})
}

func (h *GroupHandler) AddMember(c *gin.Context) {
	ns, ok := middleware.NamespaceFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body struct {
		SessionID string `json:"sessionId"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.SessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	if !h.Store.AddGroupMember(ns, c.Param("id"), body.SessionID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Group not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *GroupHandler) Messages(c *gin.Context) {
	ns, ok := middleware.NamespaceFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	if _, ok := h.Store.GetGroup(ns, c.Param("id")); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Group not found"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	msgs := h.Store.ListGroupMessages(ns, c.Param("id"), limit)
	out := make([]gin.H, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, gin.H{
			"id":        m.ID,
			"sessionId": m.SessionID,
			"text":      m.Text,
			"createdAt": m.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"messages": out})
}
