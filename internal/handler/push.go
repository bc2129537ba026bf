package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"sync-server/internal/middleware"
	"sync-server/internal/store"
)

type PushHandler struct {
	Store *store.Store
}

// Register subscribes a chat or client recipient to task-completion
// notifications for the namespace.
func (h *PushHandler) Register(c *gin.Context) {
	ns, ok := middleware.NamespaceFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body struct {
		ChatID   string `json:"chatId"`
		ClientID string `json:"clientId"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || (body.ChatID == "" && body.ClientID == "") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	if body.ChatID != "" {
		h.Store.AddChatRecipient(ns, body.ChatID)
	}
	if body.ClientID != "" {
		h.Store.AddClientRecipient(ns, body.ClientID)
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *PushHandler) Unregister(c *gin.Context) {
	ns, ok := middleware.NamespaceFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	clientID := c.Param("clientId")
	if clientID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing clientId"})
		return
	}
	h.Store.RemoveClientRecipient(ns, clientID)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
