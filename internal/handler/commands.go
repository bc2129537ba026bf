package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"sync-server/internal/engine"
	"sync-server/internal/middleware"
	"sync-server/internal/rpc"
)

// CommandHandler exposes the agent command surface: every route is one RPC
// through the gateway to the session or machine that registered the
// capability.
type CommandHandler struct {
	Engine *engine.Engine
}

func rpcError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, rpc.ErrHandlerNotRegistered):
		c.JSON(http.StatusNotFound, gin.H{"error": "No handler registered"})
	case errors.Is(err, rpc.ErrDisconnected):
		c.JSON(http.StatusConflict, gin.H{"error": "Agent disconnected"})
	case errors.Is(err, rpc.ErrTimeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "Agent did not respond"})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	}
}

func (h *CommandHandler) requireSession(c *gin.Context) (string, bool) {
	ns, ok := middleware.NamespaceFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return "", false
	}
	sessionID := c.Param("id")
	if _, ok := h.Engine.GetSession(ns, sessionID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return "", false
	}
	return sessionID, true
}

func (h *CommandHandler) Permission(c *gin.Context) {
	sessionID, ok := h.requireSession(c)
	if !ok {
		return
	}

	var body struct {
		RequestID string `json:"requestId"`
		Approve   bool   `json:"approve"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.RequestID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	var err error
	if body.Approve {
		err = h.Engine.Gateway().ApprovePermission(sessionID, body.RequestID)
	} else {
		err = h.Engine.Gateway().DenyPermission(sessionID, body.RequestID)
	}
	if err != nil {
		rpcError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *CommandHandler) Abort(c *gin.Context) {
	sessionID, ok := h.requireSession(c)
	if !ok {
		return
	}
	if err := h.Engine.Gateway().Abort(sessionID); err != nil {
		rpcError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *CommandHandler) SetMode(c *gin.Context) {
	sessionID, ok := h.requireSession(c)
	if !ok {
		return
	}

	var body struct {
		PermissionMode  string `json:"permissionMode"`
		ModelMode       string `json:"modelMode"`
		ReasoningEffort string `json:"reasoningEffort"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || (body.PermissionMode == "" && body.ModelMode == "") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	if body.PermissionMode != "" {
		if err := h.Engine.Gateway().SetPermissionMode(sessionID, body.PermissionMode); err != nil {
			rpcError(c, err)
			return
		}
	}
	if body.ModelMode != "" {
		if err := h.Engine.Gateway().SetModelMode(sessionID, body.ModelMode, body.ReasoningEffort); err != nil {
			rpcError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *CommandHandler) Spawn(c *gin.Context) {
	ns, ok := middleware.NamespaceFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	machineID := c.Param("id")
	if _, ok := h.Engine.GetMachine(ns, machineID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Machine not found"})
		return
	}

	var body struct {
		Directory string `json:"directory"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Directory == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	result, err := h.Engine.Gateway().SpawnSession(machineID, body.Directory)
	if err != nil {
		rpcError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": result.SessionID})
}

func (h *CommandHandler) GitStatus(c *gin.Context) {
	sessionID, ok := h.requireSession(c)
	if !ok {
		return
	}
	status, err := h.Engine.Gateway().GitStatus(sessionID)
	if err != nil {
		rpcError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

func (h *CommandHandler) Usage(c *gin.Context) {
	sessionID, ok := h.requireSession(c)
	if !ok {
		return
	}
	usage, err := h.Engine.Gateway().Usage(sessionID)
	if err != nil {
		rpcError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"usage": usage})
}
