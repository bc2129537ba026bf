package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"sync-server/internal/engine"
	"sync-server/internal/middleware"
	"sync-server/internal/model"
	"sync-server/internal/store"
)

type MachineHandler struct {
	Engine *engine.Engine
	Store  *store.Store
}

func machineJSON(m model.Machine) gin.H {
	out := gin.H{
		"id":                 m.ID,
		"metadataVersion":    m.MetadataVersion,
		"daemonStateVersion": m.DaemonStateVersion,
		"active":             m.Active,
		"activeAt":           m.ActiveAt,
		"createdAt":          m.CreatedAt,
		"updatedAt":          m.UpdatedAt,
	}
	if m.Metadata != nil {
		out["metadata"] = m.Metadata
	}
	if m.DaemonState != nil {
		out["daemonState"] = *m.DaemonState
	}
	return out
}

func (h *MachineHandler) List(c *gin.Context) {
	ns, ok := middleware.NamespaceFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	machines := h.Engine.ListMachines(ns)
	out := make([]gin.H, 0, len(machines))
	for _, m := range machines {
		out = append(out, machineJSON(m))
	}
	c.JSON(http.StatusOK, gin.H{"machines": out})
}

func (h *MachineHandler) Get(c *gin.Context) {
	ns, ok := middleware.NamespaceFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	m, ok := h.Engine.GetMachine(ns, c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Machine not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"machine": machineJSON(m)})
}

func (h *MachineHandler) Upsert(c *gin.Context) {
	ns, ok := middleware.NamespaceFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body struct {
		ID          string  `json:"id"`
		Metadata    string  `json:"metadata"`
		DaemonState *string `json:"daemonState"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	_, _, err := h.Store.UpsertMachine(ns, body.ID, body.Metadata, body.DaemonState, time.Now().UnixMilli())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to upsert machine"})
		return
	}

	m, ok := h.Engine.ReconcileMachine(ns, body.ID)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to upsert machine"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"machine": machineJSON(m)})
}
