package http

import (
	"net/http"

	"github.com/dkeye/callhub/internal/app/orch"
	"github.com/dkeye/callhub/internal/domain"
	"github.com/gin-gonic/gin"
)

type handlers struct {
	orch *orch.Orchestrator
}

type PresenceResponse struct {
	ID      domain.UserID `json:"id"`
	Online  bool          `json:"online"`
	Devices int           `json:"devices"`
}

func (h *handlers) listRooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": h.orch.Rooms.List()})
}

func (h *handlers) presence(c *gin.Context) {
	id := domain.UserID(c.Param("id"))
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing id"})
		return
	}
	n := h.orch.Directory.Devices(id)
	c.JSON(http.StatusOK, PresenceResponse{ID: id, Online: n > 0, Devices: n})
}

// evictRoom ends a live room for every member.
func (h *handlers) evictRoom(c *gin.Context) {
	id := domain.RoomID(c.Param("id"))
	if _, ok := h.orch.Rooms.Get(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such room"})
		return
	}
	h.orch.EvictRoom(id)
	c.Status(http.StatusNoContent)
}
