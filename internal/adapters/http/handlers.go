package http

import (
	"net/http"

	"github.com/dkeye/VideoPeers/internal/app/orch"
	"github.com/dkeye/VideoPeers/internal/core"
	"github.com/dkeye/VideoPeers/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type handlers struct {
	hub *orch.Orchestrator
}

type WhoAmIResponse struct {
	ClientToken  string           `json:"client_token"`
	Participants []core.SessionID `json:"participants"`
}

type RoomsResponse struct {
	Rooms []core.RoomInfo `json:"rooms"`
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"participants": h.hub.Registry.Count(),
	})
}

func (h *handlers) whoami(c *gin.Context) {
	token := c.GetString(tokenKey)
	sids := h.hub.Registry.SessionsOfToken(token)
	if sids == nil {
		sids = []core.SessionID{}
	}
	c.JSON(http.StatusOK, WhoAmIResponse{ClientToken: token, Participants: sids})
}

func (h *handlers) listRooms(c *gin.Context) {
	c.JSON(http.StatusOK, RoomsResponse{Rooms: h.hub.Rooms.List()})
}

func (h *handlers) room(c *gin.Context) (core.RoomService, bool) {
	name, err := domain.NewRoomName(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	rs, ok := h.hub.Rooms.Get(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": core.ErrRoomNotFound.Error()})
		return nil, false
	}
	return rs, true
}

func (h *handlers) members(c *gin.Context) {
	rs, ok := h.room(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, rs.MembersSnapshot())
}

// kick removes the member from the room and closes its connection.
func (h *handlers) kick(c *gin.Context) {
	rs, ok := h.room(c)
	if !ok {
		return
	}
	sid := core.SessionID(c.Param("id"))
	if _, ok := rs.Member(sid); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "member not found"})
		return
	}
	h.hub.KickBySID(sid)
	log.Info().Str("module", "adapters.http").Str("sid", string(sid)).Str("room", string(rs.Room().Name)).Msg("member kicked")
	c.Status(http.StatusNoContent)
}
