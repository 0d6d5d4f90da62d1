package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dkeye/Huddle/internal/app/supervisor"
	"github.com/dkeye/Huddle/internal/domain"
)

type handlers struct {
	sup *supervisor.Supervisor
}

func writeErr(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, supervisor.ErrNoUser):
		status = http.StatusUnauthorized
	case errors.Is(err, supervisor.ErrNotModerator):
		status = http.StatusForbidden
	case errors.Is(err, supervisor.ErrAlreadyInCall), errors.Is(err, supervisor.ErrNotInCall):
		status = http.StatusConflict
	case errors.Is(err, supervisor.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (h *handlers) join(c *gin.Context) {
	var req struct {
		Channel string `json:"channel" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "channel is required"})
		return
	}
	if err := h.sup.Join(c.Request.Context(), domain.ChannelID(req.Channel)); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, h.sup.Snapshot())
}

func (h *handlers) leave(c *gin.Context) {
	if err := h.sup.Leave(); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, h.sup.Snapshot())
}

func (h *handlers) toggleMic(c *gin.Context) {
	if err := h.sup.ToggleMic(c.Request.Context()); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, h.sup.Snapshot())
}

func (h *handlers) toggleCamera(c *gin.Context) {
	if err := h.sup.ToggleCamera(c.Request.Context()); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, h.sup.Snapshot())
}

func (h *handlers) toggleScreenShare(c *gin.Context) {
	if err := h.sup.ToggleScreenShare(c.Request.Context()); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, h.sup.Snapshot())
}

func (h *handlers) state(c *gin.Context) {
	c.JSON(http.StatusOK, h.sup.Snapshot())
}

func (h *handlers) participantControl(c *gin.Context) {
	ctl, err := h.sup.ParticipantControl(domain.UserID(c.Param("uid")))
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, ctl)
}

func (h *handlers) setVolume(c *gin.Context) {
	var req struct {
		Volume *float64 `json:"volume" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "volume is required"})
		return
	}
	ctl, err := h.sup.SetParticipantVolume(domain.UserID(c.Param("uid")), *req.Volume)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, ctl)
}

func (h *handlers) toggleMute(c *gin.Context) {
	ctl, err := h.sup.ToggleParticipantMute(domain.UserID(c.Param("uid")))
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, ctl)
}

func (h *handlers) removeParticipant(c *gin.Context) {
	err := h.sup.RemoveParticipant(c.Request.Context(), domain.UserID(c.Param("uid")))
	if err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
