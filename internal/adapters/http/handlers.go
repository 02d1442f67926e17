package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/televisit/internal/adapters/api"
	"github.com/dkeye/televisit/internal/app/conn"
	"github.com/dkeye/televisit/internal/app/devices"
	"github.com/dkeye/televisit/internal/app/orch"
	"github.com/dkeye/televisit/internal/app/reconcile"
	"github.com/dkeye/televisit/internal/core"
	"github.com/dkeye/televisit/internal/domain"
)

type handlers struct {
	ctl Controls
}

type switchRequest struct {
	Kind     core.DeviceKind `json:"kind" binding:"required"`
	DeviceID string          `json:"deviceId" binding:"required"`
}

type backgroundRequest struct {
	Mode core.BackgroundMode `json:"mode" binding:"required"`
}

type chatRequest struct {
	Text string `json:"text"`
}

func (h *handlers) view(c *gin.Context) {
	c.JSON(http.StatusOK, h.ctl.View(c.Request.Context()))
}

func (h *handlers) devices(c *gin.Context) {
	list, err := h.ctl.DeviceList(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *handlers) lobby(c *gin.Context) {
	lobby, err := h.ctl.Preview(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, lobby)
}

func (h *handlers) join(c *gin.Context) {
	var req orch.JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid join request"})
		return
	}
	if err := h.ctl.Join(c.Request.Context(), req); err != nil {
		h.failConnect(c, err)
		return
	}
	c.JSON(http.StatusOK, h.ctl.View(c.Request.Context()))
}

func (h *handlers) resume(c *gin.Context) {
	if err := h.ctl.Resume(c.Request.Context()); err != nil {
		h.failConnect(c, err)
		return
	}
	c.JSON(http.StatusOK, h.ctl.View(c.Request.Context()))
}

func (h *handlers) leave(c *gin.Context) {
	if err := h.ctl.Leave(c.Request.Context()); err != nil {
		log.Warn().Err(err).Str("module", "adapters.http").Msg("leave finished with errors")
	}
	c.JSON(http.StatusOK, h.ctl.View(c.Request.Context()))
}

func (h *handlers) end(c *gin.Context) {
	if err := h.ctl.EndSessionForAll(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.ctl.View(c.Request.Context()))
}

func (h *handlers) switchDevice(c *gin.Context) {
	var req switchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind and deviceId are required"})
		return
	}
	if err := h.ctl.SwitchDevice(c.Request.Context(), req.Kind, req.DeviceID); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) background(c *gin.Context) {
	var req backgroundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode is required"})
		return
	}
	if err := h.ctl.SetBackground(c.Request.Context(), req.Mode); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat message"})
		return
	}
	msg, err := h.ctl.SendChat(req.Text)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

// toggle wraps a flip-style control; the new state is returned under key.
func (h *handlers) toggle(fn func(c *gin.Context) (bool, error), key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, err := fn(c)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{key: v})
	}
}

// failConnect words connect failures for the identity that tried to join.
func (h *handlers) failConnect(c *gin.Context, err error) {
	id := domain.ParseIdentity(h.ctl.View(c.Request.Context()).Identity)
	failAs(c, err, id.IsTherapistHost())
}

func fail(c *gin.Context, err error) { failAs(c, err, false) }

func failAs(c *gin.Context, err error, host bool) {
	status := statusFor(err)
	body := gin.H{"error": err.Error()}
	var ce *conn.ConnectError
	if errors.As(err, &ce) {
		body["kind"] = ce.Kind
		body["error"] = conn.UserMessage(ce.Kind, host)
	}
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, body)
}

func statusFor(err error) int {
	var (
		ce *conn.ConnectError
		ae *api.APIError
	)
	switch {
	case errors.Is(err, domain.ErrDisplayNameEmpty),
		errors.Is(err, domain.ErrDisplayNameTooLong),
		errors.Is(err, orch.ErrRoomRequired),
		errors.Is(err, orch.ErrEmptyMessage),
		errors.Is(err, devices.ErrUnknownKind):
		return http.StatusBadRequest
	case errors.Is(err, orch.ErrNotHost):
		return http.StatusForbidden
	case errors.Is(err, orch.ErrNothingToResume):
		return http.StatusNotFound
	case errors.Is(err, conn.ErrConnectInProgress),
		errors.Is(err, orch.ErrNotConnected),
		errors.Is(err, orch.ErrNoAudioTrack),
		errors.Is(err, orch.ErrNoVideoTrack),
		errors.Is(err, devices.ErrNoVideoTrack),
		errors.Is(err, devices.ErrEffectBusy),
		errors.Is(err, devices.ErrNoScreenShare),
		errors.Is(err, devices.ErrEffectsMissing):
		return http.StatusConflict
	case errors.Is(err, reconcile.ErrHandRateLimited):
		return http.StatusTooManyRequests
	case errors.As(err, &ce), errors.As(err, &ae):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
