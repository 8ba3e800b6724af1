package http

import (
	"errors"
	"net/http"

	"github.com/dkeye/voice-client/internal/app/media"
	"github.com/dkeye/voice-client/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type handlers struct {
	backend Backend
}

type sessionResponse struct {
	SessionView
	LastSessionID string `json:"lastSessionId,omitempty"`
}

func (h *handlers) createSession(c *gin.Context) {
	h.join(c, domain.NewSessionID(), http.StatusCreated)
}

func (h *handlers) joinSession(c *gin.Context) {
	sid, err := domain.ParseSessionID(c.Param("sid"))
	if err != nil {
		writeError(c, err)
		return
	}
	h.join(c, sid, http.StatusOK)
}

func (h *handlers) join(c *gin.Context, sid domain.SessionID, status int) {
	if err := h.backend.Join(c.Request.Context(), sid); err != nil {
		writeError(c, err)
		return
	}
	sess := sessions.Default(c)
	sess.Set(sessionKey, string(sid))
	if err := sess.Save(); err != nil {
		log.Warn().Err(err).Str("module", "adapters.http").Msg("save session cookie")
	}
	log.Info().Str("module", "adapters.http").Str("sid", string(sid)).Str("client", c.GetString(clientTokenKey)).Msg("join requested")
	c.JSON(status, h.backend.Session())
}

func (h *handlers) leaveSession(c *gin.Context) {
	h.backend.Leave()
	sess := sessions.Default(c)
	sess.Delete(sessionKey)
	if err := sess.Save(); err != nil {
		log.Warn().Err(err).Str("module", "adapters.http").Msg("save session cookie")
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) getSession(c *gin.Context) {
	resp := sessionResponse{SessionView: h.backend.Session()}
	if last, ok := sessions.Default(c).Get(sessionKey).(string); ok && last != resp.SessionID {
		resp.LastSessionID = last
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handlers) startVideo(c *gin.Context) {
	p, err := h.backend.StartVideo(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *handlers) stopVideo(c *gin.Context) {
	h.backend.StopVideo()
	c.JSON(http.StatusOK, h.backend.MediaState())
}

func (h *handlers) startAudio(c *gin.Context) {
	p, err := h.backend.StartAudio(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *handlers) stopAudio(c *gin.Context) {
	h.backend.StopAudio()
	c.JSON(http.StatusOK, h.backend.MediaState())
}

func (h *handlers) toggleAudio(c *gin.Context) {
	st, err := h.backend.ToggleAudio(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

type screenRequest struct {
	Audio bool `form:"audio" json:"audio"`
}

func (h *handlers) startScreen(c *gin.Context) {
	var req screenRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid audio flag"})
		return
	}
	if err := h.backend.StartScreen(c.Request.Context(), req.Audio); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.backend.MediaState())
}

func (h *handlers) publishScreen(c *gin.Context) {
	ps, err := h.backend.PublishScreen(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"producers": ps})
}

func (h *handlers) stopScreen(c *gin.Context) {
	h.backend.StopScreen()
	c.JSON(http.StatusOK, h.backend.MediaState())
}

func (h *handlers) getMedia(c *gin.Context) {
	c.JSON(http.StatusOK, h.backend.MediaState())
}

func (h *handlers) getCapabilities(c *gin.Context) {
	r, err := h.backend.Capabilities(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *handlers) getConsumers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"consumers": h.backend.Consumers()})
}

func (h *handlers) getTransformStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.backend.TransformStats())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidSessionID), errors.Is(err, domain.ErrInvalidAppData):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrDeviceUnavailable):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUnencryptedRefused):
		return http.StatusPreconditionFailed
	case errors.Is(err, domain.ErrDeviceBusy),
		errors.Is(err, domain.ErrChannelNotReady),
		errors.Is(err, domain.ErrCapabilitiesMissing),
		errors.Is(err, domain.ErrTransportMissing),
		errors.Is(err, media.ErrNotSharing):
		return http.StatusConflict
	case errors.Is(err, domain.ErrRelay):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	ev := log.Warn()
	if status >= http.StatusInternalServerError {
		ev = log.Error()
	}
	ev.Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Int("status", status).Msg("request failed")
	c.JSON(status, gin.H{"error": err.Error()})
}
