package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/LingByte/LingReach/pkg/logger"
	"github.com/LingByte/LingReach/pkg/session"
	"github.com/LingByte/LingReach/pkg/telephony"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// verifyTwilio rejects webhooks and media stream upgrades whose
// X-Twilio-Signature does not match. Upgrades are signed over the wss URL.
func (h *Handlers) verifyTwilio(c *gin.Context) {
	if h.cfg.TwilioAuthToken == "" {
		c.Next()
		return
	}
	if err := c.Request.ParseForm(); err != nil {
		fail(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	base := h.cfg.PublicURL
	if websocket.IsWebSocketUpgrade(c.Request) {
		base = wsBase(base)
	}
	fullURL := base + c.Request.URL.RequestURI()
	sig := c.GetHeader("X-Twilio-Signature")
	if !telephony.ValidSignature(h.cfg.TwilioAuthToken, fullURL, c.Request.PostForm, sig) {
		logger.Warn("twilio signature mismatch",
			zap.String("path", c.Request.URL.Path),
			zap.String("remote_addr", c.ClientIP()))
		fail(c, http.StatusForbidden, "invalid_signature", "signature mismatch")
		return
	}
	c.Next()
}

// mediaStreamURL is the websocket the carrier connects the answered call to.
func (h *Handlers) mediaStreamURL(id string) string {
	return wsBase(h.cfg.PublicURL) + h.cfg.APIPrefix + "/twilio/media-stream/" + id
}

func wsBase(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}

func writeTwiML(c *gin.Context, r *telephony.TwiMLResponse) {
	body, err := r.Render()
	if err != nil {
		logger.Error("render twiml failed", zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(http.StatusOK, "application/xml", body)
}

// VoiceWebhook answers the pickup with a bidirectional media stream.
func (h *Handlers) VoiceWebhook(c *gin.Context) {
	id := c.Param("id")
	sess, err := h.calls.Status(c.Request.Context(), id)
	if err != nil || sess.Phase != session.PhaseRinging {
		fields := []zap.Field{zap.String("session_id", id), zap.Error(err)}
		if sess != nil {
			fields = append(fields, zap.String("phase", string(sess.Phase)))
		}
		logger.Warn("voice webhook for a session that cannot take a call", fields...)
		writeTwiML(c, telephony.HangupTwiML("", ""))
		return
	}
	logger.Info("call answered",
		zap.String("session_id", id),
		zap.String("call_sid", c.PostForm("CallSid")))
	writeTwiML(c, telephony.StreamTwiML(h.mediaStreamURL(id), id))
}

// StatusWebhook applies a carrier lifecycle callback.
func (h *Handlers) StatusWebhook(c *gin.Context) {
	id := c.Param("id")
	status := c.PostForm("CallStatus")
	if status == "" {
		fail(c, http.StatusBadRequest, "invalid_request", "CallStatus is required")
		return
	}
	_, err := h.calls.HandleCarrierStatus(c.Request.Context(), id, status, c.PostForm("CallSid"))
	if errors.Is(err, session.ErrNotFound) {
		fail(c, http.StatusNotFound, "not_found", "session not found")
		return
	}
	if err != nil {
		logger.Error("carrier status failed", zap.String("session_id", id), zap.Error(err))
		fail(c, http.StatusInternalServerError, "error", err.Error())
		return
	}
	c.Status(http.StatusNoContent)
}
