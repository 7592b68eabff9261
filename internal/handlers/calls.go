package handlers

import (
	"errors"
	"net/http"

	"github.com/LingByte/LingReach/pkg/call"
	"github.com/LingByte/LingReach/pkg/logger"
	"github.com/LingByte/LingReach/pkg/session"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Outbound places one assessment call.
func (h *Handlers) Outbound(c *gin.Context) {
	var req call.OutboundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	sess, err := h.calls.Initiate(c.Request.Context(), req)
	switch {
	case errors.Is(err, call.ErrInvalidRequest):
		fail(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	case errors.Is(err, call.ErrPlaceCall):
		c.JSON(http.StatusBadGateway, gin.H{
			"success":    false,
			"reason":     "place_call_failed",
			"session_id": sess.ID,
			"message":    err.Error(),
		})
		return
	case err != nil:
		logger.Error("initiate call failed", zap.Error(err))
		fail(c, http.StatusInternalServerError, "error", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"session_id": sess.ID,
		"message":    "call placed",
	})
}

// Status reports the externally visible flags of a session.
func (h *Handlers) Status(c *gin.Context) {
	sess, err := h.calls.Status(c.Request.Context(), c.Param("id"))
	if errors.Is(err, session.ErrNotFound) {
		fail(c, http.StatusNotFound, "not_found", "session not found")
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, "error", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id":       sess.ID,
		"phase":            sess.Phase,
		"call_completed":   sess.CallCompleted,
		"form_submitted":   sess.Submitted,
		"opted_in_for_sms": sess.OptedIn,
	})
}

type smsRequest struct {
	PhoneNumber string `json:"phone_number"`
}

// SendSMS texts the form link for a session that opted in. Repeated calls
// report the link already sent.
func (h *Handlers) SendSMS(c *gin.Context) {
	var req smsRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
	}
	id := c.Param("id")
	phone := req.PhoneNumber
	if phone == "" {
		sess, err := h.calls.Status(c.Request.Context(), id)
		if err != nil {
			handoffFail(c, err)
			return
		}
		phone = sess.PhoneNumber
	}
	res, err := h.handoff.SendLink(c.Request.Context(), id, phone)
	if err != nil {
		logger.Warn("send form link failed", zap.String("session_id", id), zap.Error(err))
		handoffFail(c, err)
		return
	}
	msg := "form link sent"
	if res.AlreadySent {
		msg = "form link already sent"
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"message":    msg,
		"expires_at": res.ExpiresAt,
	})
}
