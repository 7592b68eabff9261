package handlers

import (
	"net/http"

	"github.com/LingByte/LingReach/pkg/logger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GetForm returns the form projection for a handoff token or a session id.
// The first visit with a token redeems it.
func (h *Handlers) GetForm(c *gin.Context) {
	form, err := h.handoff.Open(c.Request.Context(), c.Param("ref"))
	if err != nil {
		handoffFail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"form":    form,
	})
}

type submitRequest struct {
	Signature string `json:"signature" binding:"required"`
}

// SubmitForm stores the signature and closes the session.
func (h *Handlers) SubmitForm(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid_signature", "signature is required")
		return
	}
	id := c.Param("ref")
	sess, err := h.handoff.Submit(c.Request.Context(), id, req.Signature)
	if err != nil {
		logger.Warn("form submit rejected", zap.String("session_id", id), zap.Error(err))
		handoffFail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"message":    "form submitted",
		"session_id": sess.ID,
	})
}
