package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/LingByte/LingReach/pkg/call"
	"github.com/LingByte/LingReach/pkg/handoff"
	"github.com/LingByte/LingReach/pkg/metrics"
	"github.com/LingByte/LingReach/pkg/session"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Config HTTP surface settings
type Config struct {
	APIPrefix     string
	MonitorPrefix string
	// PublicURL is the externally reachable base the carrier calls back on.
	PublicURL string
	// TwilioAuthToken enables X-Twilio-Signature checks on webhooks when set.
	TwilioAuthToken string
	DevMode         bool

	EnableRateLimit bool
	RateLimitRPS    int
	RateLimitBurst  int
	EnableTimeout   bool
	Timeout         time.Duration
}

// Handlers serves the outreach API, the carrier webhooks and the media stream.
type Handlers struct {
	cfg      Config
	calls    *call.Service
	handoff  *handoff.Service
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
}

func NewHandlers(cfg Config, calls *call.Service, hs *handoff.Service, m *metrics.Metrics) *Handlers {
	if cfg.APIPrefix == "" {
		cfg.APIPrefix = "/api"
	}
	if cfg.MonitorPrefix == "" {
		cfg.MonitorPrefix = "/metrics"
	}
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	return &Handlers{
		cfg:     cfg,
		calls:   calls,
		handoff: hs,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// 媒体流来自运营商，不带浏览器 Origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Register mounts every route on r. ctx bounds background middleware work.
func (h *Handlers) Register(ctx context.Context, r *gin.Engine) {
	r.Use(gin.Recovery(), RequestLogger(h.metrics))
	r.GET("/health", h.Health)
	r.GET(h.cfg.MonitorPrefix, gin.WrapH(h.metrics.Handler()))

	// 媒体流是长连接，不走限流和超时，但同样校验签名
	r.GET(h.cfg.APIPrefix+"/twilio/media-stream/:id", h.verifyTwilio, h.MediaStream)

	api := r.Group(h.cfg.APIPrefix)
	if h.cfg.EnableRateLimit {
		api.Use(RateLimiter(ctx, float64(h.cfg.RateLimitRPS), h.cfg.RateLimitBurst))
	}
	if h.cfg.EnableTimeout {
		api.Use(Timeout(h.cfg.Timeout))
	}

	api.POST("/calls/outbound", h.Outbound)
	api.POST("/calls/sms/:id", h.SendSMS)
	api.GET("/sessions/:id/status", h.Status)

	api.GET("/forms/:ref", h.GetForm)
	api.POST("/forms/:ref/submit", h.SubmitForm)

	twilio := api.Group("/twilio")
	twilio.Use(h.verifyTwilio)
	twilio.POST("/voice/:id", h.VoiceWebhook)
	twilio.POST("/status/:id", h.StatusWebhook)
}

// Health liveness probe
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"active_legs": h.calls.ActiveLegs(),
	})
}

// fail writes an error body with a stable reason.
func fail(c *gin.Context, status int, reason, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"success": false,
		"reason":  reason,
		"message": message,
	})
}

// handoffStatus maps handoff sentinels onto HTTP codes.
func handoffStatus(err error) int {
	switch {
	case errors.Is(err, handoff.ErrNotFound), errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, handoff.ErrExpired):
		return http.StatusGone
	case errors.Is(err, handoff.ErrAlreadyConsumed),
		errors.Is(err, handoff.ErrPhaseMismatch),
		errors.Is(err, handoff.ErrNotOptedIn):
		return http.StatusConflict
	case errors.Is(err, handoff.ErrInvalidSignature):
		return http.StatusBadRequest
	case errors.Is(err, handoff.ErrNoSender):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func handoffFail(c *gin.Context, err error) {
	reason := handoff.Reason(err)
	if reason == "error" && errors.Is(err, session.ErrNotFound) {
		reason = "not_found"
	}
	fail(c, handoffStatus(err), reason, err.Error())
}
