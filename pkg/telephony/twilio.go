package telephony

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/LingByte/LingReach/pkg/logger"
	"github.com/carlmjohnson/requests"
	"go.uber.org/zap"
)

const defaultTwilioBaseURL = "https://api.twilio.com"

// Carrier status values reported on the status callback.
const (
	CallStatusQueued     = "queued"
	CallStatusInitiated  = "initiated"
	CallStatusRinging    = "ringing"
	CallStatusInProgress = "in-progress"
	CallStatusCompleted  = "completed"
	CallStatusBusy       = "busy"
	CallStatusNoAnswer   = "no-answer"
	CallStatusFailed     = "failed"
	CallStatusCanceled   = "canceled"
)

// IsFailureStatus reports statuses that mean the call never connected.
func IsFailureStatus(status string) bool {
	switch status {
	case CallStatusBusy, CallStatusNoAnswer, CallStatusFailed, CallStatusCanceled:
		return true
	}
	return false
}

var ErrNotConfigured = errors.New("twilio credentials not configured")

// Carrier places and ends calls and sends SMS.
type Carrier interface {
	PlaceCall(ctx context.Context, req CallRequest) (string, error)
	EndCall(ctx context.Context, callSID string) error
	SendSMS(ctx context.Context, to, body string) (string, error)
}

// Config Twilio account settings
type Config struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	BaseURL    string
}

// CallRequest describes one outbound call.
type CallRequest struct {
	To        string
	VoiceURL  string // TwiML webhook answered on pickup
	StatusURL string // lifecycle callback
}

// TwilioClient talks to the Twilio REST API.
type TwilioClient struct {
	cfg    Config
	client *http.Client
}

func NewTwilioClient(cfg Config) *TwilioClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultTwilioBaseURL
	}
	return &TwilioClient{cfg: cfg, client: &http.Client{Timeout: 15 * time.Second}}
}

// APIError is the error body Twilio returns.
type APIError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("twilio error %d (status %d): %s", e.Code, e.Status, e.Message)
}

type resource struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

func (c *TwilioClient) post(ctx context.Context, form url.Values, out *resource, path string, args ...any) error {
	if c.cfg.AccountSID == "" || c.cfg.AuthToken == "" {
		return ErrNotConfigured
	}
	var apiErr APIError
	err := requests.
		URL(c.cfg.BaseURL).
		Client(c.client).
		Pathf(path, args...).
		BasicAuth(c.cfg.AccountSID, c.cfg.AuthToken).
		BodyForm(form).
		AddValidator(requests.ValidatorHandler(requests.DefaultValidator, requests.ToJSON(&apiErr))).
		ToJSON(out).
		Fetch(ctx)
	if err != nil {
		if apiErr.Message != "" {
			return &apiErr
		}
		return err
	}
	return nil
}

// PlaceCall starts an outbound call and returns the call SID.
func (c *TwilioClient) PlaceCall(ctx context.Context, req CallRequest) (string, error) {
	form := url.Values{}
	form.Set("To", req.To)
	form.Set("From", c.cfg.FromNumber)
	form.Set("Url", req.VoiceURL)
	form.Set("Method", http.MethodPost)
	if req.StatusURL != "" {
		form.Set("StatusCallback", req.StatusURL)
		form.Set("StatusCallbackMethod", http.MethodPost)
		for _, ev := range []string{"initiated", "ringing", "answered", "completed"} {
			form.Add("StatusCallbackEvent", ev)
		}
	}
	var res resource
	if err := c.post(ctx, form, &res, "/2010-04-01/Accounts/%s/Calls.json", c.cfg.AccountSID); err != nil {
		return "", fmt.Errorf("place call: %w", err)
	}
	logger.Info("outbound call placed", zap.String("callSid", res.SID), zap.String("status", res.Status))
	return res.SID, nil
}

// EndCall hangs up an in-progress call.
func (c *TwilioClient) EndCall(ctx context.Context, callSID string) error {
	form := url.Values{}
	form.Set("Status", CallStatusCompleted)
	var res resource
	if err := c.post(ctx, form, &res, "/2010-04-01/Accounts/%s/Calls/%s.json", c.cfg.AccountSID, callSID); err != nil {
		return fmt.Errorf("end call %s: %w", callSID, err)
	}
	return nil
}

// SendSMS sends a text message and returns the message SID.
func (c *TwilioClient) SendSMS(ctx context.Context, to, body string) (string, error) {
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", c.cfg.FromNumber)
	form.Set("Body", body)
	var res resource
	if err := c.post(ctx, form, &res, "/2010-04-01/Accounts/%s/Messages.json", c.cfg.AccountSID); err != nil {
		return "", fmt.Errorf("send sms: %w", err)
	}
	logger.Info("sms sent", zap.String("messageSid", res.SID))
	return res.SID, nil
}
