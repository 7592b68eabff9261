package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/LingByte/LingReach/pkg/auth"
	"github.com/LingByte/LingReach/pkg/call"
	"github.com/LingByte/LingReach/pkg/dialog"
	"github.com/LingByte/LingReach/pkg/handoff"
	"github.com/LingByte/LingReach/pkg/metrics"
	"github.com/LingByte/LingReach/pkg/recognizer"
	"github.com/LingByte/LingReach/pkg/session"
	"github.com/LingByte/LingReach/pkg/synthesizer"
	"github.com/LingByte/LingReach/pkg/telephony"
	"github.com/LingByte/LingReach/pkg/voice"
	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeCarrier struct {
	mu       sync.Mutex
	placeErr error
	sms      []string
}

func (c *fakeCarrier) PlaceCall(ctx context.Context, req telephony.CallRequest) (string, error) {
	if c.placeErr != nil {
		return "", c.placeErr
	}
	return "CA0001", nil
}

func (c *fakeCarrier) EndCall(ctx context.Context, callSID string) error { return nil }

func (c *fakeCarrier) SendSMS(ctx context.Context, to, body string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sms = append(c.sms, body)
	return "SM0001", nil
}

func (c *fakeCarrier) lastSMS() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sms) == 0 {
		return ""
	}
	return c.sms[len(c.sms)-1]
}

type idleStream struct {
	results chan recognizer.Transcript
	once    sync.Once
}

func (s *idleStream) Send(frame []byte) error                { return nil }
func (s *idleStream) Results() <-chan recognizer.Transcript { return s.results }
func (s *idleStream) Close() error {
	s.once.Do(func() { close(s.results) })
	return nil
}

type idleRecognizer struct{}

func (idleRecognizer) Open(ctx context.Context, opts recognizer.Options) (recognizer.Stream, error) {
	return &idleStream{results: make(chan recognizer.Transcript)}, nil
}

// toneTTS returns one frame of mu-law silence per prompt.
type toneTTS struct{}

func (toneTTS) Synthesize(ctx context.Context, req synthesizer.Request) (<-chan []byte, <-chan error) {
	out := make(chan []byte, 1)
	errc := make(chan error, 1)
	out <- bytes.Repeat([]byte{0xff}, 160)
	close(out)
	close(errc)
	return out, errc
}

type server struct {
	engine  *gin.Engine
	store   session.Store
	clock   *fakeClock
	carrier *fakeCarrier
	calls   *call.Service
}

const publicURL = "https://calls.example.com"

func newServer(t *testing.T, cfg Config) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	clock := &fakeClock{now: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
	store := session.NewMemoryStore(clock.Now)
	engine, err := dialog.NewEngine(nil, nil, dialog.DefaultMaxRetries)
	require.NoError(t, err)
	carrier := &fakeCarrier{}
	m := metrics.NewMetrics("lingreach")

	hs := handoff.NewService(handoff.Config{FrontendURL: "https://forms.example.com"}, store, clock.Now, engine, carrier, nil, nil, m)
	t.Cleanup(hs.Close)
	calls := call.NewService(call.Config{
		PublicURL:   publicURL,
		ClosingWait: 200 * time.Millisecond,
		Voice:       voice.Config{FrameDuration: 5 * time.Millisecond, SilenceTimeout: time.Minute},
	}, call.Deps{
		Store:       store,
		Clock:       clock.Now,
		Engine:      engine,
		Matcher:     auth.NewMatcher(3, 2),
		Carrier:     carrier,
		Recognizer:  idleRecognizer{},
		Synthesizer: toneTTS{},
		Handoff:     hs,
		Metrics:     m,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = calls.Shutdown(ctx)
	})

	cfg.PublicURL = publicURL
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	r := gin.New()
	NewHandlers(cfg, calls, hs, m).Register(ctx, r)
	return &server{engine: r, store: store, clock: clock, carrier: carrier, calls: calls}
}

func (s *server) do(method, target, contentType string, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func (s *server) json(method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	w := s.do(method, target, "application/json", body)
	var out map[string]any
	if w.Body.Len() > 0 {
		_ = sonic.Unmarshal(w.Body.Bytes(), &out)
	}
	return w, out
}

func (s *server) outbound(t *testing.T) string {
	t.Helper()
	w, body := s.json(http.MethodPost, "/api/calls/outbound", `{"first_name":"Ana","phone_number":"+15550001111","language":"en"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	id, _ := body["session_id"].(string)
	require.NotEmpty(t, id)
	return id
}

// completed stores a session that finished its call and opted in.
func (s *server) completed(t *testing.T) *session.Session {
	t.Helper()
	sess := session.New("Ana", "+15550001111", "en", []string{"general_health", "moderate_activities", "climbing_stairs"}, s.clock.Now(), 24*time.Hour)
	sess.Phase = session.PhaseOptInComplete
	sess.OptedIn = true
	sess.CallCompleted = true
	sess.Slots[0].Value, sess.Slots[0].Status = "good", session.SlotFilled
	sess.Slots[1].Value, sess.Slots[1].Status = "limited_a_lot", session.SlotFilled
	sess.Slots[2].Status = session.SlotNotProvided
	sess.Cursor = 3
	require.NoError(t, s.store.Put(context.Background(), sess.ID, sess, 24*time.Hour))
	return sess
}

func (s *server) phase(t *testing.T, id string) session.Phase {
	t.Helper()
	sess, err := s.store.Get(context.Background(), id)
	require.NoError(t, err)
	return sess.Phase
}

var pngSignature = "data:image/png;base64," + base64.StdEncoding.EncodeToString(
	append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 64)...))

func TestOutbound(t *testing.T) {
	s := newServer(t, Config{})

	w, body := s.json(http.MethodPost, "/api/calls/outbound", `{"first_name":"","phone_number":"+15550001111"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", body["reason"])

	w, _ = s.json(http.MethodPost, "/api/calls/outbound", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	id := s.outbound(t)
	assert.Equal(t, session.PhaseRinging, s.phase(t, id))

	s.carrier.placeErr = errors.New("carrier down")
	w, body = s.json(http.MethodPost, "/api/calls/outbound", `{"first_name":"Ana","phone_number":"+15550001111"}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	failed, _ := body["session_id"].(string)
	require.NotEmpty(t, failed)
	assert.Equal(t, session.PhaseCallError, s.phase(t, failed))
}

func TestSessionStatus(t *testing.T) {
	s := newServer(t, Config{})
	w, body := s.json(http.MethodGet, "/api/sessions/nope/status", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", body["reason"])

	sess := s.completed(t)
	w, body = s.json(http.MethodGet, "/api/sessions/"+sess.ID+"/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, sess.ID, body["session_id"])
	assert.Equal(t, string(session.PhaseOptInComplete), body["phase"])
	assert.Equal(t, true, body["call_completed"])
	assert.Equal(t, true, body["opted_in_for_sms"])
	assert.Equal(t, false, body["form_submitted"])
}

func TestVoiceWebhook(t *testing.T) {
	s := newServer(t, Config{})
	id := s.outbound(t)

	w := s.do(http.MethodPost, "/api/twilio/voice/"+id, "application/x-www-form-urlencoded", "CallSid=CA0001")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/xml")
	assert.Contains(t, w.Body.String(), `<Stream url="wss://calls.example.com/api/twilio/media-stream/`+id+`">`)
	assert.Contains(t, w.Body.String(), `<Parameter name="session_id" value="`+id+`">`)

	w = s.do(http.MethodPost, "/api/twilio/voice/unknown", "application/x-www-form-urlencoded", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "<Hangup>")
}

func TestStatusWebhook(t *testing.T) {
	s := newServer(t, Config{})
	id := s.outbound(t)

	w := s.do(http.MethodPost, "/api/twilio/status/"+id, "application/x-www-form-urlencoded", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, "/api/twilio/status/"+id, "application/x-www-form-urlencoded", "CallStatus=busy&CallSid=CA0001")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, session.PhaseCallError, s.phase(t, id))

	w = s.do(http.MethodPost, "/api/twilio/status/missing", "application/x-www-form-urlencoded", "CallStatus=completed")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTwilioSignature(t *testing.T) {
	const token = "secret-token"
	s := newServer(t, Config{TwilioAuthToken: token})
	id := s.outbound(t)

	form := url.Values{"CallStatus": {"completed"}, "CallSid": {"CA0001"}}
	path := "/api/twilio/status/" + id

	w := s.do(http.MethodPost, path, "application/x-www-form-urlencoded", form.Encode())
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, session.PhaseRinging, s.phase(t, id))

	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", telephony.Signature(token, publicURL+path, form))
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, session.PhaseAbandoned, s.phase(t, id))
}

func TestFormLifecycle(t *testing.T) {
	s := newServer(t, Config{})
	sess := s.completed(t)

	w, body := s.json(http.MethodPost, "/api/calls/sms/"+sess.ID, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "form link sent", body["message"])
	assert.NotEmpty(t, body["expires_at"])

	w, body = s.json(http.MethodPost, "/api/calls/sms/"+sess.ID, `{"phone_number":"+15550002222"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "form link already sent", body["message"])

	link := s.carrier.lastSMS()
	i := strings.Index(link, "/form/")
	require.Positive(t, i, link)
	token := strings.Fields(link[i+len("/form/"):])[0]

	w, body = s.json(http.MethodGet, "/api/forms/"+token, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	form, _ := body["form"].(map[string]any)
	require.NotNil(t, form)
	assert.Equal(t, sess.ID, form["session_id"])
	assert.Equal(t, string(session.PhaseFormReview), form["phase"])
	fields, _ := form["fields"].([]any)
	assert.Len(t, fields, 3)

	// a revisit re-reads the bound session
	w, _ = s.json(http.MethodGet, "/api/forms/"+token, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w, body = s.json(http.MethodPost, "/api/forms/"+sess.ID+"/submit", `{"signature":"not-an-image"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_signature", body["reason"])

	w, body = s.json(http.MethodPost, "/api/forms/"+sess.ID+"/submit", `{"signature":"`+pngSignature+`"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, sess.ID, body["session_id"])
	assert.Equal(t, session.PhaseSubmitted, s.phase(t, sess.ID))

	w, body = s.json(http.MethodPost, "/api/forms/"+sess.ID+"/submit", `{"signature":"`+pngSignature+`"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "phase_mismatch", body["reason"])

	w, body = s.json(http.MethodGet, "/api/sessions/"+sess.ID+"/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["form_submitted"])
}

func TestFormErrors(t *testing.T) {
	s := newServer(t, Config{})

	w, body := s.json(http.MethodGet, "/api/forms/unknown-token", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", body["reason"])

	declined := s.completed(t)
	require.NoError(t, func() error {
		_, err := session.Update(context.Background(), s.store, declined.ID, s.clock.Now, func(cur *session.Session) error {
			cur.OptedIn = false
			return nil
		})
		return err
	}())
	w, body = s.json(http.MethodPost, "/api/calls/sms/"+declined.ID, "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "not_opted_in", body["reason"])

	// Scenario D over HTTP: the link is opened after it lapsed.
	sess := s.completed(t)
	w, _ = s.json(http.MethodPost, "/api/calls/sms/"+sess.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	link := s.carrier.lastSMS()
	token := link[strings.Index(link, "/form/")+len("/form/"):]
	s.clock.Advance(3 * time.Hour)

	w, body = s.json(http.MethodGet, "/api/forms/"+token, "")
	assert.Equal(t, http.StatusGone, w.Code)
	assert.Equal(t, "expired", body["reason"])
	assert.Equal(t, session.PhaseOptInComplete, s.phase(t, sess.ID))

	w, body = s.json(http.MethodPost, "/api/forms/"+sess.ID+"/submit", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_signature", body["reason"])
}

func TestMediaStream(t *testing.T) {
	s := newServer(t, Config{})
	id := s.outbound(t)

	srv := httptest.NewServer(s.engine)
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/twilio/media-stream/" + id
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	send := func(v string) {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(v)))
	}
	send(`{"event":"connected","protocol":"Call","version":"1.0.0"}`)
	send(`{"event":"start","streamSid":"MZ0001","start":{"streamSid":"MZ0001","callSid":"CA0001","customParameters":{"session_id":"` + id + `"}}}`)

	require.Eventually(t, func() bool {
		return s.phase(t, id) == session.PhaseAuthenticating
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame struct {
		Event     string `json:"event"`
		StreamSID string `json:"streamSid"`
		Media     struct {
			Payload string `json:"payload"`
		} `json:"media"`
	}
	for frame.Event != "media" {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		require.NoError(t, sonic.Unmarshal(data, &frame))
	}
	assert.Equal(t, "MZ0001", frame.StreamSID)
	audio, err := base64.StdEncoding.DecodeString(frame.Media.Payload)
	require.NoError(t, err)
	assert.NotEmpty(t, audio)

	silence := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0xff}, 160))
	send(`{"event":"media","streamSid":"MZ0001","media":{"track":"inbound","payload":"` + silence + `"}}`)
	send(`{"event":"stop","streamSid":"MZ0001","stop":{"callSid":"CA0001"}}`)

	require.Eventually(t, func() bool {
		return s.phase(t, id) == session.PhaseAbandoned
	}, 3*time.Second, 5*time.Millisecond)
	sess, err := s.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "hangup", sess.EndReason)
	require.Eventually(t, func() bool { return s.calls.ActiveLegs() == 0 }, 3*time.Second, 5*time.Millisecond)
}

func TestMediaStreamSignature(t *testing.T) {
	const token = "secret-token"
	s := newServer(t, Config{TwilioAuthToken: token})
	id := s.outbound(t)

	srv := httptest.NewServer(s.engine)
	t.Cleanup(srv.Close)
	path := "/api/twilio/media-stream/" + id
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + path

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header := http.Header{}
	header.Set("X-Twilio-Signature", telephony.Signature(token, "wss://calls.example.com"+path, nil))
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"event":"start","streamSid":"MZ0001","start":{"streamSid":"MZ0001","callSid":"CA0001"}}`)))
	require.Eventually(t, func() bool {
		return s.phase(t, id) == session.PhaseAuthenticating
	}, 2*time.Second, 5*time.Millisecond)
}

func TestMediaStreamRejectsForeignCall(t *testing.T) {
	s := newServer(t, Config{})
	id := s.outbound(t)

	srv := httptest.NewServer(s.engine)
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/twilio/media-stream/" + id

	for _, callSID := range []string{"", "CA9999"} {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"event":"start","streamSid":"MZ0001","start":{"streamSid":"MZ0001","callSid":"`+callSID+`"}}`)))

		// 服务端拒绝后直接关闭连接
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var readErr error
		for readErr == nil {
			_, _, readErr = conn.ReadMessage()
		}
		var netErr interface{ Timeout() bool }
		if errors.As(readErr, &netErr) {
			assert.False(t, netErr.Timeout(), "call sid %q was attached", callSID)
		}
		conn.Close()

		assert.Equal(t, session.PhaseRinging, s.phase(t, id), "call sid %q", callSID)
		assert.Zero(t, s.calls.ActiveLegs())
	}
}

func TestHealthAndMetrics(t *testing.T) {
	s := newServer(t, Config{EnableRateLimit: true, RateLimitRPS: 1, RateLimitBurst: 2})
	w, body := s.json(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])

	for i := 0; i < 2; i++ {
		w, _ = s.json(http.MethodGet, "/api/sessions/x/status", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	}
	w, body = s.json(http.MethodGet, "/api/sessions/x/status", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "rate_limited", body["reason"])

	w = s.do(http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `lingreach_http_requests_total{method="GET",route="/api/sessions/:id/status",status="404"} 2`)
}
