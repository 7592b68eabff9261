package call

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/LingByte/LingReach/internal/models"
	"github.com/LingByte/LingReach/pkg/auth"
	"github.com/LingByte/LingReach/pkg/constants"
	"github.com/LingByte/LingReach/pkg/dialog"
	"github.com/LingByte/LingReach/pkg/handoff"
	"github.com/LingByte/LingReach/pkg/logger"
	"github.com/LingByte/LingReach/pkg/metrics"
	"github.com/LingByte/LingReach/pkg/recognizer"
	"github.com/LingByte/LingReach/pkg/session"
	"github.com/LingByte/LingReach/pkg/synthesizer"
	"github.com/LingByte/LingReach/pkg/telephony"
	"github.com/LingByte/LingReach/pkg/voice"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrInvalidRequest = errors.New("invalid outbound request")
	ErrPlaceCall      = errors.New("carrier rejected the call")
	ErrNotAnswerable  = errors.New("session cannot take a media stream")
	ErrLegActive      = errors.New("call leg already attached")
)

var e164 = regexp.MustCompile(`^\+[1-9][0-9]{7,14}$`)

// Config is the call policy.
type Config struct {
	PublicURL  string // base URL the carrier reaches our webhooks on
	APIPrefix  string
	SessionTTL time.Duration

	NoInputLimit int

	AuthCeiling       time.Duration
	AssessmentCeiling time.Duration
	OptInCeiling      time.Duration
	ClosingWait       time.Duration

	Voice voice.Config
}

func (c Config) withDefaults() Config {
	if c.SessionTTL <= 0 {
		c.SessionTTL = 24 * time.Hour
	}
	if c.NoInputLimit <= 0 {
		c.NoInputLimit = 2
	}
	if c.AuthCeiling <= 0 {
		c.AuthCeiling = 3 * time.Minute
	}
	if c.AssessmentCeiling <= 0 {
		c.AssessmentCeiling = 5 * time.Minute
	}
	if c.OptInCeiling <= 0 {
		c.OptInCeiling = 2 * time.Minute
	}
	if c.ClosingWait <= 0 {
		c.ClosingWait = 8 * time.Second
	}
	if c.APIPrefix == "" {
		c.APIPrefix = "/api"
	}
	c.PublicURL = strings.TrimRight(c.PublicURL, "/")
	return c
}

// Deps are the collaborators of the outreach service. Extractor, Directory,
// DB, Recorder and Metrics may be nil.
type Deps struct {
	Store       session.Store
	Clock       session.Clock
	Engine      *dialog.Engine
	Matcher     auth.Matcher
	Extractor   auth.Extractor
	Carrier     telephony.Carrier
	Recognizer  recognizer.Recognizer
	Synthesizer synthesizer.Synthesizer
	Handoff     *handoff.Service
	Directory   Directory
	DB          *gorm.DB
	Recorder    *Recorder
	Metrics     *metrics.Metrics
}

// Service places outbound calls and runs one machine per live call leg.
type Service struct {
	Deps
	cfg Config

	legs  map[string]*Leg // session id -> leg
	mutex sync.RWMutex
}

func NewService(cfg Config, deps Deps) *Service {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Matcher.Required == 0 {
		deps.Matcher = auth.NewMatcher(0, 0)
	}
	return &Service{
		Deps: deps,
		cfg:  cfg.withDefaults(),
		legs: make(map[string]*Leg),
	}
}

// OutboundRequest is one call to place.
type OutboundRequest struct {
	FirstName   string `json:"first_name"`
	PhoneNumber string `json:"phone_number"`
	Language    string `json:"language"`
}

func (r *OutboundRequest) normalize() error {
	r.FirstName = strings.TrimSpace(r.FirstName)
	r.PhoneNumber = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(r.PhoneNumber)
	r.Language = strings.ToLower(strings.TrimSpace(r.Language))
	if r.Language == "" {
		r.Language = constants.LANG_EN
	}
	switch {
	case r.FirstName == "":
		return fmt.Errorf("%w: first_name is required", ErrInvalidRequest)
	case !e164.MatchString(r.PhoneNumber):
		return fmt.Errorf("%w: phone_number must be E.164", ErrInvalidRequest)
	case r.Language != constants.LANG_EN && r.Language != constants.LANG_ES:
		return fmt.Errorf("%w: language must be en or es", ErrInvalidRequest)
	}
	return nil
}

// Initiate creates the session and places the call. A carrier failure
// leaves the session in CALL_ERROR and is returned with the session.
func (s *Service) Initiate(ctx context.Context, req OutboundRequest) (*session.Session, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}
	now := s.Clock()
	sess := session.New(req.FirstName, req.PhoneNumber, req.Language, s.Engine.SlotNames(), now, s.cfg.SessionTTL)
	if err := s.Store.Put(ctx, sess.ID, sess, s.cfg.SessionTTL); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	s.createRecord(sess)
	logger.Info("outbound call requested",
		zap.String("session_id", sess.ID),
		zap.String("language", sess.Language))

	callSID, err := s.Carrier.PlaceCall(ctx, telephony.CallRequest{
		To:        sess.PhoneNumber,
		VoiceURL:  s.callbackURL("voice", sess.ID),
		StatusURL: s.callbackURL("status", sess.ID),
	})
	if err != nil {
		logger.Error("place call failed", zap.String("session_id", sess.ID), zap.Error(err))
		failed, uerr := s.update(context.WithoutCancel(ctx), sess.ID, func(cur *session.Session) error {
			cur.EndReason = "place_call_failed"
			return cur.Transition(session.PhaseCallError, s.Clock())
		})
		if uerr == nil {
			sess = failed
			s.finishRecord(sess, err.Error())
		}
		return sess, fmt.Errorf("%w: %v", ErrPlaceCall, err)
	}

	sess, err = s.update(ctx, sess.ID, func(cur *session.Session) error {
		cur.CallSID = callSID
		return cur.Transition(session.PhaseRinging, s.Clock())
	})
	if err != nil {
		return nil, err
	}
	s.withRecord(sess.ID, func(r *models.CallRecord) { r.CallSID = callSID })
	logger.Info("outbound call placed", zap.String("session_id", sess.ID), zap.String("call_sid", callSID))
	return sess, nil
}

func (s *Service) callbackURL(kind, id string) string {
	return s.cfg.PublicURL + s.cfg.APIPrefix + "/twilio/" + kind + "/" + id
}

// Status returns the current session.
func (s *Service) Status(ctx context.Context, id string) (*session.Session, error) {
	return s.Store.Get(ctx, id)
}

// HandleCarrierStatus applies a carrier lifecycle callback. While a leg is
// live its machine owns the phase, so an ending status only hangs the leg up.
func (s *Service) HandleCarrierStatus(ctx context.Context, id, status, callSID string) (*session.Session, error) {
	now := s.Clock()
	leg := s.Leg(id)
	sess, err := s.update(ctx, id, func(cur *session.Session) error {
		if cur.CallSID == "" && callSID != "" {
			cur.CallSID = callSID
		}
		if leg != nil {
			cur.CallCompleted = cur.CallCompleted || status == telephony.CallStatusCompleted
			return nil
		}
		switch {
		case telephony.IsFailureStatus(status):
			if cur.Phase != session.PhaseInitiated && cur.Phase != session.PhaseRinging {
				return session.ErrNoChange
			}
			cur.EndReason = "carrier_" + strings.ReplaceAll(status, "-", "_")
			return cur.Transition(session.PhaseCallError, now)
		case status == telephony.CallStatusCompleted:
			cur.CallCompleted = true
			if cur.Phase.OnCall() {
				cur.EndReason = "hangup"
				return cur.Transition(session.PhaseAbandoned, now)
			}
			return nil
		}
		return session.ErrNoChange
	})
	if err != nil {
		return nil, err
	}

	logger.Info("carrier status",
		zap.String("session_id", id),
		zap.String("status", status),
		zap.String("phase", string(sess.Phase)))

	s.withRecord(id, func(r *models.CallRecord) {
		r.CarrierStatus = status
		if status == telephony.CallStatusInProgress {
			r.MarkAnswered(now)
		}
	})
	if status == telephony.CallStatusCompleted || telephony.IsFailureStatus(status) {
		if leg != nil {
			leg.Hangup()
			return sess, nil
		}
		if sess.Phase.IsTerminal() || sess.Phase == session.PhaseOptInComplete {
			s.finishRecord(sess, "")
		}
	}
	return sess, nil
}

// Attach starts the machine for a call leg whose media stream just opened.
// out carries prompt audio back to the carrier.
func (s *Service) Attach(ctx context.Context, id, callSID string, out voice.Output) (*Leg, error) {
	s.mutex.Lock()
	if _, ok := s.legs[id]; ok {
		s.mutex.Unlock()
		return nil, ErrLegActive
	}
	s.mutex.Unlock()

	sess, err := s.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Phase != session.PhaseRinging {
		return nil, fmt.Errorf("%w: %s", ErrNotAnswerable, sess.Phase)
	}
	if callSID == "" {
		return nil, fmt.Errorf("%w: missing call sid", ErrNotAnswerable)
	}
	if sess.CallSID != "" && callSID != sess.CallSID {
		return nil, fmt.Errorf("%w: call sid mismatch", ErrNotAnswerable)
	}

	known, err := s.lookup(ctx, sess.PhoneNumber)
	if err != nil {
		s.failBeforeMedia(ctx, id, "directory_error")
		return nil, err
	}

	start := time.Now()
	stream, err := s.Recognizer.Open(ctx, recognizer.Options{Language: sess.Language})
	s.Metrics.RecordCapability("recognizer", time.Since(start), err)
	if err != nil {
		s.failBeforeMedia(ctx, id, "recognizer_unavailable")
		return nil, fmt.Errorf("open recognizer: %w", err)
	}

	vcfg := s.cfg.Voice
	vcfg.Language = sess.Language
	conv := voice.NewController(vcfg, stream, s.Synthesizer, out, s.Metrics)
	legCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	leg := &Leg{
		ID:      id,
		CallSID: callSID,
		conv:    conv,
		cancel:  cancel,
		done:    make(chan struct{}),
		started: time.Now(),
	}
	m := newMachine(s, leg, sess, known)

	s.mutex.Lock()
	if _, ok := s.legs[id]; ok {
		s.mutex.Unlock()
		cancel()
		conv.Close()
		return nil, ErrLegActive
	}
	s.legs[id] = leg
	s.mutex.Unlock()

	s.Metrics.RecordStreamStart()
	s.withRecord(id, func(r *models.CallRecord) { r.MarkAnswered(s.Clock()) })
	go s.runLeg(legCtx, leg, m)
	return leg, nil
}

func (s *Service) lookup(ctx context.Context, phone string) (auth.Known, error) {
	if s.Directory == nil {
		return auth.Known{}, nil
	}
	known, err := s.Directory.Lookup(ctx, phone)
	if errors.Is(err, ErrUnknownSubject) {
		// 未登记的号码无法通过验证，通话继续并最终锁定
		logger.Warn("subject not in directory", zap.String("phone", phone))
		return auth.Known{}, nil
	}
	return known, err
}

func (s *Service) failBeforeMedia(ctx context.Context, id, reason string) {
	sess, err := s.update(context.WithoutCancel(ctx), id, func(cur *session.Session) error {
		if !cur.Phase.OnCall() {
			return session.ErrNoChange
		}
		cur.EndReason = reason
		return cur.Transition(session.PhaseCallError, s.Clock())
	})
	if err != nil {
		logger.Error("mark call error failed", zap.String("session_id", id), zap.Error(err))
		return
	}
	s.finishRecord(sess, reason)
	if sess.CallSID != "" {
		if err := s.Carrier.EndCall(context.WithoutCancel(ctx), sess.CallSID); err != nil {
			logger.Warn("end call failed", zap.String("session_id", id), zap.Error(err))
		}
	}
}

func (s *Service) runLeg(ctx context.Context, leg *Leg, m *Machine) {
	defer close(leg.done)
	convErr := make(chan error, 1)
	go func() { convErr <- leg.conv.Run(ctx) }()

	err := m.Run(ctx, convErr)
	leg.cancel()
	leg.conv.Close()

	s.mutex.Lock()
	delete(s.legs, leg.ID)
	s.mutex.Unlock()
	s.Metrics.RecordStreamEnd(time.Since(leg.started))

	if sess, gerr := s.Store.Get(context.Background(), leg.ID); gerr == nil {
		s.Metrics.RecordCallEnd(string(sess.Phase))
		msg := ""
		if err != nil && !errors.Is(err, context.Canceled) {
			msg = err.Error()
		}
		s.finishRecord(sess, msg)
	}
	logger.Info("call leg finished", zap.String("session_id", leg.ID), zap.Error(err))
}

// Leg returns the live leg for a session, or nil.
func (s *Service) Leg(id string) *Leg {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.legs[id]
}

// ActiveLegs counts live legs.
func (s *Service) ActiveLegs() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.legs)
}

// Shutdown stops every live leg and waits for them until ctx ends.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mutex.RLock()
	legs := make([]*Leg, 0, len(s.legs))
	for _, l := range s.legs {
		legs = append(legs, l)
	}
	s.mutex.RUnlock()
	for _, l := range legs {
		l.cancel()
	}
	for _, l := range legs {
		select {
		case <-l.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// update runs session.Update and records any phase change.
func (s *Service) update(ctx context.Context, id string, fn func(*session.Session) error) (*session.Session, error) {
	var from session.Phase
	sess, err := session.Update(ctx, s.Store, id, s.Clock, func(cur *session.Session) error {
		from = cur.Phase
		return fn(cur)
	})
	if err != nil {
		return nil, err
	}
	if sess.Phase != from {
		s.Metrics.RecordTransition(string(from), string(sess.Phase))
		logger.Info("phase transition",
			zap.String("session_id", id),
			zap.String("from", string(from)),
			zap.String("to", string(sess.Phase)),
			zap.String("reason", sess.EndReason))
	}
	return sess, nil
}

func (s *Service) createRecord(sess *session.Session) {
	if s.DB == nil {
		return
	}
	rec := &models.CallRecord{
		SessionID:   sess.ID,
		PhoneNumber: sess.PhoneNumber,
		Language:    sess.Language,
		Phase:       string(sess.Phase),
		StartTime:   sess.CreatedAt,
	}
	if err := models.CreateCallRecord(s.DB, rec); err != nil {
		logger.Error("create call record failed", zap.String("session_id", sess.ID), zap.Error(err))
	}
}

func (s *Service) withRecord(id string, fn func(r *models.CallRecord)) {
	if s.DB == nil {
		return
	}
	rec, err := models.GetCallRecordBySessionID(s.DB, id)
	if err != nil {
		logger.Debug("call record not found", zap.String("session_id", id), zap.Error(err))
		return
	}
	fn(rec)
	if err := models.UpdateCallRecord(s.DB, rec); err != nil {
		logger.Error("update call record failed", zap.String("session_id", id), zap.Error(err))
	}
}

func (s *Service) finishRecord(sess *session.Session, errMsg string) {
	s.withRecord(sess.ID, func(r *models.CallRecord) {
		if sess.CallSID != "" {
			r.CallSID = sess.CallSID
		}
		r.Authenticated = sess.Auth.Authenticated
		r.OptedIn = sess.OptedIn
		if errMsg != "" {
			r.ErrorMessage = errMsg
		}
		r.Finish(string(sess.Phase), sess.EndReason, s.Clock())
	})
}

// Leg is one live call: its audio controller and the machine driving it.
type Leg struct {
	ID      string
	CallSID string

	conv    *voice.Controller
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time
}

// PushAudio feeds one inbound mu-law frame.
func (l *Leg) PushAudio(frame []byte) error { return l.conv.PushAudio(frame) }

// PushDTMF feeds one keypad digit.
func (l *Leg) PushDTMF(digit string) { l.conv.PushDTMF(digit) }

// Hangup reports that the carrier side ended the call.
func (l *Leg) Hangup() { l.conv.NotifyCallEnded() }

// Done is closed once the machine has finished.
func (l *Leg) Done() <-chan struct{} { return l.done }

// Stop ends the leg without a spoken goodbye.
func (l *Leg) Stop() { l.cancel() }
