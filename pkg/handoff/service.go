package handoff

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/LingByte/LingReach/internal/models"
	"github.com/LingByte/LingReach/pkg/dialog"
	"github.com/LingByte/LingReach/pkg/logger"
	"github.com/LingByte/LingReach/pkg/metrics"
	"github.com/LingByte/LingReach/pkg/notification"
	"github.com/LingByte/LingReach/pkg/session"
	"github.com/LingByte/LingReach/pkg/utils"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrNotFound         = errors.New("handoff not found")
	ErrExpired          = errors.New("handoff expired")
	ErrAlreadyConsumed  = errors.New("handoff already consumed")
	ErrPhaseMismatch    = errors.New("session is not in the expected phase")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrNotOptedIn       = errors.New("subject did not opt in")
	ErrNoSender         = errors.New("sms sender not configured")
)

const (
	TokenLength       = 32
	DefaultTokenTTL   = 2 * time.Hour
	DefaultFormWindow = 30 * time.Minute
)

// SMSSender delivers the form link. telephony.Carrier satisfies it.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) (string, error)
}

// Notifier announces a submitted form.
type Notifier interface {
	Notify(ctx context.Context, summary notification.FormSummary)
}

type Config struct {
	FrontendURL string
	TokenTTL    time.Duration
	// FormWindow is how long a redeemed link stays open for submission.
	FormWindow time.Duration
}

// Service owns the token lifecycle between the call leg and the web visit.
type Service struct {
	store   session.Store
	now     session.Clock
	engine  *dialog.Engine
	sms     SMSSender
	mailer  Notifier
	db      *gorm.DB
	metrics *metrics.Metrics
	cfg     Config

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// NewService wires the handoff service. sms, mailer, db and m may be nil.
func NewService(cfg Config, store session.Store, now session.Clock, engine *dialog.Engine, sms SMSSender, mailer Notifier, db *gorm.DB, m *metrics.Metrics) *Service {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.FormWindow <= 0 {
		cfg.FormWindow = DefaultFormWindow
	}
	cfg.FrontendURL = strings.TrimRight(cfg.FrontendURL, "/")
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:   store,
		now:     now,
		engine:  engine,
		sms:     sms,
		mailer:  mailer,
		db:      db,
		metrics: m,
		cfg:     cfg,
		timers:  make(map[string]*time.Timer),
	}
}

// FormURL is the link the subject receives.
func (s *Service) FormURL(token string) string {
	return s.cfg.FrontendURL + "/form/" + token
}

// Mint binds a fresh token to the session, or returns the one already bound.
// Only a session that opted in and reached OPT_IN_COMPLETE can mint.
func (s *Service) Mint(ctx context.Context, id string) (string, time.Time, error) {
	fresh, err := utils.RandToken(TokenLength)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate token: %w", err)
	}
	minted := false
	sess, err := session.Update(ctx, s.store, id, s.now, func(cur *session.Session) error {
		minted = false
		now := s.now()
		if h := cur.Handoff; h != nil && h.Token != "" {
			if h.Consumed || h.Live(now) {
				return session.ErrNoChange
			}
			return ErrExpired
		}
		if cur.Phase != session.PhaseOptInComplete {
			return fmt.Errorf("%w: %s", ErrPhaseMismatch, cur.Phase)
		}
		if !cur.OptedIn {
			return ErrNotOptedIn
		}
		cur.Handoff = &session.HandoffState{Token: fresh, ExpiresAt: now.Add(s.cfg.TokenTTL)}
		minted = true
		return nil
	})
	if err != nil {
		return "", time.Time{}, mapStoreErr(err)
	}
	h := sess.Handoff
	if minted {
		// 索引保留到会话过期，过期的链接仍能解析并给出 "expired"
		indexTTL := sess.ExpiresAt.Sub(s.now())
		if indexTTL < s.cfg.TokenTTL {
			indexTTL = s.cfg.TokenTTL
		}
		if err := s.store.BindToken(ctx, h.Token, id, indexTTL); err != nil {
			return "", time.Time{}, fmt.Errorf("bind token: %w", err)
		}
		s.metrics.RecordHandoff("minted")
		logger.Info("handoff token minted", zap.String("session_id", id), zap.Time("expires_at", h.ExpiresAt))
	}
	s.schedule(id, h.ExpiresAt)
	return h.Token, h.ExpiresAt, nil
}

// Redeem consumes token and moves its session to FORM_REVIEW in one write.
func (s *Service) Redeem(ctx context.Context, token string) (string, error) {
	id, err := s.store.ResolveToken(ctx, token)
	if err != nil {
		return "", mapStoreErr(err)
	}
	var from session.Phase
	_, err = session.Update(ctx, s.store, id, s.now, func(cur *session.Session) error {
		now := s.now()
		h := cur.Handoff
		switch {
		case h == nil || h.Token != token:
			return ErrNotFound
		case h.Consumed:
			return ErrAlreadyConsumed
		case cur.Phase == session.PhaseExpired || !now.Before(h.ExpiresAt):
			return ErrExpired
		}
		from = cur.Phase
		if err := cur.Transition(session.PhaseFormReview, now); err != nil {
			return fmt.Errorf("%w: %s", ErrPhaseMismatch, cur.Phase)
		}
		h.Consumed = true
		h.ConsumedAt = &now
		if deadline := now.Add(s.cfg.FormWindow); deadline.After(h.ExpiresAt) {
			h.ExpiresAt = deadline
		}
		return nil
	})
	if err != nil {
		err = mapStoreErr(err)
		s.metrics.RecordHandoff(reason(err))
		return "", err
	}
	s.metrics.RecordHandoff("redeemed")
	s.metrics.RecordTransition(string(from), string(session.PhaseFormReview))
	logger.Info("handoff token redeemed", zap.String("session_id", id))
	return id, nil
}

// Open returns the form for ref, which is either a handoff token or a
// session id. A token is redeemed on the first visit; later visits re-read
// the bound session until it is submitted.
func (s *Service) Open(ctx context.Context, ref string) (*Form, error) {
	if id, err := s.store.ResolveToken(ctx, ref); err == nil {
		if _, err := s.Redeem(ctx, ref); err != nil && !errors.Is(err, ErrAlreadyConsumed) {
			return nil, err
		}
		sess, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, mapStoreErr(err)
		}
		switch {
		case sess.Phase == session.PhaseExpired:
			return nil, ErrExpired
		case sess.Submitted:
			return nil, ErrAlreadyConsumed
		}
		return s.Project(sess), nil
	} else if !errors.Is(err, session.ErrNotFound) {
		return nil, err
	}

	sess, err := s.store.Get(ctx, ref)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	switch {
	case sess.Phase == session.PhaseExpired:
		return nil, ErrExpired
	case !sess.Phase.AtLeast(session.PhaseFormReview):
		return nil, fmt.Errorf("%w: %s", ErrPhaseMismatch, sess.Phase)
	}
	return s.Project(sess), nil
}

// LinkResult describes the outcome of SendLink.
type LinkResult struct {
	Token       string    `json:"-"`
	URL         string    `json:"url"`
	ExpiresAt   time.Time `json:"expires_at"`
	MessageSID  string    `json:"message_sid,omitempty"`
	AlreadySent bool      `json:"already_sent"`
}

// SendLink texts the form link once per session. Repeated calls return the
// first result without sending again. phone overrides the number on file.
func (s *Service) SendLink(ctx context.Context, id, phone string) (*LinkResult, error) {
	token, expires, err := s.Mint(ctx, id)
	if err != nil {
		return nil, err
	}
	res := &LinkResult{Token: token, URL: s.FormURL(token), ExpiresAt: expires}

	// 先用 CAS 占位，只有占位成功的调用方发送短信
	var to, lang, name string
	claimed := false
	sess, err := session.Update(ctx, s.store, id, s.now, func(cur *session.Session) error {
		claimed = false
		h := cur.Handoff
		if h == nil || h.Token != token {
			return ErrNotFound
		}
		if h.SMSSentAt != nil {
			return session.ErrNoChange
		}
		now := s.now()
		to = strings.TrimSpace(phone)
		if to == "" {
			to = cur.SMSPhone
		}
		if to == "" {
			to = cur.PhoneNumber
		}
		lang, name = cur.Language, cur.FirstName
		h.SMSSentAt = &now
		h.SMSPhone = to
		claimed = true
		return nil
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if !claimed {
		res.AlreadySent = true
		res.MessageSID = sess.Handoff.MessageSID
		return res, nil
	}

	sid, sendErr := s.deliver(ctx, to, lang, name, res.URL)
	if sendErr != nil {
		// 释放占位，允许重试
		_, _ = session.Update(context.WithoutCancel(ctx), s.store, id, s.now, func(cur *session.Session) error {
			if cur.Handoff == nil || cur.Handoff.Token != token {
				return session.ErrNoChange
			}
			cur.Handoff.SMSSentAt = nil
			cur.Handoff.SMSPhone = ""
			return nil
		})
		logger.Error("handoff sms failed", zap.String("session_id", id), zap.Error(sendErr))
		return nil, fmt.Errorf("send link: %w", sendErr)
	}
	res.MessageSID = sid
	if _, err := session.Update(ctx, s.store, id, s.now, func(cur *session.Session) error {
		if cur.Handoff == nil || cur.Handoff.Token != token {
			return session.ErrNoChange
		}
		cur.Handoff.MessageSID = sid
		return nil
	}); err != nil {
		logger.Warn("record message sid failed", zap.String("session_id", id), zap.Error(err))
	}
	s.metrics.RecordHandoff("sms_sent")
	logger.Info("handoff link sent", zap.String("session_id", id), zap.String("message_sid", sid))
	return res, nil
}

func (s *Service) deliver(ctx context.Context, to, lang, name, link string) (string, error) {
	if s.sms == nil {
		return "", ErrNoSender
	}
	body := s.engine.Line(dialog.LineSMSBody, lang, map[string]string{"url": link, "first_name": name})
	return s.sms.SendSMS(ctx, to, body)
}

// Submit records the signature and completes the form. A lapsed window moves
// the session to EXPIRED and returns ErrExpired.
func (s *Service) Submit(ctx context.Context, id, signature string) (*session.Session, error) {
	art, err := ParseSignature(signature)
	if err != nil {
		return nil, err
	}
	expired := false
	sess, err := session.Update(ctx, s.store, id, s.now, func(cur *session.Session) error {
		expired = false
		now := s.now()
		switch cur.Phase {
		case session.PhaseExpired:
			return ErrExpired
		case session.PhaseFormReview:
		default:
			return fmt.Errorf("%w: %s", ErrPhaseMismatch, cur.Phase)
		}
		if cur.Handoff != nil && !now.Before(cur.Handoff.ExpiresAt) {
			expired = true
			cur.EndReason = "handoff_expired"
			return cur.Transition(session.PhaseExpired, now)
		}
		cur.Signature = &session.SignatureRef{SHA256: art.SHA256, ContentType: art.ContentType, Size: len(art.Data)}
		if err := cur.Transition(session.PhaseSigned, now); err != nil {
			return err
		}
		if err := cur.Transition(session.PhaseSubmitted, now); err != nil {
			return err
		}
		cur.Submitted = true
		cur.SubmittedAt = &now
		return nil
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if expired {
		s.cancelTimer(id)
		s.metrics.RecordHandoff("expired")
		s.metrics.RecordTransition(string(session.PhaseFormReview), string(session.PhaseExpired))
		logger.Info("form submitted after window lapsed", zap.String("session_id", id))
		return nil, ErrExpired
	}
	s.cancelTimer(id)
	s.metrics.RecordHandoff("submitted")
	s.metrics.RecordTransition(string(session.PhaseFormReview), string(session.PhaseSigned))
	s.metrics.RecordTransition(string(session.PhaseSigned), string(session.PhaseSubmitted))
	logger.Info("form submitted", zap.String("session_id", id), zap.String("signature_sha256", art.SHA256))

	form := s.Project(sess)
	s.persist(sess, form, art)
	if s.mailer != nil {
		s.mailer.Notify(ctx, form.Summary(art))
	}
	return sess, nil
}

func (s *Service) persist(sess *session.Session, form *Form, art *Artifact) {
	if s.db == nil {
		return
	}
	answers := make(models.FormAnswers, 0, len(form.Fields))
	for _, f := range form.Fields {
		answers = append(answers, models.FormAnswer{Slot: f.Slot, Value: f.Value, Display: f.Display, Status: f.Status})
	}
	sub := &models.Submission{
		SessionID:       sess.ID,
		FirstName:       sess.FirstName,
		PhoneNumber:     sess.PhoneNumber,
		Language:        sess.Language,
		OptedIn:         sess.OptedIn,
		Answers:         answers,
		Signature:       art.Data,
		SignatureType:   art.ContentType,
		SignatureSHA256: art.SHA256,
		SubmittedAt:     *sess.SubmittedAt,
	}
	if err := models.CreateSubmission(s.db, sub); err != nil {
		logger.Error("persist submission failed", zap.String("session_id", sess.ID), zap.Error(err))
	}
}

func mapStoreErr(err error) error {
	if errors.Is(err, session.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// Reason is the stable client-facing code for a handoff error.
func Reason(err error) string {
	return reason(err)
}

func reason(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrAlreadyConsumed):
		return "already_consumed"
	case errors.Is(err, ErrPhaseMismatch):
		return "phase_mismatch"
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, ErrNotOptedIn):
		return "not_opted_in"
	}
	return "error"
}
