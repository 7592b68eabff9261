package call

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LingByte/LingReach/internal/models"
	"github.com/LingByte/LingReach/pkg/auth"
	"github.com/LingByte/LingReach/pkg/dialog"
	"github.com/LingByte/LingReach/pkg/logger"
	"github.com/LingByte/LingReach/pkg/session"
	"github.com/LingByte/LingReach/pkg/voice"
	"go.uber.org/zap"
)

var (
	ErrPhaseCeiling = errors.New("phase time limit exceeded")

	// errPhaseMoved means another writer (usually the status callback)
	// took the session out of the phase this leg was driving.
	errPhaseMoved = errors.New("session left the phase")
)

// Machine drives one call leg from AUTHENTICATING to a terminal phase or
// OPT_IN_COMPLETE. It is the only writer of the session while the leg is live.
type Machine struct {
	svc   *Service
	leg   *Leg
	conv  *voice.Controller
	id    string
	lang  string
	name  string
	known auth.Known

	phase    session.Phase
	pending  session.Fact
	slot     string
	phone    bool
	// turn is the caller turn the reply being composed answers.
	turn     uint64
	ceiling  *time.Timer
	ceilingC <-chan time.Time

	capFailures int
}

func newMachine(svc *Service, leg *Leg, sess *session.Session, known auth.Known) *Machine {
	return &Machine{
		svc:   svc,
		leg:   leg,
		conv:  leg.conv,
		id:    sess.ID,
		lang:  sess.Language,
		name:  sess.FirstName,
		known: known,
		phase: sess.Phase,
	}
}

// Run answers the leg and processes controller events until the call ends.
// convErr delivers the controller's exit.
func (m *Machine) Run(ctx context.Context, convErr <-chan error) error {
	defer m.stopCeiling()
	sess, err := m.svc.update(ctx, m.id, func(s *session.Session) error {
		if s.Phase != session.PhaseRinging {
			return fmt.Errorf("%w: %s", ErrNotAnswerable, s.Phase)
		}
		s.Auth.Pending = auth.NextFact(s.Auth)
		return s.Transition(session.PhaseAuthenticating, m.svc.Clock())
	})
	if err != nil {
		return err
	}
	m.sync(sess)
	m.turn = m.conv.Turn()
	m.ask(ctx, m.line(dialog.LineGreeting, map[string]string{"first_name": m.name})+" "+m.svc.Engine.FactPrompt(m.pending, m.lang))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-convErr:
			convErr = nil
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err == nil {
				return nil
			}
			m.fail(ctx, "recognizer_lost")
			return err
		case <-m.ceilingC:
			logger.Warn("phase ceiling reached", zap.String("session_id", m.id), zap.String("phase", string(m.phase)))
			m.fail(ctx, "phase_ceiling")
			return fmt.Errorf("%w: %s", ErrPhaseCeiling, m.phase)
		case ev := <-m.conv.Events():
			done, err := m.handle(ctx, ev)
			if err != nil {
				if errors.Is(err, errPhaseMoved) {
					return nil
				}
				m.fail(ctx, "capability_error")
				return err
			}
			if done {
				return nil
			}
		}
	}
}

func (m *Machine) handle(ctx context.Context, ev voice.Event) (bool, error) {
	switch ev.Type {
	case voice.EventFinalTranscript:
		m.turn = ev.Turn
		m.record(models.SpeakerSubject, ev.Text, ev.Turn, ev.At)
		switch {
		case m.phase == session.PhaseAuthenticating:
			return m.onFact(ctx, ev.Text)
		case m.phase == session.PhaseAssessment:
			return m.onSlot(ctx, ev.Text)
		case m.phase == session.PhaseOptIn && m.phone:
			return m.onPhone(ctx, ev.Text)
		case m.phase == session.PhaseOptIn:
			return m.onOptIn(ctx, ev.Text)
		}
	case voice.EventNoInput:
		m.turn = ev.Turn
		return m.onNoInput(ctx)
	case voice.EventCallEnded:
		m.onHangup(ctx)
		return true, nil
	case voice.EventBargeIn:
		logger.Debug("caller barged in", zap.String("session_id", m.id), zap.Uint64("turn", ev.Turn))
	case voice.EventPartialTranscript:
		logger.Debug("partial transcript", zap.String("session_id", m.id), zap.String("text", ev.Text))
	case voice.EventDTMF:
		logger.Debug("dtmf", zap.String("session_id", m.id), zap.String("digit", ev.Text))
	}
	return false, nil
}

func (m *Machine) onFact(ctx context.Context, utterance string) (bool, error) {
	start := time.Now()
	text := auth.Resolve(ctx, m.svc.Extractor, m.pending, m.lang, utterance)
	if m.svc.Extractor != nil && text != utterance {
		m.svc.Metrics.RecordCapability("llm_extract", time.Since(start), nil)
	}

	var d auth.Decision
	sess, err := m.update(ctx, func(s *session.Session, now time.Time) error {
		fact := s.Auth.Pending
		if fact == "" {
			fact = auth.NextFact(s.Auth)
		}
		s.Auth, d = m.svc.Matcher.Evaluate(s.Auth, m.known, fact, text)
		s.NoInputStreak = 0
		switch {
		case d.Authenticated:
			return s.Transition(session.PhaseAssessment, now)
		case d.Locked:
			s.EndReason = "auth_locked"
			return s.Transition(session.PhaseFailedAuth, now)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	m.svc.Metrics.RecordAuth(string(d.Fact), d.Matched)
	logger.Info("identity fact evaluated",
		zap.String("session_id", m.id),
		zap.String("fact", string(d.Fact)),
		zap.Bool("matched", d.Matched),
		zap.Bool("readable", d.Readable))

	switch {
	case d.Authenticated:
		p, _ := m.svc.Engine.NextPrompt(sess)
		m.ask(ctx, m.line(dialog.LineAuthOK, nil)+" "+p.Text)
	case d.Locked:
		m.finish(ctx, sess, m.line(dialog.LineLocked, nil))
		return true, nil
	default:
		text := m.svc.Engine.FactPrompt(d.Next, m.lang)
		if !d.Matched {
			text = m.line(dialog.LineAuthRetry, nil) + " " + text
		}
		m.ask(ctx, text)
	}
	return false, nil
}

func (m *Machine) onSlot(ctx context.Context, utterance string) (bool, error) {
	slot := m.slot
	start := time.Now()
	value, err := m.svc.Engine.Interpret(ctx, slot, m.lang, utterance)
	if err != nil && !errors.Is(err, dialog.ErrUnrecognized) {
		m.svc.Metrics.RecordCapability("llm_classify", time.Since(start), err)
		return m.capabilityFailure(ctx, err)
	}
	m.capFailures = 0

	sess, err := m.update(ctx, func(s *session.Session, now time.Time) error {
		s.NoInputStreak = 0
		if cur := s.CurrentSlot(); cur == nil || cur.Name != slot {
			return nil
		}
		if value != "" {
			m.svc.Engine.RecordAnswer(s, value)
		} else {
			m.svc.Engine.RecordFailure(s)
		}
		if _, done := m.svc.Engine.NextPrompt(s); done {
			return s.Transition(session.PhaseOptIn, now)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	logger.Info("slot answered",
		zap.String("session_id", m.id),
		zap.String("slot", slot),
		zap.String("value", value))
	m.askCurrent(ctx, sess, "")
	return false, nil
}

func (m *Machine) onOptIn(ctx context.Context, utterance string) (bool, error) {
	start := time.Now()
	yes, err := m.svc.Engine.InterpretYesNo(ctx, m.lang, utterance)
	recognized := err == nil
	if err != nil && !errors.Is(err, dialog.ErrUnrecognized) {
		m.svc.Metrics.RecordCapability("llm_classify", time.Since(start), err)
		return m.capabilityFailure(ctx, err)
	}
	m.capFailures = 0

	sess, err := m.update(ctx, func(s *session.Session, now time.Time) error {
		s.NoInputStreak = 0
		s.OptInAttempts++
		if !recognized {
			if s.OptInAttempts <= m.svc.Engine.MaxRetries() {
				return nil
			}
			s.OptedIn = false
			return s.Transition(session.PhaseOptInComplete, now)
		}
		s.OptedIn = yes
		if yes {
			s.CollectingPhone = true
			return nil
		}
		return s.Transition(session.PhaseOptInComplete, now)
	})
	if err != nil {
		return false, err
	}
	switch {
	case sess.Phase == session.PhaseOptIn && sess.CollectingPhone:
		m.ask(ctx, m.line(dialog.LineAskPhone, nil))
		return false, nil
	case sess.Phase == session.PhaseOptIn:
		m.ask(ctx, m.line(dialog.LineNotUnderstood, nil)+" "+m.line(dialog.LineOptIn, nil))
		return false, nil
	}
	m.complete(ctx, sess)
	return true, nil
}

// onPhone takes the cell number the link is texted to. After the retries
// run out the link goes to the number that was called.
func (m *Machine) onPhone(ctx context.Context, utterance string) (bool, error) {
	phone, ok := auth.NormalizePhone(utterance)
	sess, err := m.update(ctx, func(s *session.Session, now time.Time) error {
		s.NoInputStreak = 0
		if ok {
			s.SMSPhone = phone
			s.CollectingPhone = false
			return s.Transition(session.PhaseOptInComplete, now)
		}
		return m.phoneMissed(s, now)
	})
	if err != nil {
		return false, err
	}
	logger.Info("sms number collected", zap.String("session_id", m.id), zap.Bool("valid", ok))
	if sess.Phase == session.PhaseOptIn {
		m.ask(ctx, m.line(dialog.LineNotUnderstood, nil)+" "+m.line(dialog.LineAskPhone, nil))
		return false, nil
	}
	m.complete(ctx, sess)
	return true, nil
}

func (m *Machine) phoneMissed(s *session.Session, now time.Time) error {
	s.PhoneAttempts++
	if s.PhoneAttempts <= m.svc.Engine.MaxRetries() {
		return nil
	}
	s.CollectingPhone = false
	s.SMSPhone = s.PhoneNumber
	return s.Transition(session.PhaseOptInComplete, now)
}

func (m *Machine) onNoInput(ctx context.Context) (bool, error) {
	limit := m.svc.cfg.NoInputLimit
	sess, err := m.update(ctx, func(s *session.Session, now time.Time) error {
		s.NoInputStreak++
		if s.NoInputStreak >= limit {
			s.EndReason = "no_input"
			return s.Transition(session.PhaseAbandoned, now)
		}
		switch s.Phase {
		case session.PhaseAssessment:
			m.svc.Engine.RecordFailure(s)
			if _, done := m.svc.Engine.NextPrompt(s); done {
				return s.Transition(session.PhaseOptIn, now)
			}
		case session.PhaseOptIn:
			if s.CollectingPhone {
				return m.phoneMissed(s, now)
			}
			s.OptInAttempts++
			if s.OptInAttempts > m.svc.Engine.MaxRetries() {
				s.OptedIn = false
				return s.Transition(session.PhaseOptInComplete, now)
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	logger.Info("no input", zap.String("session_id", m.id), zap.Int("streak", sess.NoInputStreak))

	switch sess.Phase {
	case session.PhaseAbandoned:
		m.finish(ctx, sess, m.line(dialog.LineAbandon, nil))
		return true, nil
	case session.PhaseOptInComplete:
		m.complete(ctx, sess)
		return true, nil
	}
	m.askCurrent(ctx, sess, m.line(dialog.LineNoInput, nil))
	return false, nil
}

// onHangup closes a leg the caller hung up on. Anything before
// OPT_IN_COMPLETE is abandoned.
func (m *Machine) onHangup(ctx context.Context) {
	_, err := m.svc.update(context.WithoutCancel(ctx), m.id, func(s *session.Session) error {
		if !s.Phase.OnCall() {
			return session.ErrNoChange
		}
		s.EndReason = "hangup"
		return s.Transition(session.PhaseAbandoned, m.svc.Clock())
	})
	if err != nil {
		logger.Error("record hangup failed", zap.String("session_id", m.id), zap.Error(err))
	}
}

// capabilityFailure re-asks once after a provider error and ends the call
// on the next consecutive one.
func (m *Machine) capabilityFailure(ctx context.Context, err error) (bool, error) {
	m.capFailures++
	logger.Warn("capability error", zap.String("session_id", m.id), zap.Int("consecutive", m.capFailures), zap.Error(err))
	if m.capFailures > 1 {
		return false, err
	}
	m.ask(ctx, m.line(dialog.LineFallback, nil))
	return false, nil
}

// complete ends a leg that reached OPT_IN_COMPLETE.
func (m *Machine) complete(ctx context.Context, sess *session.Session) {
	line := dialog.LineOptInNo
	if sess.OptedIn {
		line = dialog.LineOptInYes
	}
	h := m.announce(ctx, m.line(line, nil))
	if sess.OptedIn && m.svc.Handoff != nil {
		to := sess.SMSPhone
		if to == "" {
			to = sess.PhoneNumber
		}
		if _, err := m.svc.Handoff.SendLink(ctx, m.id, to); err != nil {
			logger.Error("send form link failed", zap.String("session_id", m.id), zap.Error(err))
		}
	}
	m.hangUp(ctx, sess, h)
}

// finish speaks a closing line and hangs up.
func (m *Machine) finish(ctx context.Context, sess *session.Session, text string) {
	m.hangUp(ctx, sess, m.announce(ctx, text))
}

func (m *Machine) hangUp(ctx context.Context, sess *session.Session, h *voice.SpeakHandle) {
	select {
	case <-h.Done():
	case <-time.After(m.svc.cfg.ClosingWait):
	case <-ctx.Done():
	}
	if sess.CallSID == "" {
		return
	}
	if err := m.svc.Carrier.EndCall(context.WithoutCancel(ctx), sess.CallSID); err != nil {
		logger.Warn("end call failed", zap.String("session_id", m.id), zap.Error(err))
	}
}

// fail moves a live leg to CALL_ERROR with an apology and hangs up.
func (m *Machine) fail(ctx context.Context, reason string) {
	if ctx.Err() != nil {
		return
	}
	sess, err := m.svc.update(ctx, m.id, func(s *session.Session) error {
		if !s.Phase.OnCall() {
			return session.ErrNoChange
		}
		s.EndReason = reason
		return s.Transition(session.PhaseCallError, m.svc.Clock())
	})
	if err != nil {
		logger.Error("record call error failed", zap.String("session_id", m.id), zap.Error(err))
		return
	}
	if sess.Phase != session.PhaseCallError {
		return
	}
	m.finish(ctx, sess, m.line(dialog.LineCallError, nil))
}

// update applies fn only while the session is still in the phase this
// machine is driving.
func (m *Machine) update(ctx context.Context, fn func(s *session.Session, now time.Time) error) (*session.Session, error) {
	want := m.phase
	sess, err := m.svc.update(ctx, m.id, func(s *session.Session) error {
		if s.Phase != want {
			return errPhaseMoved
		}
		return fn(s, m.svc.Clock())
	})
	if err != nil {
		return nil, err
	}
	m.sync(sess)
	return sess, nil
}

func (m *Machine) sync(sess *session.Session) {
	m.pending = sess.Auth.Pending
	if cur := sess.CurrentSlot(); cur != nil {
		m.slot = cur.Name
	}
	m.phone = sess.CollectingPhone
	if sess.Phase != m.phase || m.ceiling == nil {
		m.phase = sess.Phase
		m.armCeiling()
	}
	// 选项题与是否题按一个键即作答，身份信息和手机号以 # 或停顿结束
	switch {
	case m.phase == session.PhaseAssessment, m.phase == session.PhaseOptIn && !m.phone:
		m.conv.SetKeypad(voice.KeypadSingle)
	default:
		m.conv.SetKeypad(voice.KeypadTerminated)
	}
}

func (m *Machine) armCeiling() {
	m.stopCeiling()
	var d time.Duration
	switch m.phase {
	case session.PhaseAuthenticating:
		d = m.svc.cfg.AuthCeiling
	case session.PhaseAssessment:
		d = m.svc.cfg.AssessmentCeiling
	case session.PhaseOptIn:
		d = m.svc.cfg.OptInCeiling
	default:
		return
	}
	m.ceiling = time.NewTimer(d)
	m.ceilingC = m.ceiling.C
}

func (m *Machine) stopCeiling() {
	if m.ceiling != nil {
		m.ceiling.Stop()
	}
	m.ceilingC = nil
}

// askCurrent asks the question of the current phase again, optionally after
// a lead-in line.
func (m *Machine) askCurrent(ctx context.Context, sess *session.Session, lead string) {
	var text string
	switch sess.Phase {
	case session.PhaseAuthenticating:
		text = m.svc.Engine.FactPrompt(m.pending, m.lang)
	case session.PhaseAssessment:
		p, _ := m.svc.Engine.NextPrompt(sess)
		text = p.Text
		if lead != "" && p.Retry {
			text = strings.TrimPrefix(text, m.line(dialog.LineNotUnderstood, nil)+" ")
		}
	case session.PhaseOptIn:
		text = m.line(dialog.LineOptIn, nil)
		if sess.CollectingPhone {
			text = m.line(dialog.LineAskPhone, nil)
		}
	default:
		return
	}
	if lead != "" {
		text = lead + " " + text
	}
	m.ask(ctx, text)
}

// ask speaks a question and arms the silence timer once it has played.
// A reply the caller has already talked past is dropped.
func (m *Machine) ask(ctx context.Context, text string) {
	h := m.say(ctx, m.turn, text)
	if errors.Is(h.Err(), voice.ErrStaleTurn) {
		logger.Debug("reply dropped, caller moved on", zap.String("session_id", m.id), zap.Uint64("turn", m.turn))
		return
	}
	m.conv.ExpectAnswer()
}

// announce speaks a line that does not answer a caller turn, such as a
// greeting or farewell.
func (m *Machine) announce(ctx context.Context, text string) *voice.SpeakHandle {
	return m.say(ctx, m.conv.Turn(), text)
}

func (m *Machine) say(ctx context.Context, turn uint64, text string) *voice.SpeakHandle {
	h := m.conv.Speak(ctx, turn, text)
	if !errors.Is(h.Err(), voice.ErrStaleTurn) {
		m.record(models.SpeakerSystem, text, h.Turn, m.svc.Clock())
	}
	return h
}

func (m *Machine) line(key string, vars map[string]string) string {
	return m.svc.Engine.Line(key, m.lang, vars)
}

func (m *Machine) record(speaker models.Speaker, text string, turn uint64, at time.Time) {
	if at.IsZero() {
		at = m.svc.Clock()
	}
	m.svc.Recorder.Record(models.TranscriptTurn{
		SessionID: m.id,
		Turn:      turn,
		Speaker:   speaker,
		Text:      text,
		Final:     true,
		Phase:     string(m.phase),
		SpokenAt:  at,
	})
}
