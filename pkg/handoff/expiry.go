package handoff

import (
	"context"
	"time"

	"github.com/LingByte/LingReach/pkg/logger"
	"github.com/LingByte/LingReach/pkg/session"
	"go.uber.org/zap"
)

// schedule arms (or re-arms) the lapse check for id at deadline.
func (s *Service) schedule(id string, deadline time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if t, ok := s.timers[id]; ok {
		t.Stop()
	}
	d := deadline.Sub(s.now())
	if d < 0 {
		d = 0
	}
	s.timers[id] = time.AfterFunc(d, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := s.Expire(ctx, id); err != nil {
			logger.Warn("handoff expiry check failed", zap.String("session_id", id), zap.Error(err))
		}
	})
}

func (s *Service) cancelTimer(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

// Expire moves an unsubmitted handoff whose window lapsed to EXPIRED.
// A window extended by redemption is re-armed instead.
func (s *Service) Expire(ctx context.Context, id string) (bool, error) {
	var (
		expired bool
		from    session.Phase
		later   time.Time
	)
	_, err := session.Update(ctx, s.store, id, s.now, func(cur *session.Session) error {
		expired, later = false, time.Time{}
		h := cur.Handoff
		if h == nil || cur.Submitted {
			return session.ErrNoChange
		}
		if cur.Phase != session.PhaseOptInComplete && cur.Phase != session.PhaseFormReview {
			return session.ErrNoChange
		}
		now := s.now()
		if now.Before(h.ExpiresAt) {
			later = h.ExpiresAt
			return session.ErrNoChange
		}
		from = cur.Phase
		cur.EndReason = "handoff_expired"
		expired = true
		return cur.Transition(session.PhaseExpired, now)
	})
	if err != nil {
		return false, mapStoreErr(err)
	}
	s.mu.Lock()
	delete(s.timers, id)
	s.mu.Unlock()
	if !later.IsZero() {
		s.schedule(id, later)
		return false, nil
	}
	if expired {
		s.metrics.RecordHandoff("expired")
		s.metrics.RecordTransition(string(from), string(session.PhaseExpired))
		logger.Info("handoff expired", zap.String("session_id", id), zap.String("from", string(from)))
	}
	return expired, nil
}

// Close stops every pending expiry check.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
