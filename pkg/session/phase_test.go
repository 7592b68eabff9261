package session

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestTransitionTableAllPairs(t *testing.T) {
	allowed := map[[2]Phase]bool{}
	add := func(from Phase, to ...Phase) {
		for _, p := range to {
			allowed[[2]Phase{from, p}] = true
		}
	}
	add(PhaseInitiated, PhaseRinging, PhaseCallError)
	for _, p := range []Phase{PhaseRinging, PhaseAuthenticating, PhaseAssessment, PhaseOptIn} {
		add(p, PhaseFailedAuth, PhaseAbandoned, PhaseCallError)
	}
	add(PhaseRinging, PhaseAuthenticating)
	add(PhaseAuthenticating, PhaseAssessment)
	add(PhaseAssessment, PhaseOptIn)
	add(PhaseOptIn, PhaseOptInComplete)
	add(PhaseOptInComplete, PhaseFormReview, PhaseExpired)
	add(PhaseFormReview, PhaseSigned, PhaseExpired)
	add(PhaseSigned, PhaseSubmitted)

	for _, from := range AllPhases {
		for _, to := range AllPhases {
			want := allowed[[2]Phase{from, to}]
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
			if want && !to.IsExit() {
				assert.Greater(t, to.Rank(), from.Rank(), "%s -> %s must move forward", from, to)
			}
		}
	}
}

func TestTerminalPhases(t *testing.T) {
	for _, p := range []Phase{PhaseFailedAuth, PhaseAbandoned, PhaseCallError, PhaseExpired, PhaseSubmitted} {
		assert.True(t, p.IsTerminal(), p)
	}
	for _, p := range []Phase{PhaseInitiated, PhaseOptIn, PhaseOptInComplete, PhaseFormReview, PhaseSigned} {
		assert.False(t, p.IsTerminal(), p)
	}
}

func TestTransitionRejectsRegression(t *testing.T) {
	s := New("Ana", "+15550001111", "en", nil, time.Now(), time.Hour)
	require.NoError(t, s.Transition(PhaseRinging, time.Now()))
	require.NoError(t, s.Transition(PhaseAuthenticating, time.Now()))

	err := s.Transition(PhaseRinging, time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, PhaseAuthenticating, te.From)
	assert.Equal(t, PhaseAuthenticating, s.Phase)
}

// Random walks over the table never revisit a phase and never move backwards
// except into an exit.
func TestPhaseMonotonicityProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s := New("Ana", "+15550001111", "en", nil, time.Now(), time.Hour)
		seen := map[Phase]bool{s.Phase: true}
		steps := rapid.IntRange(0, 20).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			to := rapid.SampledFrom(AllPhases).Draw(rt, "to")
			before := s.Phase
			if err := s.Transition(to, time.Now()); err != nil {
				if s.Phase != before {
					rt.Fatalf("failed transition changed phase %s -> %s", before, s.Phase)
				}
				continue
			}
			if seen[to] {
				rt.Fatalf("phase %s re-entered", to)
			}
			seen[to] = true
			if !to.IsExit() && to.Rank() <= before.Rank() {
				rt.Fatalf("phase regressed %s -> %s", before, to)
			}
			if before.IsTerminal() {
				rt.Fatalf("left terminal phase %s", before)
			}
		}
	})
}

func TestAtLeast(t *testing.T) {
	assert.True(t, PhaseFormReview.AtLeast(PhaseFormReview))
	assert.True(t, PhaseSubmitted.AtLeast(PhaseFormReview))
	assert.False(t, PhaseOptInComplete.AtLeast(PhaseFormReview))
	assert.False(t, PhaseExpired.AtLeast(PhaseFormReview))
}
