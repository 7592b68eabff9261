package session

import (
	"errors"
	"fmt"
)

// Phase is a session lifecycle state.
type Phase string

const (
	PhaseInitiated      Phase = "INITIATED"
	PhaseRinging        Phase = "RINGING"
	PhaseAuthenticating Phase = "AUTHENTICATING"
	PhaseAssessment     Phase = "ASSESSMENT"
	PhaseOptIn          Phase = "OPT_IN"
	PhaseOptInComplete  Phase = "OPT_IN_COMPLETE"
	PhaseFormReview     Phase = "FORM_REVIEW"
	PhaseSigned         Phase = "SIGNED"
	PhaseSubmitted      Phase = "SUBMITTED"

	PhaseFailedAuth Phase = "FAILED_AUTH"
	PhaseAbandoned  Phase = "ABANDONED"
	PhaseCallError  Phase = "CALL_ERROR"
	PhaseExpired    Phase = "EXPIRED"
)

// MainLine is the forward order of non-exit phases.
var MainLine = []Phase{
	PhaseInitiated,
	PhaseRinging,
	PhaseAuthenticating,
	PhaseAssessment,
	PhaseOptIn,
	PhaseOptInComplete,
	PhaseFormReview,
	PhaseSigned,
	PhaseSubmitted,
}

// AllPhases lists every phase, main line first.
var AllPhases = append(append([]Phase(nil), MainLine...), PhaseFailedAuth, PhaseAbandoned, PhaseCallError, PhaseExpired)

var callExits = []Phase{PhaseFailedAuth, PhaseAbandoned, PhaseCallError}

var transitions = map[Phase][]Phase{
	PhaseInitiated:      {PhaseRinging, PhaseCallError},
	PhaseRinging:        append([]Phase{PhaseAuthenticating}, callExits...),
	PhaseAuthenticating: append([]Phase{PhaseAssessment}, callExits...),
	PhaseAssessment:     append([]Phase{PhaseOptIn}, callExits...),
	PhaseOptIn:          append([]Phase{PhaseOptInComplete}, callExits...),
	PhaseOptInComplete:  {PhaseFormReview, PhaseExpired},
	PhaseFormReview:     {PhaseSigned, PhaseExpired},
	PhaseSigned:         {PhaseSubmitted},
}

var rank = func() map[Phase]int {
	m := make(map[Phase]int, len(MainLine))
	for i, p := range MainLine {
		m[p] = i
	}
	return m
}()

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves p.
func (p Phase) IsTerminal() bool {
	return len(transitions[p]) == 0
}

// IsExit reports whether p is a failure or lapse exit.
func (p Phase) IsExit() bool {
	switch p {
	case PhaseFailedAuth, PhaseAbandoned, PhaseCallError, PhaseExpired:
		return true
	}
	return false
}

// Rank is the main-line position of p, -1 for exits.
func (p Phase) Rank() int {
	if r, ok := rank[p]; ok {
		return r
	}
	return -1
}

// AtLeast reports whether p is on the main line at or after q.
func (p Phase) AtLeast(q Phase) bool {
	return p.Rank() >= 0 && p.Rank() >= q.Rank()
}

// OnCall reports whether p belongs to the live call leg.
func (p Phase) OnCall() bool {
	switch p {
	case PhaseRinging, PhaseAuthenticating, PhaseAssessment, PhaseOptIn:
		return true
	}
	return false
}

var (
	ErrNotFound          = errors.New("session not found")
	ErrConflict          = errors.New("session version conflict")
	ErrInvalidTransition = errors.New("invalid phase transition")
	// ErrNoChange lets an Update callback skip the write.
	ErrNoChange = errors.New("no change")
)

// TransitionError describes a rejected edge.
type TransitionError struct {
	From, To Phase
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid phase transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
