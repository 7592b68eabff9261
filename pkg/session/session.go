package session

import (
	"time"

	"github.com/google/uuid"
)

// Fact is one identity fact used by authentication.
type Fact string

const (
	FactDOB  Fact = "dob"
	FactZIP  Fact = "zip"
	FactSSN4 Fact = "ssn4"
)

// Facts lists the identity facts in the order they are asked.
var Facts = []Fact{FactDOB, FactZIP, FactSSN4}

type FactStatus string

const (
	FactNotCollected FactStatus = "not_collected"
	FactMatched      FactStatus = "matched"
	FactUnmatched    FactStatus = "unmatched"
)

// FactState holds the outcome for one fact. Value is only kept once matched.
type FactState struct {
	Status   FactStatus `json:"status"`
	Value    string     `json:"value,omitempty"`
	Attempts int        `json:"attempts"`
}

// AuthState is the authentication progress of a session.
type AuthState struct {
	Facts         map[Fact]FactState `json:"facts"`
	Pending       Fact               `json:"pending,omitempty"`
	Failures      int                `json:"failures"`
	Authenticated bool               `json:"authenticated"`
	Locked        bool               `json:"locked"`
}

// NewAuthState returns a state with every fact not collected.
func NewAuthState() AuthState {
	facts := make(map[Fact]FactState, len(Facts))
	for _, f := range Facts {
		facts[f] = FactState{Status: FactNotCollected}
	}
	return AuthState{Facts: facts}
}

// Fact returns the state of f, treating a missing entry as not collected.
func (a AuthState) Fact(f Fact) FactState {
	if st, ok := a.Facts[f]; ok {
		return st
	}
	return FactState{Status: FactNotCollected}
}

// MatchedCount counts matched facts.
func (a AuthState) MatchedCount() int {
	n := 0
	for _, f := range Facts {
		if a.Fact(f).Status == FactMatched {
			n++
		}
	}
	return n
}

func (a AuthState) clone() AuthState {
	out := a
	out.Facts = make(map[Fact]FactState, len(a.Facts))
	for k, v := range a.Facts {
		out.Facts[k] = v
	}
	return out
}

type SlotStatus string

const (
	SlotPending     SlotStatus = "pending"
	SlotFilled      SlotStatus = "filled"
	SlotNotProvided SlotStatus = "not_provided"
)

// SlotState is one assessment question and its answer.
type SlotState struct {
	Name     string     `json:"name"`
	Value    string     `json:"value,omitempty"`
	Status   SlotStatus `json:"status"`
	Attempts int        `json:"attempts"`
}

// HandoffState tracks the cross-channel token.
type HandoffState struct {
	Token      string     `json:"token"`
	ExpiresAt  time.Time  `json:"expires_at"`
	Consumed   bool       `json:"consumed"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
	SMSSentAt  *time.Time `json:"sms_sent_at,omitempty"`
	SMSPhone   string     `json:"sms_phone,omitempty"`
	MessageSID string     `json:"message_sid,omitempty"`
}

// Live reports whether the token can still be redeemed at now.
func (h *HandoffState) Live(now time.Time) bool {
	return h != nil && !h.Consumed && now.Before(h.ExpiresAt)
}

// SignatureRef points at a stored signature artifact.
type SignatureRef struct {
	SHA256      string `json:"sha256"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
}

// Session is the durable record of one outreach attempt.
type Session struct {
	ID      string `json:"session_id"`
	Version int64  `json:"version"`

	FirstName   string `json:"first_name"`
	PhoneNumber string `json:"phone_number"`
	Language    string `json:"language"`
	CallSID     string `json:"call_sid,omitempty"`

	Phase          Phase     `json:"phase"`
	PhaseEnteredAt time.Time `json:"phase_entered_at"`
	EndReason      string    `json:"end_reason,omitempty"`

	Auth          AuthState   `json:"auth"`
	Slots         []SlotState `json:"slots"`
	Cursor        int         `json:"cursor"`
	NoInputStreak int         `json:"no_input_streak"`
	OptInAttempts int         `json:"optin_attempts"`

	OptedIn bool `json:"opted_in_for_sms"`
	// CollectingPhone is set between an opt-in yes and the keyed cell number.
	CollectingPhone bool   `json:"collecting_phone,omitempty"`
	PhoneAttempts   int    `json:"phone_attempts"`
	SMSPhone        string `json:"sms_phone,omitempty"`

	Handoff   *HandoffState `json:"handoff,omitempty"`
	Signature *SignatureRef `json:"signature,omitempty"`

	Submitted     bool       `json:"submitted"`
	SubmittedAt   *time.Time `json:"submitted_at,omitempty"`
	CallCompleted bool       `json:"call_completed"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// New builds an INITIATED session with a fresh id.
func New(firstName, phone, language string, slots []string, now time.Time, ttl time.Duration) *Session {
	s := &Session{
		ID:             uuid.NewString(),
		FirstName:      firstName,
		PhoneNumber:    phone,
		Language:       language,
		Phase:          PhaseInitiated,
		PhaseEnteredAt: now,
		Auth:           NewAuthState(),
		Slots:          make([]SlotState, 0, len(slots)),
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}
	for _, name := range slots {
		s.Slots = append(s.Slots, SlotState{Name: name, Status: SlotPending})
	}
	return s
}

// Clone returns a deep copy safe to mutate.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Auth = s.Auth.clone()
	out.Slots = append([]SlotState(nil), s.Slots...)
	if s.Handoff != nil {
		h := *s.Handoff
		if h.ConsumedAt != nil {
			t := *h.ConsumedAt
			h.ConsumedAt = &t
		}
		if h.SMSSentAt != nil {
			t := *h.SMSSentAt
			h.SMSSentAt = &t
		}
		out.Handoff = &h
	}
	if s.Signature != nil {
		sig := *s.Signature
		out.Signature = &sig
	}
	if s.SubmittedAt != nil {
		t := *s.SubmittedAt
		out.SubmittedAt = &t
	}
	return &out
}

// CurrentSlot returns the slot under the cursor, or nil once all are answered.
func (s *Session) CurrentSlot() *SlotState {
	if s.Cursor < 0 || s.Cursor >= len(s.Slots) {
		return nil
	}
	return &s.Slots[s.Cursor]
}

// Transition moves the session to phase to, enforcing the transition table.
func (s *Session) Transition(to Phase, at time.Time) error {
	if !CanTransition(s.Phase, to) {
		return &TransitionError{From: s.Phase, To: to}
	}
	s.Phase = to
	s.PhaseEnteredAt = at
	return nil
}
