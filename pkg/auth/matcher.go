package auth

import (
	"context"
	"strings"

	"github.com/LingByte/LingReach/pkg/session"
)

const (
	DefaultLockoutThreshold = 3
	DefaultRequiredMatches  = 2
)

// Known holds the facts on file for a subject, in any form Normalize accepts.
type Known struct {
	DOB  string
	ZIP  string
	SSN4 string
}

func (k Known) value(f session.Fact) string {
	switch f {
	case session.FactDOB:
		return k.DOB
	case session.FactZIP:
		return k.ZIP
	case session.FactSSN4:
		return k.SSN4
	}
	return ""
}

// Decision is the outcome of one submitted fact.
type Decision struct {
	Fact          session.Fact
	Matched       bool
	Readable      bool // the answer could be normalized at all
	Authenticated bool
	Locked        bool
	Next          session.Fact // empty once authenticated or locked
}

// Matcher applies the n-of-3 rule with a cumulative lockout.
type Matcher struct {
	LockoutThreshold int
	Required         int
}

func NewMatcher(lockoutThreshold, required int) Matcher {
	if lockoutThreshold <= 0 {
		lockoutThreshold = DefaultLockoutThreshold
	}
	if required <= 0 || required > len(session.Facts) {
		required = DefaultRequiredMatches
	}
	return Matcher{LockoutThreshold: lockoutThreshold, Required: required}
}

// Evaluate checks one spoken answer against the known value and returns the
// updated state. state is not modified. Unreadable answers count as non-matches.
// Once a state is authenticated or locked it is returned unchanged.
func (m Matcher) Evaluate(state session.AuthState, known Known, fact session.Fact, spoken string) (session.AuthState, Decision) {
	next := cloneAuth(state)
	d := Decision{Fact: fact}
	if state.Authenticated || state.Locked {
		d.Authenticated, d.Locked = state.Authenticated, state.Locked
		return next, d
	}

	got, readable := Normalize(fact, spoken)
	want, ok := Normalize(fact, known.value(fact))
	d.Readable = readable
	d.Matched = readable && ok && got == want

	fs := next.Fact(fact)
	fs.Attempts++
	if d.Matched {
		fs.Status = session.FactMatched
		fs.Value = got
	} else {
		fs.Status = session.FactUnmatched
		fs.Value = ""
		next.Failures++
	}
	next.Facts[fact] = fs

	next.Authenticated = next.MatchedCount() >= m.Required
	next.Locked = !next.Authenticated && next.Failures >= m.LockoutThreshold
	next.Pending = ""
	if !next.Authenticated && !next.Locked {
		next.Pending = NextFact(next)
	}

	d.Authenticated, d.Locked, d.Next = next.Authenticated, next.Locked, next.Pending
	return next, d
}

// NextFact picks the next fact to ask: the first not yet collected, then the
// first unmatched one.
func NextFact(state session.AuthState) session.Fact {
	for _, f := range session.Facts {
		if state.Fact(f).Status == session.FactNotCollected {
			return f
		}
	}
	for _, f := range session.Facts {
		if state.Fact(f).Status == session.FactUnmatched {
			return f
		}
	}
	return ""
}

func cloneAuth(a session.AuthState) session.AuthState {
	out := a
	out.Facts = make(map[session.Fact]session.FactState, len(session.Facts))
	for _, f := range session.Facts {
		out.Facts[f] = a.Fact(f)
	}
	return out
}

// Extractor reads a fact out of free-form speech when plain normalization fails.
type Extractor interface {
	ExtractFact(ctx context.Context, fact session.Fact, language, utterance string) (string, error)
}

// Resolve returns the text to evaluate for fact: the utterance itself when it
// normalizes, otherwise the extractor's reading if that normalizes.
// Extractor failures fall back to the raw utterance, which then counts as a non-match.
func Resolve(ctx context.Context, ex Extractor, fact session.Fact, language, utterance string) string {
	if _, ok := Normalize(fact, utterance); ok || ex == nil || strings.TrimSpace(utterance) == "" {
		return utterance
	}
	v, err := ex.ExtractFact(ctx, fact, language, utterance)
	if err != nil {
		return utterance
	}
	if _, ok := Normalize(fact, v); ok {
		return v
	}
	return utterance
}
