package voice

import (
	"errors"
	"time"
)

// EventType classifies controller output.
type EventType int

const (
	EventFinalTranscript EventType = iota + 1
	EventPartialTranscript
	EventNoInput
	EventBargeIn
	EventDTMF
	EventCallEnded
)

func (t EventType) String() string {
	switch t {
	case EventFinalTranscript:
		return "final_transcript"
	case EventPartialTranscript:
		return "partial_transcript"
	case EventNoInput:
		return "no_input"
	case EventBargeIn:
		return "barge_in"
	case EventDTMF:
		return "dtmf"
	case EventCallEnded:
		return "call_ended"
	}
	return "unknown"
}

// Event is one thing the caller side did.
type Event struct {
	Type EventType
	Text string // transcript text or DTMF digit
	Turn uint64
	At   time.Time
}

var (
	ErrBargeIn    = errors.New("playback interrupted by caller")
	ErrStaleTurn  = errors.New("playback belongs to an earlier turn")
	ErrCancelled  = errors.New("playback cancelled")
	ErrSuperseded = errors.New("playback superseded by a newer prompt")
	ErrClosed     = errors.New("controller closed")
)

// Output is the carrier side of the media stream.
type Output interface {
	SendAudio(frame []byte) error
	// Clear drops audio the carrier has buffered but not yet played.
	Clear() error
}
