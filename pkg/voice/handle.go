package voice

import (
	"sync"
)

// SpeakHandle tracks one prompt's playback.
type SpeakHandle struct {
	ID   string
	Turn uint64
	Text string

	ctl  *Controller
	done chan struct{}
	once sync.Once
	err  error
}

func newHandle(ctl *Controller, id string, turn uint64, text string) *SpeakHandle {
	return &SpeakHandle{ID: id, Turn: turn, Text: text, ctl: ctl, done: make(chan struct{})}
}

// Cancel stops playback at the next frame boundary.
func (h *SpeakHandle) Cancel() {
	h.ctl.stopHandle(h, ErrCancelled)
}

// Done is closed once playback has finished or stopped.
func (h *SpeakHandle) Done() <-chan struct{} { return h.done }

// Err is nil when the whole prompt played. Valid after Done.
func (h *SpeakHandle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until playback ends and returns Err.
func (h *SpeakHandle) Wait() error {
	<-h.done
	return h.err
}

func (h *SpeakHandle) finish(err error) bool {
	first := false
	h.once.Do(func() {
		h.err = err
		close(h.done)
		first = true
	})
	return first
}

func (h *SpeakHandle) finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}
