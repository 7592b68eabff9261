package recognizer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LingByte/LingReach/pkg/constants"
)

// Transcript is one recognition result.
type Transcript struct {
	Text       string
	Final      bool
	Confidence float64
	// SpeechStarted marks a voice-activity event with no text.
	SpeechStarted bool
	At            time.Time
}

// Options for a streaming session. Audio is mu-law 8 kHz unless stated.
type Options struct {
	Language   string
	SampleRate int
	Encoding   string
}

// Stream is one live recognition session.
type Stream interface {
	// Send forwards one audio frame.
	Send(frame []byte) error
	// Results is closed when the stream ends.
	Results() <-chan Transcript
	Close() error
}

// Recognizer opens streaming speech-to-text sessions.
type Recognizer interface {
	Open(ctx context.Context, opts Options) (Stream, error)
}

var ErrStreamClosed = errors.New("recognizer stream closed")

// Config selects and configures a provider.
type Config struct {
	Provider        string
	APIKey          string
	BaseURL         string
	Model           string
	Endpointing     int
	CredentialsFile string
}

// New builds the recognizer named by cfg.Provider.
func New(cfg Config) (Recognizer, error) {
	switch cfg.Provider {
	case "", "deepgram":
		return NewDeepgram(cfg), nil
	case "google":
		return NewGoogle(cfg), nil
	}
	return nil, fmt.Errorf("unsupported ASR provider %q", cfg.Provider)
}

func (o Options) withDefaults() Options {
	if o.SampleRate == 0 {
		o.SampleRate = 8000
	}
	if o.Encoding == "" {
		o.Encoding = "mulaw"
	}
	if o.Language == "" {
		o.Language = constants.LANG_EN
	}
	return o
}

// localeFor maps a session language to a BCP-47 locale.
func localeFor(lang string) string {
	if lang == constants.LANG_ES {
		return "es-US"
	}
	return "en-US"
}
