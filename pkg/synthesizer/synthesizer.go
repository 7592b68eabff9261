package synthesizer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LingByte/LingReach/pkg/constants"
	"github.com/cenkalti/backoff/v5"
)

// Request is one utterance to speak.
type Request struct {
	Text     string
	Language string
}

// Synthesizer turns text into 8 kHz mu-law audio. The audio channel is
// closed when synthesis finishes; at most one error is delivered.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (<-chan []byte, <-chan error)
}

var ErrEmptyText = errors.New("nothing to synthesize")

// Config selects and configures a provider.
type Config struct {
	Provider        string
	APIKey          string
	BaseURL         string
	Model           string
	APIVersion      string
	VoiceEN         string
	VoiceES         string
	Region          string
	CredentialsFile string
}

func (c Config) voice(lang string) string {
	if lang == constants.LANG_ES && c.VoiceES != "" {
		return c.VoiceES
	}
	return c.VoiceEN
}

// New builds the synthesizer named by cfg.Provider.
func New(ctx context.Context, cfg Config) (Synthesizer, error) {
	switch cfg.Provider {
	case "", "cartesia":
		return NewCartesia(cfg), nil
	case "polly":
		return NewPolly(ctx, cfg)
	case "google":
		return NewGoogle(cfg), nil
	}
	return nil, fmt.Errorf("unsupported TTS provider %q", cfg.Provider)
}

// run drives a blocking producer on its own goroutine and exposes the
// channel pair every adapter returns.
func run(ctx context.Context, produce func(ctx context.Context, emit func([]byte) bool) error) (<-chan []byte, <-chan error) {
	audio := make(chan []byte, 16)
	errc := make(chan error, 1)
	go func() {
		defer close(errc)
		defer close(audio)
		emit := func(chunk []byte) bool {
			if len(chunk) == 0 {
				return true
			}
			select {
			case audio <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if err := produce(ctx, emit); err != nil {
			errc <- err
		}
	}()
	return audio, errc
}

func retryPolicy() []backoff.RetryOption {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	return []backoff.RetryOption{backoff.WithBackOff(b), backoff.WithMaxTries(3)}
}

// Collect drains a synthesis into one buffer.
func Collect(audio <-chan []byte, errc <-chan error) ([]byte, error) {
	var out []byte
	for chunk := range audio {
		out = append(out, chunk...)
	}
	return out, <-errc
}
