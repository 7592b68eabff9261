package synthesizer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/LingByte/LingReach/pkg/constants"
	"github.com/carlmjohnson/requests"
	"github.com/cenkalti/backoff/v5"
)

const (
	cartesiaBaseURL = "https://api.cartesia.ai"
	cartesiaVersion = "2025-04-16"
	chunkSize       = 1600 // 200ms of mu-law
)

// Cartesia calls the Cartesia bytes endpoint and streams the raw body.
type Cartesia struct {
	cfg    Config
	client *http.Client
}

func NewCartesia(cfg Config) *Cartesia {
	if cfg.BaseURL == "" {
		cfg.BaseURL = cartesiaBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = "sonic-2"
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = cartesiaVersion
	}
	return &Cartesia{cfg: cfg, client: http.DefaultClient}
}

type cartesiaVoice struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

type cartesiaRequest struct {
	ModelID      string         `json:"model_id"`
	Transcript   string         `json:"transcript"`
	Voice        cartesiaVoice  `json:"voice"`
	Language     string         `json:"language"`
	OutputFormat cartesiaFormat `json:"output_format"`
}

func (c *Cartesia) Synthesize(ctx context.Context, req Request) (<-chan []byte, <-chan error) {
	return run(ctx, func(ctx context.Context, emit func([]byte) bool) error {
		if strings.TrimSpace(req.Text) == "" {
			return ErrEmptyText
		}
		lang := req.Language
		if lang == "" {
			lang = constants.LANG_EN
		}
		body := cartesiaRequest{
			ModelID:      c.cfg.Model,
			Transcript:   req.Text,
			Voice:        cartesiaVoice{Mode: "id", ID: c.cfg.voice(lang)},
			Language:     lang,
			OutputFormat: cartesiaFormat{Container: "raw", Encoding: "pcm_mulaw", SampleRate: 8000},
		}
		// Retry only until the first byte reaches the caller.
		streamed := false
		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			err := requests.
				URL(strings.TrimRight(c.cfg.BaseURL, "/")+"/tts/bytes").
				Client(c.client).
				Header("X-API-Key", c.cfg.APIKey).
				Header("Cartesia-Version", c.cfg.APIVersion).
				BodyJSON(&body).
				Handle(func(resp *http.Response) error {
					return pump(resp.Body, func(chunk []byte) bool {
						streamed = true
						return emit(chunk)
					})
				}).
				Fetch(ctx)
			if err == nil {
				return struct{}{}, nil
			}
			if streamed || ctx.Err() != nil {
				return struct{}{}, backoff.Permanent(err)
			}
			var se *requests.ResponseError
			if errors.As(err, &se) && se.StatusCode < 500 && se.StatusCode != http.StatusTooManyRequests {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}, retryPolicy()...)
		if err != nil {
			return fmt.Errorf("cartesia synthesize: %w", err)
		}
		return nil
	})
}

// pump copies r to emit in fixed-size chunks.
func pump(r io.Reader, emit func([]byte) bool) error {
	buf := make([]byte, chunkSize)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if !emit(chunk) {
				return context.Canceled
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
