package recognizer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/LingByte/LingReach/pkg/logger"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// Google streams audio to Cloud Speech-to-Text v1.
type Google struct {
	cfg Config
}

func NewGoogle(cfg Config) *Google {
	return &Google{cfg: cfg}
}

func (g *Google) clientOptions() []option.ClientOption {
	var opts []option.ClientOption
	if g.cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(g.cfg.CredentialsFile))
	}
	if g.cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(g.cfg.APIKey))
	}
	return opts
}

func (g *Google) Open(ctx context.Context, opts Options) (Stream, error) {
	opts = opts.withDefaults()
	client, err := speech.NewClient(ctx, g.clientOptions()...)
	if err != nil {
		return nil, fmt.Errorf("google speech client: %w", err)
	}
	sctx, cancel := context.WithCancel(ctx)
	stream, err := client.StreamingRecognize(sctx)
	if err != nil {
		cancel()
		client.Close()
		return nil, fmt.Errorf("google streaming recognize: %w", err)
	}
	encoding := speechpb.RecognitionConfig_MULAW
	if opts.Encoding == "linear16" {
		encoding = speechpb.RecognitionConfig_LINEAR16
	}
	cfg := &speechpb.RecognitionConfig{
		Encoding:                   encoding,
		SampleRateHertz:            int32(opts.SampleRate),
		LanguageCode:               localeFor(opts.Language),
		EnableAutomaticPunctuation: true,
		Model:                      "phone_call",
		UseEnhanced:                true,
	}
	err = stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config:         cfg,
				InterimResults: true,
			},
		},
	})
	if err != nil {
		cancel()
		client.Close()
		return nil, fmt.Errorf("google streaming config: %w", err)
	}

	s := &googleStream{
		client:  client,
		stream:  stream,
		cancel:  cancel,
		results: make(chan Transcript, 32),
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

type googleStream struct {
	client  *speech.Client
	stream  speechpb.Speech_StreamingRecognizeClient
	cancel  context.CancelFunc
	results chan Transcript
	done    chan struct{}
	stop    chan struct{}

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

func (s *googleStream) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	return s.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{AudioContent: frame},
	})
}

func (s *googleStream) Results() <-chan Transcript { return s.results }

func (s *googleStream) readLoop() {
	defer close(s.results)
	defer close(s.done)
	for {
		resp, err := s.stream.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				logger.Debug("google speech stream ended", zap.Error(err))
			}
			return
		}
		if resp.GetError() != nil {
			logger.Warn("google speech error", zap.String("message", resp.GetError().GetMessage()))
			continue
		}
		for _, result := range resp.GetResults() {
			alts := result.GetAlternatives()
			if len(alts) == 0 {
				continue
			}
			text := strings.TrimSpace(alts[0].GetTranscript())
			if text == "" {
				continue
			}
			select {
			case s.results <- Transcript{
				Text:       text,
				Final:      result.GetIsFinal(),
				Confidence: float64(alts[0].GetConfidence()),
				At:         time.Now(),
			}:
			case <-s.stop:
				return
			}
		}
	}
}

func (s *googleStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		err = s.stream.CloseSend()
		s.mu.Unlock()
		// Give the server a moment to flush the last final result.
		select {
		case <-s.done:
		case <-time.After(2 * time.Second):
		}
		close(s.stop)
		s.cancel()
		if cerr := s.client.Close(); err == nil {
			err = cerr
		}
	})
	return err
}
