package recognizer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/LingByte/LingReach/pkg/constants"
	"github.com/LingByte/LingReach/pkg/logger"
	"github.com/bytedance/sonic"
	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	deepgramKeepAlive = 8 * time.Second
	deepgramWriteWait = 5 * time.Second
)

// Deepgram streams audio to the Deepgram live API over a websocket.
type Deepgram struct {
	cfg    Config
	dialer *websocket.Dialer
}

func NewDeepgram(cfg Config) *Deepgram {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "wss://api.deepgram.com/v1/listen"
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.Endpointing <= 0 {
		cfg.Endpointing = 300
	}
	return &Deepgram{cfg: cfg, dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second}}
}

func (d *Deepgram) listenURL(opts Options) (string, error) {
	u, err := url.Parse(d.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("deepgram url: %w", err)
	}
	lang := "en-US"
	if opts.Language == constants.LANG_ES {
		lang = "es"
	}
	q := u.Query()
	q.Set("model", d.cfg.Model)
	q.Set("language", lang)
	q.Set("encoding", opts.Encoding)
	q.Set("sample_rate", strconv.Itoa(opts.SampleRate))
	q.Set("channels", "1")
	q.Set("smart_format", "true")
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("endpointing", strconv.Itoa(d.cfg.Endpointing))
	q.Set("utterance_end_ms", "1000")
	q.Set("vad_events", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (d *Deepgram) Open(ctx context.Context, opts Options) (Stream, error) {
	opts = opts.withDefaults()
	target, err := d.listenURL(opts)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Token "+d.cfg.APIKey)

	conn, err := backoff.Retry(ctx, func() (*websocket.Conn, error) {
		c, resp, err := d.dialer.DialContext(ctx, target, header)
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				return nil, backoff.Permanent(fmt.Errorf("deepgram rejected credentials: %s", resp.Status))
			}
			return nil, err
		}
		return c, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(3))
	if err != nil {
		return nil, fmt.Errorf("dial deepgram: %w", err)
	}

	s := &deepgramStream{
		conn:    conn,
		results: make(chan Transcript, 32),
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
	}
	go s.readLoop()
	go s.keepAlive()
	return s, nil
}

type deepgramStream struct {
	conn    *websocket.Conn
	results chan Transcript
	done    chan struct{}
	stop    chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    bool

	pending []string // finalized segments of the current utterance
}

type deepgramMessage struct {
	Type    string `json:"type"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	IsFinal     bool `json:"is_final"`
	SpeechFinal bool `json:"speech_final"`
}

func (s *deepgramStream) Send(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(deepgramWriteWait))
	return s.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (s *deepgramStream) Results() <-chan Transcript { return s.results }

func (s *deepgramStream) writeControl(msg string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(deepgramWriteWait))
	return s.conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (s *deepgramStream) keepAlive() {
	ticker := time.NewTicker(deepgramKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.writeControl(`{"type":"KeepAlive"}`); err != nil {
				return
			}
		}
	}
}

func (s *deepgramStream) readLoop() {
	defer close(s.results)
	defer close(s.done)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && !errors.Is(err, websocket.ErrCloseSent) {
				logger.Debug("deepgram stream ended", zap.Error(err))
			}
			s.flush()
			return
		}
		var msg deepgramMessage
		if err := sonic.Unmarshal(data, &msg); err != nil {
			logger.Warn("deepgram message decode failed", zap.Error(err))
			continue
		}
		s.handle(msg)
	}
}

func (s *deepgramStream) handle(msg deepgramMessage) {
	switch msg.Type {
	case "SpeechStarted":
		s.emit(Transcript{SpeechStarted: true, At: time.Now()})
	case "UtteranceEnd":
		s.flush()
	case "Results":
		if len(msg.Channel.Alternatives) == 0 {
			return
		}
		alt := msg.Channel.Alternatives[0]
		text := strings.TrimSpace(alt.Transcript)
		if msg.IsFinal {
			if text != "" {
				s.pending = append(s.pending, text)
			}
			if msg.SpeechFinal {
				s.flushWith(alt.Confidence)
			}
			return
		}
		if text != "" {
			partial := strings.TrimSpace(strings.Join(append(append([]string(nil), s.pending...), text), " "))
			s.emit(Transcript{Text: partial, Confidence: alt.Confidence, At: time.Now()})
		}
	}
}

func (s *deepgramStream) emit(t Transcript) {
	select {
	case s.results <- t:
	case <-s.stop:
	}
}

func (s *deepgramStream) flush() { s.flushWith(0) }

func (s *deepgramStream) flushWith(confidence float64) {
	if len(s.pending) == 0 {
		return
	}
	text := strings.Join(s.pending, " ")
	s.pending = nil
	s.emit(Transcript{Text: text, Final: true, Confidence: confidence, At: time.Now()})
}

func (s *deepgramStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		_ = s.writeControl(`{"type":"CloseStream"}`)
		select {
		case <-s.done:
		case <-time.After(2 * time.Second):
		}
		s.writeMu.Lock()
		s.closed = true
		s.writeMu.Unlock()
		close(s.stop)
		err = s.conn.Close()
	})
	return err
}
