package voice

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/LingByte/LingReach/pkg/audio"
	"github.com/LingByte/LingReach/pkg/logger"
	"github.com/LingByte/LingReach/pkg/metrics"
	"github.com/LingByte/LingReach/pkg/recognizer"
	"github.com/LingByte/LingReach/pkg/synthesizer"
	"github.com/LingByte/LingReach/pkg/utils"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrRecognizerLost = errors.New("recognizer stream ended unexpectedly")

// Config tunes one controller.
type Config struct {
	Language         string
	FrameDuration    time.Duration
	SilenceTimeout   time.Duration
	BargeInThreshold float64 // RMS in 16-bit linear units
	BargeInDuration  time.Duration
	// DigitTimeout ends a keypad entry that was not closed with '#'.
	DigitTimeout time.Duration
}

// Keypad selects how DTMF digits become answers.
type Keypad int

const (
	// KeypadTerminated collects digits until '#' or a pause of DigitTimeout.
	KeypadTerminated Keypad = iota
	// KeypadSingle answers with the first key pressed.
	KeypadSingle
)

func (c Config) withDefaults() Config {
	if c.FrameDuration <= 0 {
		c.FrameDuration = 20 * time.Millisecond
	}
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = 6 * time.Second
	}
	if c.BargeInThreshold <= 0 {
		c.BargeInThreshold = 1200
	}
	if c.BargeInDuration <= 0 {
		c.BargeInDuration = 200 * time.Millisecond
	}
	if c.DigitTimeout <= 0 {
		c.DigitTimeout = 3 * time.Second
	}
	return c
}

// Controller owns one call leg's audio: it feeds the recognizer, plays
// prompts, detects barge-in and silence, and keeps prompt audio ordered
// by turn.
//
// Every outbound frame is written while holding mu after checking that
// its handle is current and belongs to the current turn, so a final
// transcript stops older audio before any further frame goes out.
type Controller struct {
	cfg        Config
	rec        recognizer.Stream
	tts        synthesizer.Synthesizer
	out        Output
	metrics    *metrics.Metrics
	frameBytes int

	queue  chan *SpeakHandle
	events chan Event
	stop   chan struct{}

	mu          sync.Mutex
	turn        uint64
	current     *SpeakHandle // latest prompt, queued or playing
	playing     *SpeakHandle
	loud        time.Duration
	expecting   bool
	silence     *time.Timer
	silenceGen  uint64
	onFinal     func(Event)
	closed      bool
	closeOnce   sync.Once
	keypad      Keypad
	dtmfPending string
	digitTimer  *time.Timer
	digitGen    uint64
}

func NewController(cfg Config, rec recognizer.Stream, tts synthesizer.Synthesizer, out Output, m *metrics.Metrics) *Controller {
	cfg = cfg.withDefaults()
	return &Controller{
		cfg:        cfg,
		rec:        rec,
		tts:        tts,
		out:        out,
		metrics:    m,
		frameBytes: audio.FrameBytes(cfg.FrameDuration),
		queue:      make(chan *SpeakHandle, 8),
		events:     make(chan Event, 64),
		stop:       make(chan struct{}),
	}
}

// Events delivers caller-side events in order.
func (c *Controller) Events() <-chan Event { return c.events }

// OnFinalTranscript registers a callback run after each final transcript
// is queued on Events.
func (c *Controller) OnFinalTranscript(cb func(Event)) {
	c.mu.Lock()
	c.onFinal = cb
	c.mu.Unlock()
}

// Turn is the number of final transcripts seen so far.
func (c *Controller) Turn() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turn
}

// Run pumps recognizer results and plays queued prompts until ctx ends,
// the controller is closed, or the recognizer fails.
func (c *Controller) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-c.stop:
		}
		c.Close()
		return nil
	})
	g.Go(func() error { return c.pump() })
	g.Go(func() error { return c.playLoop(gctx) })
	return g.Wait()
}

// Close stops playback, disarms timers and closes the recognizer stream.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		if c.current != nil {
			c.stopLocked(c.current, ErrClosed)
		}
		c.disarmLocked()
		c.stopDigitsLocked()
		c.mu.Unlock()
		close(c.stop)
		if err := c.rec.Close(); err != nil {
			logger.Debug("recognizer close", zap.Error(err))
		}
	})
}

func (c *Controller) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case c.events <- ev:
	case <-c.stop:
	}
}

// PushAudio forwards one inbound frame to the recognizer and feeds the
// barge-in and speech-activity detectors.
func (c *Controller) PushAudio(frame []byte) error {
	if len(frame) == 0 {
		return nil
	}
	dur := time.Duration(len(frame)) * time.Second / audio.SampleRate
	loud := audio.Energy(frame) >= c.cfg.BargeInThreshold

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	barged := false
	turn := c.turn
	if loud {
		c.restartSilenceLocked()
		if c.playing != nil {
			c.loud += dur
			if c.loud >= c.cfg.BargeInDuration {
				c.stopLocked(c.playing, ErrBargeIn)
				barged = true
			}
		}
	} else {
		c.loud = 0
	}
	c.mu.Unlock()

	c.metrics.RecordAudio("inbound", len(frame))
	if barged {
		c.metrics.RecordBargeIn()
		c.emit(Event{Type: EventBargeIn, Turn: turn})
	}
	return c.rec.Send(frame)
}

// SetKeypad switches how keypad entries are delivered. A partial entry is
// dropped when the mode changes.
func (c *Controller) SetKeypad(k Keypad) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.keypad == k {
		return
	}
	c.keypad = k
	c.dtmfPending = ""
	c.stopDigitsLocked()
}

// PushDTMF records a keypad digit and emits it. In KeypadSingle mode the
// digit is the answer; otherwise digits are delivered as one final
// transcript on '#' or after DigitTimeout without a key.
func (c *Controller) PushDTMF(digit string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.restartSilenceLocked()
	var complete string
	switch {
	case digit == "#":
		complete, c.dtmfPending = c.dtmfPending, ""
		c.stopDigitsLocked()
	case c.keypad == KeypadSingle && c.dtmfPending == "":
		complete = digit
	default:
		c.dtmfPending += digit
		c.armDigitsLocked()
	}
	turn := c.turn
	c.mu.Unlock()

	c.emit(Event{Type: EventDTMF, Text: digit, Turn: turn})
	if complete != "" {
		c.final(recognizer.Transcript{Text: complete, Final: true, At: time.Now()})
	}
}

func (c *Controller) armDigitsLocked() {
	c.digitGen++
	gen := c.digitGen
	if c.digitTimer != nil {
		c.digitTimer.Stop()
	}
	c.digitTimer = time.AfterFunc(c.cfg.DigitTimeout, func() { c.onDigitTimeout(gen) })
}

func (c *Controller) stopDigitsLocked() {
	c.digitGen++
	if c.digitTimer != nil {
		c.digitTimer.Stop()
		c.digitTimer = nil
	}
}

func (c *Controller) onDigitTimeout(gen uint64) {
	c.mu.Lock()
	if gen != c.digitGen || c.closed || c.dtmfPending == "" {
		c.mu.Unlock()
		return
	}
	complete := c.dtmfPending
	c.dtmfPending = ""
	c.digitTimer = nil
	c.mu.Unlock()
	c.final(recognizer.Transcript{Text: complete, Final: true, At: time.Now()})
}

// NotifyCallEnded tells the listener the carrier side hung up.
func (c *Controller) NotifyCallEnded() {
	c.mu.Lock()
	turn := c.turn
	c.mu.Unlock()
	c.emit(Event{Type: EventCallEnded, Turn: turn})
}

// ExpectAnswer arms the silence timer once the current prompt (if any)
// has finished playing.
func (c *Controller) ExpectAnswer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.expecting = true
	if c.current == nil {
		c.armLocked()
	}
}

func (c *Controller) pump() error {
	for tr := range c.rec.Results() {
		switch {
		case tr.SpeechStarted:
			c.mu.Lock()
			c.restartSilenceLocked()
			c.mu.Unlock()
		case tr.Final:
			c.final(tr)
		default:
			c.partial(tr)
		}
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil
	}
	return ErrRecognizerLost
}

func (c *Controller) partial(tr recognizer.Transcript) {
	if tr.Text == "" {
		return
	}
	c.mu.Lock()
	c.restartSilenceLocked()
	barged := false
	if c.playing != nil {
		c.stopLocked(c.playing, ErrBargeIn)
		barged = true
	}
	turn := c.turn
	c.mu.Unlock()

	c.emit(Event{Type: EventPartialTranscript, Text: tr.Text, Turn: turn, At: tr.At})
	if barged {
		c.metrics.RecordBargeIn()
		c.emit(Event{Type: EventBargeIn, Turn: turn})
	}
}

func (c *Controller) final(tr recognizer.Transcript) {
	if tr.Text == "" {
		return
	}
	c.mu.Lock()
	c.turn++
	turn := c.turn
	if c.current != nil {
		c.stopLocked(c.current, ErrStaleTurn)
	}
	c.disarmLocked()
	cb := c.onFinal
	c.mu.Unlock()

	ev := Event{Type: EventFinalTranscript, Text: tr.Text, Turn: turn, At: tr.At}
	c.emit(ev)
	if cb != nil {
		cb(ev)
	}
}

// Speak queues text as the reply to turn and supersedes any earlier
// prompt. A reply to a turn older than the latest final transcript is
// never played: its handle ends with ErrStaleTurn. The handle is
// cancelled when ctx ends.
func (c *Controller) Speak(ctx context.Context, turn uint64, text string) *SpeakHandle {
	c.mu.Lock()
	h := newHandle(c, utils.RandText(12), turn, text)
	if c.closed {
		c.mu.Unlock()
		h.finish(ErrClosed)
		return h
	}
	if turn < c.turn {
		c.mu.Unlock()
		h.finish(ErrStaleTurn)
		return h
	}
	if c.current != nil {
		c.stopLocked(c.current, ErrSuperseded)
	}
	c.current = h
	c.disarmLocked()
	c.mu.Unlock()

	select {
	case c.queue <- h:
	case <-c.stop:
		h.finish(ErrClosed)
		return h
	}
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				h.Cancel()
			case <-h.done:
			}
		}()
	}
	return h
}

func (c *Controller) stopHandle(h *SpeakHandle, err error) {
	c.mu.Lock()
	c.stopLocked(h, err)
	c.mu.Unlock()
}

// stopLocked ends h. An interrupted prompt that was on air also clears
// the carrier buffer before any other frame can be written.
func (c *Controller) stopLocked(h *SpeakHandle, err error) {
	if !h.finish(err) {
		return
	}
	if c.current == h {
		c.current = nil
	}
	if c.playing == h && err != nil {
		c.loud = 0
		if cerr := c.out.Clear(); cerr != nil {
			logger.Warn("clear outbound audio failed", zap.String("playId", h.ID), zap.Error(cerr))
		}
	}
}

func (c *Controller) armLocked() {
	c.silenceGen++
	gen := c.silenceGen
	if c.silence != nil {
		c.silence.Stop()
	}
	c.silence = time.AfterFunc(c.cfg.SilenceTimeout, func() { c.onSilence(gen) })
}

// restartSilenceLocked pushes the deadline out while the caller is
// audibly active.
func (c *Controller) restartSilenceLocked() {
	if c.expecting && c.current == nil {
		c.armLocked()
	}
}

func (c *Controller) disarmLocked() {
	c.expecting = false
	c.silenceGen++
	if c.silence != nil {
		c.silence.Stop()
		c.silence = nil
	}
}

func (c *Controller) onSilence(gen uint64) {
	c.mu.Lock()
	if gen != c.silenceGen || !c.expecting || c.closed {
		c.mu.Unlock()
		return
	}
	c.expecting = false
	turn := c.turn
	c.mu.Unlock()
	c.emit(Event{Type: EventNoInput, Turn: turn})
}

func (c *Controller) playLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.stop:
			return nil
		case h := <-c.queue:
			c.play(ctx, h)
		}
	}
}

func (c *Controller) play(ctx context.Context, h *SpeakHandle) {
	c.mu.Lock()
	if h.finished() {
		c.mu.Unlock()
		return
	}
	c.playing = h
	c.loud = 0
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.playing == h {
			c.playing = nil
		}
		if c.expecting && c.current == nil && !c.closed {
			c.armLocked()
		}
		c.mu.Unlock()
	}()

	pctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-h.done:
			cancel()
		case <-pctx.Done():
		}
	}()

	start := time.Now()
	chunks, errc := c.tts.Synthesize(pctx, synthesizer.Request{Text: h.Text, Language: c.cfg.Language})
	framer := audio.NewFramer(c.frameBytes)
	ticker := time.NewTicker(c.cfg.FrameDuration)
	defer ticker.Stop()

	var frames [][]byte
	for chunks != nil || len(frames) > 0 {
		if len(frames) == 0 {
			select {
			case chunk, ok := <-chunks:
				if !ok {
					chunks = nil
					if tail := framer.Flush(); tail != nil {
						frames = append(frames, tail)
					}
					continue
				}
				frames = append(frames, framer.Push(chunk)...)
				continue
			case <-h.done:
				return
			case <-ctx.Done():
				c.stopHandle(h, ErrClosed)
				return
			}
		}
		select {
		case <-ticker.C:
		case <-h.done:
			return
		case <-ctx.Done():
			c.stopHandle(h, ErrClosed)
			return
		}
		if !c.writeFrame(h, frames[0]) {
			return
		}
		frames = frames[1:]
	}

	err := <-errc
	c.metrics.RecordCapability("tts", time.Since(start), err)
	if err != nil {
		logger.Warn("synthesis failed", zap.String("playId", h.ID), zap.Error(err))
	}
	c.stopHandle(h, err)
}

// writeFrame sends one frame if h still owns the line.
func (c *Controller) writeFrame(h *SpeakHandle, frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h.finished() || c.current != h {
		return false
	}
	if h.Turn != c.turn {
		c.stopLocked(h, ErrStaleTurn)
		return false
	}
	if err := c.out.SendAudio(frame); err != nil {
		c.stopLocked(h, err)
		return false
	}
	c.metrics.RecordAudio("outbound", len(frame))
	return true
}
