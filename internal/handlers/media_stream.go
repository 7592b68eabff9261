package handlers

import (
	"errors"
	"sync"
	"time"

	"github.com/LingByte/LingReach/pkg/call"
	"github.com/LingByte/LingReach/pkg/logger"
	"github.com/LingByte/LingReach/pkg/telephony"
	"github.com/LingByte/LingReach/pkg/voice"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	mediaWriteWait  = 5 * time.Second
	mediaReadWait   = 60 * time.Second
	mediaReadLimit  = 64 << 10
	legDrainTimeout = 10 * time.Second
)

// streamOutput writes prompt audio back over the Media Streams websocket.
type streamOutput struct {
	conn *websocket.Conn

	mu        sync.Mutex
	streamSID string
}

func (o *streamOutput) setStreamSID(sid string) {
	o.mu.Lock()
	o.streamSID = sid
	o.mu.Unlock()
}

func (o *streamOutput) write(build func(streamSID string) ([]byte, error)) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	frame, err := build(o.streamSID)
	if err != nil {
		return err
	}
	_ = o.conn.SetWriteDeadline(time.Now().Add(mediaWriteWait))
	return o.conn.WriteMessage(websocket.TextMessage, frame)
}

func (o *streamOutput) SendAudio(mulaw []byte) error {
	return o.write(func(sid string) ([]byte, error) { return telephony.MediaFrame(sid, mulaw) })
}

func (o *streamOutput) Clear() error {
	return o.write(telephony.ClearFrame)
}

// MediaStream bridges one Twilio Media Streams connection to a call leg.
func (h *Handlers) MediaStream(c *gin.Context) {
	id := c.Param("id")
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error("media stream upgrade failed", zap.String("session_id", id), zap.Error(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(mediaReadLimit)

	out := &streamOutput{conn: conn}
	var leg *call.Leg
	defer func() {
		if leg == nil {
			return
		}
		leg.Hangup()
		select {
		case <-leg.Done():
		case <-time.After(legDrainTimeout):
			logger.Warn("call leg did not drain", zap.String("session_id", id))
			leg.Stop()
		}
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(mediaReadWait))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("media stream read failed", zap.String("session_id", id), zap.Error(err))
			}
			return
		}
		msg, err := telephony.ParseMediaMessage(data)
		if err != nil {
			logger.Debug("skip media message", zap.String("session_id", id), zap.Error(err))
			continue
		}

		switch msg.Event {
		case telephony.EventConnected:
			logger.Debug("media stream connected", zap.String("session_id", id))
		case telephony.EventStart:
			if leg != nil {
				continue
			}
			callSID := ""
			sid := msg.StreamSID
			if msg.Start != nil {
				callSID = msg.Start.CallSID
				if sid == "" {
					sid = msg.Start.StreamSID
				}
			}
			out.setStreamSID(sid)
			leg, err = h.calls.Attach(c.Request.Context(), id, callSID, out)
			if err != nil {
				logger.Warn("attach call leg failed", zap.String("session_id", id), zap.Error(err))
				return
			}
			logger.Info("media stream started",
				zap.String("session_id", id),
				zap.String("stream_sid", sid),
				zap.String("call_sid", callSID))
		case telephony.EventMedia:
			if leg == nil {
				continue
			}
			audio, err := msg.Audio()
			if err != nil || len(audio) == 0 {
				continue
			}
			if err := leg.PushAudio(audio); err != nil {
				if errors.Is(err, voice.ErrClosed) {
					return
				}
				logger.Debug("push audio failed", zap.String("session_id", id), zap.Error(err))
			}
		case telephony.EventDTMF:
			if leg != nil && msg.DTMF != nil {
				leg.PushDTMF(msg.DTMF.Digit)
			}
		case telephony.EventMark:
			if msg.Mark != nil {
				logger.Debug("media mark", zap.String("session_id", id), zap.String("mark", msg.Mark.Name))
			}
		case telephony.EventStop:
			logger.Info("media stream stopped", zap.String("session_id", id))
			return
		}
	}
}
