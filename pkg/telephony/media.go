package telephony

import (
	"encoding/base64"
	"fmt"

	"github.com/bytedance/sonic"
)

// Media Streams event names.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventDTMF      = "dtmf"
	EventMark      = "mark"
	EventStop      = "stop"
	EventClear     = "clear"
)

// MediaMessage is one inbound Media Streams frame. Only the block
// matching Event is populated.
type MediaMessage struct {
	Event          string     `json:"event"`
	SequenceNumber string     `json:"sequenceNumber,omitempty"`
	StreamSID      string     `json:"streamSid,omitempty"`
	Start          *StartInfo `json:"start,omitempty"`
	Media          *MediaInfo `json:"media,omitempty"`
	DTMF           *DTMFInfo  `json:"dtmf,omitempty"`
	Mark           *MarkInfo  `json:"mark,omitempty"`
	Stop           *StopInfo  `json:"stop,omitempty"`
}

type StartInfo struct {
	StreamSID        string            `json:"streamSid"`
	AccountSID       string            `json:"accountSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters"`
	MediaFormat      struct {
		Encoding   string `json:"encoding"`
		SampleRate int    `json:"sampleRate"`
		Channels   int    `json:"channels"`
	} `json:"mediaFormat"`
}

type MediaInfo struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type DTMFInfo struct {
	Track string `json:"track,omitempty"`
	Digit string `json:"digit"`
}

type MarkInfo struct {
	Name string `json:"name"`
}

type StopInfo struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

// ParseMediaMessage decodes one websocket text frame.
func ParseMediaMessage(data []byte) (*MediaMessage, error) {
	var msg MediaMessage
	if err := sonic.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode media message: %w", err)
	}
	if msg.Event == "" {
		return nil, fmt.Errorf("media message without event")
	}
	return &msg, nil
}

// Audio returns the decoded mu-law payload of a media event.
func (m *MediaMessage) Audio() ([]byte, error) {
	if m.Media == nil {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(m.Media.Payload)
}

type outbound struct {
	Event     string     `json:"event"`
	StreamSID string     `json:"streamSid"`
	Media     *MediaInfo `json:"media,omitempty"`
	Mark      *MarkInfo  `json:"mark,omitempty"`
}

// MediaFrame encodes one outbound audio frame.
func MediaFrame(streamSID string, mulaw []byte) ([]byte, error) {
	return sonic.Marshal(outbound{
		Event:     EventMedia,
		StreamSID: streamSID,
		Media:     &MediaInfo{Payload: base64.StdEncoding.EncodeToString(mulaw)},
	})
}

// ClearFrame asks the carrier to drop buffered outbound audio.
func ClearFrame(streamSID string) ([]byte, error) {
	return sonic.Marshal(outbound{Event: EventClear, StreamSID: streamSID})
}

// MarkFrame asks the carrier to echo name once prior audio has played.
func MarkFrame(streamSID, name string) ([]byte, error) {
	return sonic.Marshal(outbound{Event: EventMark, StreamSID: streamSID, Mark: &MarkInfo{Name: name}})
}
