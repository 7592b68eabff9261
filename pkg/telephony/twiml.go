package telephony

import (
	"encoding/xml"
	"fmt"
)

// TwiMLResponse TwiML响应结构
type TwiMLResponse struct {
	XMLName xml.Name `xml:"Response"`
	Say     []Say    `xml:"Say,omitempty"`
	Connect *Connect `xml:"Connect,omitempty"`
	Pause   *Pause   `xml:"Pause,omitempty"`
	Hangup  *Hangup  `xml:"Hangup,omitempty"`
}

// Say TwiML Say动词
type Say struct {
	Voice    string `xml:"voice,attr,omitempty"`
	Language string `xml:"language,attr,omitempty"`
	Text     string `xml:",chardata"`
}

// Connect TwiML Connect动词
type Connect struct {
	Stream *Stream `xml:"Stream"`
}

// Stream bidirectional media stream target
type Stream struct {
	URL        string      `xml:"url,attr"`
	Parameters []Parameter `xml:"Parameter,omitempty"`
}

// Parameter custom parameter echoed back in the start message
type Parameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// Hangup TwiML Hangup动词
type Hangup struct{}

// Pause TwiML Pause动词
type Pause struct {
	Length int `xml:"length,attr,omitempty"`
}

// Render serializes r with the XML declaration.
func (r *TwiMLResponse) Render() ([]byte, error) {
	body, err := xml.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("render twiml: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

// StreamTwiML connects the answered call to the media websocket at url.
func StreamTwiML(url, sessionID string) *TwiMLResponse {
	return &TwiMLResponse{
		Connect: &Connect{Stream: &Stream{
			URL:        url,
			Parameters: []Parameter{{Name: "session_id", Value: sessionID}},
		}},
	}
}

// HangupTwiML speaks text (if any) and ends the call.
func HangupTwiML(text, language string) *TwiMLResponse {
	r := &TwiMLResponse{Hangup: &Hangup{}}
	if text != "" {
		r.Say = []Say{{Language: language, Text: text}}
	}
	return r
}
