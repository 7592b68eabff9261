package synthesizer

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"strings"

	texttospeech "cloud.google.com/go/texttospeech/apiv1"
	"cloud.google.com/go/texttospeech/apiv1/texttospeechpb"
	"github.com/LingByte/LingReach/pkg/constants"
	"google.golang.org/api/option"
)

// Google uses Cloud Text-to-Speech with MULAW output.
type Google struct {
	cfg Config
}

func NewGoogle(cfg Config) *Google {
	return &Google{cfg: cfg}
}

func (g *Google) Synthesize(ctx context.Context, req Request) (<-chan []byte, <-chan error) {
	return run(ctx, func(ctx context.Context, emit func([]byte) bool) error {
		if strings.TrimSpace(req.Text) == "" {
			return ErrEmptyText
		}
		var opts []option.ClientOption
		if g.cfg.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(g.cfg.CredentialsFile))
		}
		client, err := texttospeech.NewClient(ctx, opts...)
		if err != nil {
			return fmt.Errorf("google tts client: %w", err)
		}
		defer client.Close()

		locale := "en-US"
		if req.Language == constants.LANG_ES {
			locale = "es-US"
		}
		resp, err := client.SynthesizeSpeech(ctx, &texttospeechpb.SynthesizeSpeechRequest{
			Input: &texttospeechpb.SynthesisInput{
				InputSource: &texttospeechpb.SynthesisInput_Text{Text: req.Text},
			},
			Voice: &texttospeechpb.VoiceSelectionParams{
				LanguageCode: locale,
				Name:         g.cfg.voice(req.Language),
			},
			AudioConfig: &texttospeechpb.AudioConfig{
				AudioEncoding:   texttospeechpb.AudioEncoding_MULAW,
				SampleRateHertz: 8000,
			},
		})
		if err != nil {
			return fmt.Errorf("google synthesize: %w", err)
		}
		data := stripWAV(resp.GetAudioContent())
		for len(data) > 0 {
			n := min(chunkSize, len(data))
			if !emit(data[:n]) {
				return ctx.Err()
			}
			data = data[n:]
		}
		return nil
	})
}

// stripWAV returns the payload of the data chunk when b is a RIFF/WAVE
// container, and b unchanged otherwise.
func stripWAV(b []byte) []byte {
	if len(b) < 12 || !bytes.Equal(b[0:4], []byte("RIFF")) || !bytes.Equal(b[8:12], []byte("WAVE")) {
		return b
	}
	pos := 12
	for pos+8 <= len(b) {
		id := b[pos : pos+4]
		size := int(binary.LittleEndian.Uint32(b[pos+4 : pos+8]))
		body := pos + 8
		if bytes.Equal(id, []byte("data")) {
			end := min(body+size, len(b))
			return b[body:end]
		}
		pos = body + size + size%2
	}
	return nil
}
