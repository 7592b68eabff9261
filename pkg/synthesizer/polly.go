package synthesizer

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/LingByte/LingReach/pkg/audio"
	"github.com/LingByte/LingReach/pkg/constants"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	"github.com/aws/aws-sdk-go-v2/service/polly/types"
)

type pollyAPI interface {
	SynthesizeSpeech(ctx context.Context, in *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
}

// Polly requests 8 kHz PCM from Amazon Polly and converts it to mu-law.
type Polly struct {
	cfg    Config
	client pollyAPI
}

func NewPolly(ctx context.Context, cfg Config) (*Polly, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if cfg.VoiceEN == "" {
		cfg.VoiceEN = string(types.VoiceIdJoanna)
	}
	if cfg.VoiceES == "" {
		cfg.VoiceES = string(types.VoiceIdLupe)
	}
	return &Polly{cfg: cfg, client: polly.NewFromConfig(awsCfg)}, nil
}

func (p *Polly) Synthesize(ctx context.Context, req Request) (<-chan []byte, <-chan error) {
	return run(ctx, func(ctx context.Context, emit func([]byte) bool) error {
		if strings.TrimSpace(req.Text) == "" {
			return ErrEmptyText
		}
		lang := types.LanguageCodeEnUs
		if req.Language == constants.LANG_ES {
			lang = types.LanguageCodeEsUs
		}
		out, err := p.client.SynthesizeSpeech(ctx, &polly.SynthesizeSpeechInput{
			Text:         aws.String(req.Text),
			OutputFormat: types.OutputFormatPcm,
			SampleRate:   aws.String("8000"),
			VoiceId:      types.VoiceId(p.cfg.voice(req.Language)),
			LanguageCode: lang,
			Engine:       types.EngineNeural,
		})
		if err != nil {
			return fmt.Errorf("polly synthesize: %w", err)
		}
		defer out.AudioStream.Close()

		// 16-bit samples may straddle reads; carry the odd byte.
		buf := make([]byte, chunkSize*2)
		var carry []byte
		for {
			n, rerr := out.AudioStream.Read(buf)
			if n > 0 {
				data := append(carry, buf[:n]...)
				even := len(data) &^ 1
				if !emit(audio.PCM16LEToMulaw(data[:even])) {
					return ctx.Err()
				}
				carry = append([]byte(nil), data[even:]...)
			}
			if rerr == io.EOF {
				return nil
			}
			if rerr != nil {
				return fmt.Errorf("polly stream: %w", rerr)
			}
		}
	})
}
