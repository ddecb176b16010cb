// Package google provides a Google Cloud Speech-to-Text transcriber.
package google

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"radio-transcription-service/internal/service/audio/wav"
	"radio-transcription-service/internal/service/stt"
)

// unknownConfidenceLogProb stands in for results that carry no confidence,
// which Google reports as 0. It maps to confidence 0 so such calls are
// flagged for review.
var unknownConfidenceLogProb = math.Inf(-1)

// Config holds recognition settings.
type Config struct {
	LanguageCode  string
	SampleRateHz  int
	AudioEncoding string
	Model         string
}

// DefaultConfig returns settings for 8kHz LINEAR16 radio audio.
func DefaultConfig() Config {
	return Config{
		LanguageCode:  "en-US",
		SampleRateHz:  8000,
		AudioEncoding: "LINEAR16",
	}
}

// recognizer is the subset of speech.Client used here.
type recognizer interface {
	Recognize(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error)
	Close() error
}

type clientRecognizer struct {
	c *speech.Client
}

func (r clientRecognizer) Recognize(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error) {
	return r.c.Recognize(ctx, req)
}

func (r clientRecognizer) Close() error { return r.c.Close() }

// Adapter implements stt.Transcriber with synchronous Recognize calls.
type Adapter struct {
	rec recognizer
	cfg Config
}

// New creates a Google transcriber.
// Requires GOOGLE_APPLICATION_CREDENTIALS environment variable to be set.
func New(ctx context.Context, cfg Config) (*Adapter, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return &Adapter{rec: clientRecognizer{c}, cfg: cfg}, nil
}

func (a *Adapter) Name() string { return "google" }

// Close releases the client connection.
func (a *Adapter) Close() error {
	return a.rec.Close()
}

// Transcribe sends the audio in one Recognize request.
func (a *Adapter) Transcribe(ctx context.Context, audio stt.Audio, opts stt.Options) (*stt.Result, error) {
	req, err := a.buildRequest(audio, opts)
	if err != nil {
		return nil, stt.Permanent(err)
	}

	resp, err := a.rec.Recognize(ctx, req)
	if err != nil {
		return nil, classify(err)
	}

	res := &stt.Result{Language: req.Config.LanguageCode, Model: a.cfg.Model}
	var prevEnd time.Duration
	for _, r := range resp.Results {
		if len(r.Alternatives) == 0 {
			continue
		}
		alt := r.Alternatives[0]
		end := r.ResultEndTime.AsDuration()
		logProb := unknownConfidenceLogProb
		if alt.Confidence > 0 {
			logProb = math.Log(float64(alt.Confidence))
		}
		res.Chunks = append(res.Chunks, stt.Chunk{
			Text:       alt.Transcript,
			Start:      prevEnd,
			End:        end,
			AvgLogProb: logProb,
		})
		if r.LanguageCode != "" {
			res.Language = r.LanguageCode
		}
		prevEnd = end
	}
	res.Duration = prevEnd
	return res, nil
}

func (a *Adapter) buildRequest(audio stt.Audio, opts stt.Options) (*speechpb.RecognizeRequest, error) {
	content := audio.Data
	rate := audio.SampleRate
	channels := audio.Channels
	encoding := parseAudioEncoding(a.cfg.AudioEncoding)

	if len(content) == 0 {
		if audio.Path == "" {
			return nil, errors.New("no audio data or path")
		}
		if !strings.EqualFold(filepath.Ext(audio.Path), ".wav") {
			return nil, fmt.Errorf("unsupported audio file %s", filepath.Base(audio.Path))
		}
		h, pcm, err := wav.ReadFile(audio.Path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", filepath.Base(audio.Path), err)
		}
		content, rate, channels = pcm, h.SampleRate, h.Channels
		encoding = speechpb.RecognitionConfig_LINEAR16
	}
	if rate == 0 {
		rate = a.cfg.SampleRateHz
	}
	if channels == 0 {
		channels = 1
	}

	lang := opts.Language
	if lang == "" {
		lang = a.cfg.LanguageCode
	}

	cfg := &speechpb.RecognitionConfig{
		Encoding:                   encoding,
		SampleRateHertz:            int32(rate),
		AudioChannelCount:          int32(channels),
		LanguageCode:               lang,
		Model:                      a.cfg.Model,
		EnableAutomaticPunctuation: true,
	}
	if phrases := promptPhrases(opts.Prompt); len(phrases) > 0 {
		cfg.SpeechContexts = []*speechpb.SpeechContext{{Phrases: phrases}}
	}

	return &speechpb.RecognizeRequest{
		Config: cfg,
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: content},
		},
	}, nil
}

// promptPhrases splits a prompt on commas and newlines into phrase hints.
func promptPhrases(prompt string) []string {
	var out []string
	for _, p := range strings.FieldsFunc(prompt, func(r rune) bool { return r == ',' || r == '\n' }) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// classify maps gRPC status codes onto the stt error classes.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return stt.Transient(err)
	}
	st, ok := status.FromError(err)
	if !ok {
		return stt.Transient(err)
	}
	switch st.Code() {
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange,
		codes.Unimplemented, codes.PermissionDenied, codes.Unauthenticated, codes.NotFound:
		return stt.Permanent(err)
	default:
		return stt.Transient(err)
	}
}

// parseAudioEncoding converts string encoding to speechpb enum.
func parseAudioEncoding(encoding string) speechpb.RecognitionConfig_AudioEncoding {
	switch encoding {
	case "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC
	case "AMR":
		return speechpb.RecognitionConfig_AMR
	case "AMR_WB":
		return speechpb.RecognitionConfig_AMR_WB
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS
	case "SPEEX_WITH_HEADER_BYTE":
		return speechpb.RecognitionConfig_SPEEX_WITH_HEADER_BYTE
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS
	default:
		return speechpb.RecognitionConfig_LINEAR16
	}
}
