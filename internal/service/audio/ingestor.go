// Package audio connects audio sources to the transcription dispatcher:
// live streams go through a segmenter, finished recordings are submitted
// whole.
package audio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"radio-transcription-service/internal/observability/logging"
	"radio-transcription-service/internal/observability/metrics"
	"radio-transcription-service/internal/service/audio/wav"
	"radio-transcription-service/internal/service/dispatch"
	"radio-transcription-service/internal/service/segment"
	"radio-transcription-service/internal/service/stt"
)

var (
	ErrUnsupportedFile = errors.New("unsupported audio file")
	ErrSessionClosed   = errors.New("audio session closed")
)

// SupportedExtensions lists the recording formats accepted for whole-file
// submission.
var SupportedExtensions = []string{".wav", ".mp3"}

// Submitter accepts transcription jobs.
type Submitter interface {
	Submit(ctx context.Context, job dispatch.Job) (*dispatch.Request, error)
}

// PromptSource looks up the transcription prompt configured for a talkgroup.
type PromptSource interface {
	TalkgroupPrompt(ctx context.Context, systemName string, number int) (string, error)
}

// Config configures an Ingestor.
type Config struct {
	Segmenter segment.Config
	// OutputDir receives one WAV file per stream segment. Empty keeps
	// segments in memory only.
	OutputDir string
	// RunID is added to every segment file name so a restarted process,
	// whose segment numbering starts over, never overwrites earlier files.
	// Empty generates one.
	RunID    string
	Language string
}

// Ingestor turns audio into dispatcher jobs.
type Ingestor struct {
	cfg       Config
	submitter Submitter
	prompts   PromptSource
	gen       *segment.Generator
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

// NewIngestor creates an Ingestor. prompts may be nil.
func NewIngestor(cfg Config, submitter Submitter, prompts PromptSource) *Ingestor {
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()[:8]
	}
	return &Ingestor{
		cfg:       cfg,
		submitter: submitter,
		prompts:   prompts,
		gen:       segment.New(),
		logger:    logging.WithComponent("ingest"),
		metrics:   metrics.DefaultMetrics,
	}
}

// Supported reports whether path has an accepted recording extension.
func Supported(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range SupportedExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// SubmitFile submits a finished recording. The file path is the job key, so
// a recording already in flight is rejected with dispatch.ErrAlreadyInFlight.
// A zero hints.Timestamp is taken from the file's modification time.
func (in *Ingestor) SubmitFile(ctx context.Context, source, path string, hints dispatch.Hints) (*dispatch.Request, error) {
	if !Supported(path) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFile, filepath.Base(path))
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat recording: %w", err)
	}
	if hints.Timestamp.IsZero() {
		hints.Timestamp = fi.ModTime().UTC()
	}

	job := dispatch.Job{
		Key:     path,
		Audio:   stt.Audio{Path: path},
		Options: stt.Options{Language: in.cfg.Language, Prompt: in.prompt(ctx, hints)},
		Hints:   hints,
	}
	if strings.EqualFold(filepath.Ext(path), ".wav") {
		h, err := wav.Probe(path)
		if err != nil {
			return nil, fmt.Errorf("probe %s: %w", filepath.Base(path), err)
		}
		job.Duration = h.Duration()
		job.Audio.SampleRate = h.SampleRate
		job.Audio.Channels = h.Channels
		job.Audio.BitsPerSample = h.BitsPerSample
	}

	req, err := in.submitter.Submit(ctx, job)
	if err != nil {
		return nil, err
	}
	in.metrics.RecordFileIngested(source)
	in.logger.Info().
		Str("source", source).
		Str("path", path).
		Str("requestId", req.ID).
		Str("system", hints.SystemName).
		Dur("duration", job.Duration).
		Msg("Recording submitted")
	return req, nil
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// TrackSubmissions keeps the request and segment id of every submitted
// segment for Session.Submissions. Use it only for bounded streams.
func TrackSubmissions() SessionOption {
	return func(s *Session) { s.track = true }
}

// ForgetOnClose drops the stream's segment counter when the session closes.
// Use it for stream ids that are never reused.
func ForgetOnClose() SessionOption {
	return func(s *Session) { s.forget = true }
}

// NewSession starts a segmented stream. Segments inherit hints, with each
// segment's timestamp offset from the session start.
func (in *Ingestor) NewSession(ctx context.Context, streamID string, hints dispatch.Hints, opts ...SessionOption) (*Session, error) {
	seg, err := segment.NewSegmenter(streamID, in.cfg.Segmenter, in.gen)
	if err != nil {
		return nil, err
	}
	if in.cfg.OutputDir != "" {
		if err := os.MkdirAll(in.cfg.OutputDir, 0o755); err != nil {
			return nil, fmt.Errorf("create segment dir: %w", err)
		}
	}
	start := hints.Timestamp
	if start.IsZero() {
		start = time.Now().UTC()
	}
	s := &Session{
		in:       in,
		ctx:      ctx,
		streamID: streamID,
		hints:    hints,
		start:    start,
		seg:      seg,
		prompt:   in.prompt(ctx, hints),
		logger:   logging.WithStream(streamID, hints.SystemName),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger.Info().
		Int("sampleRate", in.cfg.Segmenter.Format.SampleRate).
		Int("channels", in.cfg.Segmenter.Format.Channels).
		Msg("Audio session started")
	return s, nil
}

// prompt returns the talkgroup prompt for hints, or "" when there is none
// or the lookup fails.
func (in *Ingestor) prompt(ctx context.Context, hints dispatch.Hints) string {
	if in.prompts == nil || hints.SystemName == "" || hints.TalkgroupNumber == nil {
		return ""
	}
	p, err := in.prompts.TalkgroupPrompt(ctx, hints.SystemName, *hints.TalkgroupNumber)
	if err != nil {
		in.logger.Warn().Err(err).Str("system", hints.SystemName).Int("talkgroup", *hints.TalkgroupNumber).Msg("Talkgroup prompt lookup failed")
		return ""
	}
	return p
}
