// Package stream pulls a live PCM radio feed over HTTP and feeds it to an
// audio session, reconnecting when the feed drops.
package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"radio-transcription-service/internal/observability/logging"
	"radio-transcription-service/internal/service/audio"
	"radio-transcription-service/internal/service/audio/wav"
	"radio-transcription-service/internal/service/dispatch"
	"radio-transcription-service/internal/service/segment"
)

var (
	ErrBadStatus      = errors.New("stream: unexpected HTTP status")
	ErrFormatMismatch = errors.New("stream: WAV format does not match segmenter format")
)

// Config configures a Puller.
type Config struct {
	URL      string
	StreamID string
	Hints    dispatch.Hints
	// Format is what the segmenter expects. A WAV feed must match it; a raw
	// feed is assumed to.
	Format        segment.Format
	ChunkSize     int
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	Client        *http.Client
}

// Puller reads one HTTP audio feed.
type Puller struct {
	cfg      Config
	ingestor *audio.Ingestor
	logger   zerolog.Logger
}

func New(cfg Config, ingestor *audio.Ingestor) *Puller {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 4096
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	if cfg.Client == nil {
		// No overall timeout: the body is read for as long as the feed lives.
		cfg.Client = &http.Client{}
	}
	if cfg.StreamID == "" {
		cfg.StreamID = "stream"
	}
	return &Puller{
		cfg:      cfg,
		ingestor: ingestor,
		logger:   logging.WithStream(cfg.StreamID, cfg.Hints.SystemName),
	}
}

// Run pulls until ctx is done. Each connection is its own audio session;
// the trailing audio of a dropped connection is flushed as a final segment.
func (p *Puller) Run(ctx context.Context) error {
	p.logger.Info().Str("url", p.cfg.URL).Msg("Stream puller started")
	failures := 0
	for {
		n, err := p.pull(ctx)
		if ctx.Err() != nil {
			p.logger.Info().Msg("Stream puller stopped")
			return nil
		}
		if n > 0 {
			failures = 0
		}
		failures++
		wait := p.backoff(failures)
		ev := p.logger.Warn()
		if err == nil {
			ev = p.logger.Info()
		}
		ev.Err(err).Int64("bytes", n).Dur("retryIn", wait).Msg("Stream ended, reconnecting")

		select {
		case <-ctx.Done():
			p.logger.Info().Msg("Stream puller stopped")
			return nil
		case <-time.After(wait):
		}
	}
}

// pull runs one connection and returns the number of audio bytes read.
func (p *Puller) pull(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.URL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := p.cfg.Client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: %s", ErrBadStatus, resp.Status)
	}

	body := bufio.NewReaderSize(resp.Body, p.cfg.ChunkSize)
	if magic, err := body.Peek(4); err == nil && string(magic) == "RIFF" {
		h, err := wav.ReadHeader(body)
		if err != nil {
			return 0, fmt.Errorf("read WAV header: %w", err)
		}
		f := p.cfg.Format
		if h.SampleRate != f.SampleRate || h.Channels != f.Channels || h.BitsPerSample != f.BitsPerSample {
			return 0, fmt.Errorf("%w: got %d Hz %d ch %d bit", ErrFormatMismatch, h.SampleRate, h.Channels, h.BitsPerSample)
		}
	}

	hints := p.cfg.Hints
	hints.Timestamp = time.Now().UTC()
	session, err := p.ingestor.NewSession(ctx, p.cfg.StreamID, hints)
	if err != nil {
		return 0, err
	}
	defer session.Close()

	n, err := io.CopyBuffer(session, body, make([]byte, p.cfg.ChunkSize))
	if err != nil && ctx.Err() == nil {
		return n, fmt.Errorf("read stream: %w", err)
	}
	return n, nil
}

func (p *Puller) backoff(n int) time.Duration {
	wait := p.cfg.ReconnectBase
	for i := 1; i < n && wait < p.cfg.ReconnectMax; i++ {
		wait *= 2
	}
	wait = min(wait, p.cfg.ReconnectMax)
	if quarter := int64(wait / 4); quarter > 0 {
		wait += time.Duration(rand.Int64N(quarter))
	}
	return wait
}
