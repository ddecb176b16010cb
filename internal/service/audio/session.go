package audio

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"radio-transcription-service/internal/service/audio/wav"
	"radio-transcription-service/internal/service/dispatch"
	"radio-transcription-service/internal/service/segment"
	"radio-transcription-service/internal/service/stt"
)

// SessionStats counts what a session did with its audio.
type SessionStats struct {
	Bytes     int64
	Segments  int
	Submitted int
	Rejected  int
	Discarded int
	Trimmed   time.Duration
}

// Submission identifies one segment accepted by the dispatcher.
type Submission struct {
	RequestID string
	SegmentID string
}

// Session feeds one continuous PCM stream through a segmenter and submits
// every segment it cuts. A segment that cannot be submitted is logged and
// counted; the stream carries on.
type Session struct {
	in       *Ingestor
	ctx      context.Context
	streamID string
	hints    dispatch.Hints
	start    time.Time
	prompt   string
	logger   zerolog.Logger
	track    bool
	forget   bool

	mu          sync.Mutex
	seg         *segment.Segmenter
	stats       SessionStats
	submissions []Submission
	discarded   int
	closed      bool
}

// StreamID returns the session's stream id.
func (s *Session) StreamID() string { return s.streamID }

// Write feeds PCM bytes. It only fails once the session is closed.
func (s *Session) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrSessionClosed
	}
	s.stats.Bytes += int64(len(p))
	s.in.metrics.RecordAudioReceived(len(p))

	for _, seg := range s.seg.Feed(p) {
		s.submitLocked(seg)
	}
	s.syncStatsLocked()
	return len(p), nil
}

// Close flushes the trailing audio as a final segment. Later calls are
// no-ops.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if seg := s.seg.Flush(); seg != nil {
		s.submitLocked(*seg)
	}
	s.syncStatsLocked()
	if s.forget {
		s.in.gen.Forget(s.streamID)
	}

	s.logger.Info().
		Int64("bytes", s.stats.Bytes).
		Int("segments", s.stats.Segments).
		Int("submitted", s.stats.Submitted).
		Int("rejected", s.stats.Rejected).
		Int("discarded", s.stats.Discarded).
		Dur("trimmed", s.stats.Trimmed).
		Msg("Audio session closed")
	return nil
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Submissions returns the segments submitted so far, in stream order. It
// is empty unless the session was opened with TrackSubmissions.
func (s *Session) Submissions() []Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Submission(nil), s.submissions...)
}

func (s *Session) submitLocked(seg segment.Segment) {
	s.stats.Segments++
	s.in.metrics.RecordSegmentEmitted(seg.Final, seg.Duration.Seconds())
	log := s.logger.With().Str("segmentId", seg.ID).Logger()

	f := seg.Format
	audio := stt.Audio{
		Data:          seg.Data,
		SampleRate:    f.SampleRate,
		Channels:      f.Channels,
		BitsPerSample: f.BitsPerSample,
	}
	if dir := s.in.cfg.OutputDir; dir != "" {
		path := filepath.Join(dir, seg.ID+"-"+s.in.cfg.RunID+".wav")
		if err := wav.WriteFile(path, seg.Data, f.SampleRate, f.Channels, f.BitsPerSample); err != nil {
			// The segment can still be transcribed from memory.
			log.Error().Err(err).Str("path", path).Msg("Failed to write segment file")
		} else {
			audio.Path = path
		}
	}

	hints := s.hints
	hints.Timestamp = s.start.Add(seg.Offset)

	req, err := s.in.submitter.Submit(s.ctx, dispatch.Job{
		Key:      seg.ID,
		Audio:    audio,
		Options:  stt.Options{Language: s.in.cfg.Language, Prompt: s.prompt},
		Hints:    hints,
		Duration: seg.Duration,
	})
	if err != nil {
		s.stats.Rejected++
		s.in.metrics.RecordSegmentDropped(rejectReason(err))
		log.Warn().Err(err).Dur("duration", seg.Duration).Msg("Segment not submitted")
		return
	}
	s.stats.Submitted++
	if s.track {
		s.submissions = append(s.submissions, Submission{RequestID: req.ID, SegmentID: seg.ID})
	}
	log.Debug().
		Str("requestId", req.ID).
		Dur("offset", seg.Offset).
		Dur("duration", seg.Duration).
		Bool("final", seg.Final).
		Msg("Segment submitted")
}

func (s *Session) syncStatsLocked() {
	st := s.seg.Stats()
	for ; s.discarded < st.Discarded; s.discarded++ {
		s.in.metrics.RecordSegmentDiscarded()
	}
	s.stats.Discarded = st.Discarded
	s.stats.Trimmed = st.Trimmed
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, dispatch.ErrQueueFull):
		return "queue_full"
	case errors.Is(err, dispatch.ErrClosed):
		return "shutdown"
	case errors.Is(err, dispatch.ErrAlreadyInFlight):
		return "in_flight"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "submit_error"
	}
}
