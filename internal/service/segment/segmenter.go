package segment

import (
	"fmt"
	"time"
)

// Config controls where a stream is cut.
type Config struct {
	Format Format
	// MinDuration is the shortest segment emitted on a silence cut, and the
	// amount of buffered audio required before silence is searched for.
	MinDuration time.Duration
	// MinSilence is the length of the window whose level must stay below
	// SilenceThreshold for the window to count as silence.
	MinSilence       time.Duration
	SilenceThreshold float64 // dBFS
	// Step is the stride of the sliding window. Defaults to 1ms.
	Step time.Duration
}

// DefaultConfig returns 8kHz mono 16-bit settings.
func DefaultConfig() Config {
	return Config{
		Format:           Format{SampleRate: 8000, Channels: 1, BitsPerSample: 16},
		MinDuration:      2 * time.Second,
		MinSilence:       500 * time.Millisecond,
		SilenceThreshold: -40,
		Step:             time.Millisecond,
	}
}

// Segment is one utterance cut from a stream.
type Segment struct {
	ID       string
	StreamID string
	Seq      int
	Data     []byte
	Format   Format
	// Offset is the position of the first sample relative to stream start.
	Offset   time.Duration
	Duration time.Duration
	// Final marks the end-of-stream flush, the only segment that may be
	// shorter than MinDuration.
	Final bool
}

// Stats counts what a Segmenter has done so far.
type Stats struct {
	Emitted   int
	Discarded int
	Trimmed   time.Duration
}

// Segmenter splits one stream. It is not safe for concurrent use.
type Segmenter struct {
	cfg      Config
	streamID string
	gen      *Generator

	frameSize    int
	minFrames    int
	windowFrames int
	stepFrames   int

	buf []byte
	// prefix[i] is the energy of frames [0, i) of buf.
	prefix []float64
	// scanFrom is the first window start not yet known to be loud.
	scanFrom int
	// offset is the stream frame index of buf[0].
	offset int

	stats Stats
}

// NewSegmenter creates a Segmenter for streamID. A nil gen gets a private
// Generator.
func NewSegmenter(streamID string, cfg Config, gen *Generator) (*Segmenter, error) {
	if err := cfg.Format.Validate(); err != nil {
		return nil, fmt.Errorf("segmenter %s: %w", streamID, err)
	}
	if cfg.MinSilence <= 0 {
		return nil, fmt.Errorf("segmenter %s: min silence must be positive", streamID)
	}
	if cfg.Step <= 0 {
		cfg.Step = time.Millisecond
	}
	if gen == nil {
		gen = New()
	}
	f := cfg.Format
	return &Segmenter{
		cfg:          cfg,
		streamID:     streamID,
		gen:          gen,
		frameSize:    f.FrameSize(),
		minFrames:    f.Frames(cfg.MinDuration),
		windowFrames: max(f.Frames(cfg.MinSilence), 1),
		stepFrames:   max(f.Frames(cfg.Step), 1),
		prefix:       []float64{0},
	}, nil
}

// Stats returns counters for this stream.
func (s *Segmenter) Stats() Stats {
	return s.stats
}

// Buffered returns the duration of audio held but not yet emitted.
func (s *Segmenter) Buffered() time.Duration {
	return s.cfg.Format.Duration(s.frames())
}

func (s *Segmenter) frames() int {
	return len(s.prefix) - 1
}

// Feed appends chunk and returns every segment completed by it, in order.
func (s *Segmenter) Feed(chunk []byte) []Segment {
	s.buf = append(s.buf, chunk...)
	s.extendPrefix()

	var out []Segment
	for s.frames() >= s.minFrames {
		start, end, ok := s.findSilence()
		if !ok {
			break
		}
		if start == 0 {
			s.stats.Trimmed += s.cfg.Format.Duration(end)
			s.drop(end)
			continue
		}
		if start >= s.minFrames {
			out = append(out, s.emit(start, false))
		} else {
			s.stats.Discarded++
		}
		s.drop(start)
	}
	return out
}

// Flush ends the stream. Any buffered audio that is not entirely silence is
// returned as a Final segment regardless of its length.
func (s *Segmenter) Flush() *Segment {
	n := s.frames()
	if n == 0 || !s.hasSound(n) {
		s.reset()
		return nil
	}
	seg := s.emit(n, true)
	s.reset()
	return &seg
}

// extendPrefix adds energy sums for frames completed by the last append.
func (s *Segmenter) extendPrefix() {
	complete := len(s.buf) / s.frameSize
	for i := s.frames(); i < complete; i++ {
		e := frameEnergy(s.buf[i*s.frameSize : (i+1)*s.frameSize])
		s.prefix = append(s.prefix, s.prefix[i]+e)
	}
}

func (s *Segmenter) silent(start, frames int) bool {
	mean := (s.prefix[start+frames] - s.prefix[start]) / float64(frames*s.cfg.Format.Channels)
	return dbfs(mean) < s.cfg.SilenceThreshold
}

// findSilence slides a MinSilence window over the buffer and returns the
// frame range of the first silent run. The run extends while successive
// windows stay silent.
func (s *Segmenter) findSilence() (start, end int, ok bool) {
	n := s.frames()
	w := s.windowFrames
	pos := s.scanFrom
	for ; pos+w <= n; pos += s.stepFrames {
		if s.silent(pos, w) {
			break
		}
	}
	if pos+w > n {
		s.scanFrom = pos
		return 0, 0, false
	}
	start = pos
	for next := pos + s.stepFrames; next+w <= n && s.silent(next, w); next += s.stepFrames {
		pos = next
	}
	return start, pos + w, true
}

// hasSound reports whether any step-sized block of the first n frames is at
// or above the threshold.
func (s *Segmenter) hasSound(n int) bool {
	for pos := 0; pos < n; pos += s.stepFrames {
		size := min(s.stepFrames, n-pos)
		if !s.silent(pos, size) {
			return true
		}
	}
	return false
}

func (s *Segmenter) emit(frames int, final bool) Segment {
	data := make([]byte, frames*s.frameSize)
	copy(data, s.buf)
	id, seq := s.gen.Next(s.streamID)
	s.stats.Emitted++
	return Segment{
		ID:       id,
		StreamID: s.streamID,
		Seq:      seq,
		Data:     data,
		Format:   s.cfg.Format,
		Offset:   s.cfg.Format.Duration(s.offset),
		Duration: s.cfg.Format.Duration(frames),
		Final:    final,
	}
}

// drop removes the first frames from the buffer and rebases the prefix sums.
func (s *Segmenter) drop(frames int) {
	s.buf = append(s.buf[:0], s.buf[frames*s.frameSize:]...)
	base := s.prefix[frames]
	rest := s.prefix[frames:]
	for i := range rest {
		rest[i] -= base
	}
	s.prefix = append(s.prefix[:0], rest...)
	s.offset += frames
	// Cuts land on step boundaries, so earlier loud windows stay loud.
	s.scanFrom = max(s.scanFrom-frames, 0)
}

func (s *Segmenter) reset() {
	s.offset += s.frames()
	s.buf = s.buf[:0]
	s.prefix = s.prefix[:1]
	s.scanFrom = 0
}
