package segment

import (
	"encoding/binary"
	"errors"
	"math"
	"time"
)

// fullScale is the amplitude of a full-scale signed 16-bit sample.
const fullScale = 32768.0

var ErrUnsupportedFormat = errors.New("unsupported PCM format")

// Format describes interleaved little-endian signed PCM.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// Validate accepts 16-bit PCM with a positive rate and channel count.
func (f Format) Validate() error {
	if f.SampleRate <= 0 || f.Channels <= 0 || f.BitsPerSample != 16 {
		return ErrUnsupportedFormat
	}
	return nil
}

// FrameSize is the byte length of one sample across all channels.
func (f Format) FrameSize() int {
	return f.Channels * f.BitsPerSample / 8
}

// Frames converts a duration to a whole number of frames, rounding down.
func (f Format) Frames(d time.Duration) int {
	return int(int64(d) * int64(f.SampleRate) / int64(time.Second))
}

// Duration converts a frame count to time.
func (f Format) Duration(frames int) time.Duration {
	return time.Duration(int64(frames) * int64(time.Second) / int64(f.SampleRate))
}

// BytesDuration is the playback length of n bytes.
func (f Format) BytesDuration(n int) time.Duration {
	return f.Duration(n / f.FrameSize())
}

// frameEnergy is the sum of squared samples over every channel of a frame.
func frameEnergy(frame []byte) float64 {
	var sum float64
	for i := 0; i+1 < len(frame); i += 2 {
		v := float64(int16(binary.LittleEndian.Uint16(frame[i:])))
		sum += v * v
	}
	return sum
}

// dbfs converts a mean squared sample value to decibels relative to full
// scale. Digital silence is -Inf.
func dbfs(meanSquare float64) float64 {
	if meanSquare <= 0 {
		return math.Inf(-1)
	}
	return 10 * math.Log10(meanSquare/(fullScale*fullScale))
}

// LevelDBFS returns the RMS level of data in dBFS.
func LevelDBFS(data []byte, f Format) float64 {
	fs := f.FrameSize()
	frames := len(data) / fs
	if frames == 0 {
		return math.Inf(-1)
	}
	var sum float64
	for i := 0; i < frames; i++ {
		sum += frameEnergy(data[i*fs : (i+1)*fs])
	}
	return dbfs(sum / float64(frames*f.Channels))
}
