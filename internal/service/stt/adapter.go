// Package stt defines the Transcriber contract shared by the speech
// recognition backends.
package stt

import (
	"context"
	"strings"
	"time"
)

// Audio is the input to one transcription. At least one of Path or Data is
// set; backends read Data when present. Data is raw PCM described by
// SampleRate, Channels and BitsPerSample.
type Audio struct {
	Path          string
	Data          []byte
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// Options carries per-request hints.
type Options struct {
	Language string // "" lets the backend detect it
	Prompt   string // vocabulary hint, e.g. a talkgroup's whisper prompt
}

// Chunk is one recognized span of speech.
type Chunk struct {
	Text         string
	Start        time.Duration
	End          time.Duration
	AvgLogProb   float64
	NoSpeechProb float64
}

// Result is the outcome of a transcription.
type Result struct {
	Chunks   []Chunk
	Language string
	Duration time.Duration
	Model    string
}

// Text joins the non-empty chunk texts with single spaces.
func (r *Result) Text() string {
	parts := make([]string, 0, len(r.Chunks))
	for _, c := range r.Chunks {
		if t := strings.TrimSpace(c.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// Transcriber turns audio into text. Implementations must return once ctx
// is done and should classify failures with Transient or Permanent.
type Transcriber interface {
	Name() string
	Transcribe(ctx context.Context, audio Audio, opts Options) (*Result, error)
}
