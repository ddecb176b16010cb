// Package mock provides a mock Transcriber for running without an ASR backend.
// It cycles through canned radio traffic and reports fixed confidences.
package mock

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	"radio-transcription-service/internal/service/stt"
)

// SimulatedUtterance is one canned transcription.
type SimulatedUtterance struct {
	Phrases    []string // one chunk per phrase
	Confidence float64  // per-chunk confidence, (0, 1]
}

// DefaultUtterances provides sample dispatch traffic.
var DefaultUtterances = []SimulatedUtterance{
	{
		Phrases:    []string{"Engine 5 responding", "to 1400 Main Street"},
		Confidence: 0.94,
	},
	{
		Phrases:    []string{"Copy that"},
		Confidence: 0.97,
	},
	{
		Phrases:    []string{"Medic 12", "on scene", "requesting additional unit"},
		Confidence: 0.91,
	},
	{
		Phrases:    []string{"Unit 7", "show me out", "at the hospital"},
		Confidence: 0.89,
	},
	{
		Phrases:    []string{"garbled"},
		Confidence: 0.3,
	},
}

// Adapter implements stt.Transcriber with canned responses.
type Adapter struct {
	// Delay simulates backend latency. Transcribe returns early if the
	// context is done first.
	Delay time.Duration

	mu         sync.Mutex
	utterances []SimulatedUtterance
	next       int
	calls      int
}

// New creates a mock transcriber over DefaultUtterances.
func New() *Adapter {
	return NewWithUtterances(DefaultUtterances)
}

// NewWithUtterances creates a mock transcriber cycling through utts.
func NewWithUtterances(utts []SimulatedUtterance) *Adapter {
	return &Adapter{utterances: utts}
}

func (a *Adapter) Name() string { return "mock" }

// Calls returns how many transcriptions were served.
func (a *Adapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// Transcribe returns the next canned utterance spread evenly over the audio.
func (a *Adapter) Transcribe(ctx context.Context, audio stt.Audio, opts stt.Options) (*stt.Result, error) {
	if len(audio.Data) == 0 && audio.Path == "" {
		return nil, stt.Permanent(errors.New("mock: empty audio"))
	}
	if a.Delay > 0 {
		timer := time.NewTimer(a.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, stt.Transient(ctx.Err())
		case <-timer.C:
		}
	}

	a.mu.Lock()
	utt := a.utterances[a.next%len(a.utterances)]
	a.next++
	a.calls++
	a.mu.Unlock()

	dur := audioDuration(audio)
	if dur <= 0 {
		dur = time.Duration(len(utt.Phrases)) * time.Second
	}
	lang := opts.Language
	if lang == "" {
		lang = "en"
	}

	res := &stt.Result{Language: strings.ToLower(lang), Duration: dur, Model: "mock"}
	step := dur / time.Duration(len(utt.Phrases))
	for i, p := range utt.Phrases {
		res.Chunks = append(res.Chunks, stt.Chunk{
			Text:       p,
			Start:      time.Duration(i) * step,
			End:        time.Duration(i+1) * step,
			AvgLogProb: math.Log(utt.Confidence),
		})
	}
	return res, nil
}

func audioDuration(audio stt.Audio) time.Duration {
	if len(audio.Data) == 0 || audio.SampleRate <= 0 {
		return 0
	}
	channels := max(audio.Channels, 1)
	bits := audio.BitsPerSample
	if bits == 0 {
		bits = 16
	}
	frames := len(audio.Data) / (channels * bits / 8)
	return time.Duration(frames) * time.Second / time.Duration(audio.SampleRate)
}
