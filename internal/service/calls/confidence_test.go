package calls

import (
	"math"
	"testing"

	"radio-transcription-service/internal/service/stt"
)

func TestChunkConfidence(t *testing.T) {
	tests := []struct {
		name  string
		chunk stt.Chunk
		want  float64
	}{
		{"certain", stt.Chunk{AvgLogProb: 0}, 1},
		{"typical", stt.Chunk{AvgLogProb: math.Log(0.8), NoSpeechProb: 0.5}, 0.4},
		{"no speech", stt.Chunk{AvgLogProb: -0.1, NoSpeechProb: 1}, 0},
		{"unknown", stt.Chunk{AvgLogProb: math.Inf(-1)}, 0},
		{"positive logprob clamps", stt.Chunk{AvgLogProb: 0.5}, 1},
		{"nan", stt.Chunk{AvgLogProb: math.NaN()}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ChunkConfidence(tt.chunk); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("ChunkConfidence() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAggregateConfidence(t *testing.T) {
	if got := AggregateConfidence(nil); got != nil {
		t.Errorf("expected nil for no chunks, got %v", *got)
	}

	got := AggregateConfidence([]stt.Chunk{
		{AvgLogProb: math.Log(0.9)},
		{AvgLogProb: math.Log(0.5)},
	})
	if got == nil || math.Abs(*got-0.7) > 1e-9 {
		t.Errorf("expected mean 0.7, got %v", got)
	}
}

func TestNeedsReview(t *testing.T) {
	low, high, edge := 0.3, 0.9, 0.5
	tests := []struct {
		name string
		conf *float64
		want bool
	}{
		{"low", &low, true},
		{"high", &high, false},
		{"at threshold", &edge, false},
		{"unknown", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NeedsReview(tt.conf, 0.5); got != tt.want {
				t.Errorf("NeedsReview() = %v, want %v", got, tt.want)
			}
		})
	}
}
