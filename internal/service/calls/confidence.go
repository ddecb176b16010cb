package calls

import (
	"math"

	"radio-transcription-service/internal/service/stt"
)

// ChunkConfidence maps a chunk's log probability and no-speech probability
// onto (0, 1]: exp(avgLogProb) * (1 - noSpeechProb), clamped to [0, 1].
func ChunkConfidence(c stt.Chunk) float64 {
	p := math.Exp(c.AvgLogProb) * (1 - c.NoSpeechProb)
	switch {
	case math.IsNaN(p) || p < 0:
		return 0
	case p > 1:
		return 1
	default:
		return p
	}
}

// AggregateConfidence is the mean chunk confidence, or nil without chunks.
func AggregateConfidence(chunks []stt.Chunk) *float64 {
	if len(chunks) == 0 {
		return nil
	}
	var sum float64
	for _, c := range chunks {
		sum += ChunkConfidence(c)
	}
	mean := sum / float64(len(chunks))
	return &mean
}

// NeedsReview reports whether conf falls below threshold. Unknown
// confidence does not require review.
func NeedsReview(conf *float64, threshold float64) bool {
	return conf != nil && *conf < threshold
}
