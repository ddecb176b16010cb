// Package segment cuts a continuous PCM stream into utterance segments at
// runs of silence and issues their ids.
package segment

import (
	"fmt"
	"sync"
)

// Generator issues segment ids of the form "<stream>-seg-<n>", numbering
// each stream independently from 1.
type Generator struct {
	mu  sync.Mutex
	seq map[string]int
}

func New() *Generator {
	return &Generator{seq: make(map[string]int)}
}

// Next returns the next id and sequence number for streamID.
func (g *Generator) Next(streamID string) (string, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq[streamID]++
	n := g.seq[streamID]
	return fmt.Sprintf("%s-seg-%d", streamID, n), n
}

// Forget drops the counter for a finished stream.
func (g *Generator) Forget(streamID string) {
	g.mu.Lock()
	delete(g.seq, streamID)
	g.mu.Unlock()
}
