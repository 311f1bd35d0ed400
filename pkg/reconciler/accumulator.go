package reconciler

import (
	"sort"
	"strings"
	"time"
)

// ChunkAccumulator reassembles streamed text. Chunks are ordered by sequence
// regardless of arrival order; chunks sharing a sequence (frames without one
// arrive as 0) keep their arrival order. Plain text recovered from legacy
// frames follows them.
type ChunkAccumulator struct {
	chunks     []chunk
	plain      strings.Builder
	chunkCount int
	startTime  time.Time
	lastUpdate time.Time
}

type chunk struct {
	sequence int
	content  string
}

// NewChunkAccumulator creates an empty accumulator
func NewChunkAccumulator() *ChunkAccumulator {
	return &ChunkAccumulator{}
}

// Add stores the chunk at sequence
func (a *ChunkAccumulator) Add(sequence int, content string) {
	a.touch()
	a.chunks = append(a.chunks, chunk{sequence: sequence, content: content})
	a.chunkCount++
}

// AddPlain appends unsequenced text
func (a *ChunkAccumulator) AddPlain(text string) {
	a.touch()
	a.plain.WriteString(text)
	a.chunkCount++
}

// Text returns the display text: chunks in ascending sequence, then plain text
func (a *ChunkAccumulator) Text() string {
	ordered := make([]chunk, len(a.chunks))
	copy(ordered, a.chunks)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].sequence < ordered[j].sequence
	})

	var b strings.Builder
	for _, c := range ordered {
		b.WriteString(c.content)
	}
	b.WriteString(a.plain.String())
	return b.String()
}

// Len reports how many sequenced chunks are held
func (a *ChunkAccumulator) Len() int {
	return len(a.chunks)
}

// Empty reports whether no text has been accumulated
func (a *ChunkAccumulator) Empty() bool {
	return len(a.chunks) == 0 && a.plain.Len() == 0
}

// Reset drops all accumulated text
func (a *ChunkAccumulator) Reset() {
	a.chunks = nil
	a.plain.Reset()
	a.chunkCount = 0
	a.startTime = time.Time{}
	a.lastUpdate = time.Time{}
}

// Stats returns statistics about the accumulated stream
func (a *ChunkAccumulator) Stats() StreamStats {
	return StreamStats{
		ChunkCount: a.chunkCount,
		StartTime:  a.startTime,
		LastUpdate: a.lastUpdate,
		Duration:   a.lastUpdate.Sub(a.startTime),
	}
}

func (a *ChunkAccumulator) touch() {
	now := time.Now()
	if a.startTime.IsZero() {
		a.startTime = now
	}
	a.lastUpdate = now
}

// StreamStats provides statistics about streamed text
type StreamStats struct {
	ChunkCount int
	StartTime  time.Time
	LastUpdate time.Time
	Duration   time.Duration
}
