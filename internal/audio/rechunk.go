package audio

import "sync"

// Rechunker regroups arbitrarily sized sample writes into fixed-size chunks.
type Rechunker struct {
	mu      sync.Mutex
	size    int
	pending []float32
}

// NewRechunker creates a Rechunker emitting chunks of exactly size samples.
func NewRechunker(size int) *Rechunker {
	if size <= 0 {
		size = ChunkSize
	}
	return &Rechunker{
		size:    size,
		pending: make([]float32, 0, size),
	}
}

// Write appends samples and returns every complete chunk now available.
// Returned chunks are owned by the caller.
func (r *Rechunker) Write(samples []float32) [][]float32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	var chunks [][]float32
	for len(samples) > 0 {
		room := r.size - len(r.pending)
		if room > len(samples) {
			room = len(samples)
		}
		r.pending = append(r.pending, samples[:room]...)
		samples = samples[room:]

		if len(r.pending) == r.size {
			chunk := make([]float32, r.size)
			copy(chunk, r.pending)
			chunks = append(chunks, chunk)
			r.pending = r.pending[:0]
		}
	}
	return chunks
}

// Pending returns how many samples are waiting for a full chunk.
func (r *Rechunker) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Reset drops any partial chunk.
func (r *Rechunker) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = r.pending[:0]
}

// Size returns the chunk size.
func (r *Rechunker) Size() int {
	return r.size
}
