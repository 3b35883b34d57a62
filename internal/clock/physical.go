package clock

import (
	"sync"
	"time"
)

// Physical is the replica's wall clock plus its cumulative Berkeley
// offset. Every externally visible record's timestamp field is read
// through this type so the offset applies uniformly.
type Physical struct {
	mu     sync.Mutex
	offset float64 // seconds
}

// Now returns wall_clock_now() + offset, in fractional Unix seconds.
func (p *Physical) Now() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return nowSeconds() + p.offset
}

// ApplyOffset adds delta to the persistent offset. Offsets accumulate
// across Berkeley rounds so successive corrections compound.
func (p *Physical) ApplyOffset(delta float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offset += delta
}

// Offset returns the current cumulative offset, mostly for diagnostics.
func (p *Physical) Offset() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offset
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
