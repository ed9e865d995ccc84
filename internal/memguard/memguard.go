// Package memguard computes how much memory the broker may commit to a single message buffer.
//
// The measure is the memory still available to the process: the smaller of the headroom under the
// Go runtime's soft memory limit and the memory the OS reports as available. Half of it bounds an
// inbound host frame, an eighth of it bounds a single read of child output.
package memguard

import (
	"math"
	"runtime/debug"
	"runtime/metrics"
)

const (
	inboundDivisor = 2
	chunkDivisor   = 8
)

const heapMetric = "/memory/classes/total:bytes"

type Option func(g *Guard)

// WithAvailableFunc replaces the measure of available memory.
func WithAvailableFunc(f func() uint64) Option {
	return func(g *Guard) {
		g.available = f
	}
}

// Guard derives size bounds from available memory at the time of each call, additionally clamped
// by fixed caps.
type Guard struct {
	available  func() uint64
	maxInbound int
	maxChunk   int
}

// New builds a Guard. maxInbound and maxChunk are upper caps applied on top of the memory-derived
// bounds; a non-positive cap means no cap.
func New(maxInbound, maxChunk int, opts ...Option) *Guard {
	g := &Guard{
		available:  Available,
		maxInbound: maxInbound,
		maxChunk:   maxChunk,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// InboundBound is the largest inbound payload that may be allocated right now.
func (g *Guard) InboundBound() int {
	return clamp(g.available()/inboundDivisor, g.maxInbound, 0)
}

// ReadChunk is the most child output that may be read and forwarded in one step. It is never zero
// so output always makes progress.
func (g *Guard) ReadChunk() int {
	return clamp(g.available()/chunkDivisor, g.maxChunk, 1)
}

func clamp(v uint64, max int, min int) int {
	if max > 0 && v > uint64(max) {
		v = uint64(max)
	}
	if v > math.MaxInt32 {
		v = math.MaxInt32
	}
	if int(v) < min {
		return min
	}
	return int(v)
}

// Available returns the memory the process could still allocate, in bytes.
func Available() uint64 {
	avail := systemAvailable()

	limit := debug.SetMemoryLimit(-1)
	if limit > 0 && limit < math.MaxInt64 {
		sample := []metrics.Sample{{Name: heapMetric}}
		metrics.Read(sample)
		var used uint64
		if sample[0].Value.Kind() == metrics.KindUint64 {
			used = sample[0].Value.Uint64()
		}
		headroom := uint64(0)
		if uint64(limit) > used {
			headroom = uint64(limit) - used
		}
		if headroom < avail {
			avail = headroom
		}
	}
	return avail
}
