// Package roughness turns raw vertical acceleration into a per-window
// roughness score.
//
// Samples pass through a single-pole high-pass filter as they arrive and the
// residuals are buffered. Once per fusion tick the buffer is drained and reduced
// to its population variance: the more the vertical jerk spreads, the rougher
// the surface.
//
// Alpha is applied per sample, not per second. Devices that sample at
// different rates therefore see different corner frequencies; this is
// accepted rather than corrected.
package roughness

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/stat"
)

// DefaultAlpha is the low-pass smoothing factor. Higher values adapt more
// slowly, so more of the signal survives the high-pass residual.
const DefaultAlpha = 0.8

// Filter is a concurrency-safe high-pass filter with an append-only residual
// buffer. Ingest may be called from a sensor goroutine while Drain runs on
// the fusion loop.
type Filter struct {
	alpha float64

	mu      sync.Mutex
	lowPass float64
	buf     []float64
}

// NewFilter returns a filter with the low-pass state at zero. An alpha
// outside [0, 1) falls back to DefaultAlpha.
func NewFilter(alpha float64) *Filter {
	if alpha < 0 || alpha >= 1 || math.IsNaN(alpha) {
		alpha = DefaultAlpha
	}
	return &Filter{alpha: alpha}
}

// Alpha returns the smoothing factor in use.
func (f *Filter) Alpha() float64 {
	return f.alpha
}

// Ingest filters one raw sample, buffers the residual and returns it.
// Non-finite samples are dropped and leave the state untouched.
func (f *Filter) Ingest(x float64) (float64, bool) {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lowPass = f.alpha*f.lowPass + (1-f.alpha)*x
	out := x - f.lowPass
	f.buf = append(f.buf, out)
	return out, true
}

// Drain hands back every residual buffered since the previous drain and
// leaves the buffer empty. The swap happens under the lock so no sample is
// lost or seen twice.
func (f *Filter) Drain() []float64 {
	f.mu.Lock()
	out := f.buf
	f.buf = nil
	f.mu.Unlock()
	return out
}

// Estimate drains the buffer and returns its roughness score.
func (f *Filter) Estimate() float64 {
	return Variance(f.Drain())
}

// Pending returns the number of buffered residuals.
func (f *Filter) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.buf)
}

// Reset zeroes the low-pass state and discards buffered residuals.
func (f *Filter) Reset() {
	f.mu.Lock()
	f.lowPass = 0
	f.buf = nil
	f.mu.Unlock()
}

// Variance returns the population variance of samples. An empty window
// scores 0; the result is never negative and never NaN.
func Variance(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	v := stat.PopVariance(samples, nil)
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return v
}
