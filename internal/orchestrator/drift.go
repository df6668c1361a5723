package orchestrator

import "time"

const minRTTSamples = 3

// DriftController derives the buffer depth from recent fetch round trips.
type DriftController struct {
	window      int
	minBufferMs int64
	samples     []time.Duration
}

// NewDriftController keeps the last window samples and never targets less
// than minBufferMs of media.
func NewDriftController(window int, minBufferMs int64) *DriftController {
	return &DriftController{window: window, minBufferMs: minBufferMs}
}

// Observe records one fetch round trip.
func (d *DriftController) Observe(rtt time.Duration) {
	d.samples = append(d.samples, rtt)
	if over := len(d.samples) - d.window; over > 0 {
		d.samples = append(d.samples[:0], d.samples[over:]...)
	}
}

// Initial is the target used before enough samples exist.
func (d *DriftController) Initial(chunkMs int64) int {
	return ceilDiv(d.minBufferMs, chunkMs)
}

// Target returns the chunk count to buffer. ok is false until enough samples
// have been observed.
func (d *DriftController) Target(chunkMs int64) (n int, ok bool) {
	if len(d.samples) < minRTTSamples {
		return 0, false
	}
	var sum time.Duration
	for _, s := range d.samples {
		sum += s
	}
	avgMs := (sum / time.Duration(len(d.samples))).Milliseconds()
	return ceilDiv(max(d.minBufferMs, avgMs*3), chunkMs), true
}

func ceilDiv(a, b int64) int {
	if b <= 0 {
		return 0
	}
	return int((a + b - 1) / b)
}
