package encoder

import (
	"math"
	"sync"
	"time"
)

// jitterStabilityThreshold is the maximum mean jitter, as a fraction of the
// expected frame interval, for a recording to count as stable.
const jitterStabilityThreshold = 0.20

// Stats summarizes one recording.
type Stats struct {
	FramesWritten      uint64        `json:"frames_written"`
	KeyFrames          uint64        `json:"key_frames"`
	BytesWritten       uint64        `json:"bytes_written"`
	DroppedBeforeTrack uint64        `json:"dropped_before_track"`
	CodecConfigBuffers uint64        `json:"codec_config_buffers"`
	WriteErrors        uint64        `json:"write_errors"`
	ReleaseErrors      uint64        `json:"release_errors"`
	DequeueErrors      uint64        `json:"dequeue_errors"`
	FirstPTS           time.Duration `json:"first_pts"`
	LastPTS            time.Duration `json:"last_pts"`
	Duration           time.Duration `json:"duration"`
	FPSMean            float64       `json:"fps_mean"`
	JitterMean         float64       `json:"jitter_mean"` // seconds
	JitterMax          float64       `json:"jitter_max"`  // seconds
	IsStable           bool          `json:"is_stable"`
}

// counters is written by the drain goroutine and read by Stats callers.
type counters struct {
	mu    sync.Mutex
	s     Stats
	times []time.Duration
}

func (c *counters) written(pts time.Duration, size int, key bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.s.FramesWritten == 0 {
		c.s.FirstPTS = pts
	}
	c.s.FramesWritten++
	c.s.BytesWritten += uint64(size)
	if key {
		c.s.KeyFrames++
	}
	c.s.LastPTS = pts
	c.times = append(c.times, pts)
}

func (c *counters) add(field *uint64) {
	c.mu.Lock()
	*field++
	c.mu.Unlock()
}

func (c *counters) snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.s
	if s.FramesWritten > 0 {
		s.Duration = s.LastPTS - s.FirstPTS
	}
	s.FPSMean, s.JitterMean, s.JitterMax, s.IsStable = timing(c.times)
	return s
}

// timing derives mean frame rate and inter-frame jitter from presentation
// timestamps. Jitter is |actual interval - expected interval|.
func timing(pts []time.Duration) (fpsMean, jitterMean, jitterMax float64, stable bool) {
	n := len(pts)
	if n < 2 {
		return 0, 0, 0, false
	}

	span := (pts[n-1] - pts[0]).Seconds()
	if span <= 0 {
		return 0, 0, 0, false
	}
	fpsMean = float64(n-1) / span
	expected := 1.0 / fpsMean

	var sum float64
	for i := 1; i < n; i++ {
		j := math.Abs((pts[i] - pts[i-1]).Seconds() - expected)
		sum += j
		if j > jitterMax {
			jitterMax = j
		}
	}
	jitterMean = sum / float64(n-1)
	stable = jitterMean < jitterStabilityThreshold*expected
	return fpsMean, jitterMean, jitterMax, stable
}
