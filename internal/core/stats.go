package core

import (
	"context"
	"time"

	"github.com/e7canasta/orion-recorder/internal/encoder"
)

const statsInterval = 10 * time.Second

// logStats logs encoder throughput while a recording is active and warns
// when writes or dequeues started failing during the last interval.
func (d *Daemon) logStats(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var prev encoder.Stats
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !d.recorder.Recording() {
				prev = encoder.Stats{}
				continue
			}
			stats := d.recorder.Stats()
			delta := statsDelta(prev, stats)
			prev = stats

			d.logger.Info("recording stats",
				"frames_written", stats.FramesWritten,
				"bytes_written", stats.BytesWritten,
				"fps_interval", float64(delta.FramesWritten)/interval.Seconds(),
				"duration", stats.Duration,
				"session", d.session.Stats(),
			)
			if delta.WriteErrors > 0 || delta.DequeueErrors > 0 {
				d.logger.Warn("encoder errors in last interval",
					"write_errors", delta.WriteErrors,
					"dequeue_errors", delta.DequeueErrors,
				)
			}
		}
	}
}

// statsDelta returns the counter increase from prev to next. A counter that
// went backwards belongs to a new recording and is taken as is.
func statsDelta(prev, next encoder.Stats) encoder.Stats {
	sub := func(a, b uint64) uint64 {
		if b < a {
			return b
		}
		return b - a
	}
	return encoder.Stats{
		FramesWritten: sub(prev.FramesWritten, next.FramesWritten),
		BytesWritten:  sub(prev.BytesWritten, next.BytesWritten),
		WriteErrors:   sub(prev.WriteErrors, next.WriteErrors),
		DequeueErrors: sub(prev.DequeueErrors, next.DequeueErrors),
	}
}
