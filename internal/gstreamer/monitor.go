package gstreamer

import (
	"context"
	"log/slog"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
)

const busPollInterval = 50 * time.Millisecond

// busHandlers receive bus messages of one pipeline. Nil handlers are skipped.
type busHandlers struct {
	onPlaying func()
	onError   func(*PipelineError)
	onEOS     func()
}

// monitorBus polls the pipeline bus until ctx is cancelled, an error is
// posted or EOS arrives.
func monitorBus(ctx context.Context, pipeline *gst.Pipeline, name string, h busHandlers, logger *slog.Logger) {
	bus := pipeline.GetPipelineBus()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("gstreamer: context cancelled, stopping bus monitor", "pipeline", name)
			return
		default:
		}

		msg := bus.TimedPop(busPollInterval)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			logger.Debug("gstreamer: end of stream", "pipeline", name)
			if h.onEOS != nil {
				h.onEOS()
			}
			return

		case gst.MessageError:
			perr := newPipelineError(msg.ParseError())
			logger.Error("gstreamer: pipeline error",
				"pipeline", name,
				"error", perr.Message,
				"debug", perr.Debug,
				"category", perr.Category.String(),
			)
			if h.onError != nil {
				h.onError(perr)
			}
			return

		case gst.MessageWarning:
			gerr := msg.ParseWarning()
			if gerr != nil {
				logger.Warn("gstreamer: pipeline warning", "pipeline", name, "warning", gerr.Error())
			}

		case gst.MessageStateChanged:
			if msg.Source() != pipeline.GetName() {
				continue
			}
			old, next := msg.ParseStateChanged()
			logger.Debug("gstreamer: pipeline state changed", "pipeline", name, "from", old, "to", next)
			if next == gst.StatePlaying && h.onPlaying != nil {
				h.onPlaying()
			}
		}
	}
}
