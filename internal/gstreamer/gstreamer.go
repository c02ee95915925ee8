// Package gstreamer implements the platform camera, encoder and muxer
// contracts on GStreamer.
//
// Capture session:
//
//	v4l2src → capsfilter → tee ─┬→ queue → videoconvert → <preview sink>
//	                            └→ queue → intervideosink(channel)
//
// Encoder (one pipeline per recording, fed by the intervideo channel the
// session targets):
//
//	intervideosrc(channel) → videoconvert → capsfilter(format, colorimetry) →
//	vaapih265enc | x265enc → h265parse → appsink
//
// Muxer:
//
//	appsrc → mp4mux → filesink
//
// Every platform callback fires from a goroutine owned by this package,
// never from inside the call that triggered it.
package gstreamer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tinyzimmer/go-gst/gst"
)

// HardwareAccel selects the encoder implementation.
type HardwareAccel int

const (
	// AccelAuto tries VAAPI first and falls back to software
	AccelAuto HardwareAccel = iota
	// AccelVAAPI requires VAAPI
	AccelVAAPI
	// AccelSoftware forces x265
	AccelSoftware
)

// String returns a human-readable acceleration mode
func (a HardwareAccel) String() string {
	switch a {
	case AccelVAAPI:
		return "vaapi"
	case AccelSoftware:
		return "software"
	default:
		return "auto"
	}
}

// ParseAccel parses "auto", "vaapi" or "software".
func ParseAccel(s string) (HardwareAccel, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return AccelAuto, nil
	case "vaapi":
		return AccelVAAPI, nil
	case "software":
		return AccelSoftware, nil
	default:
		return AccelAuto, fmt.Errorf("gstreamer: unknown acceleration %q", s)
	}
}

var initOnce sync.Once

// Init initializes GStreamer once per process.
func Init() {
	initOnce.Do(func() { gst.Init(nil) })
}

// CheckAvailable verifies the elements every pipeline needs exist.
func CheckAvailable() error {
	Init()
	for _, name := range []string{"v4l2src", "tee", "intervideosink", "intervideosrc", "h265parse", "mp4mux", "appsrc", "appsink"} {
		if _, err := gst.NewElement(name); err != nil {
			return fmt.Errorf("gstreamer: element %s not available: %w", name, err)
		}
	}
	return nil
}

// encoderCandidates returns encoder factories in preference order.
func encoderCandidates(accel HardwareAccel) []string {
	switch accel {
	case AccelVAAPI:
		return []string{"vaapih265enc"}
	case AccelSoftware:
		return []string{"x265enc"}
	default:
		return []string{"vaapih265enc", "x265enc"}
	}
}

// rawFormat is the raw video format fed to encoder for bitDepth.
func rawFormat(factory string, bitDepth int) string {
	if bitDepth >= 10 {
		if factory == "x265enc" {
			return "I420_10LE"
		}
		return "P010_10LE"
	}
	if factory == "x265enc" {
		return "I420"
	}
	return "NV12"
}

// captureCaps describes the raw stream requested from the device.
func captureCaps(width, height, fps int) string {
	return fmt.Sprintf("video/x-raw,width=%d,height=%d,framerate=%d/1", width, height, fps)
}

// makeElements creates the named factories; the first failure aborts.
func makeElements(factories ...string) ([]*gst.Element, error) {
	out := make([]*gst.Element, 0, len(factories))
	for _, f := range factories {
		e, err := gst.NewElement(f)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", f, err)
		}
		out = append(out, e)
	}
	return out, nil
}
