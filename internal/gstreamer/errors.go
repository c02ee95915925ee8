package gstreamer

import (
	"fmt"
	"strings"

	"github.com/tinyzimmer/go-gst/gst"
)

// ErrorCategory classifies pipeline errors.
type ErrorCategory int

const (
	// ErrCategoryDevice indicates the capture device went away or is unusable
	ErrCategoryDevice ErrorCategory = iota
	// ErrCategoryCodec indicates caps negotiation or encoder failures
	ErrCategoryCodec
	// ErrCategoryResource indicates file or memory failures
	ErrCategoryResource
	// ErrCategoryUnknown indicates unclassified errors
	ErrCategoryUnknown
)

// String returns a human-readable string representation of the error category
func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryDevice:
		return "device"
	case ErrCategoryCodec:
		return "codec"
	case ErrCategoryResource:
		return "resource"
	default:
		return "unknown"
	}
}

var (
	deviceKeywords = []string{
		"no such device",
		"no such file",
		"device or resource busy",
		"disconnected",
		"/dev/video",
		"could not read from resource",
		"failed to allocate required memory",
		"cannot identify device",
	}
	codecKeywords = []string{
		"not negotiated",
		"not-negotiated",
		"negotiation",
		"caps",
		"codec",
		"encode",
		"h265",
		"hevc",
		"vaapi",
		"x265",
		"format",
		"missing plugin",
	}
	resourceKeywords = []string{
		"could not open file",
		"could not write",
		"no space left",
		"permission denied",
		"out of memory",
		"filesink",
	}
)

// Classify categorizes a pipeline error by its message and debug string.
// Device keywords win over codec keywords; go-gst does not expose the
// GError domain, so matching is by text.
func Classify(msg, debug string) ErrorCategory {
	combined := strings.ToLower(msg + " " + debug)
	switch {
	case containsAny(combined, deviceKeywords):
		return ErrCategoryDevice
	case containsAny(combined, resourceKeywords):
		return ErrCategoryResource
	case containsAny(combined, codecKeywords):
		return ErrCategoryCodec
	default:
		return ErrCategoryUnknown
	}
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

// PipelineError is an error posted on a pipeline bus.
type PipelineError struct {
	Category ErrorCategory
	Message  string
	Debug    string
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline error [%s]: %s", e.Category, e.Message)
}

func newPipelineError(gerr *gst.GError) *PipelineError {
	if gerr == nil {
		return &PipelineError{Category: ErrCategoryUnknown, Message: "unknown error"}
	}
	return &PipelineError{
		Category: Classify(gerr.Error(), gerr.DebugString()),
		Message:  gerr.Error(),
		Debug:    gerr.DebugString(),
	}
}
