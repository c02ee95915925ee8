package platform

import (
	"fmt"
	"time"

	"github.com/e7canasta/orion-recorder/internal/colorprofile"
)

// MIMEHEVC is the only video codec produced by the recorder.
const MIMEHEVC = "video/hevc"

// EncoderFormat configures an encoder.
type EncoderFormat struct {
	MIME           string
	Width          int
	Height         int
	FrameRate      int
	Bitrate        int // bits per second
	BitDepth       int // 8 or 10
	IFrameInterval int // seconds

	ColorStandard colorprofile.Standard
	ColorTransfer colorprofile.Transfer
	ColorRange    colorprofile.Range
}

// String summarizes the format for logs
func (f EncoderFormat) String() string {
	return fmt.Sprintf("%s %dx%d@%d %dbit %dkbps %s/%s/%s",
		f.MIME, f.Width, f.Height, f.FrameRate, f.BitDepth, f.Bitrate/1000,
		f.ColorStandard, f.ColorTransfer, f.ColorRange)
}

// OutputFormat is the format descriptor an encoder emits once, before its
// first data buffer. Muxers build their track from it.
type OutputFormat struct {
	MIME      string
	Width     int
	Height    int
	FrameRate int
	// CodecData holds the parameter sets (VPS/SPS/PPS) when known.
	CodecData []byte
	// Caps is the backend-specific stream description, if any.
	Caps string

	ColorStandard colorprofile.Standard
	ColorTransfer colorprofile.Transfer
	ColorRange    colorprofile.Range
}

// BufferFlag marks encoder output buffers.
type BufferFlag uint32

const (
	FlagKeyFrame BufferFlag = 1 << iota
	FlagCodecConfig
	FlagEndOfStream
)

// BufferInfo locates the valid bytes of an output buffer.
type BufferInfo struct {
	Offset             int
	Size               int
	PresentationTimeUs int64
	Flags              BufferFlag
}

// Has reports whether f is set.
func (i BufferInfo) Has(f BufferFlag) bool { return i.Flags&f != 0 }

// Presentation returns the timestamp as a duration.
func (i BufferInfo) Presentation() time.Duration {
	return time.Duration(i.PresentationTimeUs) * time.Microsecond
}

// OutputKind classifies the result of Encoder.DequeueOutput.
type OutputKind int

const (
	// OutputTryAgain means no output was ready within the timeout
	OutputTryAgain OutputKind = iota
	// OutputFormatChanged carries the encoder's output format
	OutputFormatChanged
	// OutputBuffer carries an encoded buffer that must be released
	OutputBuffer
)

// String returns the kind name
func (k OutputKind) String() string {
	switch k {
	case OutputFormatChanged:
		return "format_changed"
	case OutputBuffer:
		return "buffer"
	default:
		return "try_again"
	}
}

// Output is one dequeue result.
type Output struct {
	Kind   OutputKind
	Index  int // valid for OutputBuffer
	Info   BufferInfo
	Data   []byte // the whole buffer; Info selects the valid range
	Format OutputFormat
}

// Encoder is a hardware video encoder fed through an input surface.
//
// Every buffer returned by DequeueOutput must be released exactly once with
// ReleaseOutput.
type Encoder interface {
	Configure(format EncoderFormat) error
	CreateInputSurface() (Surface, error)
	Start() error
	DequeueOutput(timeout time.Duration) (Output, error)
	ReleaseOutput(index int) error
	SignalEndOfInputStream() error
	Stop() error
	// Release frees the encoder. Safe to call more than once.
	Release()
}

// EncoderProvider creates encoders by MIME type.
type EncoderProvider interface {
	NewEncoder(mime string) (Encoder, error)
}

// Muxer writes encoded samples into a container file.
type Muxer interface {
	AddTrack(format OutputFormat) (int, error)
	Start() error
	WriteSample(track int, data []byte, info BufferInfo) error
	Stop() error
	// Release frees the muxer. Safe to call more than once.
	Release()
}

// MuxerProvider creates a muxer bound to a destination path.
type MuxerProvider interface {
	NewMuxer(path string) (Muxer, error)
}
