package gstreamer

import (
	"fmt"

	"github.com/e7canasta/orion-recorder/internal/colorprofile"
)

// GstVideoColorRange, GstVideoColorMatrix, GstVideoTransferFunction and
// GstVideoColorPrimaries values.
const (
	gstRangeFull    = 1
	gstRangeLimited = 2

	gstMatrixBT709  = 3
	gstMatrixBT601  = 4
	gstMatrixBT2020 = 6

	gstTransferGamma10   = 1
	gstTransferBT709     = 5
	gstTransferBT2020_10 = 13
	gstTransferSMPTE2084 = 14
	gstTransferHLG       = 15

	gstPrimariesBT709     = 1
	gstPrimariesSMPTE170M = 4
	gstPrimariesBT2020    = 7
)

// Colorimetry renders the encoder color tags as a GStreamer colorimetry
// string "range:matrix:transfer:primaries". Unknown tags map to 0.
func Colorimetry(std colorprofile.Standard, tr colorprofile.Transfer, rng colorprofile.Range) string {
	r := 0
	switch rng {
	case colorprofile.RangeFull:
		r = gstRangeFull
	case colorprofile.RangeLimited:
		r = gstRangeLimited
	}

	matrix, primaries := 0, 0
	switch std {
	case colorprofile.StandardBT709:
		matrix, primaries = gstMatrixBT709, gstPrimariesBT709
	case colorprofile.StandardBT601:
		matrix, primaries = gstMatrixBT601, gstPrimariesSMPTE170M
	case colorprofile.StandardBT2020:
		matrix, primaries = gstMatrixBT2020, gstPrimariesBT2020
	}

	transfer := 0
	switch tr {
	case colorprofile.TransferLinear:
		transfer = gstTransferGamma10
	case colorprofile.TransferSDR:
		transfer = gstTransferBT709
		if std == colorprofile.StandardBT2020 {
			transfer = gstTransferBT2020_10
		}
	case colorprofile.TransferST2084:
		transfer = gstTransferSMPTE2084
	case colorprofile.TransferHLG:
		transfer = gstTransferHLG
	}

	return fmt.Sprintf("%d:%d:%d:%d", r, matrix, transfer, primaries)
}
