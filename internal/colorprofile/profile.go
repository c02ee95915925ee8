// Package colorprofile holds the fixed catalog of color profiles: a tone
// curve applied by the capture pipeline plus the color metadata (standard,
// transfer, range) written into the encoded stream.
package colorprofile

import (
	"fmt"
	"strings"
)

// Standard is the encoder color-primaries tag.
//
// Numeric values follow the container/codec metadata convention used by
// hardware encoders (BT.709 = 1, BT.2020 = 6) so they can be written as-is.
type Standard int

const (
	StandardBT709  Standard = 1
	StandardBT601  Standard = 2
	StandardBT2020 Standard = 6
)

// String returns the colorimetry name
func (s Standard) String() string {
	switch s {
	case StandardBT709:
		return "bt709"
	case StandardBT601:
		return "bt601"
	case StandardBT2020:
		return "bt2020"
	default:
		return "unknown"
	}
}

// Transfer is the encoder transfer-characteristics tag.
type Transfer int

const (
	TransferLinear Transfer = 1
	TransferSDR    Transfer = 3
	TransferST2084 Transfer = 6
	TransferHLG    Transfer = 7
)

// String returns the transfer name
func (t Transfer) String() string {
	switch t {
	case TransferLinear:
		return "linear"
	case TransferSDR:
		return "sdr"
	case TransferST2084:
		return "st2084"
	case TransferHLG:
		return "hlg"
	default:
		return "unknown"
	}
}

// Range is the encoder quantization-range tag.
type Range int

const (
	RangeFull    Range = 1
	RangeLimited Range = 2
)

// String returns the range name
func (r Range) String() string {
	if r == RangeFull {
		return "full"
	}
	return "limited"
}

// Profile is one immutable catalog entry.
type Profile struct {
	ID              int
	Name            string
	ToneCurve       ToneCurve
	EncoderStandard Standard
	EncoderTransfer Transfer
	EncoderRange    Range
}

// IsHDR reports whether the profile carries an HDR transfer function.
func (p Profile) IsHDR() bool {
	return p.EncoderTransfer == TransferHLG || p.EncoderTransfer == TransferST2084
}

// Catalog ids.
const (
	IDFast = iota
	IDHighQuality
	IDFlat
	IDGamma22
	IDRec709
	IDRec2020HLG
)

// DefaultID is returned by lookups that miss.
const DefaultID = IDHighQuality

// hlgPoints is the number of control points of the HLG approximation.
const hlgPoints = 32

// Catalog is the fixed set of profiles built once at startup.
type Catalog struct {
	profiles []Profile
	byName   map[string]int
}

// NewCatalog builds the six-entry catalog.
func NewCatalog() (*Catalog, error) {
	gamma22, err := Gamma(2.2)
	if err != nil {
		return nil, err
	}

	hlgPts, err := HLGCurve(hlgPoints)
	if err != nil {
		return nil, err
	}
	hlg, err := ControlPoints(hlgPts)
	if err != nil {
		return nil, fmt.Errorf("colorprofile: HLG curve: %w", err)
	}

	profiles := []Profile{
		{IDFast, "Fast", PresetCurve(PresetFast), StandardBT709, TransferSDR, RangeLimited},
		{IDHighQuality, "HighQuality", PresetCurve(PresetHighQuality), StandardBT709, TransferSDR, RangeLimited},
		{IDFlat, "Flat", Linear(), StandardBT709, TransferSDR, RangeFull},
		{IDGamma22, "Gamma2.2", gamma22, StandardBT709, TransferSDR, RangeLimited},
		{IDRec709, "Rec.709", PresetCurve(PresetRec709), StandardBT709, TransferSDR, RangeLimited},
		{IDRec2020HLG, "Rec.2020-HLG", hlg, StandardBT2020, TransferHLG, RangeLimited},
	}

	c := &Catalog{profiles: profiles, byName: make(map[string]int, len(profiles))}
	for i, p := range profiles {
		c.byName[normalizeName(p.Name)] = i
	}
	return c, nil
}

// MustCatalog is NewCatalog for package-level initialization; the catalog is
// constant so a failure is a programming error.
func MustCatalog() *Catalog {
	c, err := NewCatalog()
	if err != nil {
		panic(err)
	}
	return c
}

// All returns a copy of every profile in id order.
func (c *Catalog) All() []Profile {
	out := make([]Profile, len(c.profiles))
	copy(out, c.profiles)
	return out
}

// Default returns the profile used when a lookup misses.
func (c *Catalog) Default() Profile {
	return c.profiles[DefaultID]
}

// GetByID returns the profile with id, or Default() when unknown.
func (c *Catalog) GetByID(id int) Profile {
	if id < 0 || id >= len(c.profiles) {
		return c.Default()
	}
	return c.profiles[id]
}

// GetByName looks up a profile case-insensitively, ignoring separators
// ("rec709", "Rec.709" and "REC-709" all match). Unknown names return
// Default() rather than failing.
func (c *Catalog) GetByName(name string) Profile {
	p, _ := c.Lookup(name)
	return p
}

// Lookup is GetByName that also reports whether the name matched.
func (c *Catalog) Lookup(name string) (Profile, bool) {
	if i, ok := c.byName[normalizeName(name)]; ok {
		return c.profiles[i], true
	}
	return c.Default(), false
}

func normalizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if r == '.' || r == '-' || r == '_' || r == ' ' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
