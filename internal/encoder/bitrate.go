package encoder

// Bitrate tiers in bits per second at 30 fps, indexed by the largest
// resolution they cover.
var bitrateTiers = []struct {
	maxPixels int
	bitrate8  int
	bitrate10 int
}{
	{1280 * 720, 10_000_000, 15_000_000},
	{1920 * 1080, 20_000_000, 30_000_000},
	{3840 * 2160, 50_000_000, 80_000_000},
}

const (
	minBitrate = 1_000_000
	maxBitrate = 150_000_000
)

// Bitrate returns the target HEVC bitrate for a stream. 10-bit streams get a
// higher budget than 8-bit streams of the same tier; the tier value is scaled
// linearly by frameRate/30 and kept inside [1, 150] Mbps.
func Bitrate(width, height, frameRate, bitDepth int) int {
	pixels := width * height

	tier := bitrateTiers[len(bitrateTiers)-1]
	for _, t := range bitrateTiers {
		if pixels <= t.maxPixels {
			tier = t
			break
		}
	}

	base := tier.bitrate8
	if bitDepth >= 10 {
		base = tier.bitrate10
	}

	if frameRate <= 0 {
		frameRate = 30
	}
	rate := int(int64(base) * int64(frameRate) / 30)

	if rate < minBitrate {
		return minBitrate
	}
	if rate > maxBitrate {
		return maxBitrate
	}
	return rate
}
