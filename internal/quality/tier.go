// Package quality keeps a call watchable under varying network conditions
// by mapping sampled connection statistics to discrete video tiers.
package quality

import "fmt"

// Tier is a discrete, ordered video quality level.
type Tier int

const (
	TierLow Tier = iota
	TierMedium
	TierHigh
	TierUltra
)

// String returns the lowercase tier name.
func (t Tier) String() string {
	switch t {
	case TierLow:
		return "low"
	case TierMedium:
		return "medium"
	case TierHigh:
		return "high"
	case TierUltra:
		return "ultra"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// ParseTier converts a tier name back to a Tier.
func ParseTier(s string) (Tier, error) {
	switch s {
	case "low":
		return TierLow, nil
	case "medium":
		return TierMedium, nil
	case "high":
		return TierHigh, nil
	case "ultra":
		return TierUltra, nil
	}
	return TierLow, fmt.Errorf("unknown quality tier %q", s)
}

// Profile is the capture/encoder configuration a tier maps to.
type Profile struct {
	Width      int
	Height     int
	FrameRate  int
	MaxBitrate int // bps, outgoing encoder cap
}

// Profile returns the capture constraints and encoder cap for the tier.
func (t Tier) Profile() Profile {
	switch t {
	case TierLow:
		return Profile{Width: 320, Height: 240, FrameRate: 15, MaxBitrate: 150_000}
	case TierMedium:
		return Profile{Width: 640, Height: 480, FrameRate: 24, MaxBitrate: 500_000}
	case TierHigh:
		return Profile{Width: 1280, Height: 720, FrameRate: 30, MaxBitrate: 1_200_000}
	case TierUltra:
		return Profile{Width: 1920, Height: 1080, FrameRate: 30, MaxBitrate: 2_500_000}
	default:
		return TierMedium.Profile()
	}
}

// Selection thresholds. Most restrictive condition wins; the loss checks
// run before the bandwidth upgrades so rising loss can never raise the tier.
const (
	severeLoss   = 0.05 // >5% loss forces low
	moderateLoss = 0.02 // >2% loss caps at medium

	lowBandwidth    = 300_000   // <300 kbps forces low
	mediumBandwidth = 800_000   // <800 kbps caps at medium
	highBandwidth   = 1_500_000 // >1.5 Mbps allows high
	ultraBandwidth  = 3_000_000 // >3 Mbps allows ultra
)

// SelectTier is a pure function of (packetLoss, bandwidth) plus the current
// tier. packetLoss is a fraction in [0, 1]; bandwidthBps is the estimated
// available outgoing bandwidth. It returns current when no condition
// matches, making re-application a no-op.
func SelectTier(packetLoss, bandwidthBps float64, current Tier) Tier {
	switch {
	case packetLoss > severeLoss || bandwidthBps < lowBandwidth:
		return TierLow
	case packetLoss > moderateLoss || bandwidthBps < mediumBandwidth:
		return TierMedium
	case bandwidthBps > ultraBandwidth:
		return TierUltra
	case bandwidthBps > highBandwidth:
		return TierHigh
	default:
		return current
	}
}
