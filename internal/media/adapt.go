package media

import (
	"fmt"
	"time"

	"github.com/dkeye/peershare/internal/quality"
)

type Tier string

const (
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

const (
	lowScore    = 0.3
	mediumScore = 0.7

	// screen-share debounce
	adaptScoreDelta = 0.1
	adaptMinGap     = 10 * time.Second
	adaptHistory    = 10
)

var (
	ResolutionLow    = Resolution{Width: 640, Height: 480}
	ResolutionMedium = Resolution{Width: 960, Height: 540}
	ResolutionHigh   = Resolution{Width: 1280, Height: 720}
	ResolutionMax    = Resolution{Width: 1920, Height: 1080}

	ScreenLow    = Resolution{Width: 854, Height: 480}
	ScreenMedium = Resolution{Width: 1280, Height: 720}
	ScreenHigh   = Resolution{Width: 1920, Height: 1080}
)

type Recommendation struct {
	Tier       Tier       `json:"qualityLevel"`
	Resolution Resolution `json:"recommendedResolution"`
	FPS        int        `json:"recommendedFPS"`
}

// Adaptation records one applied screen-share change.
type Adaptation struct {
	Timestamp  time.Time  `json:"timestamp"`
	Resolution Resolution `json:"resolution"`
	FPS        int        `json:"fps"`
	Reason     string     `json:"reason"`
}

// DirectConstraints derives camera constraints from a quality score and
// the current target fps.
func DirectConstraints(score float64, fps int, cfg FPSConfig) VideoConstraints {
	vc := VideoConstraints{
		Width:     IntRange{Ideal: ResolutionHigh.Width, Max: ResolutionMax.Width},
		Height:    IntRange{Ideal: ResolutionHigh.Height, Max: ResolutionMax.Height},
		FrameRate: IntRange{Ideal: fps, Max: cfg.Max},
	}
	switch {
	case score < lowScore:
		vc.Width.Ideal, vc.Height.Ideal = ResolutionLow.Width, ResolutionLow.Height
		vc.FrameRate.Ideal = min(fps, cfg.Levels.Low)
	case score < mediumScore:
		vc.Width.Ideal, vc.Height.Ideal = ResolutionMedium.Width, ResolutionMedium.Height
		vc.FrameRate.Ideal = min(fps, cfg.Levels.Medium)
	}
	return vc
}

func Recommend(score float64, levels FPSLevels) Recommendation {
	switch {
	case score < lowScore:
		return Recommendation{Tier: TierLow, Resolution: ResolutionLow, FPS: levels.Low}
	case score < mediumScore:
		return Recommendation{Tier: TierMedium, Resolution: ResolutionMedium, FPS: levels.Medium}
	}
	return Recommendation{Tier: TierHigh, Resolution: ResolutionHigh, FPS: levels.High}
}

// AdaptiveFrameRate is the screen-share output rate for a score.
func AdaptiveFrameRate(score float64, levels FPSLevels) int {
	return Recommend(score, levels).FPS
}

type ScreenSettings struct {
	Tier       Tier
	Resolution Resolution
	FPS        int
	Reason     string
}

// ClassifyScreen picks screen-share output settings from the overall score
// and the outbound direction, since screen sharing is send-heavy.
func ClassifyScreen(s quality.Sample, levels FPSLevels) ScreenSettings {
	bw, loss, jitter := s.Outbound.Bandwidth, s.Outbound.PacketLoss, s.Outbound.Jitter

	var out ScreenSettings
	var label string
	switch {
	case s.Score < lowScore || bw < 500 || loss > 5 || jitter > 50:
		out = ScreenSettings{Tier: TierLow, Resolution: ScreenLow, FPS: levels.Low}
		label = "Poor"
	case s.Score < mediumScore || bw < 1500 || loss > 2 || jitter > 25:
		out = ScreenSettings{Tier: TierMedium, Resolution: ScreenMedium, FPS: levels.Medium}
		label = "Medium"
	default:
		out = ScreenSettings{Tier: TierHigh, Resolution: ScreenHigh, FPS: levels.High}
		label = "Good"
	}
	out.Reason = fmt.Sprintf("%s network (score: %.2f, bandwidth: %.0fkbps, loss: %.1f%%) → %s",
		label, s.Score, bw, loss, out.Resolution.Label())
	return out
}
