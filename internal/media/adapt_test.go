package media

import (
	"testing"

	"github.com/dkeye/peershare/internal/quality"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectConstraintsTiers(t *testing.T) {
	cfg := DefaultFPSConfig()

	low := DirectConstraints(0.2, 30, cfg)
	assert.Equal(t, IntRange{Ideal: 640, Max: 1920}, low.Width)
	assert.Equal(t, IntRange{Ideal: 480, Max: 1080}, low.Height)
	assert.Equal(t, IntRange{Ideal: 15, Max: 60}, low.FrameRate)

	mid := DirectConstraints(0.5, 24, cfg)
	assert.Equal(t, 960, mid.Width.Ideal)
	assert.Equal(t, 540, mid.Height.Ideal)
	assert.Equal(t, 24, mid.FrameRate.Ideal, "target below the level is kept")

	full := DirectConstraints(0.9, 45, cfg)
	assert.Equal(t, IntRange{Ideal: 1280, Max: 1920}, full.Width)
	assert.Equal(t, IntRange{Ideal: 720, Max: 1080}, full.Height)
	assert.Equal(t, 45, full.FrameRate.Ideal)
}

func TestRecommend(t *testing.T) {
	levels := DefaultFPSConfig().Levels
	tests := []struct {
		score float64
		want  Recommendation
	}{
		{0.1, Recommendation{Tier: TierLow, Resolution: Resolution{640, 480}, FPS: 15}},
		{0.3, Recommendation{Tier: TierMedium, Resolution: Resolution{960, 540}, FPS: 30}},
		{0.69, Recommendation{Tier: TierMedium, Resolution: Resolution{960, 540}, FPS: 30}},
		{0.7, Recommendation{Tier: TierHigh, Resolution: Resolution{1280, 720}, FPS: 60}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Recommend(tt.score, levels), "score %v", tt.score)
	}
}

func TestClassifyScreen(t *testing.T) {
	levels := DefaultFPSConfig().Levels

	poor := quality.Sample{Score: 0.25, Outbound: quality.Direction{Bandwidth: 400, PacketLoss: 6}}
	got := ClassifyScreen(poor, levels)
	assert.Equal(t, TierLow, got.Tier)
	assert.Equal(t, Resolution{854, 480}, got.Resolution)
	assert.Equal(t, 15, got.FPS)
	assert.Equal(t, "Poor network (score: 0.25, bandwidth: 400kbps, loss: 6.0%) → 480p", got.Reason)

	// a good score does not hide a weak uplink
	medium := quality.Sample{Score: 0.9, Outbound: quality.Direction{Bandwidth: 1000}}
	got = ClassifyScreen(medium, levels)
	assert.Equal(t, TierMedium, got.Tier)
	assert.Equal(t, Resolution{1280, 720}, got.Resolution)
	assert.Contains(t, got.Reason, "→ 720p")

	jittery := quality.Sample{Score: 0.9, Outbound: quality.Direction{Bandwidth: 3000, Jitter: 60}}
	assert.Equal(t, TierLow, ClassifyScreen(jittery, levels).Tier)

	good := quality.Sample{Score: 0.9, Outbound: quality.Direction{Bandwidth: 3000, PacketLoss: 1, Jitter: 10}}
	got = ClassifyScreen(good, levels)
	assert.Equal(t, TierHigh, got.Tier)
	assert.Equal(t, Resolution{1920, 1080}, got.Resolution)
	assert.Equal(t, 60, got.FPS)
	assert.Equal(t, "Good network (score: 0.90, bandwidth: 3000kbps, loss: 1.0%) → 1080p", got.Reason)
}

func TestFPSConfigValidate(t *testing.T) {
	require.NoError(t, DefaultFPSConfig().Validate())

	bad := DefaultFPSConfig()
	bad.Default = 90
	assert.ErrorIs(t, bad.Validate(), ErrInvalidFPSConfig)

	bad = DefaultFPSConfig()
	bad.Min = 0
	assert.ErrorIs(t, bad.Validate(), ErrInvalidFPSConfig)

	bad = DefaultFPSConfig()
	bad.Levels.Medium = 0
	assert.ErrorIs(t, bad.Validate(), ErrInvalidFPSConfig)
}
