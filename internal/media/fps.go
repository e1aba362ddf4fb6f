package media

import (
	"fmt"
	"time"
)

type FPSLevels struct {
	Low    int `mapstructure:"low" json:"low"`
	Medium int `mapstructure:"medium" json:"medium"`
	High   int `mapstructure:"high" json:"high"`
}

type FPSConfig struct {
	Min      int       `mapstructure:"min" json:"min"`
	Max      int       `mapstructure:"max" json:"max"`
	Default  int       `mapstructure:"default" json:"default"`
	Adaptive bool      `mapstructure:"adaptive" json:"adaptive"`
	Levels   FPSLevels `mapstructure:"levels" json:"qualityLevels"`
}

func DefaultFPSConfig() FPSConfig {
	return FPSConfig{
		Min:      15,
		Max:      60,
		Default:  30,
		Adaptive: true,
		Levels:   FPSLevels{Low: 15, Medium: 30, High: 60},
	}
}

func (c FPSConfig) Validate() error {
	if c.Min <= 0 || c.Min > c.Default || c.Default > c.Max {
		return fmt.Errorf("%w: need 0 < min <= default <= max, got %d/%d/%d", ErrInvalidFPSConfig, c.Min, c.Default, c.Max)
	}
	if c.Levels.Low <= 0 || c.Levels.Medium <= 0 || c.Levels.High <= 0 {
		return fmt.Errorf("%w: quality levels must be positive", ErrInvalidFPSConfig)
	}
	return nil
}

type Config struct {
	AdaptInterval time.Duration `mapstructure:"adapt_interval"`
	FPS           FPSConfig     `mapstructure:"fps"`
	// MaxSurface caps the screen-share raster. Zero means no cap.
	MaxSurface Resolution `mapstructure:"max_surface"`
}

func DefaultConfig() Config {
	return Config{AdaptInterval: 5 * time.Second, FPS: DefaultFPSConfig()}
}
