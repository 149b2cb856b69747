package protocol

import (
	"errors"
	"fmt"
)

// ErrInvalidDisplayConfig is returned by DisplayConfig.Validate.
var ErrInvalidDisplayConfig = errors.New("invalid display config")

// DefaultDisplayConfig returns the display flags a host starts with.
func DefaultDisplayConfig() DisplayConfig {
	return DisplayConfig{
		Fps:         10,
		RenderScale: 50,
		ShowGrid:    true,
		ShowStats:   true,
	}
}

// Validate checks the flags are in range: fps in [1,120], render scale in [10,200].
func (cfg DisplayConfig) Validate() error {
	if cfg.Fps < 1 || cfg.Fps > 120 {
		return fmt.Errorf("%w: fps %d not in [1,120]", ErrInvalidDisplayConfig, cfg.Fps)
	}
	if cfg.RenderScale < 10 || cfg.RenderScale > 200 {
		return fmt.Errorf("%w: render scale %d not in [10,200]", ErrInvalidDisplayConfig, cfg.RenderScale)
	}
	return nil
}
