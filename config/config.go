// config layers application configuration: defaults, then an optional yaml file,
// then PACVIEW_* environment variables, which may come from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"pacview/ingress"
	"pacview/protocol"
	"pacview/reconstruct"
	"pacview/render"
	"pacview/transport"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. PACVIEW_VIEWER_URL.
const EnvPrefix = "PACVIEW"

var ErrInvalid = errors.New("invalid config")

// Config is the whole application config. Mode selects which halves run.
type Config struct {
	Mode   string       `mapstructure:"mode"`
	Debug  bool         `mapstructure:"debug"`
	Host   HostConfig   `mapstructure:"host"`
	Viewer ViewerConfig `mapstructure:"viewer"`
}

// Process modes.
const (
	ModeHost   = "host"
	ModeViewer = "viewer"
	ModeBoth   = "both"
)

type HostConfig struct {
	Addr string `mapstructure:"addr"`
	// Game is the path of a simulation kind/def yaml; empty uses the built-in defaults.
	Game            string                 `mapstructure:"game"`
	MetricsInterval time.Duration          `mapstructure:"metricsInterval"`
	Display         protocol.DisplayConfig `mapstructure:"display"`
}

type ViewerConfig struct {
	URL       string  `mapstructure:"url"`
	TargetFps int     `mapstructure:"targetFps"`
	Speed     float64 `mapstructure:"speed"`
	// RenderDelay is how far behind now frames are reconstructed.
	RenderDelay time.Duration `mapstructure:"renderDelay"`
	// Capacity is the ingress buffer size in snapshots.
	Capacity             int           `mapstructure:"capacity"`
	Interpolation        bool          `mapstructure:"interpolation"`
	Prediction           bool          `mapstructure:"prediction"`
	PredictionHorizon    time.Duration `mapstructure:"predictionHorizon"`
	Consume              string        `mapstructure:"consume"`
	Workers              int           `mapstructure:"workers"`
	WorkerTimeout        time.Duration `mapstructure:"workerTimeout"`
	BaseDelay            time.Duration `mapstructure:"baseDelay"`
	MaxJitter            time.Duration `mapstructure:"maxJitter"`
	MaxReconnectAttempts int           `mapstructure:"maxReconnectAttempts"`
	ProbeInterval        time.Duration `mapstructure:"probeInterval"`
	// Plain disables ANSI color and screen clearing.
	Plain bool `mapstructure:"plain"`
}

// Buffer consumption modes, see reconstruct.Mode.
const (
	ConsumeInterpolate = "interpolate"
	ConsumeLatest      = "latest"
	ConsumeSequential  = "sequential"
)

// ReconstructMode maps Consume to the reconstructor's mode.
func (cfg ViewerConfig) ReconstructMode() reconstruct.Mode {
	switch cfg.Consume {
	case ConsumeLatest:
		return reconstruct.ModeLatest
	case ConsumeSequential:
		return reconstruct.ModeSequential
	}
	return reconstruct.ModeInterpolate
}

func setDefaults(vp *viper.Viper) {
	display := protocol.DefaultDisplayConfig()

	vp.SetDefault("mode", ModeBoth)
	vp.SetDefault("debug", false)

	vp.SetDefault("host.addr", ":8080")
	vp.SetDefault("host.game", "")
	vp.SetDefault("host.metricsInterval", time.Second)
	vp.SetDefault("host.display.fps", display.Fps)
	vp.SetDefault("host.display.renderScale", display.RenderScale)
	vp.SetDefault("host.display.showGrid", display.ShowGrid)
	vp.SetDefault("host.display.showStats", display.ShowStats)
	vp.SetDefault("host.display.highlightPath", display.HighlightPath)

	vp.SetDefault("viewer.url", "ws://localhost:8080/ws")
	vp.SetDefault("viewer.targetFps", render.DefaultTargetFps)
	vp.SetDefault("viewer.speed", 1.0)
	vp.SetDefault("viewer.renderDelay", 100*time.Millisecond)
	vp.SetDefault("viewer.capacity", ingress.DefaultCapacity)
	vp.SetDefault("viewer.interpolation", true)
	vp.SetDefault("viewer.prediction", true)
	vp.SetDefault("viewer.predictionHorizon", reconstruct.DefaultPredictionHorizon)
	vp.SetDefault("viewer.consume", ConsumeInterpolate)
	vp.SetDefault("viewer.workers", 0)
	vp.SetDefault("viewer.workerTimeout", 5*time.Millisecond)
	vp.SetDefault("viewer.baseDelay", transport.DefaultBaseDelay)
	vp.SetDefault("viewer.maxJitter", transport.DefaultMaxJitter)
	vp.SetDefault("viewer.maxReconnectAttempts", transport.DefaultMaxReconnectAttempts)
	vp.SetDefault("viewer.probeInterval", transport.DefaultProbeInterval)
	vp.SetDefault("viewer.plain", false)
}

// Load reads the layered config. Both envFile and path are optional: a missing .env is
// ignored, and an empty path skips the yaml layer.
func Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	vp := viper.New()
	setDefaults(vp)
	vp.SetEnvPrefix(EnvPrefix)
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	if path != "" {
		vp.SetConfigFile(path)
		vp.SetConfigType("yaml")
		if err := vp.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := vp.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) Validate() error {
	switch cfg.Mode {
	case ModeHost, ModeViewer, ModeBoth:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalid, cfg.Mode)
	}
	if err := cfg.Host.Display.Validate(); err != nil {
		return fmt.Errorf("%w: host display: %v", ErrInvalid, err)
	}
	v := cfg.Viewer
	switch v.Consume {
	case ConsumeInterpolate, ConsumeLatest, ConsumeSequential:
	default:
		return fmt.Errorf("%w: unknown consume mode %q", ErrInvalid, v.Consume)
	}
	if v.TargetFps < 1 || v.TargetFps > 240 {
		return fmt.Errorf("%w: viewer targetFps %d not in [1,240]", ErrInvalid, v.TargetFps)
	}
	if v.Speed <= 0 {
		return fmt.Errorf("%w: viewer speed must be positive", ErrInvalid)
	}
	if v.RenderDelay < 0 {
		return fmt.Errorf("%w: viewer renderDelay must not be negative", ErrInvalid)
	}
	if v.Capacity < 2 {
		return fmt.Errorf("%w: viewer capacity must be at least 2", ErrInvalid)
	}
	if v.MaxReconnectAttempts < 1 {
		return fmt.Errorf("%w: viewer maxReconnectAttempts must be positive", ErrInvalid)
	}
	return nil
}
