package simulation

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"pacview/models"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Ghost behaviors.
const (
	GhostRandom  = "random"
	GhostChase   = "chase"
	GhostScatter = "scatter"
)

var ErrInvalidConfig = errors.New("invalid game config")

type OuterConfig struct {
	Kind string      `mapstructure:"kind"`
	Def  interface{} `mapstructure:"def"`
}

// GameConfig holds the environment and stepping parameters of the simulation host.
// Tags are lowercase since viper folds the keys of the def before it is re-marshalled.
type GameConfig struct {
	// Maze selects a built-in layout: "debug" or "full". Layout overrides it.
	Maze          string   `yaml:"maze"`
	Layout        []string `yaml:"layout"`
	NumGhosts     int      `yaml:"numghosts"`
	GhostBehavior string   `yaml:"ghostbehavior"`
	Lives         int      `yaml:"lives"`
	MaxSteps      int      `yaml:"maxsteps"`
	PowerDuration int      `yaml:"powerduration"`
	// PelletDensity is the fraction of free cells that start with a dot.
	PelletDensity  float64 `yaml:"pelletdensity"`
	StepsPerSecond float64 `yaml:"stepspersecond"`
	// Jitter delays each step by a random extra in [0, Jitter), to exercise irregular arrival.
	Jitter time.Duration `yaml:"jitter"`
	// Duration bounds the whole run, e.g. "10m". Empty runs until cancelled.
	Duration string `yaml:"duration"`
	// HyperParams is a key-val pair of param names and their value.
	HyperParams []HyperParameter `yaml:"hyperparams"`
}

type HyperParameter struct {
	Key string  `yaml:"key"`
	Val float64 `yaml:"val"`
}

// DefaultGameConfig returns the parameters used when no config file is given.
func DefaultGameConfig() *GameConfig {
	return &GameConfig{
		Maze:           "full",
		NumGhosts:      2,
		GhostBehavior:  GhostRandom,
		Lives:          3,
		MaxSteps:       200,
		PowerDuration:  10,
		PelletDensity:  0.7,
		StepsPerSecond: 10,
		HyperParams: []HyperParameter{
			{Key: "epsilon", Val: 0.1},
		},
	}
}

func (cfg *GameConfig) GetHyperParamOrDefault(param string, defaultVal float64) float64 {
	for _, kvp := range cfg.HyperParams {
		if kvp.Key == param {
			return kvp.Val
		}
	}
	return defaultVal
}

// Grid returns the maze rows to play on.
func (cfg *GameConfig) Grid() []string {
	switch {
	case len(cfg.Layout) > 0:
		return cfg.Layout
	case cfg.Maze == "debug":
		return models.DebugMaze
	default:
		return models.FullMaze
	}
}

func (cfg *GameConfig) Validate() error {
	if cfg.NumGhosts < 1 || cfg.NumGhosts > 4 {
		return fmt.Errorf("%w: numGhosts %d not in [1,4]", ErrInvalidConfig, cfg.NumGhosts)
	}
	if cfg.Lives < 1 || cfg.Lives > 10 {
		return fmt.Errorf("%w: lives %d not in [1,10]", ErrInvalidConfig, cfg.Lives)
	}
	if cfg.PowerDuration < 1 || cfg.PowerDuration > 50 {
		return fmt.Errorf("%w: powerDuration %d not in [1,50]", ErrInvalidConfig, cfg.PowerDuration)
	}
	if cfg.MaxSteps < 1 {
		return fmt.Errorf("%w: maxSteps must be positive", ErrInvalidConfig)
	}
	if cfg.PelletDensity < 0 || cfg.PelletDensity > 1 {
		return fmt.Errorf("%w: pelletDensity %v not in [0,1]", ErrInvalidConfig, cfg.PelletDensity)
	}
	if cfg.StepsPerSecond <= 0 {
		return fmt.Errorf("%w: stepsPerSecond must be positive", ErrInvalidConfig)
	}
	switch cfg.GhostBehavior {
	case GhostRandom, GhostChase, GhostScatter:
	default:
		return fmt.Errorf("%w: unknown ghostBehavior %q", ErrInvalidConfig, cfg.GhostBehavior)
	}
	if size := len(cfg.Grid()); size < 5 {
		return fmt.Errorf("%w: maze size %d is less than 5", ErrInvalidConfig, size)
	}
	return nil
}

// WithDeadline returns a context extended by the run duration, if one is specified.
func (cfg *GameConfig) WithDeadline(
	ctx context.Context,
) (context.Context, context.CancelFunc, error) {
	if cfg.Duration != "" {
		duration, err := time.ParseDuration(cfg.Duration)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: duration: %v", ErrInvalidConfig, err)
		}
		innerCtx, cancel := context.WithTimeout(ctx, duration)
		return innerCtx, cancel, nil
	}
	defaultCtx, cancel := context.WithCancel(ctx)
	return defaultCtx, cancel, nil
}

// FromYaml reads a kind/def config file whose def is a GameConfig. Fields missing
// from the file keep their defaults.
func FromYaml(path string) (*GameConfig, error) {
	vp := viper.New()
	vp.SetConfigFile(path)
	vp.SetConfigType("yaml")
	vp.AddConfigPath(filepath.Dir(path))
	var err error
	if err = vp.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	outerConfig := &OuterConfig{}
	if err = vp.Unmarshal(outerConfig); err != nil {
		return nil, err
	}

	var spec []byte
	if spec, err = yaml.Marshal(outerConfig.Def); err != nil {
		return nil, err
	}

	innerConfig := DefaultGameConfig()
	if err = yaml.Unmarshal(spec, innerConfig); err != nil {
		return nil, err
	}
	if err = innerConfig.Validate(); err != nil {
		return nil, err
	}

	return innerConfig, nil
}
