package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/mandelsplit/internal/controller"
	"github.com/ChuLiYu/mandelsplit/internal/export"
	"github.com/ChuLiYu/mandelsplit/internal/job"
	"github.com/ChuLiYu/mandelsplit/pkg/types"
)

// ErrInvalidConfig wraps every configuration validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Worker struct {
		WorkerCount int `yaml:"worker_count"`
		TileSize    int `yaml:"tile_size"`
		LeafSize    int `yaml:"leaf_size"`
		SliceRows   int `yaml:"slice_rows"`
	} `yaml:"worker"`

	Render struct {
		Width        int  `yaml:"width"`
		Height       int  `yaml:"height"`
		AllowFloat32 bool `yaml:"allow_float32"`
		MaxPrecision int  `yaml:"max_precision"`
		RefinePasses int  `yaml:"refine_passes"`
	} `yaml:"render"`

	View types.View `yaml:"view"`

	Output struct {
		Path        string `yaml:"path"`
		Format      string `yaml:"format"`
		Supersample int    `yaml:"supersample"`
	} `yaml:"output"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	GRPC struct {
		Port int `yaml:"port"`
	} `yaml:"grpc"`

	Log struct {
		Format           string        `yaml:"format"`
		Level            string        `yaml:"level"`
		ProgressInterval time.Duration `yaml:"progress_interval"`
	} `yaml:"log"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	var cfg Config
	cfg.Worker.WorkerCount = 4
	opts := job.DefaultOptions()
	cfg.Worker.TileSize = opts.TileSize
	cfg.Worker.LeafSize = opts.LeafSize
	cfg.Render.Width = 800
	cfg.Render.Height = 600
	cfg.Render.MaxPrecision = controller.DefaultMaxPrecision
	cfg.Render.RefinePasses = 2
	cfg.View = controller.DefaultView()
	cfg.Output.Path = "mandelsplit.png"
	cfg.Output.Supersample = 1
	cfg.Metrics.Port = 9090
	cfg.GRPC.Port = 50051
	cfg.Log.Format = "text"
	cfg.Log.Level = "info"
	cfg.Log.ProgressInterval = time.Second
	return &cfg
}

// loadConfig reads path on top of DefaultConfig. A missing file is only an
// error when mustExist is set.
func loadConfig(path string, mustExist bool) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	switch {
	case c.Worker.WorkerCount < 1:
		return fmt.Errorf("%w: worker.worker_count must be positive, got %d", ErrInvalidConfig, c.Worker.WorkerCount)
	case c.Worker.TileSize < 1 || c.Worker.LeafSize < 1:
		return fmt.Errorf("%w: worker.tile_size and worker.leaf_size must be positive", ErrInvalidConfig)
	case c.Worker.SliceRows < 0:
		return fmt.Errorf("%w: worker.slice_rows must not be negative", ErrInvalidConfig)
	case c.Render.Width < 1 || c.Render.Height < 1:
		return fmt.Errorf("%w: render size %dx%d", ErrInvalidConfig, c.Render.Width, c.Render.Height)
	case c.Render.MaxPrecision < 1:
		return fmt.Errorf("%w: render.max_precision must be positive", ErrInvalidConfig)
	case c.Render.RefinePasses < 0:
		return fmt.Errorf("%w: render.refine_passes must not be negative", ErrInvalidConfig)
	case c.Output.Supersample < 1 || c.Output.Supersample > 8:
		return fmt.Errorf("%w: output.supersample must be in 1..8, got %d", ErrInvalidConfig, c.Output.Supersample)
	case c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535):
		return fmt.Errorf("%w: metrics.port %d", ErrInvalidConfig, c.Metrics.Port)
	case c.GRPC.Port < 0 || c.GRPC.Port > 65535:
		return fmt.Errorf("%w: grpc.port %d", ErrInvalidConfig, c.GRPC.Port)
	}
	if c.Output.Format != "" {
		if _, err := export.ParseFormat(c.Output.Format); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	return nil
}

// controllerConfig maps the file configuration onto the controller. The
// image is rendered supersample times larger than the output.
func (c *Config) controllerConfig() controller.Config {
	k := c.Output.Supersample
	return controller.Config{
		Width:       c.Render.Width * k,
		Height:      c.Render.Height * k,
		WorkerCount: c.Worker.WorkerCount,
		Tiling: job.Options{
			TileSize:  c.Worker.TileSize,
			LeafSize:  c.Worker.LeafSize,
			SliceRows: c.Worker.SliceRows,
		},
		AllowFloat32:     c.Render.AllowFloat32,
		MaxPrecision:     c.Render.MaxPrecision,
		ProgressInterval: c.Log.ProgressInterval,
	}
}

func (c *Config) exportOptions() export.Options {
	return export.Options{
		Format:      export.Format(c.Output.Format),
		Supersample: c.Output.Supersample,
	}
}
