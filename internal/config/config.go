package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	AppName  string         `json:"app_name" yaml:"app_name"`
	Version  string         `json:"version" yaml:"version"`
	Data     DataConfig     `json:"data" yaml:"data"`
	Model    ModelConfig    `json:"model" yaml:"model"`
	Schedule ScheduleConfig `json:"schedule" yaml:"schedule"`
	Training TrainingConfig `json:"training" yaml:"training"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
}

// DataConfig locates the raw IDX files and the ingested dataset
type DataConfig struct {
	TrainImages string `json:"train_images" yaml:"train_images"`
	TrainLabels string `json:"train_labels" yaml:"train_labels"`
	TestImages  string `json:"test_images" yaml:"test_images"`
	TestLabels  string `json:"test_labels" yaml:"test_labels"`
	DatasetPath string `json:"dataset_path" yaml:"dataset_path"`
	Shuffle     bool   `json:"shuffle" yaml:"shuffle"`
	ShuffleSeed int64  `json:"shuffle_seed" yaml:"shuffle_seed"`
	Prefetch    int    `json:"prefetch" yaml:"prefetch"`
}

// ModelConfig contains network and optimizer settings
type ModelConfig struct {
	BatchSize int `json:"batch_size" yaml:"batch_size"`
	// LearningRate is the constant Adam rate used when the schedule is off
	LearningRate float64 `json:"learning_rate" yaml:"learning_rate"`
	// ExportPath receives the final weights when set
	ExportPath string `json:"export_path" yaml:"export_path"`
}

// ScheduleConfig configures warmup followed by polynomial decay
type ScheduleConfig struct {
	Enabled      bool    `json:"enabled" yaml:"enabled"`
	InitialRate  float64 `json:"initial_rate" yaml:"initial_rate"`
	WarmupEpochs int     `json:"warmup_epochs" yaml:"warmup_epochs"`
	MinRate      float64 `json:"min_rate" yaml:"min_rate"`
	Power        float64 `json:"power" yaml:"power"`
	Cycle        bool    `json:"cycle" yaml:"cycle"`
}

// TrainingConfig contains loop and checkpoint settings
type TrainingConfig struct {
	Epochs        int    `json:"epochs" yaml:"epochs"`
	CheckpointDir string `json:"checkpoint_dir" yaml:"checkpoint_dir"`
	MaxToKeep     int    `json:"max_to_keep" yaml:"max_to_keep"`
	// LogEvery logs batch progress every N batches at debug level, 0 disables
	LogEvery int  `json:"log_every" yaml:"log_every"`
	Resume   bool `json:"resume" yaml:"resume"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level       string `json:"level" yaml:"level"`
	Path        string `json:"path" yaml:"path"`
	Development bool   `json:"development" yaml:"development"`
}

// DefaultConfig returns the configuration the trainer ships with
func DefaultConfig() *Config {
	return &Config{
		AppName: "mnist-trainer",
		Version: "1.0.0",
		Data: DataConfig{
			TrainImages: "data/train-images-idx3-ubyte.gz",
			TrainLabels: "data/train-labels-idx1-ubyte.gz",
			TestImages:  "data/t10k-images-idx3-ubyte.gz",
			TestLabels:  "data/t10k-labels-idx1-ubyte.gz",
			DatasetPath: "data/mnist.db",
			Shuffle:     true,
			ShuffleSeed: 1,
			Prefetch:    2,
		},
		Model: ModelConfig{
			BatchSize:    512,
			LearningRate: 0.001,
		},
		Schedule: ScheduleConfig{
			Enabled:      true,
			InitialRate:  0.1,
			WarmupEpochs: 5,
			MinRate:      1e-6,
			Power:        1.0,
		},
		Training: TrainingConfig{
			Epochs:        1000,
			CheckpointDir: "model/ckpt",
			MaxToKeep:     10,
			LogEvery:      20,
			Resume:        true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads and parses the configuration file. Files ending in .yaml or
// .yml are parsed as YAML, anything else as JSON. Missing fields keep
// their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	return cfg, nil
}

// LoadOrDefault loads path, falling back to DefaultConfig when the file
// cannot be read
func LoadOrDefault(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		return DefaultConfig()
	}
	return cfg
}

// Save writes the configuration to a file in the format its extension names
func (c *Config) Save(path string) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Validate checks the configuration for values the trainer cannot run with
func (c *Config) Validate() error {
	if c.Model.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.Model.BatchSize)
	}
	if c.Data.Prefetch < 0 {
		return fmt.Errorf("prefetch must be >= 0, got %d", c.Data.Prefetch)
	}
	if c.Data.DatasetPath == "" {
		return fmt.Errorf("dataset_path must be set")
	}
	if c.Training.Epochs <= 0 {
		return fmt.Errorf("epochs must be positive, got %d", c.Training.Epochs)
	}
	if c.Training.CheckpointDir == "" {
		return fmt.Errorf("checkpoint_dir must be set")
	}
	if c.Training.MaxToKeep <= 0 {
		return fmt.Errorf("max_to_keep must be positive, got %d", c.Training.MaxToKeep)
	}
	if c.Training.LogEvery < 0 {
		return fmt.Errorf("log_every must be >= 0, got %d", c.Training.LogEvery)
	}

	if c.Schedule.Enabled {
		if c.Schedule.InitialRate <= 0 {
			return fmt.Errorf("initial_rate must be positive, got %f", c.Schedule.InitialRate)
		}
		if c.Schedule.WarmupEpochs < 0 {
			return fmt.Errorf("warmup_epochs must be >= 0, got %d", c.Schedule.WarmupEpochs)
		}
		if c.Schedule.WarmupEpochs >= c.Training.Epochs {
			return fmt.Errorf("warmup_epochs (%d) must be less than epochs (%d)", c.Schedule.WarmupEpochs, c.Training.Epochs)
		}
		if c.Schedule.MinRate < 0 || c.Schedule.MinRate > c.Schedule.InitialRate {
			return fmt.Errorf("min_rate must be in [0, initial_rate], got %f", c.Schedule.MinRate)
		}
		if c.Schedule.Power <= 0 {
			return fmt.Errorf("power must be positive, got %f", c.Schedule.Power)
		}
	} else if c.Model.LearningRate <= 0 {
		return fmt.Errorf("learning_rate must be positive, got %f", c.Model.LearningRate)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}

	return nil
}

// DecaySteps is the length of the post-warmup decay
func (c *Config) DecaySteps() int {
	return c.Training.Epochs - c.Schedule.WarmupEpochs
}

// EnsureDirectories creates the directories the trainer writes into
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Training.CheckpointDir}
	for _, p := range []string{c.Data.DatasetPath, c.Logging.Path, c.Model.ExportPath} {
		if p != "" {
			dirs = append(dirs, filepath.Dir(p))
		}
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	return nil
}
