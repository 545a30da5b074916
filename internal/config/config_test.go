package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}

	if cfg.AppName != "mnist-trainer" {
		t.Errorf("Expected AppName 'mnist-trainer', got %s", cfg.AppName)
	}

	if cfg.Version == "" {
		t.Error("Version not set")
	}

	if cfg.Model.BatchSize != 512 {
		t.Errorf("Expected BatchSize 512, got %d", cfg.Model.BatchSize)
	}

	if cfg.Schedule.WarmupEpochs != 5 || cfg.Schedule.InitialRate != 0.1 {
		t.Errorf("Unexpected schedule defaults: %+v", cfg.Schedule)
	}

	if cfg.DecaySteps() != 995 {
		t.Errorf("Expected 995 decay steps, got %d", cfg.DecaySteps())
	}
}

func TestConfigValidation(t *testing.T) {
	cfg := DefaultConfig()

	// Valid config should pass
	if err := cfg.Validate(); err != nil {
		t.Errorf("Valid config failed validation: %v", err)
	}

	// Test invalid batch size
	cfg.Model.BatchSize = 0
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for invalid batch size")
	}
	cfg.Model.BatchSize = 32

	// Test invalid initial rate
	cfg.Schedule.InitialRate = 0
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for invalid initial rate")
	}
	cfg.Schedule.InitialRate = 0.1

	// Warmup longer than training
	cfg.Schedule.WarmupEpochs = cfg.Training.Epochs
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for warmup >= epochs")
	}
	cfg.Schedule.WarmupEpochs = 5

	// Constant rate is only checked when the schedule is off
	cfg.Model.LearningRate = 0
	if err := cfg.Validate(); err != nil {
		t.Errorf("Unexpected error with schedule enabled: %v", err)
	}
	cfg.Schedule.Enabled = false
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for invalid learning rate")
	}
	cfg.Model.LearningRate = 0.001

	cfg.Training.MaxToKeep = 0
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for invalid max_to_keep")
	}
	cfg.Training.MaxToKeep = 10

	cfg.Logging.Level = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for invalid log level")
	}
}

func TestConfigSaveLoad(t *testing.T) {
	tmpDir := t.TempDir()

	for _, name := range []string{"config.json", "config.yaml"} {
		t.Run(name, func(t *testing.T) {
			configPath := filepath.Join(tmpDir, name)

			cfg := DefaultConfig()
			cfg.AppName = "TestApp"
			cfg.Schedule.WarmupEpochs = 3
			cfg.Training.Epochs = 20

			if err := cfg.Save(configPath); err != nil {
				t.Fatalf("Failed to save config: %v", err)
			}

			if _, err := os.Stat(configPath); os.IsNotExist(err) {
				t.Fatal("Config file was not created")
			}

			loaded, err := Load(configPath)
			if err != nil {
				t.Fatalf("Failed to load config: %v", err)
			}

			if loaded.AppName != "TestApp" {
				t.Errorf("Expected AppName 'TestApp', got %s", loaded.AppName)
			}
			if loaded.Schedule.WarmupEpochs != 3 || loaded.Training.Epochs != 20 {
				t.Errorf("Schedule not round-tripped: %+v %+v", loaded.Schedule, loaded.Training)
			}
		})
	}
}

func TestLoadPartialYAMLKeepsDefaults(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "partial.yml")
	content := "training:\n  epochs: 50\nschedule:\n  warmup_epochs: 2\n"
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Training.Epochs != 50 || cfg.Schedule.WarmupEpochs != 2 {
		t.Errorf("Overrides not applied: %+v", cfg.Training)
	}
	if cfg.Model.BatchSize != 512 || cfg.Training.MaxToKeep != 10 {
		t.Error("Defaults lost for unspecified fields")
	}
}

func TestLoadInvalidFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "broken.json")
	if err := os.WriteFile(configPath, []byte("{not json"), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Error("Expected parse error")
	}
}

func TestLoadOrDefault(t *testing.T) {
	// Test with non-existent file
	cfg := LoadOrDefault("nonexistent.json")
	if cfg == nil {
		t.Fatal("LoadOrDefault returned nil")
	}

	if cfg.AppName != "mnist-trainer" {
		t.Error("LoadOrDefault did not return default config")
	}

	// Test with existing file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")

	testCfg := DefaultConfig()
	testCfg.AppName = "CustomName"
	testCfg.Save(configPath)

	loaded := LoadOrDefault(configPath)
	if loaded.AppName != "CustomName" {
		t.Error("LoadOrDefault did not load existing config")
	}
}

func TestEnsureDirectories(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := DefaultConfig()
	cfg.Logging.Path = filepath.Join(tmpDir, "logs", "train.log")
	cfg.Training.CheckpointDir = filepath.Join(tmpDir, "model", "ckpt")
	cfg.Data.DatasetPath = filepath.Join(tmpDir, "data", "mnist.db")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("Failed to ensure directories: %v", err)
	}

	dirs := []string{
		filepath.Join(tmpDir, "logs"),
		filepath.Join(tmpDir, "model", "ckpt"),
		filepath.Join(tmpDir, "data"),
	}

	for _, dir := range dirs {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			t.Errorf("Directory was not created: %s", dir)
		}
	}
}
