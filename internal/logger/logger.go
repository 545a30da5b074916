package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents log level
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

func (l Level) zapLevel() zapcore.Level {
	switch Level(strings.ToLower(string(l))) {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Setup builds a logger writing to stdout and, when logPath is set, to a
// JSON log file. Development selects a human readable console encoder.
// The returned cleanup flushes the logger and closes the log file.
func Setup(level Level, logPath string, development bool) (*zap.Logger, func() error, error) {
	lvl := zap.NewAtomicLevelAt(level.zapLevel())

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var consoleEnc zapcore.Encoder
	if development {
		devCfg := zap.NewDevelopmentEncoderConfig()
		devCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		consoleEnc = zapcore.NewConsoleEncoder(devCfg)
	} else {
		consoleEnc = zapcore.NewJSONEncoder(encCfg)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(consoleEnc, zapcore.Lock(os.Stdout), lvl),
	}

	var file *os.File
	if logPath != "" {
		if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		var err error
		file, err = os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(file), lvl))
	}

	opts := []zap.Option{zap.AddCaller()}
	if development {
		opts = append(opts, zap.Development())
	}

	log := zap.New(zapcore.NewTee(cores...), opts...)

	cleanup := func() error {
		// Syncing stdout fails on terminals and pipes; only the file matters
		_ = log.Sync()
		if file == nil {
			return nil
		}
		return file.Close()
	}

	return log, cleanup, nil
}

// EpochMetrics holds the values logged at the end of every epoch
type EpochMetrics struct {
	Epoch        int
	Loss         float64
	Accuracy     float64
	LearningRate float64
	Batches      int
	Samples      int
	Duration     time.Duration
	Checkpointed bool
}

// LogEpoch logs training progress for one epoch
func LogEpoch(log *zap.Logger, m EpochMetrics) {
	throughput := 0.0
	if secs := m.Duration.Seconds(); secs > 0 {
		throughput = float64(m.Samples) / secs
	}

	log.Info("training_epoch",
		zap.Int("epoch", m.Epoch),
		zap.Float64("loss", m.Loss),
		zap.Float64("accuracy", m.Accuracy),
		zap.Float64("lr", m.LearningRate),
		zap.Int("batches", m.Batches),
		zap.Float64("samples_per_sec", throughput),
		zap.Duration("elapsed", m.Duration),
		zap.Bool("checkpointed", m.Checkpointed),
	)
}

// DatasetMetrics holds dataset operation metrics
type DatasetMetrics struct {
	Operation string // "ingest", "load"
	Split     string
	Samples   int
	Duration  time.Duration
}

// LogDataset logs dataset operations with statistics
func LogDataset(log *zap.Logger, m DatasetMetrics) {
	throughput := 0.0
	if secs := m.Duration.Seconds(); secs > 0 {
		throughput = float64(m.Samples) / secs
	}

	log.Info("dataset_operation",
		zap.String("operation", m.Operation),
		zap.String("split", m.Split),
		zap.Int("samples", m.Samples),
		zap.Duration("elapsed", m.Duration),
		zap.Float64("samples_per_sec", throughput),
	)
}

// StartOperation logs the start of an operation and returns the function
// that logs its completion
func StartOperation(log *zap.Logger, operation string, fields ...zap.Field) func(error) {
	startTime := time.Now()
	log = log.With(append([]zap.Field{zap.String("operation", operation)}, fields...)...)
	log.Info("operation_start")

	return func(err error) {
		duration := time.Since(startTime)
		if err != nil {
			log.Error("operation_failed", zap.Duration("duration", duration), zap.Error(err))
			return
		}
		log.Info("operation_complete", zap.Duration("duration", duration))
	}
}
