package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thyrook/mnist-trainer/internal/storage"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	a := &app{}
	t.Cleanup(a.close)

	cmd := newRootCommand(a)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--log-level", "error"}, args...))

	err := cmd.Execute()
	a.close()
	return out.String(), err
}

func TestScheduleCommand(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	content := "training:\n  epochs: 10\nschedule:\n  warmup_epochs: 5\n  initial_rate: 0.1\n"
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

	out, err := execute(t, "--config", configPath, "schedule", "--to", "7")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 7)
	assert.Equal(t, "1\t0", lines[0])
	assert.Equal(t, "3\t0.04", lines[2])
	assert.Equal(t, "6\t0.1", lines[5])
}

func TestScheduleCommandRejectsBadRange(t *testing.T) {
	_, err := execute(t, "schedule", "--from", "5", "--to", "2")
	assert.Error(t, err)
}

func TestCheckpointsCommand(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ckpt")

	out, err := execute(t, "checkpoints", "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "No checkpoints")

	store, err := storage.NewCheckpointStore(dir, 5)
	require.NoError(t, err)
	require.NoError(t, store.Save(&storage.Record{RunID: "run-a", Epoch: 7, Loss: 0.1234, Accuracy: 0.975, LearningRate: 0.05}))
	require.NoError(t, store.Close())

	out, err = execute(t, "checkpoints", "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "EPOCH")
	assert.Contains(t, out, "0.1234")
	assert.Contains(t, out, "97.50%")
	assert.Contains(t, out, "run-a")
}

func TestInvalidConfigFails(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(configPath, []byte(`{"model": {"batch_size": -1}}`), 0644))

	_, err := execute(t, "--config", configPath, "schedule")
	assert.Error(t, err)
}

func TestFailedCommandFlushesLogFile(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "logs", "train.log")
	configPath := filepath.Join(dir, "config.yaml")
	content := "model:\n  batch_size: -1\nlogging:\n  path: " + logPath + "\n"
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

	_, err := execute(t, "--config", configPath, "schedule")
	require.Error(t, err)

	logged, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(logged), "Invalid configuration")
}
