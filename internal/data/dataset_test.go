package data

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestNewDataset(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "nested", "mnist.db")

	ds, err := NewDataset(dbPath)
	if err != nil {
		t.Fatalf("Failed to create dataset: %v", err)
	}
	defer ds.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}

	for _, split := range []string{SplitTrain, SplitTest} {
		count, err := ds.Count(split)
		if err != nil {
			t.Fatalf("Count(%s) failed: %v", split, err)
		}
		if count != 0 {
			t.Errorf("Expected empty %s split, got %d", split, count)
		}
	}
}

func TestDatasetAddBatchAndLoad(t *testing.T) {
	ds, err := NewDataset(filepath.Join(t.TempDir(), "mnist.db"))
	if err != nil {
		t.Fatalf("Failed to create dataset: %v", err)
	}
	defer ds.Close()

	train := syntheticSamples(25)
	if err := ds.AddBatch(SplitTrain, train); err != nil {
		t.Fatalf("AddBatch failed: %v", err)
	}
	if err := ds.AddBatch(SplitTest, syntheticSamples(4)); err != nil {
		t.Fatalf("AddBatch failed: %v", err)
	}

	count, err := ds.Count(SplitTrain)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 25 {
		t.Errorf("Expected 25 train samples, got %d", count)
	}

	loaded, err := ds.LoadAll(SplitTrain)
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	// Keys are big-endian sequence numbers, so order is preserved
	for i := range train {
		if loaded[i].Label != train[i].Label || !bytes.Equal(loaded[i].Image, train[i].Image) {
			t.Fatalf("Sample %d mismatch", i)
		}
	}

	stats, err := ds.GetStats()
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.TrainEntries != 25 || stats.TestEntries != 4 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
	if stats.FileSize == 0 {
		t.Error("Expected non-zero file size")
	}
}

func TestDatasetRejectsInvalidSamples(t *testing.T) {
	ds, err := NewDataset(filepath.Join(t.TempDir(), "mnist.db"))
	if err != nil {
		t.Fatalf("Failed to create dataset: %v", err)
	}
	defer ds.Close()

	if err := ds.AddBatch(SplitTrain, []Sample{{Image: make([]byte, 10), Label: 1}}); err == nil {
		t.Error("Expected error for short image")
	}
	if err := ds.AddBatch(SplitTrain, []Sample{{Image: make([]byte, PixelsPerImage), Label: 10}}); err == nil {
		t.Error("Expected error for label 10")
	}
	if err := ds.AddBatch("validation", syntheticSamples(1)); err == nil {
		t.Error("Expected error for unknown split")
	}

	// Failed transactions leave nothing behind
	count, _ := ds.Count(SplitTrain)
	if count != 0 {
		t.Errorf("Expected 0 samples after failed adds, got %d", count)
	}
}

func TestDatasetLoadEmpty(t *testing.T) {
	ds, err := NewDataset(filepath.Join(t.TempDir(), "mnist.db"))
	if err != nil {
		t.Fatalf("Failed to create dataset: %v", err)
	}
	defer ds.Close()

	if _, err := ds.LoadAll(SplitTest); !errors.Is(err, ErrEmptyDataset) {
		t.Errorf("Expected ErrEmptyDataset, got %v", err)
	}
}

func TestDatasetClear(t *testing.T) {
	ds, err := NewDataset(filepath.Join(t.TempDir(), "mnist.db"))
	if err != nil {
		t.Fatalf("Failed to create dataset: %v", err)
	}
	defer ds.Close()

	if err := ds.AddBatch(SplitTrain, syntheticSamples(3)); err != nil {
		t.Fatalf("AddBatch failed: %v", err)
	}
	if err := ds.Clear(SplitTrain); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	count, _ := ds.Count(SplitTrain)
	if count != 0 {
		t.Errorf("Expected 0 after clear, got %d", count)
	}
}

func TestDatasetPersistence(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "mnist.db")

	ds, err := NewDataset(dbPath)
	if err != nil {
		t.Fatalf("Failed to create dataset: %v", err)
	}
	if err := ds.AddBatch(SplitTest, syntheticSamples(7)); err != nil {
		t.Fatalf("AddBatch failed: %v", err)
	}
	ds.Close()

	ds2, err := NewDataset(dbPath)
	if err != nil {
		t.Fatalf("Failed to reopen dataset: %v", err)
	}
	defer ds2.Close()

	count, _ := ds2.Count(SplitTest)
	if count != 7 {
		t.Errorf("Expected 7 after reopen, got %d", count)
	}
}

func TestDatasetReplace(t *testing.T) {
	ds, err := NewDataset(filepath.Join(t.TempDir(), "mnist.db"))
	if err != nil {
		t.Fatalf("Failed to create dataset: %v", err)
	}
	defer ds.Close()

	if err := ds.AddBatch(SplitTrain, syntheticSamples(5)); err != nil {
		t.Fatalf("AddBatch failed: %v", err)
	}
	if err := ds.Replace(SplitTrain, syntheticSamples(3)); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}

	count, _ := ds.Count(SplitTrain)
	if count != 3 {
		t.Errorf("Expected 3 samples after replace, got %d", count)
	}

	// A bad sample aborts the whole swap
	bad := append(syntheticSamples(2), Sample{Image: make([]byte, PixelsPerImage), Label: 12})
	if err := ds.Replace(SplitTrain, bad); err == nil {
		t.Fatal("Expected error for label 12")
	}

	loaded, err := ds.LoadAll(SplitTrain)
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	if len(loaded) != 3 {
		t.Errorf("Expected previous 3 samples to survive, got %d", len(loaded))
	}

	if err := ds.Replace("validation", syntheticSamples(1)); err == nil {
		t.Error("Expected error for unknown split")
	}
}
