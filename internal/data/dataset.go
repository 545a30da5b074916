package data

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// SplitTrain holds the training samples
	SplitTrain = "train"

	// SplitTest holds the held-out samples
	SplitTest = "test"
)

// ErrEmptyDataset is returned when a split has no samples
var ErrEmptyDataset = errors.New("dataset is empty")

// Dataset stores MNIST samples on disk using BoltDB, one bucket per split
type Dataset struct {
	db   *bolt.DB
	path string
	mu   sync.RWMutex
}

// NewDataset creates a new dataset or opens an existing one
func NewDataset(path string) (*Dataset, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, split := range []string{SplitTrain, SplitTest} {
			if _, err := tx.CreateBucketIfNotExists([]byte(split)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &Dataset{db: db, path: path}, nil
}

// Close closes the dataset
func (ds *Dataset) Close() error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.db != nil {
		return ds.db.Close()
	}
	return nil
}

// AddBatch appends samples to a split in a single transaction
func (ds *Dataset) AddBatch(split string, samples []Sample) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	return ds.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(split))
		if bucket == nil {
			return fmt.Errorf("unknown split %q", split)
		}
		return putSamples(bucket, samples)
	})
}

// Replace swaps the contents of a split for samples in a single
// transaction. On error the split keeps its previous contents.
func (ds *Dataset) Replace(split string, samples []Sample) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	return ds.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(split)) == nil {
			return fmt.Errorf("unknown split %q", split)
		}
		if err := tx.DeleteBucket([]byte(split)); err != nil {
			return err
		}
		bucket, err := tx.CreateBucket([]byte(split))
		if err != nil {
			return err
		}
		return putSamples(bucket, samples)
	})
}

func putSamples(bucket *bolt.Bucket, samples []Sample) error {
	for i, sample := range samples {
		if len(sample.Image) != PixelsPerImage {
			return fmt.Errorf("sample %d: expected %d pixels, got %d", i, PixelsPerImage, len(sample.Image))
		}
		if int(sample.Label) >= NumClasses {
			return fmt.Errorf("sample %d: label %d out of range", i, sample.Label)
		}

		id, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, id)

		value, err := json.Marshal(sample)
		if err != nil {
			return fmt.Errorf("failed to marshal sample: %w", err)
		}

		if err := bucket.Put(key, value); err != nil {
			return err
		}
	}

	return nil
}

// Count returns the number of samples in a split
func (ds *Dataset) Count(split string) (int, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	count := 0
	err := ds.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(split))
		if bucket == nil {
			return fmt.Errorf("unknown split %q", split)
		}
		count = bucket.Stats().KeyN
		return nil
	})

	return count, err
}

// LoadAll loads every sample of a split in insertion order
func (ds *Dataset) LoadAll(split string) ([]Sample, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	var samples []Sample

	err := ds.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(split))
		if bucket == nil {
			return fmt.Errorf("unknown split %q", split)
		}

		samples = make([]Sample, 0, bucket.Stats().KeyN)
		return bucket.ForEach(func(k, v []byte) error {
			var sample Sample
			if err := json.Unmarshal(v, &sample); err != nil {
				return fmt.Errorf("failed to unmarshal sample: %w", err)
			}
			samples = append(samples, sample)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if len(samples) == 0 {
		return nil, fmt.Errorf("split %q: %w", split, ErrEmptyDataset)
	}

	return samples, nil
}

// Clear removes all samples from a split
func (ds *Dataset) Clear(split string) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	return ds.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(split)); err != nil {
			return err
		}
		_, err := tx.CreateBucket([]byte(split))
		return err
	})
}

// GetStats returns statistics about the dataset
func (ds *Dataset) GetStats() (*DatasetStats, error) {
	train, err := ds.Count(SplitTrain)
	if err != nil {
		return nil, err
	}
	test, err := ds.Count(SplitTest)
	if err != nil {
		return nil, err
	}

	fileInfo, err := os.Stat(ds.path)
	if err != nil {
		return nil, err
	}

	return &DatasetStats{
		TrainEntries: train,
		TestEntries:  test,
		FilePath:     ds.path,
		FileSize:     fileInfo.Size(),
	}, nil
}

// DatasetStats contains statistics about the dataset
type DatasetStats struct {
	TrainEntries int
	TestEntries  int
	FilePath     string
	FileSize     int64
}
