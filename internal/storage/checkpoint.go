package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

const (
	// BucketName for storing checkpoint records
	BucketName = "checkpoints"

	// FileName is the database file inside the checkpoint directory
	FileName = "checkpoints.db"
)

// ErrStoreClosed is returned by operations on a closed store
var ErrStoreClosed = errors.New("checkpoint store is closed")

// Record is one persisted training snapshot. ModelWeights and
// OptimizerState are opaque to the store.
type Record struct {
	RunID          string
	Epoch          int
	Loss           float64
	Accuracy       float64
	LearningRate   float64
	ModelWeights   []byte
	OptimizerState []byte
	SavedAt        time.Time
}

// CheckpointStore keeps the most recent training records in a BoltDB file
// under a fixed directory. Older records beyond maxToKeep are evicted on
// every save.
type CheckpointStore struct {
	db        *bbolt.DB
	dir       string
	maxToKeep int
	mu        sync.Mutex
	isClosed  bool
}

// NewCheckpointStore opens (or creates) the store in dir
func NewCheckpointStore(dir string, maxToKeep int) (*CheckpointStore, error) {
	if maxToKeep <= 0 {
		return nil, fmt.Errorf("invalid max_to_keep: %d", maxToKeep)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	db, err := bbolt.Open(filepath.Join(dir, FileName), 0600, &bbolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(BucketName))
		if err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &CheckpointStore{
		db:        db,
		dir:       dir,
		maxToKeep: maxToKeep,
	}, nil
}

// Dir returns the checkpoint directory
func (s *CheckpointStore) Dir() string {
	return s.dir
}

// Save appends a record and evicts the oldest ones past maxToKeep
func (s *CheckpointStore) Save(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isClosed {
		return ErrStoreClosed
	}
	if rec == nil {
		return fmt.Errorf("nil record")
	}

	if rec.SavedAt.IsZero() {
		rec.SavedAt = time.Now()
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(BucketName))
		if b == nil {
			return fmt.Errorf("bucket not found")
		}

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		if err := b.Put(seqKey(seq), buf.Bytes()); err != nil {
			return err
		}

		return evict(b, s.maxToKeep)
	})
}

// evict deletes the oldest keys until at most keep remain
func evict(b *bbolt.Bucket, keep int) error {
	// Stats() only sees committed pages, so count through a cursor
	c := b.Cursor()
	total := 0
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		total++
	}

	excess := total - keep
	if excess <= 0 {
		return nil
	}

	var stale [][]byte
	for k, _ := c.First(); k != nil && len(stale) < excess; k, _ = c.Next() {
		stale = append(stale, append([]byte(nil), k...))
	}

	for _, k := range stale {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// Latest returns the most recently saved record. found is false when the
// store is empty.
func (s *CheckpointStore) Latest() (*Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isClosed {
		return nil, false, ErrStoreClosed
	}

	var rec *Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(BucketName))
		if b == nil {
			return fmt.Errorf("bucket not found")
		}

		k, v := b.Cursor().Last()
		if k == nil {
			return nil
		}

		decoded, err := decodeRecord(v)
		if err != nil {
			return fmt.Errorf("checkpoint %d: %w", binary.BigEndian.Uint64(k), err)
		}
		rec = decoded
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return rec, rec != nil, nil
}

// List returns every retained record, oldest first
func (s *CheckpointStore) List() ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isClosed {
		return nil, ErrStoreClosed
	}

	var records []*Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(BucketName))
		if b == nil {
			return fmt.Errorf("bucket not found")
		}

		return b.ForEach(func(k, v []byte) error {
			rec, err := decodeRecord(v)
			if err != nil {
				return fmt.Errorf("checkpoint %d: %w", binary.BigEndian.Uint64(k), err)
			}
			records = append(records, rec)
			return nil
		})
	})

	return records, err
}

// Count returns the number of retained records
func (s *CheckpointStore) Count() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isClosed {
		return 0, ErrStoreClosed
	}

	var count int
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(BucketName))
		if b == nil {
			return fmt.Errorf("bucket not found")
		}
		count = b.Stats().KeyN
		return nil
	})

	return count, err
}

// Close closes the database connection
func (s *CheckpointStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isClosed {
		return nil
	}

	s.isClosed = true
	return s.db.Close()
}

func decodeRecord(data []byte) (*Record, error) {
	var rec Record
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&rec); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return &rec, nil
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
