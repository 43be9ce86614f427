package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketRuns    = []byte("runs")
	bucketCapture = []byte("capture")

	bucketFrames  = []byte("frames")
	bucketBeacons = []byte("beacons")
	bucketFaults  = []byte("faults")
)

// BoltStore implements Store using BoltDB. Captures live in a nested
// bucket per run, keyed by a big-endian sequence number.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketRuns, bucketCapture} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) SaveRun(run *Run) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketRuns)
		}
		data, err := json.Marshal(run)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(run.ID), data); err != nil {
			return err
		}
		_, err = tx.Bucket(bucketCapture).CreateBucketIfNotExists([]byte(run.ID))
		return err
	})
}

func (s *BoltStore) GetRun(id string) (*Run, error) {
	var run Run
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketRuns)
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("run %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &run)
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *BoltStore) UpdateRun(id string, fn func(run *Run) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketRuns)
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("run %s: %w", id, ErrNotFound)
		}
		var run Run
		if err := json.Unmarshal(data, &run); err != nil {
			return err
		}
		if err := fn(&run); err != nil {
			return err
		}
		run.ID = id
		out, err := json.Marshal(&run)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
}

func (s *BoltStore) DeleteRun(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketRuns)
		}
		if err := b.Delete([]byte(id)); err != nil {
			return err
		}
		c := tx.Bucket(bucketCapture)
		if c.Bucket([]byte(id)) == nil {
			return nil
		}
		return c.DeleteBucket([]byte(id))
	})
}

// ListRuns returns every run, oldest first.
func (s *BoltStore) ListRuns() ([]*Run, error) {
	var runs []*Run
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		if b == nil {
			return nil // no bucket = no runs
		}
		runs = make([]*Run, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var run Run
			if err := json.Unmarshal(v, &run); err != nil {
				return err
			}
			runs = append(runs, &run)
			return nil
		})
	})
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].StartedAt.Before(runs[j].StartedAt) })
	return runs, err
}

// appendRecord stores v under the next sequence number of the run's kind
// bucket; setIndex receives the number before encoding.
func (s *BoltStore) appendRecord(runID string, kind []byte, setIndex func(uint64), v any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		run := tx.Bucket(bucketCapture).Bucket([]byte(runID))
		if run == nil {
			return fmt.Errorf("run %s: %w", runID, ErrNotFound)
		}
		b, err := run.CreateBucketIfNotExists(kind)
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		setIndex(seq)
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return b.Put(binary.BigEndian.AppendUint64(nil, seq), data)
	})
}

// listRecords decodes every record of kind in sequence order.
func listRecords[T any](s *BoltStore, runID string, kind []byte) ([]*T, error) {
	var out []*T
	err := s.db.View(func(tx *bolt.Tx) error {
		run := tx.Bucket(bucketCapture).Bucket([]byte(runID))
		if run == nil {
			return fmt.Errorf("run %s: %w", runID, ErrNotFound)
		}
		b := run.Bucket(kind)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			rec := new(T)
			if err := json.Unmarshal(v, rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) AppendFrame(runID string, rec *FrameRecord) error {
	return s.appendRecord(runID, bucketFrames, func(i uint64) { rec.Index = i }, rec)
}

func (s *BoltStore) ListFrames(runID string) ([]*FrameRecord, error) {
	return listRecords[FrameRecord](s, runID, bucketFrames)
}

func (s *BoltStore) AppendBeacon(runID string, rec *BeaconRecord) error {
	return s.appendRecord(runID, bucketBeacons, func(i uint64) { rec.Index = i }, rec)
}

func (s *BoltStore) ListBeacons(runID string) ([]*BeaconRecord, error) {
	return listRecords[BeaconRecord](s, runID, bucketBeacons)
}

func (s *BoltStore) AppendFault(runID string, rec *FaultRecord) error {
	return s.appendRecord(runID, bucketFaults, func(i uint64) { rec.Index = i }, rec)
}

func (s *BoltStore) ListFaults(runID string) ([]*FaultRecord, error) {
	return listRecords[FaultRecord](s, runID, bucketFaults)
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
