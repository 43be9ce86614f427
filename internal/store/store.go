package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface for harness runs and what was
// captured during them.
type Store interface {
	// Run operations
	SaveRun(run *Run) error
	GetRun(id string) (*Run, error)
	DeleteRun(id string) error
	ListRuns() ([]*Run, error)

	// UpdateRun atomically reads, modifies, and saves a run in a single
	// transaction. Returns ErrNotFound if the run does not exist.
	UpdateRun(id string, fn func(run *Run) error) error

	// Captures, kept in arrival order per run. Appending to an unknown run
	// returns ErrNotFound.
	AppendFrame(runID string, rec *FrameRecord) error
	ListFrames(runID string) ([]*FrameRecord, error)
	AppendBeacon(runID string, rec *BeaconRecord) error
	ListBeacons(runID string) ([]*BeaconRecord, error)
	AppendFault(runID string, rec *FaultRecord) error
	ListFaults(runID string) ([]*FaultRecord, error)

	// Close the store
	Close() error
}
