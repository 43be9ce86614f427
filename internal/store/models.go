package store

import "time"

// Run outcomes.
const (
	ResultPass = "pass"
	ResultFail = "fail"
)

// Run is one harness session: a test run or an interactive bring-up.
type Run struct {
	ID        string            `json:"id"`
	Name      string            `json:"name,omitempty"`
	StartedAt time.Time         `json:"started_at"`
	EndedAt   time.Time         `json:"ended_at,omitempty"`
	Result    string            `json:"result,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
	Restarts  int               `json:"restarts"`
}

// FrameRecord is a downlink frame captured from the transmitter.
type FrameRecord struct {
	Index       uint64    `json:"index"`
	At          time.Time `json:"at"`
	APID        uint8     `json:"apid"`
	Seq         uint32    `json:"seq"`
	Correlation *uint8    `json:"correlation,omitempty"`
	Payload     []byte    `json:"payload"`
}

// BeaconRecord is a decoded telemetry beacon.
type BeaconRecord struct {
	Index   uint64         `json:"index"`
	At      time.Time      `json:"at"`
	Version int            `json:"version"`
	Values  map[string]any `json:"values"`
}

// FaultRecord is a bus fault returned to the firmware.
type FaultRecord struct {
	Index   uint64    `json:"index"`
	At      time.Time `json:"at"`
	Bus     string    `json:"bus"`
	Address uint8     `json:"address"`
	Mode    string    `json:"mode"`
	Code    int8      `json:"code"`
}
