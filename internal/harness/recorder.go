package harness

import (
	"log/slog"
	"time"

	"obc-harness/internal/events"
	"obc-harness/internal/frame"
	"obc-harness/internal/i2c"
	"obc-harness/internal/store"
)

// recorder appends downlink frames, decoded beacons and bus faults to the
// run in the store.
type recorder struct {
	store  store.Store
	runID  string
	logger *slog.Logger
	unsubs []func()
}

func newRecorder(st store.Store, runID string, bus *events.Bus, logger *slog.Logger) *recorder {
	r := &recorder{store: st, runID: runID, logger: logger.With("component", "recorder")}
	r.unsubs = append(r.unsubs,
		bus.On(events.FrameReceived, r.onFrame),
		bus.On(events.BeaconDecoded, r.onBeacon),
		bus.On(events.BusFault, r.onFault),
	)
	return r
}

func (r *recorder) onFrame(e events.Event) {
	f, ok := e.Data.(frame.Frame)
	if !ok {
		return
	}
	rec := &store.FrameRecord{At: time.Now(), APID: f.APID, Seq: f.Seq, Correlation: f.CorrelationID, Payload: f.Payload}
	if err := r.store.AppendFrame(r.runID, rec); err != nil {
		r.logger.Warn("record frame", "err", err)
	}
}

func (r *recorder) onBeacon(e events.Event) {
	b, ok := e.Data.(BeaconEvent)
	if !ok {
		return
	}
	if err := r.store.AppendBeacon(r.runID, &store.BeaconRecord{At: time.Now(), Version: b.Version, Values: b.Values}); err != nil {
		r.logger.Warn("record beacon", "err", err)
	}
}

func (r *recorder) onFault(e events.Event) {
	f, ok := e.Data.(i2c.FaultEvent)
	if !ok {
		return
	}
	rec := &store.FaultRecord{At: time.Now(), Bus: f.Bus, Address: f.Address, Mode: f.Mode, Code: f.Code}
	if err := r.store.AppendFault(r.runID, rec); err != nil {
		r.logger.Warn("record fault", "err", err)
	}
}

func (r *recorder) close() {
	for _, u := range r.unsubs {
		u()
	}
	r.unsubs = nil
}
