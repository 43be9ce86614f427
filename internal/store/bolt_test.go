package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestRun(t *testing.T, s *BoltStore, id string, started time.Time) *Run {
	t.Helper()
	run := &Run{ID: id, Name: "isis behaviour", StartedAt: started, Labels: map[string]string{"bench": "A"}}
	if err := s.SaveRun(run); err != nil {
		t.Fatal(err)
	}
	return run
}

func TestSaveAndGetRun(t *testing.T) {
	s := newTestStore(t)
	started := time.Now().Truncate(time.Millisecond)
	newTestRun(t, s, "run-1", started)

	got, err := s.GetRun("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "isis behaviour" {
		t.Errorf("name = %q, want %q", got.Name, "isis behaviour")
	}
	if !got.StartedAt.Equal(started) {
		t.Errorf("started = %v, want %v", got.StartedAt, started)
	}
	if got.Labels["bench"] != "A" {
		t.Errorf("labels = %v", got.Labels)
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRun("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateRun(t *testing.T) {
	s := newTestStore(t)
	newTestRun(t, s, "run-1", time.Now())

	err := s.UpdateRun("run-1", func(run *Run) error {
		run.Restarts++
		run.Result = ResultPass
		run.ID = "renamed"
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.GetRun("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Restarts != 1 || got.Result != ResultPass {
		t.Errorf("run = %+v", got)
	}
	if got.ID != "run-1" {
		t.Errorf("id = %q, want run-1", got.ID)
	}

	if err := s.UpdateRun("missing", func(*Run) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Errorf("update missing: err = %v, want ErrNotFound", err)
	}
}

func TestUpdateRunCallbackError(t *testing.T) {
	s := newTestStore(t)
	newTestRun(t, s, "run-1", time.Now())

	boom := errors.New("boom")
	err := s.UpdateRun("run-1", func(run *Run) error {
		run.Result = ResultFail
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	got, _ := s.GetRun("run-1")
	if got.Result != "" {
		t.Errorf("result = %q, want unchanged", got.Result)
	}
}

func TestListRunsOrdered(t *testing.T) {
	s := newTestStore(t)
	base := time.Now()
	newTestRun(t, s, "c", base.Add(2*time.Second))
	newTestRun(t, s, "a", base)
	newTestRun(t, s, "b", base.Add(time.Second))

	runs, err := s.ListRuns()
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 3 {
		t.Fatalf("len = %d, want 3", len(runs))
	}
	for i, want := range []string{"a", "b", "c"} {
		if runs[i].ID != want {
			t.Errorf("runs[%d] = %q, want %q", i, runs[i].ID, want)
		}
	}
}

func TestAppendAndListFrames(t *testing.T) {
	s := newTestStore(t)
	newTestRun(t, s, "run-1", time.Now())

	corr := uint8(0x11)
	frames := []*FrameRecord{
		{APID: 0x01, Seq: 0, Payload: []byte("PONG")},
		{APID: 0x05, Seq: 0, Correlation: &corr, Payload: []byte{0}},
		{APID: 0x02, Seq: 3, Payload: []byte{1, 2, 3}},
	}
	for _, f := range frames {
		if err := s.AppendFrame("run-1", f); err != nil {
			t.Fatal(err)
		}
	}
	if frames[2].Index != 3 {
		t.Errorf("index = %d, want 3", frames[2].Index)
	}

	got, err := s.ListFrames("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if string(got[0].Payload) != "PONG" {
		t.Errorf("payload = %q", got[0].Payload)
	}
	if got[1].Correlation == nil || *got[1].Correlation != 0x11 {
		t.Errorf("correlation = %v, want 0x11", got[1].Correlation)
	}
	if got[2].Seq != 3 {
		t.Errorf("seq = %d, want 3", got[2].Seq)
	}
}

func TestAppendUnknownRun(t *testing.T) {
	s := newTestStore(t)
	if err := s.AppendFault("missing", &FaultRecord{Code: -7}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := s.ListBeacons("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestBeaconsAndFaults(t *testing.T) {
	s := newTestStore(t)
	newTestRun(t, s, "run-1", time.Now())

	if err := s.AppendBeacon("run-1", &BeaconRecord{Version: 1, Values: map[string]any{"comm.bitrate": "2400"}}); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendFault("run-1", &FaultRecord{Bus: "payload", Address: 0x12, Mode: "wr", Code: -7}); err != nil {
		t.Fatal(err)
	}

	beacons, err := s.ListBeacons("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(beacons) != 1 || beacons[0].Values["comm.bitrate"] != "2400" {
		t.Errorf("beacons = %+v", beacons)
	}

	faults, err := s.ListFaults("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(faults) != 1 || faults[0].Code != -7 || faults[0].Bus != "payload" {
		t.Errorf("faults = %+v", faults)
	}

	frames, err := s.ListFrames("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 0 {
		t.Errorf("frames = %d, want 0", len(frames))
	}
}

func TestDeleteRunDropsCaptures(t *testing.T) {
	s := newTestStore(t)
	newTestRun(t, s, "run-1", time.Now())
	if err := s.AppendFrame("run-1", &FrameRecord{APID: 1}); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteRun("run-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetRun("run-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("get after delete: err = %v", err)
	}
	if _, err := s.ListFrames("run-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("frames after delete: err = %v", err)
	}
	// deleting twice is not an error
	if err := s.DeleteRun("run-1"); err != nil {
		t.Errorf("second delete: %v", err)
	}
}

func TestReopenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveRun(&Run{ID: "run-1", StartedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendFault("run-1", &FaultRecord{Code: -1}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	faults, err := s.ListFaults("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(faults) != 1 || faults[0].Code != -1 {
		t.Errorf("faults = %+v", faults)
	}
}
