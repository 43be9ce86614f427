//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"testing"

	"obc-harness/internal/beacon"
	"obc-harness/internal/devices"
	"obc-harness/internal/events"
	"obc-harness/internal/frame"
	"obc-harness/internal/harness"
	"obc-harness/internal/i2c"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestBridge(t *testing.T) (*Bridge, *harness.System) {
	t.Helper()
	cfg := harness.DefaultConfig()
	cfg.Mode = harness.ModeNone
	sys, err := harness.New(cfg, newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sys.Close() })
	return newBridge(sys, "bench", newTestLogger()), sys
}

func TestRouteBusState(t *testing.T) {
	b, _ := newTestBridge(t)
	msgs := b.route(events.Event{Type: events.BusStateChanged, Data: i2c.StateEvent{Bus: "payload", Latched: true}})
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Topic != "bench/bus/payload/state" {
		t.Errorf("topic = %q", msgs[0].Topic)
	}
	if !msgs[0].Retained {
		t.Error("bus state should be retained")
	}
	var st i2c.StateEvent
	if err := json.Unmarshal(msgs[0].Payload, &st); err != nil {
		t.Fatal(err)
	}
	if !st.Latched || st.Bus != "payload" {
		t.Errorf("state = %+v", st)
	}
}

func TestRouteFrameAndFault(t *testing.T) {
	b, _ := newTestBridge(t)

	msgs := b.route(events.Event{Type: events.FrameReceived, Data: frame.Frame{APID: frame.APIDPong, Payload: []byte("PONG")}})
	if msgs[0].Topic != "bench/downlink/4" {
		t.Errorf("topic = %q", msgs[0].Topic)
	}
	if !strings.Contains(string(msgs[0].Payload), `"payload":"504f4e47"`) {
		t.Errorf("payload = %s", msgs[0].Payload)
	}

	msgs = b.route(events.Event{Type: events.BusFault, Data: i2c.FaultEvent{Bus: "system", Address: 0x12, Mode: "wr", Code: -1}})
	if msgs[0].Topic != "bench/bus/system/fault" || msgs[0].Retained {
		t.Errorf("fault message = %+v", msgs[0])
	}

	msgs = b.route(events.Event{Type: events.EPSPowerCycle, Data: devices.PowerCycleEvent{Controller: 0x0C, Count: 1}})
	if msgs[0].Topic != "bench/eps/power_cycle" {
		t.Errorf("topic = %q", msgs[0].Topic)
	}
}

func TestRouteBeaconAndOther(t *testing.T) {
	b, _ := newTestBridge(t)

	msgs := b.route(events.Event{Type: events.BeaconDecoded, Data: harness.BeaconEvent{Version: 1, Values: beacon.Store{"comm.bitrate": "9600"}}})
	if msgs[0].Topic != "bench/beacon" || !msgs[0].Retained {
		t.Errorf("beacon message = %+v", msgs[0])
	}
	if !strings.Contains(string(msgs[0].Payload), `"comm.bitrate":"9600"`) {
		t.Errorf("payload = %s", msgs[0].Payload)
	}

	msgs = b.route(events.Event{Type: events.AntennaDeploy, Data: devices.AntennaEvent{Controller: 0x32, Antenna: 2, Armed: true}})
	if msgs[0].Topic != "bench/events/antenna/deploy" {
		t.Errorf("topic = %q", msgs[0].Topic)
	}
}

func TestHandleBusCommand(t *testing.T) {
	b, sys := newTestBridge(t)
	ctrl := sys.Controller()

	if err := b.handleBusCommand(i2c.PayloadBus, []byte(`{"disabled": true, "frozen": true}`)); err != nil {
		t.Fatal(err)
	}
	st := ctrl.State(i2c.PayloadBus)
	if !st.Disabled || !st.Frozen || st.Latched {
		t.Errorf("payload state = %+v", st)
	}
	if ctrl.State(i2c.SystemBus).Disabled {
		t.Error("system bus should be untouched")
	}

	if err := b.handleBusCommand(i2c.PayloadBus, []byte(`{"disabled": false, "frozen": false, "latched": true}`)); err != nil {
		t.Fatal(err)
	}
	st = ctrl.State(i2c.PayloadBus)
	if st.Disabled || st.Frozen || !st.Latched {
		t.Errorf("payload state = %+v", st)
	}

	if err := b.handleBusCommand(i2c.SystemBus, []byte(`not json`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestHandleUplink(t *testing.T) {
	b, sys := newTestBridge(t)

	if err := b.handleUplink([]byte(`{"apid": 80, "payload": ""}`)); err != nil {
		t.Fatal(err)
	}
	if n := sys.Devices().Receiver.Pending(); n != 1 {
		t.Errorf("pending = %d, want 1", n)
	}
	if err := b.handleUplink([]byte(`{"apid": 80, "payload": "zz"}`)); err == nil {
		t.Error("expected error for bad hex")
	}
}

func TestBusDiscovery(t *testing.T) {
	msgs := buildBusDiscovery("bench", []string{"system", "payload"})
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4", len(msgs))
	}
	var sw haDiscovery
	for _, m := range msgs {
		if m.Topic == "homeassistant/switch/obc_harness/payload_bus/config" {
			if err := json.Unmarshal(m.Payload, &sw); err != nil {
				t.Fatal(err)
			}
		}
	}
	if sw.CommandTopic != "bench/bus/payload/set" {
		t.Errorf("command_topic = %q", sw.CommandTopic)
	}
	if sw.StateTopic != "bench/bus/payload/state" {
		t.Errorf("state_topic = %q", sw.StateTopic)
	}
	if sw.AvailabilityTopic != "bench/bridge/state" {
		t.Errorf("availability_topic = %q", sw.AvailabilityTopic)
	}
}

func TestBeaconDiscovery(t *testing.T) {
	schema := beacon.DefaultSchema()
	msgs := buildBeaconDiscovery("bench", schema)
	if len(msgs) != len(schema.Keys()) {
		t.Fatalf("got %d messages, want %d", len(msgs), len(schema.Keys()))
	}

	var voltage haDiscovery
	found := false
	for _, m := range msgs {
		if m.Topic == "homeassistant/sensor/obc_harness/eps_battery_voltage/config" {
			found = true
			if err := json.Unmarshal(m.Payload, &voltage); err != nil {
				t.Fatal(err)
			}
		}
	}
	if !found {
		t.Fatal("battery voltage discovery missing")
	}
	if voltage.UnitOfMeasurement != "V" || voltage.StateClass != "measurement" {
		t.Errorf("voltage = %+v", voltage)
	}
	if voltage.ValueTemplate != `{{ value_json.values["eps.battery_voltage"] }}` {
		t.Errorf("value_template = %q", voltage.ValueTemplate)
	}
}

func TestObjectID(t *testing.T) {
	tests := map[string]string{
		"eps.battery_voltage": "eps_battery_voltage",
		"antenna[1].armed":    "antenna_1_armed",
		"version":             "version",
	}
	for in, want := range tests {
		if got := objectID(in); got != want {
			t.Errorf("objectID(%q) = %q, want %q", in, got, want)
		}
	}
}
