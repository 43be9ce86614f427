package web

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"obc-harness/internal/events"
	"obc-harness/internal/i2c"
)

func startStream(t *testing.T) *eventStream {
	t.Helper()
	h := newEventStream(newTestLogger())
	go h.Run()
	t.Cleanup(h.Stop)
	return h
}

func decodeMsg(t *testing.T, data []byte) wsMessage {
	t.Helper()
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatal(err)
	}
	return msg
}

// waitFor polls cond for up to a second.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStreamAddRemove(t *testing.T) {
	h := startStream(t)
	c := newStreamClient(nil, nil)

	if !h.add(c) {
		t.Fatal("add refused")
	}
	if n := h.count(); n != 1 {
		t.Errorf("after add: count = %d, want 1", n)
	}
	h.remove(c)
	if n := h.count(); n != 0 {
		t.Errorf("after remove: count = %d, want 0", n)
	}
	if _, ok := <-c.out; ok {
		t.Error("out should be closed after remove")
	}
	// Second remove is a no-op.
	h.remove(c)
}

func TestStreamFiltersAndSeq(t *testing.T) {
	h := startStream(t)
	all := newStreamClient(nil, nil)
	busOnly := newStreamClient(nil, []string{"bus."})
	h.add(all)
	h.add(busOnly)

	h.Publish(events.Event{Type: events.BeaconDecoded})
	h.Publish(events.Event{Type: events.BusLatched, Data: i2c.LatchEvent{Bus: "payload"}})
	waitFor(t, func() bool { return len(all.out) == 2 })

	if n := len(busOnly.out); n != 1 {
		t.Fatalf("filtered client got %d messages, want 1", n)
	}
	msg := decodeMsg(t, <-busOnly.out)
	if msg.Type != events.BusLatched || msg.Seq != 2 {
		t.Errorf("msg = %+v, want %s seq 2", msg, events.BusLatched)
	}
	if first := decodeMsg(t, <-all.out); first.Seq != 1 {
		t.Errorf("first seq = %d, want 1", first.Seq)
	}

	busOnly.subscribe([]string{"*"})
	if !busOnly.wants(events.BeaconDecoded) {
		t.Error("wildcard subscription should match everything")
	}
}

func TestStreamEvictsSlowClient(t *testing.T) {
	h := startStream(t)
	slow := &streamClient{out: make(chan []byte, 1)}
	fast := &streamClient{out: make(chan []byte, 2*wsMaxMissed)}
	h.add(slow)
	h.add(fast)

	for i := 0; i < wsMaxMissed+1; i++ {
		h.Publish(events.Event{Type: "tick"})
	}
	waitFor(t, func() bool { return len(fast.out) == wsMaxMissed+1 })

	h.mu.Lock()
	_, slowPresent := h.clients[slow]
	_, fastPresent := h.clients[fast]
	h.mu.Unlock()
	if slowPresent {
		t.Error("slow client should have been evicted")
	}
	if !fastPresent {
		t.Error("fast client should still be present")
	}
}

func TestStreamToleratesShortStall(t *testing.T) {
	h := startStream(t)
	c := &streamClient{out: make(chan []byte, 1)}
	h.add(c)

	h.Publish(events.Event{Type: "a"})
	h.Publish(events.Event{Type: "b"})
	waitFor(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.seq == 2
	})
	if h.count() != 1 {
		t.Fatal("client evicted after a single miss")
	}
	<-c.out
	h.Publish(events.Event{Type: "c"})
	if msg := decodeMsg(t, <-c.out); msg.Seq != 3 {
		t.Errorf("seq = %d, want 3 (gap marks the missed event)", msg.Seq)
	}
}

func TestStreamPublishNeverBlocks(t *testing.T) {
	h := newEventStream(newTestLogger())
	// Not running: nothing drains the queue.
	done := make(chan struct{})
	go func() {
		for i := 0; i < wsQueueSize+10; i++ {
			h.Publish(events.Event{Type: "fill"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Publish blocked when the queue is full")
	}
}

func TestStreamStop(t *testing.T) {
	h := newEventStream(newTestLogger())
	go h.Run()
	c := newStreamClient(nil, nil)
	h.add(c)

	h.Stop()
	h.Stop()

	if _, ok := <-c.out; ok {
		t.Error("out should be closed after Stop")
	}
	waitFor(t, func() bool { return !h.add(newStreamClient(nil, nil)) })
}

func TestWSStreamsHarnessEvents(t *testing.T) {
	srv, sys := setupTestServer(t, "")
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?events=bus.latched"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if msg := decodeMsg(t, data); msg.Type != "snapshot" {
		t.Fatalf("first message = %q, want snapshot", msg.Type)
	}

	// The snapshot is queued before registration completes.
	waitFor(t, func() bool { return srv.stream.count() == 1 })
	sys.Controller().Latch(i2c.PayloadBus)

	_, data, err = conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if msg := decodeMsg(t, data); msg.Type != events.BusLatched {
		t.Errorf("type = %q, want %q", msg.Type, events.BusLatched)
	}
}
