// Package comm connects the frame codec to the simulated radios: uplink
// telecommands go into the receiver, downlink bytes leaving the transmitter
// are parsed into the inbox.
package comm

import (
	"context"
	"log/slog"
	"time"

	"obc-harness/internal/devices"
	"obc-harness/internal/events"
	"obc-harness/internal/frame"
)

// Comm is the ground station side of the link.
type Comm struct {
	codec  *frame.Codec
	rx     *devices.Receiver
	inbox  *frame.Inbox
	events *events.Bus
	logger *slog.Logger
	unsub  func()
}

// New wires codec, receiver and inbox together and starts listening for
// transmitter frames on bus.
func New(codec *frame.Codec, rx *devices.Receiver, inbox *frame.Inbox, bus *events.Bus, logger *slog.Logger) *Comm {
	c := &Comm{
		codec:  codec,
		rx:     rx,
		inbox:  inbox,
		events: bus,
		logger: logger.With("component", "comm"),
	}
	c.unsub = bus.On(events.TransmitterFrame, c.onTransmitterFrame)
	return c
}

func (c *Comm) onTransmitterFrame(e events.Event) {
	raw, ok := e.Data.([]byte)
	if !ok {
		return
	}
	f, err := c.codec.ParseDownlink(raw)
	if err != nil {
		c.logger.Warn("malformed downlink frame", "err", err, "len", len(raw))
		c.events.Publish(events.FrameMalformed, raw)
		return
	}
	c.logger.Debug("downlink frame", "frame", f)
	c.inbox.Put(f)
	c.events.Publish(events.FrameReceived, f)
}

// PutFrame uplinks a telecommand.
func (c *Comm) PutFrame(tc frame.Telecommand) {
	c.rx.PutFrame(c.codec.Uplink(tc))
	c.logger.Debug("uplink frame", "apid", tc.APID(), "len", len(tc.Payload()))
}

// GetFrame waits up to timeout for the next frame matching match.
func (c *Comm) GetFrame(timeout time.Duration, match frame.Predicate) (frame.Frame, error) {
	return c.inbox.GetTimeout(timeout, match)
}

// GetFrameContext waits until ctx is done for the next frame matching match.
func (c *Comm) GetFrameContext(ctx context.Context, match frame.Predicate) (frame.Frame, error) {
	return c.inbox.Get(ctx, match)
}

// DownloadFile uplinks tc and reassembles the answer. timeout bounds the
// wait for the first frame, perFrame every later one.
func (c *Comm) DownloadFile(ctx context.Context, tc frame.DownloadFile, timeout, perFrame time.Duration) ([]byte, error) {
	c.PutFrame(tc)
	return c.Reassembler().Collect(ctx, frame.FileRequest(tc, timeout, perFrame))
}

// Reassembler returns a reassembler reading from the inbox.
func (c *Comm) Reassembler() *frame.Reassembler {
	return frame.NewReassembler(c.inbox)
}

// Inbox returns the downlink inbox.
func (c *Comm) Inbox() *frame.Inbox { return c.inbox }

// Codec returns the frame codec.
func (c *Comm) Codec() *frame.Codec { return c.codec }

// Receiver returns the uplink radio.
func (c *Comm) Receiver() *devices.Receiver { return c.rx }

// Close stops listening for transmitter frames.
func (c *Comm) Close() {
	if c.unsub != nil {
		c.unsub()
		c.unsub = nil
	}
}
