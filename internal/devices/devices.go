// Package devices provides the simulated peripherals attached to the mock
// buses. Each type implements i2c.Device and reports what the firmware did
// to it on an events.Bus.
package devices

import (
	"context"
	"encoding/binary"
	"sync"

	"obc-harness/internal/i2c"
)

// Default addresses.
const (
	ImtqAddress           i2c.Address = 0x10
	EPSControllerAAddress i2c.Address = 0x0C
	EPSControllerBAddress i2c.Address = 0x0D
	PrimaryAntennaAddress i2c.Address = 0x32
	BackupAntennaAddress  i2c.Address = 0x34
	RTCAddress            i2c.Address = 0x51
	ReceiverAddress       i2c.Address = 0x60
	TransmitterAddress    i2c.Address = 0x62
	DefaultEchoAddress    i2c.Address = 0x12
	DefaultHangingAddress i2c.Address = 0x14
)

// splitCommand returns the command byte and its arguments.
func splitCommand(tx i2c.Transaction) (byte, []byte, bool) {
	if len(tx.Data) == 0 {
		return 0, nil, false
	}
	return tx.Data[0], tx.Data[1:], true
}

func le16(v uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return b
}

func be16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

// --- Echo ---

// Echo answers every byte b with b+1 (mod 256). A plain write stores the
// incremented bytes for a following read.
type Echo struct {
	addr i2c.Address

	mu   sync.Mutex
	last []byte
}

// NewEcho creates an echo device at addr.
func NewEcho(addr i2c.Address) *Echo {
	return &Echo{addr: addr}
}

func (e *Echo) Address() i2c.Address { return e.addr }

func (e *Echo) Handle(_ context.Context, tx i2c.Transaction) i2c.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch tx.Mode {
	case i2c.Write:
		e.last = increment(tx.Data)
		return i2c.Result{}
	case i2c.Read:
		return i2c.Reply(append([]byte(nil), e.last...))
	default:
		return i2c.Reply(increment(tx.Data))
	}
}

func increment(in []byte) []byte {
	out := make([]byte, len(in))
	for i, b := range in {
		out[i] = b + 1
	}
	return out
}

// --- Hanging ---

// Hanging never answers: the handler blocks until the controller gives up.
// Writing 0x02 instead holds the clock line low, which the controller sees
// as a bus latch.
type Hanging struct {
	addr i2c.Address
}

// NewHanging creates a non-responding device at addr.
func NewHanging(addr i2c.Address) *Hanging {
	return &Hanging{addr: addr}
}

func (h *Hanging) Address() i2c.Address { return h.addr }

func (h *Hanging) Handle(ctx context.Context, tx i2c.Transaction) i2c.Result {
	if cmd, _, ok := splitCommand(tx); ok && cmd == 0x02 {
		return i2c.Result{Fault: i2c.Latch, Effects: []i2c.Effect{i2c.EffectLatch}}
	}
	<-ctx.Done()
	return i2c.Result{Fault: i2c.Timeout}
}
