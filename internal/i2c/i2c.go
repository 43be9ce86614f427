// Package i2c emulates the addressed buses the OBC firmware talks to.
//
// A Controller owns a device registry per physical bus, serves transactions
// arriving from a Transport and injects bus-level faults (disable, latch,
// freeze, handler timeout).
package i2c

import (
	"context"
	"fmt"
	"strings"
)

// Address is a 7-bit bus address.
type Address uint8

// MaxAddress is the highest valid 7-bit address.
const MaxAddress Address = 0x7F

func (a Address) String() string {
	return fmt.Sprintf("0x%02X", uint8(a))
}

// BusSelector names a logical bus.
type BusSelector uint8

const (
	SystemBus BusSelector = iota
	PayloadBus
)

func (b BusSelector) String() string {
	switch b {
	case SystemBus:
		return "system"
	case PayloadBus:
		return "payload"
	default:
		return fmt.Sprintf("bus(%d)", uint8(b))
	}
}

// ParseBus accepts "system"/"sys" and "payload"/"pld".
func ParseBus(s string) (BusSelector, error) {
	switch strings.ToLower(s) {
	case "system", "sys", "s":
		return SystemBus, nil
	case "payload", "pld", "p":
		return PayloadBus, nil
	}
	return 0, fmt.Errorf("i2c: unknown bus %q", s)
}

// Mode is the transaction kind.
type Mode uint8

const (
	Read Mode = iota
	Write
	WriteRead
)

func (m Mode) String() string {
	switch m {
	case Read:
		return "r"
	case Write:
		return "w"
	case WriteRead:
		return "wr"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ParseMode accepts the control-channel spelling: r, w, wr.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "r":
		return Read, nil
	case "w":
		return Write, nil
	case "wr":
		return WriteRead, nil
	}
	return 0, fmt.Errorf("i2c: unknown mode %q", s)
}

// Transaction is one bus exchange initiated by the firmware.
type Transaction struct {
	Bus     BusSelector
	Address Address
	Mode    Mode
	Data    []byte // bytes written (Write, WriteRead)
	ReadLen int    // bytes requested (Read, WriteRead)
}

func (t Transaction) String() string {
	return fmt.Sprintf("%s %s %s data=%X read=%d", t.Bus, t.Mode, t.Address, t.Data, t.ReadLen)
}

// FaultCode is the signed result code the firmware reports for a transfer.
// Zero means success.
type FaultCode int8

const (
	OK      FaultCode = 0
	NAK     FaultCode = -1
	Latch   FaultCode = -7
	Timeout FaultCode = -8
)

func (c FaultCode) String() string {
	switch c {
	case OK:
		return "ok"
	case NAK:
		return "nak"
	case Latch:
		return "latch"
	case Timeout:
		return "timeout"
	default:
		return fmt.Sprintf("fault(%d)", int8(c))
	}
}

// Response is the outcome of a transaction.
type Response struct {
	Data []byte
	Code FaultCode
}

// Err returns a *FaultError for a failed response, nil on success.
func (r Response) Err() error {
	if r.Code == OK {
		return nil
	}
	return &FaultError{Code: r.Code}
}

// FaultError carries a bus fault to callers that work with errors.
type FaultError struct {
	Code FaultCode
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("i2c: %s (%d)", e.Code, int8(e.Code))
}

// Is matches another *FaultError with the same code, so
// errors.Is(err, &FaultError{Code: Latch}) works.
func (e *FaultError) Is(target error) bool {
	t, ok := target.(*FaultError)
	return ok && t.Code == e.Code
}

// Effect is a side effect a device asks the controller to apply.
type Effect uint8

const (
	// EffectLatch trips the bus protection; every later transaction on the
	// bus fails with Latch until Unlatch.
	EffectLatch Effect = iota + 1
	// EffectPowerCycle notifies power-cycle observers.
	EffectPowerCycle
)

func (e Effect) String() string {
	switch e {
	case EffectLatch:
		return "latch"
	case EffectPowerCycle:
		return "power_cycle"
	default:
		return fmt.Sprintf("effect(%d)", uint8(e))
	}
}

// Result is what a device handler produces for one transaction.
type Result struct {
	Data    []byte
	Fault   FaultCode
	Effects []Effect
}

// Reply is a successful result carrying data.
func Reply(data []byte) Result {
	return Result{Data: data}
}

// Device is a simulated peripheral bound to one address.
//
// Handle must return once ctx is done; the controller cancels ctx when the
// handler budget elapses. Implementations guard their own state, Handle may
// be called from several bus goroutines.
type Device interface {
	Address() Address
	Handle(ctx context.Context, tx Transaction) Result
}

// Initiator starts transactions on a bus. The Controller, Loopback and
// StreamClient implement it.
type Initiator interface {
	Transfer(ctx context.Context, tx Transaction) Response
}
