package devices

import (
	"context"
	"sync"

	"obc-harness/internal/events"
	"obc-harness/internal/i2c"
)

// EPS commands.
const (
	epsHousekeeping     = 0x00
	epsPowerCycle       = 0xE0
	epsEnableLCL        = 0xE1
	epsDisableLCL       = 0xE2
	epsEnableBurnSwitch = 0xE3
)

// LCL identifies a latch-up current limiter output of the EPS.
type LCL uint8

const (
	LCLTKMain LCL = iota + 1
	LCLTKRed
	LCLSunS
	LCLCamNadir
	LCLCamWing
	LCLSENS
	LCLAntennaMain
	LCLAntennaRed
)

// LCLEvent is the data of events.EPSLCL.
type LCLEvent struct {
	Controller uint8 `json:"controller"`
	LCL        uint8 `json:"lcl"`
	On         bool  `json:"on"`
}

// PowerCycleEvent is the data of events.EPSPowerCycle.
type PowerCycleEvent struct {
	Controller uint8 `json:"controller"`
	Count      int   `json:"count"`
}

// EPS models one controller of the electrical power subsystem.
type EPS struct {
	addr   i2c.Address
	events *events.Bus

	mu           sync.Mutex
	lcls         map[LCL]bool
	burnSwitches map[uint8]bool
	powerCycles  int
}

// NewEPS creates an EPS controller at addr.
func NewEPS(addr i2c.Address, bus *events.Bus) *EPS {
	return &EPS{
		addr:         addr,
		events:       bus,
		lcls:         make(map[LCL]bool),
		burnSwitches: make(map[uint8]bool),
	}
}

func (e *EPS) Address() i2c.Address { return e.addr }

func (e *EPS) Handle(_ context.Context, tx i2c.Transaction) i2c.Result {
	res, ev := e.handle(tx)
	if ev != nil {
		e.events.Emit(*ev)
	}
	return res
}

func (e *EPS) handle(tx i2c.Transaction) (i2c.Result, *events.Event) {
	cmd, args, ok := splitCommand(tx)
	if !ok {
		return i2c.Result{Fault: i2c.NAK}, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch cmd {
	case epsPowerCycle:
		e.powerCycles++
		return i2c.Result{Effects: []i2c.Effect{i2c.EffectPowerCycle}},
			&events.Event{Type: events.EPSPowerCycle, Data: PowerCycleEvent{Controller: uint8(e.addr), Count: e.powerCycles}}
	case epsEnableLCL, epsDisableLCL:
		if len(args) < 1 {
			return i2c.Result{Fault: i2c.NAK}, nil
		}
		on := cmd == epsEnableLCL
		e.lcls[LCL(args[0])] = on
		return i2c.Reply([]byte{0}), &events.Event{Type: events.EPSLCL, Data: LCLEvent{Controller: uint8(e.addr), LCL: args[0], On: on}}
	case epsEnableBurnSwitch:
		if len(args) < 1 {
			return i2c.Result{Fault: i2c.NAK}, nil
		}
		e.burnSwitches[args[0]] = true
		return i2c.Reply([]byte{0}), nil
	case epsHousekeeping:
		var mask uint16
		for lcl, on := range e.lcls {
			if on && lcl > 0 && lcl <= 16 {
				mask |= 1 << (lcl - 1)
			}
		}
		return i2c.Reply(append(le16(mask), le16(uint16(e.powerCycles))...)), nil
	}
	return i2c.Result{Fault: i2c.NAK}, nil
}

// PowerCycles returns how many power cycles were commanded.
func (e *EPS) PowerCycles() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.powerCycles
}

// LCLOn reports whether lcl is enabled.
func (e *EPS) LCLOn(lcl LCL) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lcls[lcl]
}

// BurnSwitch reports whether the burn switch id was enabled.
func (e *EPS) BurnSwitch(id uint8) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.burnSwitches[id]
}
