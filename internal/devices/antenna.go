package devices

import (
	"context"
	"sync"

	"obc-harness/internal/events"
	"obc-harness/internal/i2c"
)

// Antenna controller commands.
const (
	antDeploy           = 0xA0 // + antenna id (1..4)
	antAutoDeploy       = 0xA5
	antCancelDeployment = 0xA9
	antReset            = 0xAA
	antDisarm           = 0xAC
	antArm              = 0xAD
	antActivationCount  = 0xAF // + antenna id
	antActivationTime   = 0xB3 // + antenna id
	antDeployOverride   = 0xB9 // + antenna id
	antTemperature      = 0xC0
	antDeploymentStatus = 0xC3
)

// AntennaCount is the number of antennas a controller drives.
const AntennaCount = 4

// AntennaEvent is the data of events.AntennaArm and events.AntennaDeploy.
type AntennaEvent struct {
	Controller uint8 `json:"controller"`
	Antenna    int   `json:"antenna,omitempty"` // 1..4, 0 for automatic deployment
	Armed      bool  `json:"armed"`
	Override   bool  `json:"override,omitempty"`
	Timeout    int   `json:"timeout_s,omitempty"`
}

// AntennaController models one of the two antenna deployment controllers.
// Deployment completes instantly while the system is armed.
type AntennaController struct {
	addr   i2c.Address
	events *events.Bus

	mu              sync.Mutex
	armed           bool
	ignoreSwitches  bool
	deployed        [AntennaCount]bool
	activationCount [AntennaCount]uint8
	activationTime  [AntennaCount]uint16 // 50 ms units
	temperature     uint16
}

// NewAntennaController creates a controller at addr.
func NewAntennaController(addr i2c.Address, bus *events.Bus) *AntennaController {
	return &AntennaController{addr: addr, events: bus, temperature: 0x0123}
}

func (a *AntennaController) Address() i2c.Address { return a.addr }

func (a *AntennaController) Handle(_ context.Context, tx i2c.Transaction) i2c.Result {
	res, ev := a.handle(tx)
	if ev != nil {
		a.events.Emit(*ev)
	}
	return res
}

func (a *AntennaController) handle(tx i2c.Transaction) (i2c.Result, *events.Event) {
	cmd, args, ok := splitCommand(tx)
	if !ok {
		return i2c.Result{Fault: i2c.NAK}, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	ctrl := uint8(a.addr)
	switch {
	case cmd == antArm || cmd == antDisarm:
		a.armed = cmd == antArm
		return i2c.Result{}, &events.Event{Type: events.AntennaArm, Data: AntennaEvent{Controller: ctrl, Armed: a.armed}}

	case cmd == antReset:
		a.armed = false
		return i2c.Result{}, nil

	case cmd == antCancelDeployment:
		// Deployment is instantaneous, nothing to cancel.
		return i2c.Result{}, nil

	case cmd == antAutoDeploy:
		timeout := argByte(args)
		if a.armed {
			for i := range a.deployed {
				a.deploy(i, timeout)
			}
		}
		return i2c.Result{}, &events.Event{Type: events.AntennaDeploy, Data: AntennaEvent{Controller: ctrl, Armed: a.armed, Timeout: int(timeout)}}

	case cmd > antDeploy && cmd <= antDeploy+AntennaCount,
		cmd > antDeployOverride && cmd <= antDeployOverride+AntennaCount:
		override := cmd > antDeployOverride
		id := int(cmd - antDeploy)
		if override {
			id = int(cmd - antDeployOverride)
		}
		timeout := argByte(args)
		if a.armed {
			a.ignoreSwitches = override
			a.deploy(id-1, timeout)
		}
		return i2c.Result{}, &events.Event{Type: events.AntennaDeploy, Data: AntennaEvent{
			Controller: ctrl, Antenna: id, Armed: a.armed, Override: override, Timeout: int(timeout),
		}}

	case cmd > antActivationCount && cmd <= antActivationCount+AntennaCount:
		return i2c.Reply([]byte{a.activationCount[cmd-antActivationCount-1]}), nil

	case cmd > antActivationTime && cmd <= antActivationTime+AntennaCount:
		return i2c.Reply(be16(a.activationTime[cmd-antActivationTime-1])), nil

	case cmd == antTemperature:
		return i2c.Reply(be16(a.temperature & 0x3FF)), nil

	case cmd == antDeploymentStatus:
		return i2c.Reply(le16(a.status())), nil
	}
	return i2c.Result{Fault: i2c.NAK}, nil
}

func argByte(args []byte) uint8 {
	if len(args) == 0 {
		return 0
	}
	return args[0]
}

func (a *AntennaController) deploy(i int, timeout uint8) {
	a.deployed[i] = true
	a.activationCount[i]++
	a.activationTime[i] += uint16(timeout) * 20
}

// status packs the deployment status word: a clear bit 15/11/7/3 means
// antenna 1..4 is deployed, bit 8 the switch override and bit 0 the armed
// state. Bits 13/9/5/1 (deployment active) stay clear.
func (a *AntennaController) status() uint16 {
	var v uint16
	notDeployed := [AntennaCount]uint{15, 11, 7, 3}
	for i := 0; i < AntennaCount; i++ {
		if !a.deployed[i] {
			v |= 1 << notDeployed[i]
		}
	}
	if a.ignoreSwitches {
		v |= 1 << 8
	}
	if a.armed {
		v |= 1
	}
	return v
}

// Armed reports whether the deployment system is armed.
func (a *AntennaController) Armed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.armed
}

// Deployed reports whether antenna id (1..4) is deployed.
func (a *AntennaController) Deployed(id int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id < 1 || id > AntennaCount {
		return false
	}
	return a.deployed[id-1]
}

// SetTemperature sets the raw 10-bit temperature reading.
func (a *AntennaController) SetTemperature(raw uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.temperature = raw
}
