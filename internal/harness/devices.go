package harness

import (
	"fmt"
	"time"

	"obc-harness/internal/devices"
	"obc-harness/internal/events"
	"obc-harness/internal/i2c"
)

// Devices are the standard peripherals of the board.
type Devices struct {
	EPSA           *devices.EPS
	EPSB           *devices.EPS
	Transmitter    *devices.Transmitter
	Receiver       *devices.Receiver
	PrimaryAntenna *devices.AntennaController
	BackupAntenna  *devices.AntennaController
	RTC            *devices.RTC
	Imtq           *devices.Imtq
}

// addDevices registers the standard peripherals: EPS controller B on the
// payload bus, everything else on the system bus.
func addDevices(ctrl *i2c.Controller, bus *events.Bus) (*Devices, error) {
	d := &Devices{
		EPSA:           devices.NewEPS(devices.EPSControllerAAddress, bus),
		EPSB:           devices.NewEPS(devices.EPSControllerBAddress, bus),
		Transmitter:    devices.NewTransmitter(bus),
		Receiver:       devices.NewReceiver(bus),
		PrimaryAntenna: devices.NewAntennaController(devices.PrimaryAntennaAddress, bus),
		BackupAntenna:  devices.NewAntennaController(devices.BackupAntennaAddress, bus),
		RTC:            devices.NewRTC(bus, time.Now),
		Imtq:           devices.NewImtq(bus),
	}
	system := []i2c.Device{d.EPSA, d.Transmitter, d.Receiver, d.PrimaryAntenna, d.BackupAntenna, d.RTC, d.Imtq}
	for _, dev := range system {
		if err := ctrl.AddDevice(dev, i2c.SystemBus); err != nil {
			return nil, fmt.Errorf("harness: add %T: %w", dev, err)
		}
	}
	if err := ctrl.AddDevice(d.EPSB, i2c.PayloadBus); err != nil {
		return nil, fmt.Errorf("harness: add eps b: %w", err)
	}
	return d, nil
}

// AddTestDevices puts an echo device at 0x12 and a hanging device at 0x14
// on both buses. With a single bus they are added once.
func (s *System) AddTestDevices() error {
	buses := []i2c.BusSelector{i2c.SystemBus, i2c.PayloadBus}
	if s.ctrl.SingleBus() {
		buses = buses[:1]
	}
	for _, b := range buses {
		for _, dev := range []i2c.Device{devices.NewEcho(devices.DefaultEchoAddress), devices.NewHanging(devices.DefaultHangingAddress)} {
			if err := s.ctrl.AddDevice(dev, b); err != nil {
				return fmt.Errorf("harness: add %T on %s: %w", dev, b, err)
			}
		}
	}
	return nil
}

// DeviceInfo names one standard peripheral and where it sits.
type DeviceInfo struct {
	Name    string `json:"name"`
	Bus     string `json:"bus"`
	Address uint8  `json:"address"`
}

// List describes the standard peripherals in a fixed order.
func (d *Devices) List() []DeviceInfo {
	sys, pld := i2c.SystemBus.String(), i2c.PayloadBus.String()
	return []DeviceInfo{
		{Name: "eps_a", Bus: sys, Address: uint8(d.EPSA.Address())},
		{Name: "eps_b", Bus: pld, Address: uint8(d.EPSB.Address())},
		{Name: "transmitter", Bus: sys, Address: uint8(d.Transmitter.Address())},
		{Name: "receiver", Bus: sys, Address: uint8(d.Receiver.Address())},
		{Name: "antenna_primary", Bus: sys, Address: uint8(d.PrimaryAntenna.Address())},
		{Name: "antenna_backup", Bus: sys, Address: uint8(d.BackupAntenna.Address())},
		{Name: "rtc", Bus: sys, Address: uint8(d.RTC.Address())},
		{Name: "imtq", Bus: sys, Address: uint8(d.Imtq.Address())},
	}
}
