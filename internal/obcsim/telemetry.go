package obcsim

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"obc-harness/internal/beacon"
	"obc-harness/internal/devices"
	"obc-harness/internal/i2c"
)

// Beacon samples the peripherals and packs them with the default beacon
// schema. Devices that do not answer leave their fields zero.
func (s *Sim) Beacon(ctx context.Context) []byte {
	s.mu.Lock()
	raw := map[string]uint64{
		"version":              beacon.DefaultVersion,
		"obc.boot_counter":     uint64(s.bootCount),
		"obc.boot_index":       1,
		"obc.uptime":           uint64(time.Since(s.bootedAt) / time.Second),
		"obc.mission_time":     uint64((s.missionTime + time.Since(s.missionSet)) / time.Second),
		"comm.frames_received": uint64(s.rxFrames),
		"comm.frames_sent":     uint64(s.txFrames),
	}
	s.mu.Unlock()

	if d, ok := s.read(ctx, i2c.SystemBus, devices.TransmitterAddress, cmdTxGetState, 1); ok {
		raw["comm.idle"] = uint64(d[0] & 1)
		raw["comm.bitrate"] = bitrateIndex(d[0] >> 1)
	}
	if d, ok := s.read(ctx, i2c.SystemBus, devices.EPSControllerAAddress, cmdEPSHousekeep, 4); ok {
		raw["eps.lcl"] = uint64(binary.LittleEndian.Uint16(d))
		raw["eps.power_cycles"] = uint64(binary.LittleEndian.Uint16(d[2:]))
	}
	for i, addr := range []i2c.Address{devices.PrimaryAntennaAddress, devices.BackupAntennaAddress} {
		d, ok := s.read(ctx, i2c.SystemBus, addr, cmdAntennaStatus, 2)
		if !ok {
			continue
		}
		status := binary.LittleEndian.Uint16(d)
		prefix := fmt.Sprintf("antenna[%d].", i)
		raw[prefix+"armed"] = uint64(status & 1)
		raw[prefix+"deployed"] = deployedMask(status)
	}
	if d, ok := s.read(ctx, i2c.SystemBus, devices.ImtqAddress, cmdImtqState, 3); ok {
		raw["imtq.mode"] = uint64(d[2])
	}
	if d, ok := s.read(ctx, i2c.SystemBus, devices.RTCAddress, rtcTimeRegister, 7); ok {
		raw["rtc_time"] = uint64(rtcTime(d).Unix())
	}
	return beacon.Encode(s.schema, raw)
}

// read runs a command/response exchange and checks the reply length.
func (s *Sim) read(ctx context.Context, bus i2c.BusSelector, addr i2c.Address, cmd byte, n int) ([]byte, bool) {
	resp := s.transfer(ctx, i2c.Transaction{Bus: bus, Address: addr, Mode: i2c.WriteRead, Data: []byte{cmd}, ReadLen: n})
	if resp.Code != i2c.OK || len(resp.Data) < n {
		return nil, false
	}
	return resp.Data, true
}

// bitrateIndex maps the transmitter rate code (1, 2, 4, 8) to 0..3.
func bitrateIndex(code byte) uint64 {
	switch code {
	case 2:
		return 1
	case 4:
		return 2
	case 8:
		return 3
	}
	return 0
}

// deployedMask turns the antenna status word into one bit per deployed
// antenna, antenna 1 in the most significant bit.
func deployedMask(status uint16) uint64 {
	var m uint64
	for i, bit := range []uint{15, 11, 7, 3} {
		if status&(1<<bit) == 0 {
			m |= 1 << (3 - i)
		}
	}
	return m
}

func rtcTime(regs []byte) time.Time {
	bcd := func(b byte) int { return int(b>>4)*10 + int(b&0x0F) }
	return time.Date(
		2000+bcd(regs[6]),
		time.Month(bcd(regs[5]&0x1F)),
		bcd(regs[3]&0x3F),
		bcd(regs[2]&0x3F),
		bcd(regs[1]&0x7F),
		bcd(regs[0]&0x7F),
		0, time.UTC)
}
