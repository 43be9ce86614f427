package devices

import (
	"context"
	"encoding/binary"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"obc-harness/internal/events"
	"obc-harness/internal/i2c"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func write(data ...byte) i2c.Transaction {
	return i2c.Transaction{Mode: i2c.Write, Data: data}
}

func writeRead(n int, data ...byte) i2c.Transaction {
	return i2c.Transaction{Mode: i2c.WriteRead, Data: data, ReadLen: n}
}

func collect(bus *events.Bus, eventType string) *[]events.Event {
	var got []events.Event
	bus.On(eventType, func(e events.Event) { got = append(got, e) })
	return &got
}

func TestEcho(t *testing.T) {
	e := NewEcho(DefaultEchoAddress)
	ctx := context.Background()

	res := e.Handle(ctx, writeRead(3, 'a', 'b', 'c'))
	assert.Equal(t, "bcd", string(res.Data))

	res = e.Handle(ctx, writeRead(1, 0xFF))
	assert.Equal(t, []byte{0x00}, res.Data, "wraps modulo 256")

	e.Handle(ctx, write(1, 2))
	res = e.Handle(ctx, i2c.Transaction{Mode: i2c.Read, ReadLen: 2})
	assert.Equal(t, []byte{2, 3}, res.Data)
}

func TestHanging(t *testing.T) {
	h := NewHanging(DefaultHangingAddress)

	res := h.Handle(context.Background(), write(0x02))
	assert.Equal(t, i2c.Latch, res.Fault)
	assert.Equal(t, []i2c.Effect{i2c.EffectLatch}, res.Effects)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	res = h.Handle(ctx, write(0x01))
	assert.Equal(t, i2c.Timeout, res.Fault)
}

func TestEPS(t *testing.T) {
	bus := events.NewBus(newTestLogger())
	cycles := collect(bus, events.EPSPowerCycle)
	lcls := collect(bus, events.EPSLCL)
	eps := NewEPS(EPSControllerAAddress, bus)
	ctx := context.Background()

	res := eps.Handle(ctx, write(epsPowerCycle))
	assert.Equal(t, []i2c.Effect{i2c.EffectPowerCycle}, res.Effects)
	assert.Equal(t, 1, eps.PowerCycles())
	require.Len(t, *cycles, 1)
	assert.Equal(t, PowerCycleEvent{Controller: 0x0C, Count: 1}, (*cycles)[0].Data)

	eps.Handle(ctx, write(epsEnableLCL, byte(LCLAntennaMain)))
	assert.True(t, eps.LCLOn(LCLAntennaMain))
	eps.Handle(ctx, write(epsDisableLCL, byte(LCLAntennaMain)))
	assert.False(t, eps.LCLOn(LCLAntennaMain))
	assert.Len(t, *lcls, 2)

	eps.Handle(ctx, write(epsEnableLCL, byte(LCLTKMain)))
	res = eps.Handle(ctx, writeRead(4, epsHousekeeping))
	require.Len(t, res.Data, 4)
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(res.Data[0:2]))
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(res.Data[2:4]))

	eps.Handle(ctx, write(epsEnableBurnSwitch, 1))
	assert.True(t, eps.BurnSwitch(1))

	assert.Equal(t, i2c.NAK, eps.Handle(ctx, write(0x55)).Fault)
	assert.Equal(t, i2c.NAK, eps.Handle(ctx, write()).Fault)
}

func TestReceiver(t *testing.T) {
	bus := events.NewBus(newTestLogger())
	resets := collect(bus, events.ReceiverReset)
	rx := NewReceiver(bus)
	ctx := context.Background()

	res := rx.Handle(ctx, writeRead(2, rxGetFrameCount))
	assert.Equal(t, []byte{0, 0}, res.Data)

	rx.PutFrame([]byte("first"))
	rx.PutFrame([]byte("second"))

	res = rx.Handle(ctx, writeRead(2, rxGetFrameCount))
	assert.Equal(t, []byte{2, 0}, res.Data)

	res = rx.Handle(ctx, writeRead(64, rxGetFrame))
	require.GreaterOrEqual(t, len(res.Data), 6)
	n := binary.LittleEndian.Uint16(res.Data[0:2])
	assert.Equal(t, "first", string(res.Data[6:6+n]))

	rx.Handle(ctx, write(rxRemoveFrame))
	assert.Equal(t, 1, rx.Pending())

	rx.Handle(ctx, write(commSoftwareReset))
	assert.Equal(t, 0, rx.Pending())
	assert.Len(t, *resets, 1)
}

func TestTransmitter(t *testing.T) {
	bus := events.NewBus(newTestLogger())
	frames := collect(bus, events.TransmitterFrame)
	var resets, idle int
	bus.On(events.TransmitterReset, func(events.Event) { resets++ })
	bus.On(events.TransmitterIdle, func(events.Event) { idle++ })

	tx := NewTransmitter(bus)
	ctx := context.Background()

	res := tx.Handle(ctx, writeRead(1, txSendFrame, 0x01, 0x02))
	assert.Equal(t, []byte{TransmitterBufferSize}, res.Data)
	require.Len(t, *frames, 1)
	assert.Equal(t, []byte{0x01, 0x02}, (*frames)[0].Data)
	assert.Equal(t, 1, tx.FramesSent())

	tx.Handle(ctx, write(txSetIdleState, 1))
	assert.True(t, tx.State().Idle)
	assert.Equal(t, 1, idle)

	assert.Equal(t, i2c.NAK, tx.Handle(ctx, write(txSetBitrate, 3)).Fault)
	tx.Handle(ctx, write(txSetBitrate, byte(Bitrate9600)))
	assert.Equal(t, Bitrate9600, tx.State().Bitrate)

	res = tx.Handle(ctx, writeRead(1, txGetState))
	assert.Equal(t, []byte{1 | byte(Bitrate9600)<<1}, res.Data)

	tx.Handle(ctx, write(commSoftwareReset))
	assert.Equal(t, TransmitterState{Bitrate: Bitrate1200}, tx.State())
	assert.Equal(t, 1, resets)
}

func TestTransmitterSubscriberMayQueryState(t *testing.T) {
	bus := events.NewBus(newTestLogger())
	tx := NewTransmitter(bus)
	var seen TransmitterState
	bus.On(events.TransmitterFrame, func(events.Event) { seen = tx.State() })

	done := make(chan struct{})
	go func() {
		tx.Handle(context.Background(), write(txSendFrame, 0xAA))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("transmitter deadlocked publishing under its own lock")
	}
	assert.Equal(t, Bitrate1200, seen.Bitrate)
}

func TestAntennaController(t *testing.T) {
	bus := events.NewBus(newTestLogger())
	deploys := collect(bus, events.AntennaDeploy)
	ant := NewAntennaController(PrimaryAntennaAddress, bus)
	ctx := context.Background()

	status := func() uint16 {
		res := ant.Handle(ctx, writeRead(2, antDeploymentStatus))
		return binary.LittleEndian.Uint16(res.Data)
	}
	assert.Equal(t, uint16(0x8888), status(), "nothing deployed, disarmed")

	// Deploying while disarmed is accepted but does nothing.
	ant.Handle(ctx, write(antDeploy+1, 10))
	assert.False(t, ant.Deployed(1))

	ant.Handle(ctx, write(antArm))
	assert.True(t, ant.Armed())
	ant.Handle(ctx, write(antDeploy+2, 10))
	assert.True(t, ant.Deployed(2))
	assert.Equal(t, uint16(0x8088|1), status())

	res := ant.Handle(ctx, writeRead(1, antActivationCount+2))
	assert.Equal(t, []byte{1}, res.Data)
	res = ant.Handle(ctx, writeRead(2, antActivationTime+2))
	assert.Equal(t, []byte{0x00, 200}, res.Data, "10 s in 50 ms units")

	ant.Handle(ctx, write(antDeployOverride+3, 5))
	assert.True(t, ant.Deployed(3))
	assert.NotZero(t, status()&(1<<8), "override flag")

	ant.Handle(ctx, write(antAutoDeploy, 30))
	for id := 1; id <= AntennaCount; id++ {
		assert.True(t, ant.Deployed(id), "antenna %d", id)
	}

	ant.Handle(ctx, write(antReset))
	assert.False(t, ant.Armed())

	ant.SetTemperature(0x2FF)
	res = ant.Handle(ctx, writeRead(2, antTemperature))
	assert.Equal(t, []byte{0x02, 0xFF}, res.Data)

	require.Len(t, *deploys, 4)
	last := (*deploys)[3].Data.(AntennaEvent)
	assert.Equal(t, 0, last.Antenna)
	assert.Equal(t, 30, last.Timeout)
}

func TestRTC(t *testing.T) {
	bus := events.NewBus(newTestLogger())
	sets := collect(bus, events.ClockSet)
	base := time.Date(2017, 3, 16, 10, 58, 23, 0, time.UTC)
	now := base
	rtc := NewRTC(bus, func() time.Time { return now })
	ctx := context.Background()

	res := rtc.Handle(ctx, writeRead(7, rtcVLSeconds))
	assert.Equal(t, []byte{0x23, 0x58, 0x10, 0x16, byte(time.Thursday), 0x03, 0x17}, res.Data)

	rtc.Handle(ctx, write(rtcVLSeconds, 0x00, 0x47, 0x14, 0x04, 0x00, 0x05, 0x43))
	assert.Equal(t, time.Date(2043, 5, 4, 14, 47, 0, 0, time.UTC), rtc.Time())
	require.Len(t, *sets, 1)

	now = now.Add(90 * time.Second)
	assert.Equal(t, time.Date(2043, 5, 4, 14, 48, 30, 0, time.UTC), rtc.Time())

	rtc.SetVoltageLow(true)
	res = rtc.Handle(ctx, writeRead(1, rtcVLSeconds))
	assert.Equal(t, byte(0x80|0x30), res.Data[0])

	assert.Equal(t, i2c.NAK, rtc.Handle(ctx, writeRead(1, 0x20)).Fault)
}

func TestImtq(t *testing.T) {
	bus := events.NewBus(newTestLogger())
	cmds := collect(bus, events.ImtqCommand)
	m := NewImtq(bus)
	ctx := context.Background()

	res := m.Handle(ctx, writeRead(2, imtqNoOp))
	assert.Equal(t, []byte{imtqNoOp, imtqAccepted}, res.Data)

	res = m.Handle(ctx, writeRead(2, imtqActuationDipole, 0x01, 0x00, 0xFF, 0xFF, 0x10, 0x00, 0xE8, 0x03))
	assert.Equal(t, []byte{imtqActuationDipole, imtqAccepted}, res.Data)
	assert.Equal(t, ImtqCommand{Command: imtqActuationDipole, Vector: [3]int16{1, -1, 16}, Duration: 1000}, m.LastCommand())

	res = m.Handle(ctx, writeRead(2, imtqActuationCurrent, 0x01))
	assert.Equal(t, []byte{imtqActuationCurrent, imtqInvalidParam}, res.Data)

	m.Handle(ctx, writeRead(2, imtqBDotDetumbling, 0x3C, 0x00))
	res = m.Handle(ctx, writeRead(2, imtqSelfTest, 0x00))
	assert.Equal(t, []byte{imtqSelfTest, imtqRejected}, res.Data, "self test rejected while detumbling")

	res = m.Handle(ctx, writeRead(9, imtqGetSystemState))
	assert.Equal(t, byte(ImtqDetumble), res.Data[2])

	m.Handle(ctx, writeRead(2, imtqSoftwareReset))
	res = m.Handle(ctx, writeRead(9, imtqGetSystemState))
	assert.Equal(t, byte(ImtqIdle), res.Data[2])

	m.SetMagnetometer(100, -200, 300)
	res = m.Handle(ctx, writeRead(15, imtqGetCalibratedMTM))
	assert.Equal(t, int32(-200), int32(binary.LittleEndian.Uint32(res.Data[6:10])))

	assert.Len(t, *cmds, 3)
}

func TestDevicesOnController(t *testing.T) {
	bus := events.NewBus(newTestLogger())
	c := i2c.NewController(i2c.Config{HandlerBudget: 20 * time.Millisecond}, bus, newTestLogger())

	for _, d := range []i2c.Device{
		NewEcho(DefaultEchoAddress),
		NewHanging(DefaultHangingAddress),
		NewEPS(EPSControllerAAddress, bus),
		NewTransmitter(bus),
		NewReceiver(bus),
		NewAntennaController(PrimaryAntennaAddress, bus),
		NewRTC(bus, nil),
		NewImtq(bus),
	} {
		require.NoError(t, c.AddDevice(d, i2c.SystemBus), "device %s", d.Address())
	}
	require.NoError(t, c.AddDevice(NewAntennaController(BackupAntennaAddress, bus), i2c.PayloadBus))
	require.NoError(t, c.AddDevice(NewEPS(EPSControllerBAddress, bus), i2c.PayloadBus))

	ctx := context.Background()
	resp := c.Transfer(ctx, i2c.Transaction{Bus: i2c.SystemBus, Address: DefaultEchoAddress, Mode: i2c.WriteRead, Data: []byte("abc"), ReadLen: 3})
	assert.Equal(t, "bcd", string(resp.Data))

	// Timeout device trips the latch; the EPS on the same bus is now unreachable.
	resp = c.Transfer(ctx, i2c.Transaction{Bus: i2c.SystemBus, Address: DefaultHangingAddress, Mode: i2c.Write, Data: []byte{0x02}})
	assert.Equal(t, i2c.Latch, resp.Code)
	resp = c.Transfer(ctx, i2c.Transaction{Bus: i2c.SystemBus, Address: EPSControllerAAddress, Mode: i2c.Write, Data: []byte{epsPowerCycle}})
	assert.Equal(t, i2c.Latch, resp.Code)

	// The payload-side controller still answers.
	resp = c.Transfer(ctx, i2c.Transaction{Bus: i2c.PayloadBus, Address: EPSControllerBAddress, Mode: i2c.Write, Data: []byte{epsPowerCycle}})
	assert.Equal(t, i2c.OK, resp.Code)
}
