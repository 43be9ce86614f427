package devices

import (
	"context"
	"sync"
	"time"

	"obc-harness/internal/events"
	"obc-harness/internal/i2c"
)

// RTC registers, PCF8563 layout.
const (
	rtcControl1  = 0x00
	rtcVLSeconds = 0x02
	rtcYears     = 0x08
	rtcRegisters = 0x10

	rtcVoltageLow = 0x80
)

// RTC models the real-time clock. It runs off a host clock shifted by an
// offset the firmware sets by writing the time registers.
type RTC struct {
	addr   i2c.Address
	events *events.Bus
	now    func() time.Time

	mu         sync.Mutex
	offset     time.Duration
	regs       [rtcRegisters]byte
	voltageLow bool
}

// NewRTC creates the clock at its default address. now defaults to
// time.Now.
func NewRTC(bus *events.Bus, now func() time.Time) *RTC {
	if now == nil {
		now = time.Now
	}
	return &RTC{addr: RTCAddress, events: bus, now: now}
}

func (r *RTC) Address() i2c.Address { return r.addr }

// Time returns the clock's current time.
func (r *RTC) Time() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timeLocked()
}

func (r *RTC) timeLocked() time.Time {
	return r.now().Add(r.offset).UTC()
}

// SetTime moves the clock to t.
func (r *RTC) SetTime(t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offset = t.Sub(r.now())
}

// SetVoltageLow sets the integrity flag reported in the seconds register.
func (r *RTC) SetVoltageLow(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.voltageLow = v
}

func (r *RTC) Handle(_ context.Context, tx i2c.Transaction) i2c.Result {
	reg, args, ok := splitCommand(tx)
	if !ok || int(reg) >= rtcRegisters {
		return i2c.Result{Fault: i2c.NAK}
	}

	r.mu.Lock()
	r.snapshotLocked()

	if tx.Mode == i2c.Write && len(args) > 0 {
		for i, b := range args {
			if int(reg)+i < rtcRegisters {
				r.regs[int(reg)+i] = b
			}
		}
		touchesTime := int(reg) <= rtcYears && int(reg)+len(args) > rtcVLSeconds
		if touchesTime {
			t := r.timeFromRegsLocked()
			r.offset = t.Sub(r.now())
			r.voltageLow = r.regs[rtcVLSeconds]&rtcVoltageLow != 0
			r.mu.Unlock()
			r.events.Publish(events.ClockSet, t)
			return i2c.Result{}
		}
		r.mu.Unlock()
		return i2c.Result{}
	}

	n := tx.ReadLen
	if n <= 0 {
		n = 1
	}
	out := make([]byte, n)
	for i := range out {
		if int(reg)+i < rtcRegisters {
			out[i] = r.regs[int(reg)+i]
		}
	}
	r.mu.Unlock()
	return i2c.Reply(out)
}

// snapshotLocked refreshes the time registers from the running clock.
func (r *RTC) snapshotLocked() {
	t := r.timeLocked()
	sec := toBCD(t.Second())
	if r.voltageLow {
		sec |= rtcVoltageLow
	}
	r.regs[rtcVLSeconds] = sec
	r.regs[0x03] = toBCD(t.Minute())
	r.regs[0x04] = toBCD(t.Hour())
	r.regs[0x05] = toBCD(t.Day())
	r.regs[0x06] = byte(t.Weekday())
	r.regs[0x07] = toBCD(int(t.Month()))
	r.regs[rtcYears] = toBCD(t.Year() % 100)
	r.regs[rtcControl1] = 0
}

func (r *RTC) timeFromRegsLocked() time.Time {
	return time.Date(
		2000+fromBCD(r.regs[rtcYears]),
		time.Month(fromBCD(r.regs[0x07]&0x1F)),
		fromBCD(r.regs[0x05]&0x3F),
		fromBCD(r.regs[0x04]&0x3F),
		fromBCD(r.regs[0x03]&0x7F),
		fromBCD(r.regs[rtcVLSeconds]&0x7F),
		0, time.UTC)
}

func toBCD(v int) byte {
	return byte((v/10)<<4 | v%10)
}

func fromBCD(b byte) int {
	return int(b>>4)*10 + int(b&0x0F)
}
