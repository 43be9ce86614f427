package beacon

import "fmt"

// DefaultVersion is the version of the built-in beacon layout.
const DefaultVersion = 1

var bitrateNames = map[uint64]string{0: "1200", 1: "2400", 2: "4800", 3: "9600"}

var imtqModeNames = map[uint64]string{0: "idle", 1: "self_test", 2: "detumble"}

// DefaultSchema returns the built-in beacon layout. The first byte of
// every beacon is its schema version.
func DefaultSchema() *Schema {
	obc := MustSchema("obc", DefaultVersion,
		Uint("boot_counter", 32),
		Uint("boot_index", 8),
		Uint("uptime", 22),
		Uint("mission_time", 32),
	)
	comm := MustSchema("comm", DefaultVersion,
		Value("idle", 1, Bool),
		Value("bitrate", 2, Enum(bitrateNames)),
		Uint("frames_received", 16),
		Uint("frames_sent", 16),
		Value("rssi", 12, Poly(-151.0, 0.0625)),
	)
	eps := MustSchema("eps", DefaultVersion,
		Value("battery_voltage", 12, Scale(0.0025, 0)),
		Value("battery_current", 12, SignedScale(0.001, 0)),
		Value("temperature", 10, Poly(-273.15, 0.5)),
		Uint("power_cycles", 16),
		Uint("lcl", 8),
	)
	antenna := MustSchema("antenna", DefaultVersion,
		Value("armed", 1, Bool),
		Uint("deployed", 4),
		Value("temperature", 10, Scale(0.5, -50)),
	)
	imtq := MustSchema("imtq", DefaultVersion,
		Value("mode", 2, Enum(imtqModeNames)),
		Value("dipole_x", 16, Signed),
		Value("dipole_y", 16, Signed),
		Value("dipole_z", 16, Signed),
	)
	return MustSchema("pwsat", DefaultVersion,
		Uint("version", 8),
		Group("obc", 1, obc),
		Group("comm", 1, comm),
		Group("eps", 1, eps),
		Group("antenna", 2, antenna),
		Group("imtq", 1, imtq),
		Uint("rtc_time", 32),
	)
}

// DecodeVersioned reads the leading version byte and decodes buf with the
// matching schema.
func (r *Registry) DecodeVersioned(buf []byte) (Store, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("%w: empty beacon", ErrTruncated)
	}
	return r.Decode(int(buf[0]), buf)
}
