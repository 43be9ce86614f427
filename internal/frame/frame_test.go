package frame

import (
	"bytes"
	"encoding/binary"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"obc-harness/internal/wire"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestBuildUplinkLayout(t *testing.T) {
	c := NewCodec(CodecConfig{SecurityCode: 0x01020304})
	got := c.BuildUplink(0xAB, []byte{0x11, 0x22})

	require.Len(t, got, 4+1+2+2)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04, 0xAB, 0x11, 0x22}, got[:7])
	assert.Equal(t, wire.CRC16(got[:7]), binary.BigEndian.Uint16(got[7:]))
}

func TestBuildUplinkDeterministic(t *testing.T) {
	c := NewCodec(CodecConfig{})
	a := c.BuildUplink(0x50, []byte("x"))
	b := c.BuildUplink(0x50, []byte("x"))
	assert.Equal(t, a, b)
	assert.Equal(t, a, NewCodec(CodecConfig{}).BuildUplink(0x50, []byte("x")), "no hidden state between codecs")
}

func TestUplinkRoundTrip(t *testing.T) {
	c := NewCodec(CodecConfig{})
	rapid.Check(t, func(t *rapid.T) {
		apid := rapid.Byte().Draw(t, "apid")
		payload := rapid.SliceOfN(rapid.Byte(), 0, 200).Draw(t, "payload")

		gotAPID, gotPayload, err := c.ParseUplink(c.BuildUplink(apid, payload))
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if gotAPID != apid || !bytes.Equal(gotPayload, payload) {
			t.Fatalf("round trip: apid %d/%d payload %X/%X", gotAPID, apid, gotPayload, payload)
		}
	})
}

func TestParseUplinkErrors(t *testing.T) {
	c := NewCodec(CodecConfig{SecurityCode: 1})
	_, _, err := c.ParseUplink([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrMalformedFrame)

	other := NewCodec(CodecConfig{SecurityCode: 2}).BuildUplink(0x10, nil)
	_, _, err = c.ParseUplink(other)
	assert.ErrorIs(t, err, ErrMalformedFrame, "wrong security code")

	good := c.BuildUplink(0x10, []byte{1})
	good[5] ^= 0xFF
	_, _, err = c.ParseUplink(good)
	assert.ErrorIs(t, err, ErrMalformedFrame, "bad crc")
}

func TestDownlinkHeaderPacking(t *testing.T) {
	c := NewCodec(CodecConfig{CorrelatedAPIDs: []uint8{}})
	b, err := c.BuildDownlink(Frame{APID: 0x3F, Seq: MaxSeq, Payload: []byte{0xAA}})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xAA}, b[:4])

	b, err = c.BuildDownlink(Frame{APID: 0x02, Seq: 0x10203, Payload: nil})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02<<2 | 0x01, 0x02, 0x03}, b[:3])
}

func TestDownlinkRoundTrip(t *testing.T) {
	c := NewCodec(CodecConfig{})
	rapid.Check(t, func(t *rapid.T) {
		f := Frame{
			APID:    uint8(rapid.IntRange(0, MaxAPID).Draw(t, "apid")),
			Seq:     uint32(rapid.IntRange(0, MaxSeq).Draw(t, "seq")),
			Payload: rapid.SliceOfN(rapid.Byte(), 0, MaxPayload-1).Draw(t, "payload"),
		}
		if c.Correlated(f.APID) {
			f.CorrelationID = Corr(rapid.Byte().Draw(t, "corr"))
		}
		raw, err := c.BuildDownlink(f)
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		got, err := c.ParseDownlink(raw)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if got.APID != f.APID || got.Seq != f.Seq || !bytes.Equal(got.Payload, f.Payload) {
			t.Fatalf("round trip: got %v, want %v", got, f)
		}
		gc, gok := got.Correlation()
		wc, wok := f.Correlation()
		if gc != wc || gok != wok {
			t.Fatalf("correlation: got %d/%v, want %d/%v", gc, gok, wc, wok)
		}
	})
}

func TestParseDownlinkCorrelation(t *testing.T) {
	c := NewCodec(CodecConfig{})
	raw, err := c.BuildDownlink(Frame{APID: APIDCommSuccess, Seq: 0, CorrelationID: Corr(0x11)})
	require.NoError(t, err)

	f, err := c.ParseDownlink(raw)
	require.NoError(t, err)
	id, ok := f.Correlation()
	assert.True(t, ok)
	assert.Equal(t, uint8(0x11), id)
	assert.Empty(t, f.Payload)

	raw, err = c.BuildDownlink(Frame{APID: APIDFileNotFound, Payload: []byte("/a")})
	require.NoError(t, err)
	f, err = c.ParseDownlink(raw)
	require.NoError(t, err)
	_, ok = f.Correlation()
	assert.False(t, ok)
	assert.Equal(t, []byte("/a"), f.Payload)
}

func TestParseDownlinkMalformed(t *testing.T) {
	c := NewCodec(CodecConfig{})
	good, err := c.BuildDownlink(Frame{APID: APIDFileSend, Seq: 3, Payload: []byte("data")})
	require.NoError(t, err)

	corrupt := append([]byte(nil), good...)
	corrupt[4] ^= 0x01

	// Correlated APID with no body at all: header + CRC only.
	hdr := []byte{APIDCommSuccess << 2, 0, 0}
	emptyCorr := binary.BigEndian.AppendUint16(hdr, wire.CRC16(hdr))

	tests := []struct {
		name string
		in   []byte
	}{
		{"empty", nil},
		{"short", good[:4]},
		{"truncated", good[:len(good)-1]},
		{"bad crc", corrupt},
		{"oversize", make([]byte, MaxDownlinkFrame+1)},
		{"correlated without id", emptyCorr},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.ParseDownlink(tt.in)
			assert.ErrorIs(t, err, ErrMalformedFrame)
		})
	}
}

func TestBuildDownlinkLimits(t *testing.T) {
	c := NewCodec(CodecConfig{})
	_, err := c.BuildDownlink(Frame{APID: MaxAPID + 1})
	assert.ErrorIs(t, err, ErrInvalidHeader)
	_, err = c.BuildDownlink(Frame{Seq: MaxSeq + 1})
	assert.ErrorIs(t, err, ErrInvalidHeader)
	_, err = c.BuildDownlink(Frame{APID: APIDFileSend, Payload: make([]byte, MaxPayload+1)})
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	_, err = c.BuildDownlink(Frame{APID: APIDFileSend, Payload: make([]byte, MaxPayload)})
	assert.NoError(t, err)
}
