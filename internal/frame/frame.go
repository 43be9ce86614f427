// Package frame implements the ground link protocol: uplink telecommand
// frames, downlink telemetry frames, the pending-frame inbox and multi-part
// transfer reassembly.
//
// Uplink (ground to OBC):
//
//	security code u32 BE | apid u8 | payload | CRC-16 BE
//
// Downlink (OBC to ground):
//
//	apid (6 bits) | seq (18 bits) | payload | CRC-16 BE
//
// The CRC is CRC-16/CCITT-FALSE over every preceding byte. For correlated
// APIDs the first downlink payload byte is the correlation id echoed from
// the request.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"

	"obc-harness/internal/wire"
)

const (
	MaxAPID          = 0x3F
	MaxSeq           = 1<<18 - 1
	DownlinkHeader   = 3
	UplinkHeader     = 5
	CRCSize          = 2
	MaxDownlinkFrame = 235
	// MaxPayload is the largest downlink payload that fits a frame.
	MaxPayload = MaxDownlinkFrame - DownlinkHeader - CRCSize
)

// DefaultSecurityCode is the uplink security code used when none is
// configured.
const DefaultSecurityCode uint32 = 0x00BBCCDD

// Downlink APIDs.
const (
	APIDBeacon            uint8 = 0x01
	APIDFileNotFound      uint8 = 0x02
	APIDFileSend          uint8 = 0x03
	APIDPong              uint8 = 0x04
	APIDFileList          uint8 = 0x05
	APIDFileRemove        uint8 = 0x06
	APIDCommSuccess       uint8 = 0x07
	APIDSetBitrateSuccess uint8 = 0x08
	APIDOperationError    uint8 = 0x09
)

// DefaultCorrelatedAPIDs lists the downlink APIDs that carry a correlation
// id.
var DefaultCorrelatedAPIDs = []uint8{
	APIDFileList,
	APIDFileRemove,
	APIDCommSuccess,
	APIDSetBitrateSuccess,
	APIDOperationError,
}

var (
	ErrMalformedFrame = errors.New("frame: malformed frame")
	ErrFrameTooLarge  = errors.New("frame: payload too large")
	ErrInvalidHeader  = errors.New("frame: apid or sequence out of range")
)

// Frame is a decoded downlink frame.
type Frame struct {
	APID          uint8  `json:"apid"`
	Seq           uint32 `json:"seq"`
	CorrelationID *uint8 `json:"correlation_id,omitempty"`
	Payload       []byte `json:"payload"`
}

// Correlation returns the correlation id and whether the frame has one.
func (f Frame) Correlation() (uint8, bool) {
	if f.CorrelationID == nil {
		return 0, false
	}
	return *f.CorrelationID, true
}

func (f Frame) String() string {
	if id, ok := f.Correlation(); ok {
		return fmt.Sprintf("frame apid=0x%02X seq=%d corr=0x%02X len=%d", f.APID, f.Seq, id, len(f.Payload))
	}
	return fmt.Sprintf("frame apid=0x%02X seq=%d len=%d", f.APID, f.Seq, len(f.Payload))
}

// Corr is a convenience for building a correlated Frame literal.
func Corr(id uint8) *uint8 {
	return &id
}

// CodecConfig configures a Codec.
type CodecConfig struct {
	SecurityCode    uint32
	CorrelatedAPIDs []uint8
}

// Codec builds and parses frames in both directions. It holds no mutable
// state and is safe for concurrent use.
type Codec struct {
	securityCode uint32
	correlated   [MaxAPID + 1]bool
}

// NewCodec creates a codec. A zero SecurityCode selects
// DefaultSecurityCode; nil CorrelatedAPIDs selects DefaultCorrelatedAPIDs.
func NewCodec(cfg CodecConfig) *Codec {
	c := &Codec{securityCode: cfg.SecurityCode}
	if c.securityCode == 0 {
		c.securityCode = DefaultSecurityCode
	}
	apids := cfg.CorrelatedAPIDs
	if apids == nil {
		apids = DefaultCorrelatedAPIDs
	}
	for _, a := range apids {
		if a <= MaxAPID {
			c.correlated[a] = true
		}
	}
	return c
}

// Correlated reports whether downlink frames on apid carry a correlation id.
func (c *Codec) Correlated(apid uint8) bool {
	return apid <= MaxAPID && c.correlated[apid]
}

// BuildUplink returns the wire bytes of a telecommand frame.
func (c *Codec) BuildUplink(apid uint8, payload []byte) []byte {
	buf := make([]byte, UplinkHeader, UplinkHeader+len(payload)+CRCSize)
	binary.BigEndian.PutUint32(buf[0:4], c.securityCode)
	buf[4] = apid
	buf = append(buf, payload...)
	return binary.BigEndian.AppendUint16(buf, wire.CRC16(buf))
}

// Uplink builds the frame for a telecommand.
func (c *Codec) Uplink(tc Telecommand) []byte {
	return c.BuildUplink(tc.APID(), tc.Payload())
}

// ParseUplink is the inverse of BuildUplink, used by the simulated firmware.
func (c *Codec) ParseUplink(b []byte) (uint8, []byte, error) {
	if len(b) < UplinkHeader+CRCSize {
		return 0, nil, fmt.Errorf("%w: uplink of %d bytes", ErrMalformedFrame, len(b))
	}
	if err := checkCRC(b); err != nil {
		return 0, nil, err
	}
	if code := binary.BigEndian.Uint32(b[0:4]); code != c.securityCode {
		return 0, nil, fmt.Errorf("%w: security code 0x%08X", ErrMalformedFrame, code)
	}
	payload := append([]byte(nil), b[UplinkHeader:len(b)-CRCSize]...)
	return b[4], payload, nil
}

// BuildDownlink encodes f, used by the simulated firmware.
func (c *Codec) BuildDownlink(f Frame) ([]byte, error) {
	if f.APID > MaxAPID || f.Seq > MaxSeq {
		return nil, fmt.Errorf("%w: apid=%d seq=%d", ErrInvalidHeader, f.APID, f.Seq)
	}
	body := f.Payload
	if c.Correlated(f.APID) {
		id, _ := f.Correlation()
		body = append([]byte{id}, f.Payload...)
	}
	if len(body) > MaxPayload {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(body), MaxPayload)
	}

	buf := make([]byte, DownlinkHeader, DownlinkHeader+len(body)+CRCSize)
	hdr := uint32(f.APID)<<18 | f.Seq
	buf[0] = byte(hdr >> 16)
	buf[1] = byte(hdr >> 8)
	buf[2] = byte(hdr)
	buf = append(buf, body...)
	return binary.BigEndian.AppendUint16(buf, wire.CRC16(buf)), nil
}

// ParseDownlink decodes a downlink frame.
func (c *Codec) ParseDownlink(b []byte) (Frame, error) {
	if len(b) < DownlinkHeader+CRCSize {
		return Frame{}, fmt.Errorf("%w: downlink of %d bytes", ErrMalformedFrame, len(b))
	}
	if len(b) > MaxDownlinkFrame {
		return Frame{}, fmt.Errorf("%w: downlink of %d bytes", ErrMalformedFrame, len(b))
	}
	if err := checkCRC(b); err != nil {
		return Frame{}, err
	}

	hdr := uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
	f := Frame{
		APID: uint8(hdr >> 18),
		Seq:  hdr & MaxSeq,
	}
	body := b[DownlinkHeader : len(b)-CRCSize]
	if c.Correlated(f.APID) {
		if len(body) == 0 {
			return Frame{}, fmt.Errorf("%w: correlated apid 0x%02X without correlation id", ErrMalformedFrame, f.APID)
		}
		f.CorrelationID = Corr(body[0])
		body = body[1:]
	}
	f.Payload = append([]byte{}, body...)
	return f, nil
}

func checkCRC(b []byte) error {
	n := len(b) - CRCSize
	want := binary.BigEndian.Uint16(b[n:])
	if got := wire.CRC16(b[:n]); got != want {
		return fmt.Errorf("%w: crc 0x%04X, want 0x%04X", ErrMalformedFrame, got, want)
	}
	return nil
}
