// Package wire implements the byte-stuffed framing shared by every serial
// link of the harness (OBC terminal, bus bridge).
//
// A frame is FEND, the escaped body, FEND. The body is the payload followed
// by a big-endian CRC-16/CCITT-FALSE of the payload. FEND and FESC bytes
// inside the body are escaped, so binary payloads can never be confused with
// a frame boundary.
package wire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	FEND  = 0xC0
	FESC  = 0xDB
	TFEND = 0xDC
	TFESC = 0xDD
)

// MaxFrameSize bounds a decoded body (payload + CRC).
const MaxFrameSize = 64 * 1024

var (
	ErrBadCRC     = errors.New("wire: crc mismatch")
	ErrBadEscape  = errors.New("wire: invalid escape sequence")
	ErrShortFrame = errors.New("wire: frame too short")
	ErrOversize   = errors.New("wire: frame exceeds maximum size")
)

// --- CRC-16/CCITT-FALSE (poly=0x1021, init=0xFFFF, no reflection, xorout=0) ---

var crcTable [256]uint16

func init() {
	const poly = 0x1021
	for i := 0; i < 256; i++ {
		crc := uint16(i) << 8
		for bit := 0; bit < 8; bit++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ poly
			} else {
				crc <<= 1
			}
		}
		crcTable[i] = crc
	}
}

// CRC16 computes CRC-16/CCITT-FALSE over data.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc = (crc << 8) ^ crcTable[byte(crc>>8)^b]
	}
	return crc
}

// Encode wraps payload into a complete escaped frame.
func Encode(payload []byte) []byte {
	var crc [2]byte
	binary.BigEndian.PutUint16(crc[:], CRC16(payload))

	var buf bytes.Buffer
	buf.Grow(len(payload) + 6)
	buf.WriteByte(FEND)
	escapeTo(&buf, payload)
	escapeTo(&buf, crc[:])
	buf.WriteByte(FEND)
	return buf.Bytes()
}

func escapeTo(buf *bytes.Buffer, data []byte) {
	for _, b := range data {
		switch b {
		case FEND:
			buf.WriteByte(FESC)
			buf.WriteByte(TFEND)
		case FESC:
			buf.WriteByte(FESC)
			buf.WriteByte(TFESC)
		default:
			buf.WriteByte(b)
		}
	}
}

// Decode unescapes a frame body (without the surrounding FEND bytes),
// verifies the CRC and returns the payload.
func Decode(body []byte) ([]byte, error) {
	out := make([]byte, 0, len(body))
	for i := 0; i < len(body); i++ {
		b := body[i]
		switch b {
		case FEND:
			return nil, fmt.Errorf("%w: FEND inside body", ErrBadEscape)
		case FESC:
			i++
			if i >= len(body) {
				return nil, fmt.Errorf("%w: trailing FESC", ErrBadEscape)
			}
			switch body[i] {
			case TFEND:
				out = append(out, FEND)
			case TFESC:
				out = append(out, FESC)
			default:
				return nil, fmt.Errorf("%w: FESC 0x%02X", ErrBadEscape, body[i])
			}
		default:
			out = append(out, b)
		}
	}
	if len(out) < 2 {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(out))
	}
	payload := out[:len(out)-2]
	want := binary.BigEndian.Uint16(out[len(out)-2:])
	if got := CRC16(payload); got != want {
		return nil, fmt.Errorf("%w: got 0x%04X, want 0x%04X", ErrBadCRC, got, want)
	}
	return payload, nil
}

// Reader extracts frames from a byte stream.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	if br, ok := r.(*bufio.Reader); ok {
		return &Reader{r: br}
	}
	return &Reader{r: bufio.NewReader(r)}
}

// ReadFrame returns the next frame's payload. Empty frames (back-to-back
// FEND bytes) are skipped. A corrupt frame returns an error; the caller may
// keep reading, the stream resynchronises on the next FEND.
func (fr *Reader) ReadFrame() ([]byte, error) {
	// Skip to the opening FEND.
	for {
		b, err := fr.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == FEND {
			break
		}
	}

	var body []byte
	for {
		b, err := fr.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == FEND {
			if len(body) == 0 {
				// Back-to-back FEND: treat as a new opening flag.
				continue
			}
			return Decode(body)
		}
		if len(body) >= 2*MaxFrameSize {
			return nil, ErrOversize
		}
		body = append(body, b)
	}
}

// Writer writes framed payloads.
type Writer struct {
	w io.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteFrame encodes payload and writes it in a single Write call.
func (fw *Writer) WriteFrame(payload []byte) error {
	if len(payload)+2 > MaxFrameSize {
		return ErrOversize
	}
	_, err := fw.w.Write(Encode(payload))
	return err
}
