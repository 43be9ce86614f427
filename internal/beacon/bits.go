// Package beacon decodes telemetry beacons: fixed, versioned layouts of
// bit fields packed MSB-first with no byte alignment.
package beacon

import (
	"errors"
	"fmt"
)

var ErrTruncated = errors.New("beacon: buffer truncated")

var mask64 [65]uint64

func init() {
	for i := 1; i <= 64; i++ {
		mask64[i] = mask64[i-1]<<1 | 1
	}
}

// BitReader reads unsigned fields MSB-first across byte boundaries.
type BitReader struct {
	buf []byte
	pos int // bit cursor
}

// NewBitReader reads from buf.
func NewBitReader(buf []byte) *BitReader {
	return &BitReader{buf: buf}
}

// Remaining returns the number of unread bits.
func (r *BitReader) Remaining() int {
	return len(r.buf)*8 - r.pos
}

// Pos returns the bit cursor.
func (r *BitReader) Pos() int { return r.pos }

// Read returns the next width bits (1..64) as an unsigned integer, the
// first bit read being the most significant. On ErrTruncated the cursor
// does not move.
func (r *BitReader) Read(width int) (uint64, error) {
	if width < 1 || width > 64 {
		return 0, fmt.Errorf("beacon: invalid read width %d", width)
	}
	if r.Remaining() < width {
		return 0, fmt.Errorf("%w: need %d bits at bit %d, have %d", ErrTruncated, width, r.pos, r.Remaining())
	}
	var v uint64
	left := width
	for left > 0 {
		byteIdx, bitOff := r.pos/8, r.pos%8
		avail := 8 - bitOff
		take := avail
		if take > left {
			take = left
		}
		chunk := (uint64(r.buf[byteIdx]) >> (avail - take)) & mask64[take]
		v = v<<take | chunk
		r.pos += take
		left -= take
	}
	return v, nil
}

// BitWriter packs fields in the layout BitReader reads.
type BitWriter struct {
	buf []byte
	pos int
}

// Write appends the low width bits of v, most significant first.
func (w *BitWriter) Write(v uint64, width int) {
	for i := width - 1; i >= 0; i-- {
		if w.pos%8 == 0 {
			w.buf = append(w.buf, 0)
		}
		if v>>uint(i)&1 == 1 {
			w.buf[w.pos/8] |= 0x80 >> (w.pos % 8)
		}
		w.pos++
	}
}

// Len returns the number of bits written.
func (w *BitWriter) Len() int { return w.pos }

// Bytes returns the packed buffer; the last byte is zero-padded.
func (w *BitWriter) Bytes() []byte { return w.buf }
