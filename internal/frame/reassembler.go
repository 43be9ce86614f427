package frame

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	ErrIncompleteTransfer = errors.New("frame: transfer incomplete")
	ErrDuplicatePart      = errors.New("frame: duplicate part")
	ErrPartOutOfRange     = errors.New("frame: part sequence out of range")
)

// TransferError reports that the OBC answered a transfer with the single
// error frame instead of the requested parts.
type TransferError struct {
	APID uint8
	Path []byte
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("frame: transfer of %q refused (apid 0x%02X)", e.Path, e.APID)
}

// Transfer collects the parts of one multi-part response.
type Transfer struct {
	Total int
	Parts map[uint32][]byte
}

// NewTransfer creates an empty transfer of total parts.
func NewTransfer(total int) *Transfer {
	return &Transfer{Total: total, Parts: make(map[uint32][]byte, total)}
}

// Add records a part. The sequence number is the part index.
func (t *Transfer) Add(seq uint32, payload []byte) error {
	if int64(seq) >= int64(t.Total) {
		return fmt.Errorf("%w: seq %d, total %d", ErrPartOutOfRange, seq, t.Total)
	}
	if _, ok := t.Parts[seq]; ok {
		return fmt.Errorf("%w: seq %d", ErrDuplicatePart, seq)
	}
	t.Parts[seq] = payload
	return nil
}

// Complete reports whether parts 0..Total-1 are all present.
func (t *Transfer) Complete() bool {
	return len(t.Parts) == t.Total
}

// Missing returns the part indices not yet received, ascending.
func (t *Transfer) Missing() []uint32 {
	var out []uint32
	for i := 0; i < t.Total; i++ {
		if _, ok := t.Parts[uint32(i)]; !ok {
			out = append(out, uint32(i))
		}
	}
	return out
}

// Assemble concatenates the parts ordered by sequence.
func (t *Transfer) Assemble() ([]byte, error) {
	if !t.Complete() {
		return nil, fmt.Errorf("%w: missing parts %v", ErrIncompleteTransfer, t.Missing())
	}
	seqs := make([]uint32, 0, len(t.Parts))
	for s := range t.Parts {
		seqs = append(seqs, s)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	var buf bytes.Buffer
	for _, s := range seqs {
		buf.Write(t.Parts[s])
	}
	return buf.Bytes(), nil
}

// Request describes the transfer a Reassembler waits for.
type Request struct {
	Total     int
	APID      uint8 // APID of the part frames
	ErrorAPID uint8 // APID of the single error frame
	Path      []byte
	// Timeout bounds the wait for the first frame, PerFrameTimeout every
	// later wait.
	Timeout         time.Duration
	PerFrameTimeout time.Duration
}

// FileRequest is the Request matching a DownloadFile telecommand.
func FileRequest(tc DownloadFile, timeout, perFrame time.Duration) Request {
	return Request{
		Total:           len(tc.Parts),
		APID:            APIDFileSend,
		ErrorAPID:       APIDFileNotFound,
		Path:            []byte(tc.Path),
		Timeout:         timeout,
		PerFrameTimeout: perFrame,
	}
}

// Reassembler collects multi-part transfers from an inbox.
type Reassembler struct {
	inbox *Inbox
}

// NewReassembler reads from inbox.
func NewReassembler(inbox *Inbox) *Reassembler {
	return &Reassembler{inbox: inbox}
}

// Collect waits for req.Total part frames and returns the reconstructed
// payload. If the first frame is the error frame (seq 0 on ErrorAPID with
// the requested path as payload) it returns a *TransferError without
// waiting for further frames.
func (r *Reassembler) Collect(ctx context.Context, req Request) ([]byte, error) {
	if req.Total <= 0 {
		return nil, fmt.Errorf("frame: transfer of %d parts", req.Total)
	}
	isError := func(f Frame) bool {
		return f.APID == req.ErrorAPID && f.Seq == 0 && bytes.Equal(f.Payload, req.Path)
	}
	match := func(f Frame) bool {
		return f.APID == req.APID || isError(f)
	}

	t := NewTransfer(req.Total)
	wait := req.Timeout
	for !t.Complete() {
		f, err := r.get(ctx, wait, match)
		if err != nil {
			if errors.Is(err, ErrNoFrame) {
				return nil, fmt.Errorf("%w: have %d of %d, missing %v", ErrIncompleteTransfer, len(t.Parts), t.Total, t.Missing())
			}
			return nil, err
		}
		if isError(f) {
			if len(t.Parts) > 0 {
				return nil, fmt.Errorf("%w: error frame after %d parts", ErrIncompleteTransfer, len(t.Parts))
			}
			return nil, &TransferError{APID: f.APID, Path: f.Payload}
		}
		if err := t.Add(f.Seq, f.Payload); err != nil {
			return nil, err
		}
		wait = req.PerFrameTimeout
	}
	return t.Assemble()
}

func (r *Reassembler) get(ctx context.Context, timeout time.Duration, match Predicate) (Frame, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return r.inbox.Get(ctx, match)
}

// SplitPayload cuts payload into total near-equal slices (sizes differ by at
// most one byte, larger slices first).
func SplitPayload(payload []byte, total int) [][]byte {
	if total <= 0 {
		return nil
	}
	out := make([][]byte, total)
	base, extra := len(payload)/total, len(payload)%total
	off := 0
	for i := range out {
		n := base
		if i < extra {
			n++
		}
		out[i] = payload[off : off+n]
		off += n
	}
	return out
}

// SplitBySize cuts payload into slices of at most size bytes. An empty
// payload yields one empty slice.
func SplitBySize(payload []byte, size int) [][]byte {
	if len(payload) == 0 || size <= 0 {
		return [][]byte{{}}
	}
	var out [][]byte
	for off := 0; off < len(payload); off += size {
		end := off + size
		if end > len(payload) {
			end = len(payload)
		}
		out = append(out, payload[off:end])
	}
	return out
}
