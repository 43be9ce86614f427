package i2c

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.bug.st/serial"

	"obc-harness/internal/wire"
)

// ErrTransportClosed is returned by Next once the transport is closed.
var ErrTransportClosed = errors.New("i2c: transport closed")

// Request is a transaction received from a transport awaiting its reply.
type Request struct {
	Tx    Transaction
	reply func(Response) error
}

// Reply sends the response back to the initiator.
func (r *Request) Reply(resp Response) error {
	if r.reply == nil {
		return nil
	}
	return r.reply(resp)
}

// Transport delivers firmware-initiated transactions to the controller.
type Transport interface {
	// Next blocks until a transaction arrives or ctx is done.
	Next(ctx context.Context) (*Request, error)
	Close() error
}

// --- In-process loopback ---

// Loopback is an in-process transport. The initiator side calls Transfer,
// the controller side receives it from Next.
type Loopback struct {
	reqs      chan *Request
	done      chan struct{}
	closeOnce sync.Once
}

// NewLoopback creates an unbuffered loopback transport.
func NewLoopback() *Loopback {
	return &Loopback{
		reqs: make(chan *Request),
		done: make(chan struct{}),
	}
}

func (l *Loopback) Next(ctx context.Context) (*Request, error) {
	select {
	case r := <-l.reqs:
		return r, nil
	case <-l.done:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Transfer hands tx to the serving controller and waits for the response.
// If nothing serves the bus before ctx is done the result is Timeout.
func (l *Loopback) Transfer(ctx context.Context, tx Transaction) Response {
	ch := make(chan Response, 1)
	req := &Request{Tx: tx, reply: func(r Response) error {
		ch <- r
		return nil
	}}
	select {
	case l.reqs <- req:
	case <-l.done:
		return Response{Code: NAK}
	case <-ctx.Done():
		return Response{Code: Timeout}
	}
	select {
	case r := <-ch:
		return r
	case <-ctx.Done():
		return Response{Code: Timeout}
	}
}

func (l *Loopback) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	return nil
}

// --- Byte stream (serial bridge) ---
//
// Request frame payload:  addr u8 | mode u8 | readLen u16 BE | data...
// Response frame payload: code i8 | data...
// Both travel inside wire frames.

func encodeRequest(tx Transaction) []byte {
	buf := make([]byte, 4, 4+len(tx.Data))
	buf[0] = byte(tx.Address)
	buf[1] = byte(tx.Mode)
	binary.BigEndian.PutUint16(buf[2:4], uint16(tx.ReadLen))
	return append(buf, tx.Data...)
}

func decodeRequest(p []byte) (Transaction, error) {
	if len(p) < 4 {
		return Transaction{}, fmt.Errorf("i2c: short request frame (%d bytes)", len(p))
	}
	tx := Transaction{
		Address: Address(p[0]),
		Mode:    Mode(p[1]),
		ReadLen: int(binary.BigEndian.Uint16(p[2:4])),
	}
	if tx.Address > MaxAddress {
		return Transaction{}, fmt.Errorf("%w: %s", ErrInvalidAddress, tx.Address)
	}
	if tx.Mode > WriteRead {
		return Transaction{}, fmt.Errorf("i2c: invalid mode %d", p[1])
	}
	if len(p) > 4 {
		tx.Data = append([]byte(nil), p[4:]...)
	}
	return tx, nil
}

func encodeResponse(r Response) []byte {
	return append([]byte{byte(r.Code)}, r.Data...)
}

func decodeResponse(p []byte) (Response, error) {
	if len(p) < 1 {
		return Response{}, errors.New("i2c: empty response frame")
	}
	r := Response{Code: FaultCode(int8(p[0]))}
	if len(p) > 1 {
		r.Data = append([]byte(nil), p[1:]...)
	}
	return r, nil
}

// StreamTransport serves transactions arriving as wire frames on a byte
// stream, typically the serial link to the bus bridge.
type StreamTransport struct {
	rw     io.ReadWriteCloser
	reader *wire.Reader
	writer *wire.Writer
	logger *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// NewStreamTransport wraps rw.
func NewStreamTransport(rw io.ReadWriteCloser, logger *slog.Logger) *StreamTransport {
	t := &StreamTransport{
		rw:     rw,
		writer: wire.NewWriter(rw),
		logger: logger,
		done:   make(chan struct{}),
	}
	t.reader = wire.NewReader(rw)
	return t
}

// OpenSerialTransport opens a serial port to the bus bridge.
func OpenSerialTransport(portName string, baudRate int, logger *slog.Logger) (*StreamTransport, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("i2c bridge: open %s: %w", portName, err)
	}
	if err := port.SetReadTimeout(100 * time.Millisecond); err != nil {
		port.Close()
		return nil, fmt.Errorf("i2c bridge: set read timeout: %w", err)
	}
	t := &StreamTransport{
		rw:     port,
		writer: wire.NewWriter(port),
		logger: logger,
		done:   make(chan struct{}),
	}
	t.reader = wire.NewReader(&pollingReader{port: port, done: t.done})
	return t, nil
}

// pollingReader turns the timed-out empty reads of a serial port into a
// blocking reader that stops once done is closed.
type pollingReader struct {
	port serial.Port
	done <-chan struct{}
}

func (p *pollingReader) Read(b []byte) (int, error) {
	for {
		select {
		case <-p.done:
			return 0, ErrTransportClosed
		default:
		}
		n, err := p.port.Read(b)
		if n > 0 || err != nil {
			return n, err
		}
	}
}

// Next reads the next request frame. Corrupt frames are logged and skipped.
// Cancelling ctx closes the transport, since a blocked read cannot be
// interrupted otherwise.
func (t *StreamTransport) Next(ctx context.Context) (*Request, error) {
	stop := context.AfterFunc(ctx, func() { t.Close() })
	defer stop()

	for {
		payload, err := t.reader.ReadFrame()
		if err != nil {
			select {
			case <-t.done:
				return nil, ErrTransportClosed
			default:
			}
			if errors.Is(err, wire.ErrBadCRC) || errors.Is(err, wire.ErrBadEscape) || errors.Is(err, wire.ErrShortFrame) {
				t.logger.Warn("dropping corrupt bridge frame", "err", err)
				continue
			}
			return nil, err
		}
		tx, err := decodeRequest(payload)
		if err != nil {
			t.logger.Warn("dropping invalid bridge request", "err", err)
			continue
		}
		return &Request{Tx: tx, reply: t.writeResponse}, nil
	}
}

func (t *StreamTransport) writeResponse(r Response) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.writer.WriteFrame(encodeResponse(r))
}

func (t *StreamTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.rw.Close()
	})
	return err
}

// StreamClient is the initiator end of a StreamTransport link. The
// simulated firmware uses it when the bus runs over a real byte stream.
type StreamClient struct {
	mu     sync.Mutex
	reader *wire.Reader
	writer *wire.Writer
}

// NewStreamClient wraps rw.
func NewStreamClient(rw io.ReadWriter) *StreamClient {
	return &StreamClient{reader: wire.NewReader(rw), writer: wire.NewWriter(rw)}
}

// Transfer writes the request and blocks for the response. The exchange is
// serialized; ctx is checked before writing only, since the underlying
// stream read cannot be interrupted.
func (c *StreamClient) Transfer(ctx context.Context, tx Transaction) Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx.Err() != nil {
		return Response{Code: Timeout}
	}
	if err := c.writer.WriteFrame(encodeRequest(tx)); err != nil {
		return Response{Code: NAK}
	}
	for {
		payload, err := c.reader.ReadFrame()
		if err != nil {
			if errors.Is(err, wire.ErrBadCRC) || errors.Is(err, wire.ErrBadEscape) {
				continue
			}
			return Response{Code: NAK}
		}
		resp, err := decodeResponse(payload)
		if err != nil {
			continue
		}
		return resp
	}
}
