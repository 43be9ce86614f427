// Package obc talks to the OBC firmware over its control channel. Each
// command and response travels in its own wire frame, so no prompt
// scanning is needed:
//
//	request:  0x01 | tsn | command line
//	response: 0x02 | tsn | text
//	boot:     0x03 | banner
package obc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.bug.st/serial"

	"obc-harness/internal/wire"
)

const (
	kindRequest  byte = 0x01
	kindResponse byte = 0x02
	kindBoot     byte = 0x03
)

var (
	ErrClosed      = errors.New("obc: terminal closed")
	ErrBadResponse = errors.New("obc: unexpected response")
)

// Terminal is the harness end of the control channel.
type Terminal struct {
	rw     io.ReadWriteCloser
	reader *wire.Reader
	writer *wire.Writer
	logger *slog.Logger

	tsn       atomic.Uint32
	pendingMu sync.Mutex
	pending   map[uint8]chan string
	writeMu   sync.Mutex

	bootMu   sync.Mutex
	boots    int
	banner   string
	bootWake chan struct{} // closed and replaced on every boot

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewTerminal starts reading responses from rw.
func NewTerminal(rw io.ReadWriteCloser, logger *slog.Logger) *Terminal {
	t := &Terminal{
		rw:       rw,
		reader:   wire.NewReader(rw),
		writer:   wire.NewWriter(rw),
		logger:   logger.With("component", "obc"),
		pending:  make(map[uint8]chan string),
		bootWake: make(chan struct{}),
		done:     make(chan struct{}),
	}
	t.wg.Add(1)
	go t.readLoop()
	return t
}

// OpenSerialTerminal opens the OBC terminal serial port.
func OpenSerialTerminal(portName string, baudRate int, logger *slog.Logger) (*Terminal, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("obc terminal: open %s: %w", portName, err)
	}
	_ = port.ResetInputBuffer()
	return NewTerminal(port, logger), nil
}

func (t *Terminal) readLoop() {
	defer t.wg.Done()
	for {
		payload, err := t.reader.ReadFrame()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			if errors.Is(err, wire.ErrBadCRC) || errors.Is(err, wire.ErrBadEscape) || errors.Is(err, wire.ErrShortFrame) {
				t.logger.Warn("dropping corrupt terminal frame", "err", err)
				continue
			}
			if !errors.Is(err, io.EOF) {
				t.logger.Error("terminal read failed", "err", err)
			}
			t.shutdown()
			return
		}
		t.dispatch(payload)
	}
}

func (t *Terminal) dispatch(p []byte) {
	if len(p) == 0 {
		return
	}
	switch p[0] {
	case kindResponse:
		if len(p) < 2 {
			t.logger.Warn("short terminal response")
			return
		}
		t.pendingMu.Lock()
		ch, ok := t.pending[p[1]]
		delete(t.pending, p[1])
		t.pendingMu.Unlock()
		if !ok {
			t.logger.Debug("stale terminal response", "tsn", p[1])
			return
		}
		ch <- string(p[2:])
	case kindBoot:
		t.bootMu.Lock()
		t.boots++
		t.banner = string(p[1:])
		close(t.bootWake)
		t.bootWake = make(chan struct{})
		t.bootMu.Unlock()
		t.logger.Info("obc booted", "banner", string(p[1:]))
	default:
		t.logger.Warn("unknown terminal frame", "kind", p[0])
	}
}

// Command sends one command line and waits for its response text.
func (t *Terminal) Command(ctx context.Context, line string) (string, error) {
	tsn := uint8(t.tsn.Add(1))
	ch := make(chan string, 1)

	t.pendingMu.Lock()
	select {
	case <-t.done:
		t.pendingMu.Unlock()
		return "", ErrClosed
	default:
	}
	t.pending[tsn] = ch
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, tsn)
		t.pendingMu.Unlock()
	}()

	frame := append([]byte{kindRequest, tsn}, line...)
	t.writeMu.Lock()
	err := t.writer.WriteFrame(frame)
	t.writeMu.Unlock()
	if err != nil {
		return "", fmt.Errorf("obc: write %q: %w", line, err)
	}
	t.logger.Debug("command", "tsn", tsn, "line", line)

	select {
	case resp, ok := <-ch:
		if !ok {
			return "", ErrClosed
		}
		return resp, nil
	case <-ctx.Done():
		return "", fmt.Errorf("obc: %q: %w", line, ctx.Err())
	case <-t.done:
		return "", ErrClosed
	}
}

// Boots returns the number of boot banners seen so far.
func (t *Terminal) Boots() int {
	t.bootMu.Lock()
	defer t.bootMu.Unlock()
	return t.boots
}

// WaitBoot waits until more than after boots have been seen and returns
// the latest banner.
func (t *Terminal) WaitBoot(ctx context.Context, after int) (string, error) {
	for {
		t.bootMu.Lock()
		if t.boots > after {
			b := t.banner
			t.bootMu.Unlock()
			return b, nil
		}
		wake := t.bootWake
		t.bootMu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return "", fmt.Errorf("obc: wait for boot: %w", ctx.Err())
		case <-t.done:
			return "", ErrClosed
		}
	}
}

// Close stops the terminal and waits for the read loop to exit.
func (t *Terminal) Close() error {
	err := t.shutdown()
	t.wg.Wait()
	return err
}

func (t *Terminal) shutdown() error {
	var err error
	t.closeOnce.Do(func() {
		t.pendingMu.Lock()
		close(t.done)
		t.pendingMu.Unlock()
		err = t.rw.Close()
	})
	return err
}
