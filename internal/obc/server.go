package obc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"obc-harness/internal/wire"
)

// Handler executes one command line on the firmware side.
type Handler interface {
	Command(ctx context.Context, line string) string
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, line string) string

func (f HandlerFunc) Command(ctx context.Context, line string) string { return f(ctx, line) }

// Server is the firmware end of the control channel. Commands run one at
// a time in arrival order, like the firmware's terminal task.
type Server struct {
	rw      io.ReadWriter
	reader  *wire.Reader
	writer  *wire.Writer
	writeMu sync.Mutex
	handler Handler
	logger  *slog.Logger
}

// NewServer serves h over rw.
func NewServer(rw io.ReadWriter, h Handler, logger *slog.Logger) *Server {
	return &Server{
		rw:      rw,
		reader:  wire.NewReader(rw),
		writer:  wire.NewWriter(rw),
		handler: h,
		logger:  logger.With("component", "obc-server"),
	}
}

// Boot announces a (re)start with banner.
func (s *Server) Boot(banner string) error {
	return s.write(append([]byte{kindBoot}, banner...))
}

func (s *Server) write(p []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.writer.WriteFrame(p)
}

// Serve handles requests until the stream ends or ctx is done. When rw is
// an io.Closer it is closed on cancellation to unblock the read.
func (s *Server) Serve(ctx context.Context) error {
	if c, ok := s.rw.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { c.Close() })
		defer stop()
	}
	for {
		p, err := s.reader.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, wire.ErrBadCRC) || errors.Is(err, wire.ErrBadEscape) || errors.Is(err, wire.ErrShortFrame) {
				s.logger.Warn("dropping corrupt command frame", "err", err)
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}
		if len(p) < 2 || p[0] != kindRequest {
			s.logger.Warn("unexpected frame on command channel", "len", len(p))
			continue
		}
		tsn, line := p[1], string(p[2:])
		resp := s.handler.Command(ctx, line)
		s.logger.Debug("command handled", "line", line, "response", resp)
		if err := s.write(append([]byte{kindResponse, tsn}, resp...)); err != nil {
			return err
		}
	}
}
