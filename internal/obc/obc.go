package obc

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"obc-harness/internal/i2c"
)

// Conn is the transport an OBC runs commands over. *Terminal implements it.
type Conn interface {
	Command(ctx context.Context, line string) (string, error)
	Boots() int
	WaitBoot(ctx context.Context, after int) (string, error)
}

// CommandError is a firmware response reporting a failed command.
type CommandError struct {
	Command string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("obc: %s: %s", e.Command, e.Message)
}

const errorPrefix = "Error"

// DefaultStatePoll is the getState polling interval of WaitToStart.
const DefaultStatePoll = 50 * time.Millisecond

// OBC wraps the firmware terminal commands.
type OBC struct {
	conn      Conn
	logger    *slog.Logger
	statePoll time.Duration
}

// New creates an OBC over conn.
func New(conn Conn, logger *slog.Logger) *OBC {
	return &OBC{conn: conn, logger: logger.With("component", "obc"), statePoll: DefaultStatePoll}
}

func (o *OBC) command(ctx context.Context, name string, args ...string) (string, error) {
	line := name
	if len(args) > 0 {
		line += " " + strings.Join(args, " ")
	}
	resp, err := o.conn.Command(ctx, line)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(resp, errorPrefix) {
		return "", &CommandError{Command: name, Message: strings.TrimSpace(strings.TrimPrefix(resp, errorPrefix))}
	}
	return resp, nil
}

// ok runs a command whose only successful answer is "OK".
func (o *OBC) ok(ctx context.Context, name string, args ...string) error {
	resp, err := o.command(ctx, name, args...)
	if err != nil {
		return err
	}
	if resp != "OK" {
		return fmt.Errorf("%w: %s: %q", ErrBadResponse, name, resp)
	}
	return nil
}

func (o *OBC) integer(ctx context.Context, name string) (int64, error) {
	resp, err := o.command(ctx, name)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(strings.TrimSpace(resp), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %q", ErrBadResponse, name, resp)
	}
	return v, nil
}

// Ping returns the firmware's answer, "pong" when healthy.
func (o *OBC) Ping(ctx context.Context) (string, error) {
	return o.command(ctx, "ping")
}

// State returns the firmware state; 1 means fully started.
func (o *OBC) State(ctx context.Context) (int, error) {
	v, err := o.integer(ctx, "getState")
	return int(v), err
}

// WaitToStart polls getState until the firmware reports 1.
func (o *OBC) WaitToStart(ctx context.Context) error {
	ticker := time.NewTicker(o.statePoll)
	defer ticker.Stop()
	for {
		st, err := o.State(ctx)
		if err != nil {
			return err
		}
		if st == 1 {
			o.logger.Debug("obc started")
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("obc: wait to start: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Reset restarts the firmware and waits for its boot banner.
func (o *OBC) Reset(ctx context.Context) error {
	boots := o.conn.Boots()
	if err := o.ok(ctx, "reset"); err != nil {
		return err
	}
	_, err := o.conn.WaitBoot(ctx, boots)
	return err
}

// WaitBoot waits for the first boot banner.
func (o *OBC) WaitBoot(ctx context.Context) error {
	_, err := o.conn.WaitBoot(ctx, 0)
	return err
}

// JumpToTime moves mission time forward to t.
func (o *OBC) JumpToTime(ctx context.Context, t time.Duration) error {
	return o.ok(ctx, "jumpToTime", strconv.FormatInt(int64(t/time.Second), 10))
}

// CurrentTime returns the mission time.
func (o *OBC) CurrentTime(ctx context.Context) (time.Duration, error) {
	v, err := o.integer(ctx, "currentTime")
	return time.Duration(v) * time.Second, err
}

// SendFrame makes the firmware transmit data as a raw downlink frame.
func (o *OBC) SendFrame(ctx context.Context, data []byte) error {
	return o.ok(ctx, "sendFrame", hex.EncodeToString(data))
}

// FramesCount returns the number of uplink frames waiting in the receiver.
func (o *OBC) FramesCount(ctx context.Context) (int, error) {
	v, err := o.integer(ctx, "getFramesCount")
	return int(v), err
}

// ReceiveFrame pops the next uplink frame; nil when none is waiting.
func (o *OBC) ReceiveFrame(ctx context.Context) ([]byte, error) {
	resp, err := o.command(ctx, "receiveFrame")
	if err != nil || resp == "" {
		return nil, err
	}
	b, err := hex.DecodeString(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: receiveFrame: %v", ErrBadResponse, err)
	}
	return b, nil
}

// CommAutoHandling toggles the firmware's telecommand processing.
func (o *OBC) CommAutoHandling(ctx context.Context, enable bool) error {
	if enable {
		return o.ok(ctx, "resumeComm")
	}
	return o.ok(ctx, "pauseComm")
}

// ListFiles lists the entries of a directory.
func (o *OBC) ListFiles(ctx context.Context, path string) ([]string, error) {
	resp, err := o.command(ctx, "listFiles", path)
	if err != nil {
		return nil, err
	}
	if resp == "" {
		return nil, nil
	}
	return strings.Split(resp, "\n"), nil
}

// WriteFile stores content at path.
func (o *OBC) WriteFile(ctx context.Context, path, content string) error {
	return o.ok(ctx, "writeFile", path, content)
}

// ReadFile returns the content stored at path.
func (o *OBC) ReadFile(ctx context.Context, path string) (string, error) {
	return o.command(ctx, "readFile", path)
}

// I2CTransfer runs a transaction from the firmware. For Read, data is
// ignored and readLen gives the length; for WriteRead a zero readLen means
// len(data). A bus fault comes back as *i2c.FaultError.
func (o *OBC) I2CTransfer(ctx context.Context, mode i2c.Mode, bus i2c.BusSelector, addr i2c.Address, data []byte, readLen int) ([]byte, error) {
	line := fmt.Sprintf("i2c %s %s %d %s", mode, bus, addr, hex.EncodeToString(data))
	switch {
	case mode == i2c.Read:
		line = fmt.Sprintf("i2c %s %s %d %d", mode, bus, addr, readLen)
	case mode == i2c.WriteRead && readLen > 0:
		line += " " + strconv.Itoa(readLen)
	}
	resp, err := o.conn.Command(ctx, line)
	if err != nil {
		return nil, err
	}
	if code, ok := ParseFault(resp); ok {
		return nil, &i2c.FaultError{Code: code}
	}
	if strings.HasPrefix(resp, errorPrefix) {
		return nil, &CommandError{Command: "i2c", Message: strings.TrimSpace(strings.TrimPrefix(resp, errorPrefix))}
	}
	out, err := hex.DecodeString(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: i2c: %q", ErrBadResponse, resp)
	}
	return out, nil
}

// ParseFault recognises an "Error -N" transfer response.
func ParseFault(resp string) (i2c.FaultCode, bool) {
	rest, ok := strings.CutPrefix(resp, errorPrefix+" ")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(rest, 10, 8)
	if err != nil || n >= 0 {
		return 0, false
	}
	return i2c.FaultCode(n), true
}

// FormatFault renders a fault the way the firmware prints it.
func FormatFault(code i2c.FaultCode) string {
	return fmt.Sprintf("%s %d", errorPrefix, int8(code))
}
