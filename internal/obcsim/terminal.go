package obcsim

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"obc-harness/internal/devices"
	"obc-harness/internal/i2c"
	"obc-harness/internal/obc"
)

const (
	respOK       = "OK"
	respNotFound = "Error not found"
)

// Command executes one control-channel command line.
func (s *Sim) Command(ctx context.Context, line string) string {
	name, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	switch name {
	case "ping":
		return "pong"
	case "getState":
		if s.started() {
			return "1"
		}
		return "0"
	case "reset":
		go func() {
			time.Sleep(time.Millisecond)
			s.Reboot()
		}()
		return respOK
	case "jumpToTime":
		sec, err := strconv.ParseInt(rest, 10, 64)
		if err != nil || sec < 0 {
			return "Error invalid time"
		}
		s.mu.Lock()
		s.missionTime = time.Duration(sec) * time.Second
		s.missionSet = time.Now()
		s.mu.Unlock()
		return respOK
	case "currentTime":
		return strconv.FormatInt(int64(s.MissionTime()/time.Second), 10)
	case "sendFrame":
		raw, err := hex.DecodeString(rest)
		if err != nil {
			return "Error invalid frame"
		}
		if code := s.transmit(ctx, raw); code != i2c.OK {
			return obc.FormatFault(code)
		}
		return respOK
	case "getFramesCount":
		resp := s.transfer(ctx, i2c.Transaction{Address: devices.ReceiverAddress, Mode: i2c.WriteRead, Data: []byte{cmdRxFrameCount}, ReadLen: 2})
		if resp.Code != i2c.OK {
			return obc.FormatFault(resp.Code)
		}
		if len(resp.Data) < 2 {
			return "0"
		}
		return strconv.Itoa(int(resp.Data[0]) | int(resp.Data[1])<<8)
	case "receiveFrame":
		raw, ok := s.takeFrame(ctx)
		if !ok {
			return ""
		}
		return hex.EncodeToString(raw)
	case "pauseComm", "resumeComm":
		s.mu.Lock()
		s.commPaused = name == "pauseComm"
		s.mu.Unlock()
		return respOK
	case "listFiles":
		return strings.Join(s.dirEntries(rest), "\n")
	case "writeFile":
		path, content, ok := strings.Cut(rest, " ")
		if !ok || path == "" {
			return "Error usage: writeFile <path> <content>"
		}
		s.WriteFile(path, []byte(content))
		return respOK
	case "readFile":
		s.mu.Lock()
		content, ok := s.files[rest]
		s.mu.Unlock()
		if !ok {
			return respNotFound
		}
		return string(content)
	case "rm":
		s.mu.Lock()
		_, ok := s.files[rest]
		delete(s.files, rest)
		s.mu.Unlock()
		if !ok {
			return respNotFound
		}
		return respOK
	case "i2c":
		return s.i2cCommand(ctx, rest)
	}
	return "Error unknown command " + name
}

// i2cCommand runs "<mode> <bus> <address> <hex data|read length> [read length]".
func (s *Sim) i2cCommand(ctx context.Context, args string) string {
	f := strings.Fields(args)
	if len(f) < 4 {
		return "Error usage: i2c <r|w|wr> <system|payload> <address> <data>"
	}
	mode, err := i2c.ParseMode(f[0])
	if err != nil {
		return "Error " + err.Error()
	}
	bus, err := i2c.ParseBus(f[1])
	if err != nil {
		return "Error " + err.Error()
	}
	addr, err := strconv.ParseUint(f[2], 0, 8)
	if err != nil || addr > uint64(i2c.MaxAddress) {
		return fmt.Sprintf("Error invalid address %q", f[2])
	}
	tx := i2c.Transaction{Bus: bus, Address: i2c.Address(addr), Mode: mode}
	if mode == i2c.Read {
		n, err := strconv.Atoi(f[3])
		if err != nil || n < 0 {
			return fmt.Sprintf("Error invalid length %q", f[3])
		}
		tx.ReadLen = n
	} else {
		tx.Data, err = hex.DecodeString(f[3])
		if err != nil {
			return "Error invalid data"
		}
		if mode == i2c.WriteRead {
			tx.ReadLen = len(tx.Data)
			if len(f) > 4 {
				if n, err := strconv.Atoi(f[4]); err == nil && n > 0 {
					tx.ReadLen = n
				}
			}
		}
	}
	resp := s.transfer(ctx, tx)
	if resp.Code != i2c.OK {
		return obc.FormatFault(resp.Code)
	}
	return hex.EncodeToString(resp.Data)
}

// MissionTime returns the simulated mission clock.
func (s *Sim) MissionTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.missionTime + time.Since(s.missionSet)
}
