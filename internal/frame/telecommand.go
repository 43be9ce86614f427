package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Uplink APIDs.
const (
	APIDDownloadFile     uint8 = 0xAB
	APIDRemoveFile       uint8 = 0xAC
	APIDListFiles        uint8 = 0xAD
	APIDEnterIdleState   uint8 = 0xAE
	APIDResetTransmitter uint8 = 0xAA
	APIDSetBitrate       uint8 = 0x84
	APIDSendBeacon       uint8 = 0x0C
	APIDPing             uint8 = 0x50
)

var ErrUnknownTelecommand = errors.New("frame: unknown telecommand")

// Telecommand is a command the ground sends to the OBC.
type Telecommand interface {
	APID() uint8
	Payload() []byte
}

// DownloadFile asks for the listed parts of a file. The OBC answers with one
// APIDFileSend frame per part (seq = part index) or a single
// APIDFileNotFound frame carrying the path.
type DownloadFile struct {
	CorrelationID uint8
	Path          string
	Parts         []uint32
}

func (DownloadFile) APID() uint8 { return APIDDownloadFile }

// Payload: corr | len(path) | path | 0x00 | part indices u32 LE...
func (t DownloadFile) Payload() []byte {
	buf := make([]byte, 0, 3+len(t.Path)+4*len(t.Parts))
	buf = append(buf, t.CorrelationID, byte(len(t.Path)))
	buf = append(buf, t.Path...)
	buf = append(buf, 0x00)
	for _, p := range t.Parts {
		buf = binary.LittleEndian.AppendUint32(buf, p)
	}
	return buf
}

// RemoveFile deletes a file; answered on APIDFileRemove.
type RemoveFile struct {
	CorrelationID uint8
	Path          string
}

func (RemoveFile) APID() uint8 { return APIDRemoveFile }

func (t RemoveFile) Payload() []byte {
	return append([]byte{t.CorrelationID, byte(len(t.Path))}, t.Path...)
}

// ListFiles lists a directory; answered on APIDFileList with
// newline-separated names.
type ListFiles struct {
	CorrelationID uint8
	Path          string
}

func (ListFiles) APID() uint8 { return APIDListFiles }

func (t ListFiles) Payload() []byte {
	return append([]byte{t.CorrelationID, byte(len(t.Path))}, t.Path...)
}

// EnterIdleState keeps the transmitter carrier on for Duration seconds;
// answered on APIDCommSuccess.
type EnterIdleState struct {
	CorrelationID uint8
	Duration      uint8
}

func (EnterIdleState) APID() uint8 { return APIDEnterIdleState }

func (t EnterIdleState) Payload() []byte { return []byte{t.CorrelationID, t.Duration} }

// SetBitrate changes the downlink bitrate; answered on
// APIDSetBitrateSuccess.
type SetBitrate struct {
	CorrelationID uint8
	Bitrate       uint8
}

func (SetBitrate) APID() uint8 { return APIDSetBitrate }

func (t SetBitrate) Payload() []byte { return []byte{t.CorrelationID, t.Bitrate} }

// ResetTransmitter resets the downlink radio. There is no response frame.
type ResetTransmitter struct{}

func (ResetTransmitter) APID() uint8     { return APIDResetTransmitter }
func (ResetTransmitter) Payload() []byte { return nil }

// SendBeacon asks for an immediate beacon on APIDBeacon.
type SendBeacon struct{}

func (SendBeacon) APID() uint8     { return APIDSendBeacon }
func (SendBeacon) Payload() []byte { return nil }

// Ping is answered with "PONG" on APIDPong.
type Ping struct{}

func (Ping) APID() uint8     { return APIDPing }
func (Ping) Payload() []byte { return nil }

// Raw is an arbitrary telecommand.
type Raw struct {
	ID   uint8
	Data []byte
}

func (r Raw) APID() uint8     { return r.ID }
func (r Raw) Payload() []byte { return r.Data }

// DecodeTelecommand is the firmware-side parser for the telecommands above.
func DecodeTelecommand(apid uint8, p []byte) (Telecommand, error) {
	switch apid {
	case APIDDownloadFile:
		corr, path, rest, err := corrAndPath(p)
		if err != nil {
			return nil, err
		}
		if len(rest) < 1 || rest[0] != 0x00 {
			return nil, fmt.Errorf("%w: download file: missing path terminator", ErrMalformedFrame)
		}
		rest = rest[1:]
		if len(rest)%4 != 0 {
			return nil, fmt.Errorf("%w: download file: part list of %d bytes", ErrMalformedFrame, len(rest))
		}
		t := DownloadFile{CorrelationID: corr, Path: path}
		for i := 0; i < len(rest); i += 4 {
			t.Parts = append(t.Parts, binary.LittleEndian.Uint32(rest[i:]))
		}
		return t, nil
	case APIDRemoveFile:
		corr, path, _, err := corrAndPath(p)
		if err != nil {
			return nil, err
		}
		return RemoveFile{CorrelationID: corr, Path: path}, nil
	case APIDListFiles:
		corr, path, _, err := corrAndPath(p)
		if err != nil {
			return nil, err
		}
		return ListFiles{CorrelationID: corr, Path: path}, nil
	case APIDEnterIdleState:
		if len(p) < 2 {
			return nil, fmt.Errorf("%w: enter idle state of %d bytes", ErrMalformedFrame, len(p))
		}
		return EnterIdleState{CorrelationID: p[0], Duration: p[1]}, nil
	case APIDSetBitrate:
		if len(p) < 2 {
			return nil, fmt.Errorf("%w: set bitrate of %d bytes", ErrMalformedFrame, len(p))
		}
		return SetBitrate{CorrelationID: p[0], Bitrate: p[1]}, nil
	case APIDResetTransmitter:
		return ResetTransmitter{}, nil
	case APIDSendBeacon:
		return SendBeacon{}, nil
	case APIDPing:
		return Ping{}, nil
	}
	return nil, fmt.Errorf("%w: apid 0x%02X", ErrUnknownTelecommand, apid)
}

func corrAndPath(p []byte) (uint8, string, []byte, error) {
	if len(p) < 2 {
		return 0, "", nil, fmt.Errorf("%w: %d bytes", ErrMalformedFrame, len(p))
	}
	n := int(p[1])
	if len(p) < 2+n {
		return 0, "", nil, fmt.Errorf("%w: path of %d bytes, have %d", ErrMalformedFrame, n, len(p)-2)
	}
	return p[0], string(p[2 : 2+n]), p[2+n:], nil
}
