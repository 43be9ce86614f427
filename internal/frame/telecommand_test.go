package frame

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDownloadFilePayload(t *testing.T) {
	tc := DownloadFile{CorrelationID: 0x11, Path: "/a/test", Parts: []uint32{0, 3, 1, 2}}

	want := []byte{0x11, 7}
	want = append(want, "/a/test"...)
	want = append(want, 0x00)
	for _, p := range []uint32{0, 3, 1, 2} {
		want = binary.LittleEndian.AppendUint32(want, p)
	}
	assert.Equal(t, want, tc.Payload())
	assert.Equal(t, APIDDownloadFile, tc.APID())
}

func TestDecodeTelecommand(t *testing.T) {
	tests := []Telecommand{
		DownloadFile{CorrelationID: 0x11, Path: "/a/test", Parts: []uint32{0, 3, 1, 2}},
		RemoveFile{CorrelationID: 1, Path: "/x"},
		ListFiles{CorrelationID: 2, Path: "/"},
		EnterIdleState{CorrelationID: 0x11, Duration: 5},
		SetBitrate{CorrelationID: 0x12, Bitrate: 2},
		ResetTransmitter{},
		SendBeacon{},
		Ping{},
	}
	for _, tc := range tests {
		got, err := DecodeTelecommand(tc.APID(), tc.Payload())
		require.NoError(t, err, "%T", tc)
		assert.Equal(t, tc, got)
	}
}

func TestDecodeTelecommandErrors(t *testing.T) {
	_, err := DecodeTelecommand(0x01, nil)
	assert.ErrorIs(t, err, ErrUnknownTelecommand)

	_, err = DecodeTelecommand(APIDDownloadFile, []byte{0x11, 10, 'a'})
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, err = DecodeTelecommand(APIDDownloadFile, []byte{0x11, 1, 'a', 0x00, 1, 2})
	assert.ErrorIs(t, err, ErrMalformedFrame, "partial index")

	_, err = DecodeTelecommand(APIDDownloadFile, []byte{0x11, 1, 'a'})
	assert.ErrorIs(t, err, ErrMalformedFrame, "missing terminator")

	_, err = DecodeTelecommand(APIDSetBitrate, []byte{0x11})
	assert.ErrorIs(t, err, ErrMalformedFrame)
}
