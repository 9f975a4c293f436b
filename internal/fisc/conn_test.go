package fisc

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBCDLengthPrefix(t *testing.T) {
	cases := []struct {
		n    int
		want [2]byte
	}{
		{0, [2]byte{0x00, 0x00}},
		{7, [2]byte{0x00, 0x07}},
		{123, [2]byte{0x01, 0x23}},
		{9999, [2]byte{0x99, 0x99}},
	}
	for _, tc := range cases {
		var buf [2]byte
		encodeBCDLen(buf[:], tc.n)
		assert.Equal(t, tc.want, buf, "encode %d", tc.n)

		got, err := decodeBCDLen(buf)
		require.NoError(t, err)
		assert.Equal(t, tc.n, got)
	}
}

func TestBCDLengthRejectsNonDigits(t *testing.T) {
	_, err := decodeBCDLen([2]byte{0xAB, 0x12})
	require.Error(t, err)
}

func TestConnFraming(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	writer := newConn(a, RoleSend, time.Second, time.Second)
	reader := newConn(b, RoleReceive, time.Second, time.Second)

	payload := []byte("0200 frame body")
	errCh := make(chan error, 1)
	go func() { errCh <- writer.WriteFrame(payload) }()

	got, err := reader.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	require.NoError(t, <-errCh)
}

func TestConnFramingEmptyPayload(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	writer := newConn(a, RoleSend, time.Second, time.Second)
	reader := newConn(b, RoleReceive, time.Second, time.Second)

	go func() { _ = writer.WriteFrame(nil) }()
	got, err := reader.ReadFrame()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestConnRejectsOversizedFrame(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	writer := newConn(a, RoleSend, time.Second, time.Second)
	err := writer.WriteFrame(make([]byte, maxFrameLen+1))
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestConnRejectsNonBCDPrefix(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	reader := newConn(b, RoleReceive, time.Second, time.Second)
	go func() {
		_, _ = a.Write([]byte{0xFF, 0x01, 0x42})
	}()

	_, err := reader.ReadFrame()
	require.Error(t, err)
	var fe *FrameError
	assert.ErrorAs(t, err, &fe)
}
