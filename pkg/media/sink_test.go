package media

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUDPSink(t *testing.T) {
	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer peer.Close()

	sink, err := newUDPSink("127.0.0.1", peer.LocalAddr().(*net.UDPAddr).Port)
	require.NoError(t, err)
	defer sink.Close()

	assert.Greater(t, sink.LocalPort(), 0)

	payload := []byte{0x80, 0x60, 0x00, 0x01, 0xde, 0xad, 0xbe, 0xef}
	require.NoError(t, sink.Write(payload))

	buf := make([]byte, 1500)
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := peer.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, payload, buf[:n])
}

func TestTCPSink_FramesWithLengthPrefix(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	sink, err := newTCPSink("127.0.0.1", ln.Addr().(*net.TCPAddr).Port)
	require.NoError(t, err)
	defer sink.Close()

	peer := <-accepted
	defer peer.Close()

	payload := []byte{0x80, 0x60, 0x00, 0x01, 0xca, 0xfe}
	require.NoError(t, sink.Write(payload))

	frame := make([]byte, 2+len(payload))
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = io.ReadFull(peer, frame)
	require.NoError(t, err)
	assert.Equal(t, uint16(len(payload)), binary.BigEndian.Uint16(frame))
	assert.Equal(t, payload, frame[2:])
}

func TestTCPSink_DialFailure(t *testing.T) {
	// A port nothing listens on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	_, err = newTCPSink("127.0.0.1", port)
	assert.Error(t, err)
}
