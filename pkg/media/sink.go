package media

import (
	"encoding/binary"
	"net"
	"strconv"
	"sync"
	"time"

	"gb28181-restreamer/pkg/errors"
)

// packetSink delivers serialized RTP packets to the negotiated peer.
type packetSink interface {
	Write(payload []byte) error
	LocalPort() int
	Close() error
}

// udpSink sends bare RTP datagrams.
type udpSink struct {
	conn *net.UDPConn
}

func newUDPSink(ip string, port int) (*udpSink, error) {
	raddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(ip, strconv.Itoa(port)))
	if err != nil {
		return nil, errors.Wrap(err, "resolving media destination")
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, errors.Wrap(errors.ErrMediaFailure, "opening UDP media socket: "+err.Error())
	}
	return &udpSink{conn: conn}, nil
}

func (s *udpSink) Write(payload []byte) error {
	_, err := s.conn.Write(payload)
	return err
}

func (s *udpSink) LocalPort() int {
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

func (s *udpSink) Close() error { return s.conn.Close() }

// tcpSink sends RTP over a TCP connection with the RFC 4571 two-byte
// length prefix. Used when the platform negotiated TCP and asked us
// to be the active side.
type tcpSink struct {
	mu   sync.Mutex
	conn net.Conn
}

func newTCPSink(ip string, port int) (*tcpSink, error) {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(ip, strconv.Itoa(port)), 8*time.Second)
	if err != nil {
		return nil, errors.Wrap(errors.ErrMediaFailure, "dialing TCP media peer: "+err.Error())
	}
	return &tcpSink{conn: conn}, nil
}

func (s *tcpSink) Write(payload []byte) error {
	framed := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(framed, uint16(len(payload)))
	copy(framed[2:], payload)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := s.conn.Write(framed)
	return err
}

func (s *tcpSink) LocalPort() int {
	return s.conn.LocalAddr().(*net.TCPAddr).Port
}

func (s *tcpSink) Close() error { return s.conn.Close() }
