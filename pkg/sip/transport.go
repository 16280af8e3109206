package sip

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"gb28181-restreamer/pkg/config"
	"gb28181-restreamer/pkg/errors"
)

// maxUDPDatagram is sized for large catalog queries with margin.
const maxUDPDatagram = 8192

// RawHandler receives every complete message read off the wire.
type RawHandler func(raw []byte, remote net.Addr, transport string)

// Transport owns the gateway's SIP sockets: one UDP socket used for
// both directions, and an optional TCP listener with tracked
// connections for platforms that signal over TCP.
type Transport struct {
	cfg     *config.Config
	logger  *logrus.Logger
	handler RawHandler

	udpConn  *net.UDPConn
	tcpLn    net.Listener
	connMu   sync.RWMutex
	conns    map[string]*tcpConn
	wg       sync.WaitGroup
	shutdown context.CancelFunc
	closed   chan struct{}
}

type tcpConn struct {
	conn         net.Conn
	reader       *bufio.Reader
	writeMu      sync.Mutex
	lastActivity time.Time
}

func NewTransport(cfg *config.Config, logger *logrus.Logger, handler RawHandler) *Transport {
	return &Transport{
		cfg:     cfg,
		logger:  logger,
		handler: handler,
		conns:   make(map[string]*tcpConn),
		closed:  make(chan struct{}),
	}
}

// Start binds the sockets and launches the read loops.
func (t *Transport) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	t.shutdown = cancel

	addr := net.JoinHostPort(t.cfg.LocalIP, strconv.Itoa(t.cfg.LocalPort))

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return errors.Wrap(err, "resolving SIP bind address")
	}
	t.udpConn, err = net.ListenUDP("udp", udpAddr)
	if err != nil {
		return errors.Wrap(err, "binding SIP UDP socket")
	}
	t.logger.WithField("address", addr).Info("SIP transport listening on UDP")

	t.wg.Add(1)
	go t.udpLoop(ctx)

	if t.cfg.Transport == "tcp" {
		t.tcpLn, err = net.Listen("tcp", addr)
		if err != nil {
			t.udpConn.Close()
			return errors.Wrap(err, "binding SIP TCP listener")
		}
		t.logger.WithField("address", addr).Info("SIP transport listening on TCP")
		t.wg.Add(1)
		go t.acceptLoop(ctx)
	}
	return nil
}

func (t *Transport) udpLoop(ctx context.Context) {
	defer t.wg.Done()
	buf := make([]byte, maxUDPDatagram)
	for {
		n, remote, err := t.udpConn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			t.logger.WithError(err).Warn("UDP read error")
			continue
		}
		if n == 0 {
			continue
		}
		raw := make([]byte, n)
		copy(raw, buf[:n])
		t.handler(raw, remote, "udp")
	}
}

func (t *Transport) acceptLoop(ctx context.Context) {
	defer t.wg.Done()
	for {
		conn, err := t.tcpLn.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			t.logger.WithError(err).Warn("TCP accept error")
			continue
		}
		tc := &tcpConn{
			conn:         conn,
			reader:       bufio.NewReader(conn),
			lastActivity: time.Now(),
		}
		key := conn.RemoteAddr().String()
		t.connMu.Lock()
		t.conns[key] = tc
		t.connMu.Unlock()

		t.wg.Add(1)
		go t.connLoop(ctx, key, tc)
	}
}

func (t *Transport) connLoop(ctx context.Context, key string, tc *tcpConn) {
	defer t.wg.Done()
	defer func() {
		tc.conn.Close()
		t.connMu.Lock()
		delete(t.conns, key)
		t.connMu.Unlock()
	}()

	logger := t.logger.WithField("remote", key)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		raw, err := readStreamMessage(tc.reader)
		if err != nil {
			if err != io.EOF {
				logger.WithError(err).Debug("TCP connection read failed")
			}
			return
		}
		tc.lastActivity = time.Now()
		t.handler(raw, tc.conn.RemoteAddr(), "tcp")
	}
}

// readStreamMessage frames one SIP message off a TCP stream: headers
// up to the blank line, then exactly Content-Length body bytes.
func readStreamMessage(r *bufio.Reader) ([]byte, error) {
	var head bytes.Buffer
	contentLength := 0
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		head.WriteString(line)
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			break
		}
		if name, value, found := strings.Cut(trimmed, ":"); found {
			key := strings.ToLower(strings.TrimSpace(name))
			if key == "content-length" || key == "l" {
				if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
					contentLength = n
				}
			}
		}
	}
	if contentLength > 0 {
		body := make([]byte, contentLength)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, err
		}
		head.Write(body)
	}
	return head.Bytes(), nil
}

// Send transmits data to addr over the given transport. For TCP an
// existing inbound connection to the peer is reused when available.
func (t *Transport) Send(addr, transport string, data []byte) error {
	switch strings.ToLower(transport) {
	case "", "udp":
		return t.sendUDP(addr, data)
	case "tcp":
		return t.sendTCP(addr, data)
	default:
		return errors.New(fmt.Sprintf("unsupported transport %q", transport))
	}
}

// Reply transmits data back to the source of an inbound message.
func (t *Transport) Reply(remote net.Addr, transport string, data []byte) error {
	return t.Send(remote.String(), transport, data)
}

func (t *Transport) sendUDP(addr string, data []byte) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return errors.Wrap(err, "resolving UDP destination").WithField("addr", addr)
	}
	if _, err := t.udpConn.WriteToUDP(data, udpAddr); err != nil {
		return errors.Wrap(errors.ErrTransport, "sending UDP datagram").
			WithField("addr", addr).WithField("cause", err.Error())
	}
	return nil
}

func (t *Transport) sendTCP(addr string, data []byte) error {
	t.connMu.RLock()
	tc := t.conns[addr]
	t.connMu.RUnlock()

	if tc == nil {
		conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
		if err != nil {
			return errors.Wrap(errors.ErrTransport, "dialing TCP peer").
				WithField("addr", addr).WithField("cause", err.Error())
		}
		tc = &tcpConn{
			conn:         conn,
			reader:       bufio.NewReader(conn),
			lastActivity: time.Now(),
		}
		t.connMu.Lock()
		t.conns[addr] = tc
		t.connMu.Unlock()
		t.wg.Add(1)
		go t.connLoop(context.Background(), addr, tc)
	}

	tc.writeMu.Lock()
	defer tc.writeMu.Unlock()
	tc.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := tc.conn.Write(data); err != nil {
		return errors.Wrap(errors.ErrTransport, "writing to TCP peer").
			WithField("addr", addr).WithField("cause", err.Error())
	}
	return nil
}

// LocalPort reports the bound UDP port, useful when port 0 was asked.
func (t *Transport) LocalPort() int {
	if t.udpConn == nil {
		return t.cfg.LocalPort
	}
	return t.udpConn.LocalAddr().(*net.UDPAddr).Port
}

// Shutdown closes all sockets and waits for the loops to drain.
func (t *Transport) Shutdown(timeout time.Duration) {
	if t.shutdown != nil {
		t.shutdown()
	}
	if t.udpConn != nil {
		t.udpConn.Close()
	}
	if t.tcpLn != nil {
		t.tcpLn.Close()
	}
	t.connMu.Lock()
	for _, tc := range t.conns {
		tc.conn.Close()
	}
	t.connMu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.logger.Warn("SIP transport shutdown timed out")
	}
}
