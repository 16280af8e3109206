package sip

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"gb28181-restreamer/pkg/catalog"
	"gb28181-restreamer/pkg/config"
	"gb28181-restreamer/pkg/media"
	"gb28181-restreamer/pkg/messaging"
	"gb28181-restreamer/pkg/metrics"
	"gb28181-restreamer/pkg/recording"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testConfig() *config.Config {
	return &config.Config{
		DeviceID:          "34020000001320000001",
		DeviceName:        "Test Device",
		Manufacturer:      "Test",
		Model:             "Test-1.0",
		Firmware:          "1.0.0",
		CivilCode:         "340200",
		PlatformID:        "34020000002000000001",
		PlatformHost:      "127.0.0.1",
		PlatformPort:      15060,
		Username:          "34020000001320000001",
		Password:          "secret",
		LocalIP:           "127.0.0.1",
		LocalPort:         0,
		Transport:         "udp",
		RegisterExpires:   time.Hour,
		KeepaliveInterval: time.Minute,
		RegisterRetrySlow: 30 * time.Second,
		MaxChannels:       20,
		SafeDatagramBytes: 1400,
		DedupeWindow:      2 * time.Second,

		SessionSweepInterval: 10 * time.Second,
		MaxRecoveryAttempts:  3,
		SSRCField:            "y",
	}
}

// fakeStream is a controllable media.Stream.
type fakeStream struct {
	mu      sync.Mutex
	healthy bool
	port    int
	stops   int
	stats   media.Stats
}

func (f *fakeStream) Healthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

func (f *fakeStream) setHealthy(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthy = v
}

func (f *fakeStream) Stats() media.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakeStream) LocalPort() int { return f.port }

func (f *fakeStream) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeStream) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

// fakeEngine records StartStream calls and hands out fakeStreams.
type fakeEngine struct {
	mu      sync.Mutex
	calls   []media.StreamRequest
	err     error
	streams []*fakeStream
}

func (f *fakeEngine) StartStream(_ context.Context, req media.StreamRequest) (media.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.err != nil {
		return nil, f.err
	}
	s := &fakeStream{healthy: true, port: 40000 + len(f.streams)}
	f.streams = append(f.streams, s)
	return s, nil
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeEngine) lastCall() media.StreamRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

// capturePublisher records the events handed to it.
type capturePublisher struct {
	mu     sync.Mutex
	events []messaging.Event
}

func (c *capturePublisher) Publish(e messaging.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *capturePublisher) byKind(kind string) []messaging.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []messaging.Event
	for _, e := range c.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// fakeIndex is an in-memory recording.Index.
type fakeIndex struct {
	recs []recording.Recording
	err  error
}

func (f *fakeIndex) Add(_ context.Context, rec recording.Recording) (int64, error) {
	f.recs = append(f.recs, rec)
	return int64(len(f.recs)), nil
}

func (f *fakeIndex) Query(_ context.Context, channelID string, start, end time.Time) ([]recording.Recording, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []recording.Recording
	for _, rec := range f.recs {
		if rec.ChannelID == channelID && !rec.EndTime.Before(start) && !rec.StartTime.After(end) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeIndex) FindForPlayback(ctx context.Context, channelID string, start, end time.Time) (*recording.Recording, error) {
	recs, err := f.Query(ctx, channelID, start, end)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return &recs[0], nil
}

func (f *fakeIndex) Close() error { return nil }

// harness wires a full signaling stack against a capture socket that
// plays the platform: everything the gateway sends lands there.
type harness struct {
	cfg        *config.Config
	engine     *fakeEngine
	index      *fakeIndex
	builder    *Builder
	parser     *Parser
	transport  *Transport
	catalog    *catalog.Catalog
	tracker    *StreamSessionTracker
	negotiator *SessionNegotiator
	responder  *CatalogResponder
	records    *RecordQueryHandler
	metrics    *metrics.Metrics

	platform *net.UDPConn
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := newTestLogger()
	cfg := testConfig()

	platform, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { platform.Close() })
	cfg.PlatformPort = platform.LocalAddr().(*net.UDPAddr).Port

	h := &harness{
		cfg:     cfg,
		engine:  &fakeEngine{},
		index:   &fakeIndex{},
		metrics: metrics.New(logger),
	}
	h.builder = NewBuilder(cfg)
	h.parser = NewParser(logger)
	h.transport = NewTransport(cfg, logger, func([]byte, net.Addr, string) {})
	require.NoError(t, h.transport.Start(context.Background()))
	t.Cleanup(func() { h.transport.Shutdown(time.Second) })

	h.catalog = catalog.New(cfg, logger)
	h.catalog.Rebuild([]config.MediaSource{{Ref: "rtsp://camera.local/stream", Name: "Front Door"}})

	publisher := messaging.NewPublisher(logger, "", "test")
	h.tracker = NewStreamSessionTracker(cfg, logger, h.builder, h.transport, h.engine, h.metrics, publisher)
	h.records = NewRecordQueryHandler(cfg, logger, h.builder, h.transport, h.catalog, h.index)
	h.negotiator = NewSessionNegotiator(cfg, logger, h.builder, h.transport, h.catalog,
		h.engine, h.tracker, h.records, h.metrics)
	h.responder = NewCatalogResponder(cfg, logger, h.builder, h.transport, h.catalog, h.metrics)
	h.platform = platform
	return h
}

// channelID of the single configured camera.
func (h *harness) channelID() string {
	return catalog.ChannelID(h.cfg.DeviceID, 1)
}

// readPacket returns the next datagram the gateway sent the platform.
func (h *harness) readPacket(t *testing.T) []byte {
	t.Helper()
	buf := make([]byte, 8192)
	require.NoError(t, h.platform.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := h.platform.ReadFromUDP(buf)
	require.NoError(t, err)
	return buf[:n]
}

// readFinalResponse drains provisional responses and returns the first
// final one.
func (h *harness) readFinalResponse(t *testing.T) *Message {
	t.Helper()
	for i := 0; i < 5; i++ {
		raw := h.readPacket(t)
		msg, err := h.parser.Parse(raw, h.platform.LocalAddr(), "udp")
		require.NoError(t, err)
		if msg.IsResponse && msg.StatusCode >= 200 {
			return msg
		}
	}
	t.Fatal("no final response received")
	return nil
}

// invite builds a platform-style INVITE aimed at target and parses it
// as if it arrived from the capture socket.
func (h *harness) invite(t *testing.T, callID, target string, sdpBody string) *Message {
	t.Helper()
	body := strings.ReplaceAll(sdpBody, "\n", "\r\n")
	raw := fmt.Sprintf("INVITE sip:%s@3402000000 SIP/2.0\r\n"+
		"Via: SIP/2.0/UDP 127.0.0.1:%d;branch=z9hG4bK%s\r\n"+
		"From: <sip:%s@3402000000>;tag=plat%s\r\n"+
		"To: <sip:%s@3402000000>\r\n"+
		"Call-ID: %s\r\n"+
		"CSeq: 1 INVITE\r\n"+
		"Contact: <sip:%s@127.0.0.1:%d>\r\n"+
		"Content-Type: application/sdp\r\n"+
		"Max-Forwards: 70\r\n"+
		"Content-Length: %d\r\n\r\n%s",
		target, h.cfg.PlatformPort, callID,
		h.cfg.PlatformID, callID,
		target, callID,
		h.cfg.PlatformID, h.cfg.PlatformPort,
		len(body), body)

	msg, err := h.parser.Parse([]byte(raw), h.platform.LocalAddr(), "udp")
	require.NoError(t, err)
	return msg
}

// liveOffer is a typical platform SDP offer for a live stream.
func liveOffer(transportLine string) string {
	offer := `v=0
o=34020000002000000001 0 0 IN IP4 127.0.0.1
s=Play
c=IN IP4 127.0.0.1
t=0 0
m=video 30000 RTP/AVP 96
a=recvonly
a=rtpmap:96 PS/90000
y=0100000001
f=v/2/25
`
	if transportLine != "" {
		offer = strings.Replace(offer, "m=video 30000 RTP/AVP 96\n",
			transportLine+"\n", 1)
	}
	return offer
}
