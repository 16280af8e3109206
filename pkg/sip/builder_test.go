package sip

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDialog() DialogContext {
	return DialogContext{
		CallID: "abc-123",
		Via:    []string{"SIP/2.0/UDP 192.0.2.1:5060;branch=z9hG4bKtest"},
		From:   "<sip:34020000002000000001@3402000000>;tag=plat",
		To:     "<sip:34020000001320000001@3402000000>",
		CSeq:   "1 MESSAGE",
		RemoteAddr: &net.UDPAddr{
			IP:   net.IPv4(192, 0, 2, 1),
			Port: 5060,
		},
		Transport: "udp",
	}
}

func headerNames(raw []byte) []string {
	head, _, _ := strings.Cut(string(raw), "\r\n\r\n")
	lines := strings.Split(head, "\r\n")
	var names []string
	for _, line := range lines[1:] {
		name, _, found := strings.Cut(line, ":")
		if found {
			names = append(names, name)
		}
	}
	return names
}

func TestResponse_HeaderOrder(t *testing.T) {
	b := NewBuilder(testConfig())
	raw := b.Response(testDialog(), 200, "OK",
		WithBody("application/sdp", []byte("v=0\r\n")),
		WithHeader("Expires", "3600"))

	assert.True(t, strings.HasPrefix(string(raw), "SIP/2.0 200 OK\r\n"))
	assert.Equal(t, []string{
		"Via", "From", "To", "Call-ID", "CSeq", "Contact",
		"Expires", "User-Agent", "Content-Type", "Content-Length",
	}, headerNames(raw))
}

func TestResponse_AddsToTag(t *testing.T) {
	b := NewBuilder(testConfig())
	raw := string(b.Response(testDialog(), 200, "OK"))
	require.Contains(t, raw, "To: <sip:34020000001320000001@3402000000>;tag=as")

	// An existing tag is never replaced.
	dc := testDialog()
	dc.To = "<sip:34020000001320000001@3402000000>;tag=kept"
	raw = string(b.Response(dc, 200, "OK"))
	assert.Contains(t, raw, ";tag=kept")
	assert.Equal(t, 1, strings.Count(raw, ";tag=kept"))
	assert.NotContains(t, raw, "tag=kept;tag=")
}

func TestResponse_ContentLength(t *testing.T) {
	b := NewBuilder(testConfig())
	body := []byte("v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\n")
	raw := string(b.Response(testDialog(), 200, "OK", WithBody("application/sdp", body)))
	assert.Contains(t, raw, fmt.Sprintf("Content-Length: %d\r\n\r\n", len(body)))
	assert.True(t, strings.HasSuffix(raw, string(body)))

	raw = string(b.Response(testDialog(), 404, "Not Found"))
	assert.True(t, strings.HasSuffix(raw, "Content-Length: 0\r\n\r\n"))
}

func TestResponse_EchoesAllVias(t *testing.T) {
	b := NewBuilder(testConfig())
	dc := testDialog()
	dc.Via = []string{
		"SIP/2.0/UDP 192.0.2.1:5060;branch=z9hG4bKone",
		"SIP/2.0/UDP 192.0.2.2:5060;branch=z9hG4bKtwo",
	}
	raw := string(b.Response(dc, 200, "OK"))
	first := strings.Index(raw, "z9hG4bKone")
	second := strings.Index(raw, "z9hG4bKtwo")
	require.Greater(t, first, 0)
	assert.Greater(t, second, first)
}

func TestRequest_Shape(t *testing.T) {
	cfg := testConfig()
	b := NewBuilder(cfg)
	expires := 3600
	raw := string(b.Request(RequestSpec{
		Method:     "REGISTER",
		RequestURI: cfg.PlatformURI(),
		To:         "<" + cfg.DeviceURI() + ">",
		From:       "<" + cfg.DeviceURI() + ">",
		CallID:     "reg-call-1",
		FromTag:    "tag1",
		CSeq:       5,
		Expires:    &expires,
	}))

	assert.True(t, strings.HasPrefix(raw, "REGISTER "+cfg.PlatformURI()+" SIP/2.0\r\n"))
	assert.Contains(t, raw, ";branch=z9hG4bK-")
	assert.Contains(t, raw, ";rport")
	assert.Contains(t, raw, "From: <"+cfg.DeviceURI()+">;tag=tag1\r\n")
	assert.Contains(t, raw, "Call-ID: reg-call-1\r\n")
	assert.Contains(t, raw, "CSeq: 5 REGISTER\r\n")
	assert.Contains(t, raw, "Max-Forwards: 70\r\n")
	assert.Contains(t, raw, "Expires: 3600\r\n")
	assert.True(t, strings.HasSuffix(raw, "Content-Length: 0\r\n\r\n"))
}

func TestRequest_MonotonicCSeq(t *testing.T) {
	b := NewBuilder(testConfig())

	cseqOf := func(raw []byte) int {
		for _, line := range strings.Split(string(raw), "\r\n") {
			if strings.HasPrefix(line, "CSeq: ") {
				n, err := strconv.Atoi(strings.Fields(line[6:])[0])
				require.NoError(t, err)
				return n
			}
		}
		t.Fatal("no CSeq header")
		return 0
	}

	spec := RequestSpec{Method: "MESSAGE", RequestURI: "sip:x@y", To: "<sip:x@y>"}
	first := cseqOf(b.Request(spec))
	second := cseqOf(b.Request(spec))
	assert.Equal(t, first+1, second)
}

func TestContact(t *testing.T) {
	cfg := testConfig()
	cfg.LocalPort = 5080
	b := NewBuilder(cfg)
	assert.Equal(t, "<sip:34020000001320000001@127.0.0.1:5080>", b.Contact())
	assert.Equal(t, "127.0.0.1", b.LocalHost())
}
