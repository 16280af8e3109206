package sip

import (
	"bytes"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"gb28181-restreamer/pkg/config"
)

const userAgent = "GB28181-Restreamer"

// Builder constructs wire-ready SIP messages. Responses echo the
// request's dialog headers verbatim in the fixed order that fussy
// platforms expect: Via, From, To, Call-ID, CSeq, Contact, then body
// headers. Requests get fresh branch, tag and Call-ID values and a
// builder-wide monotonic CSeq.
type Builder struct {
	cfg       *config.Config
	localHost string
	cseq      atomic.Uint32
}

func NewBuilder(cfg *config.Config) *Builder {
	b := &Builder{cfg: cfg, localHost: cfg.LocalIP}
	if b.localHost == "" || b.localHost == "0.0.0.0" || b.localHost == "::" {
		b.localHost = detectLocalHost()
	}
	b.cseq.Store(1)
	return b
}

// LocalHost is the address advertised in Contact and SDP answers.
func (b *Builder) LocalHost() string {
	return b.localHost
}

// Contact returns the Contact header value advertising this device.
func (b *Builder) Contact() string {
	return fmt.Sprintf("<sip:%s@%s:%d>", b.cfg.DeviceID, b.localHost, b.cfg.LocalPort)
}

// ResponseOpt mutates optional parts of a response under construction.
type ResponseOpt func(*responseOpts)

type responseOpts struct {
	headers     []string
	contentType string
	body        []byte
}

// WithBody attaches a typed body to the response.
func WithBody(contentType string, body []byte) ResponseOpt {
	return func(o *responseOpts) {
		o.contentType = contentType
		o.body = body
	}
}

// WithHeader appends an extra header line after Contact.
func WithHeader(name, value string) ResponseOpt {
	return func(o *responseOpts) {
		o.headers = append(o.headers, name+": "+value)
	}
}

// Response renders a response to the dialog captured in dc.
func (b *Builder) Response(dc DialogContext, status int, reason string, opts ...ResponseOpt) []byte {
	var o responseOpts
	for _, opt := range opts {
		opt(&o)
	}

	to := dc.To
	if to != "" && !strings.Contains(to, ";tag=") {
		to += fmt.Sprintf(";tag=as%d", time.Now().Unix())
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "SIP/2.0 %d %s\r\n", status, reason)
	for _, via := range dc.Via {
		buf.WriteString("Via: " + via + "\r\n")
	}
	if dc.From != "" {
		buf.WriteString("From: " + dc.From + "\r\n")
	}
	if to != "" {
		buf.WriteString("To: " + to + "\r\n")
	}
	if dc.CallID != "" {
		buf.WriteString("Call-ID: " + dc.CallID + "\r\n")
	}
	if dc.CSeq != "" {
		buf.WriteString("CSeq: " + dc.CSeq + "\r\n")
	}
	buf.WriteString("Contact: " + b.Contact() + "\r\n")
	for _, h := range o.headers {
		buf.WriteString(h + "\r\n")
	}
	buf.WriteString("User-Agent: " + userAgent + "\r\n")
	if len(o.body) > 0 {
		if o.contentType != "" {
			buf.WriteString("Content-Type: " + o.contentType + "\r\n")
		}
		fmt.Fprintf(&buf, "Content-Length: %d\r\n\r\n", len(o.body))
		buf.Write(o.body)
	} else {
		buf.WriteString("Content-Length: 0\r\n\r\n")
	}
	return buf.Bytes()
}

// RequestSpec describes an outbound request.
type RequestSpec struct {
	Method     string
	RequestURI string
	To         string // To header value, with angle brackets
	From       string // From header value without tag; defaults to device URI
	CallID     string // fresh UUID when empty
	FromTag    string // fresh tag when empty
	ToTag      string
	CSeq       int // next builder CSeq when zero
	Expires    *int
	Headers    []string

	ContentType string
	Body        []byte
}

// Request renders an outbound request toward the platform.
func (b *Builder) Request(spec RequestSpec) []byte {
	callID := spec.CallID
	if callID == "" {
		callID = uuid.NewString()
	}
	fromTag := spec.FromTag
	if fromTag == "" {
		fromTag = uuid.New().String()[:12]
	}
	from := spec.From
	if from == "" {
		from = fmt.Sprintf("<sip:%s@%s:%d>", b.cfg.DeviceID, b.cfg.PlatformHost, b.cfg.PlatformPort)
	}
	to := spec.To
	if spec.ToTag != "" {
		to += ";tag=" + spec.ToTag
	}
	cseq := spec.CSeq
	if cseq == 0 {
		cseq = int(b.cseq.Add(1))
	}
	branch := "z9hG4bK-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s SIP/2.0\r\n", spec.Method, spec.RequestURI)
	fmt.Fprintf(&buf, "Via: SIP/2.0/%s %s:%d;rport;branch=%s\r\n",
		strings.ToUpper(b.cfg.Transport), b.localHost, b.cfg.LocalPort, branch)
	fmt.Fprintf(&buf, "From: %s;tag=%s\r\n", from, fromTag)
	buf.WriteString("To: " + to + "\r\n")
	buf.WriteString("Call-ID: " + callID + "\r\n")
	fmt.Fprintf(&buf, "CSeq: %d %s\r\n", cseq, spec.Method)
	buf.WriteString("Contact: " + b.Contact() + "\r\n")
	buf.WriteString("Max-Forwards: 70\r\n")
	for _, h := range spec.Headers {
		buf.WriteString(h + "\r\n")
	}
	if spec.Expires != nil {
		fmt.Fprintf(&buf, "Expires: %d\r\n", *spec.Expires)
	}
	buf.WriteString("User-Agent: " + userAgent + "\r\n")
	if len(spec.Body) > 0 {
		if spec.ContentType != "" {
			buf.WriteString("Content-Type: " + spec.ContentType + "\r\n")
		}
		fmt.Fprintf(&buf, "Content-Length: %d\r\n\r\n", len(spec.Body))
		buf.Write(spec.Body)
	} else {
		buf.WriteString("Content-Length: 0\r\n\r\n")
	}
	return buf.Bytes()
}

// detectLocalHost picks the first non-loopback IPv4 address, falling
// back to loopback when none is configured.
func detectLocalHost() string {
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, addr := range addrs {
			if ipNet, ok := addr.(*net.IPNet); ok && ipNet.IP != nil && !ipNet.IP.IsLoopback() {
				if v4 := ipNet.IP.To4(); v4 != nil {
					return v4.String()
				}
			}
		}
	}
	return "127.0.0.1"
}
