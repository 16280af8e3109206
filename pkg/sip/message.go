// Package sip implements the GB/T 28181 signaling surface of the
// gateway: transport, parsing, message construction, registration,
// catalog and record responders, and INVITE session negotiation.
package sip

import (
	"net"
	"strconv"
	"strings"
)

type headerEntry struct {
	Name  string
	Key   string
	Index int
}

// Message is a parsed SIP request or response. Header values are kept
// verbatim so responses can echo them byte for byte.
type Message struct {
	Method     string
	RequestURI string
	Version    string

	IsResponse bool
	StatusCode int
	Reason     string

	Headers     map[string][]string
	HeaderOrder []headerEntry
	Body        []byte
	Raw         []byte

	RemoteAddr net.Addr
	Transport  string

	// Frequently consulted fields, extracted once at parse time
	CallID      string
	FromTag     string
	ToTag       string
	CSeq        string
	Branch      string
	ContentType string
}

// Header returns the first value of a header, case-insensitively.
func (m *Message) Header(name string) string {
	vals := m.Headers[strings.ToLower(name)]
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

// CSeqParts splits the CSeq header into sequence number and method.
func (m *Message) CSeqParts() (int, string) {
	fields := strings.Fields(m.CSeq)
	if len(fields) < 2 {
		return 0, ""
	}
	n, _ := strconv.Atoi(fields[0])
	return n, strings.ToUpper(fields[1])
}

// IsMANSCDP reports whether the body carries a MANSCDP document.
func (m *Message) IsMANSCDP() bool {
	return strings.Contains(strings.ToLower(m.ContentType), "manscdp")
}

// DialogContext carries the dialog-identifying header values of one
// request so a response can be built anywhere without access to shared
// state. It is a short-lived value, created per message and discarded.
type DialogContext struct {
	CallID string
	Via    []string
	From   string
	To     string
	CSeq   string

	RemoteAddr net.Addr
	Transport  string
}

// DialogFromMessage captures the dialog context of an inbound request.
func DialogFromMessage(m *Message) DialogContext {
	vias := m.Headers["via"]
	out := DialogContext{
		CallID:     m.CallID,
		Via:        append([]string(nil), vias...),
		From:       m.Header("From"),
		To:         m.Header("To"),
		CSeq:       m.CSeq,
		RemoteAddr: m.RemoteAddr,
		Transport:  m.Transport,
	}
	return out
}
