package sip

import (
	"bytes"
	"net"
	"strconv"
	"strings"

	sipparser "github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"

	"gb28181-restreamer/pkg/errors"
)

// Compact header forms expanded during parsing.
var compactHeaders = map[string]string{
	"v": "via",
	"f": "from",
	"t": "to",
	"i": "call-id",
	"m": "contact",
	"l": "content-length",
	"c": "content-type",
	"s": "subject",
	"k": "supported",
	"e": "content-encoding",
}

// Parser turns raw wire bytes into Messages. A strict sipgo parse is
// attempted first; datagrams it rejects fall back to a tolerant parse
// that accepts the header quirks GB28181 platforms produce.
type Parser struct {
	logger *logrus.Logger
	strict *sipparser.Parser
}

func NewParser(logger *logrus.Logger) *Parser {
	return &Parser{
		logger: logger,
		strict: sipparser.NewParser(),
	}
}

// Parse decodes one SIP message received from remote over transport.
func (p *Parser) Parse(raw []byte, remote net.Addr, transport string) (*Message, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, errors.NewMalformedMessage("empty message", nil)
	}

	if msg, err := p.strict.ParseSIP(raw); err == nil {
		return p.fromStrict(msg, raw, remote, transport), nil
	} else {
		p.logger.WithFields(logrus.Fields{
			"remote": remote.String(),
			"error":  err.Error(),
		}).Debug("Strict SIP parse failed, falling back to tolerant parser")
	}

	return p.parseTolerant(raw, remote, transport)
}

func (p *Parser) fromStrict(msg sipparser.Message, raw []byte, remote net.Addr, transport string) *Message {
	out := &Message{
		Headers:    make(map[string][]string),
		Body:       append([]byte(nil), msg.Body()...),
		Raw:        raw,
		RemoteAddr: remote,
		Transport:  transport,
		Version:    "SIP/2.0",
	}

	switch m := msg.(type) {
	case *sipparser.Request:
		out.Method = string(m.Method)
		out.RequestURI = m.Recipient.String()
		out.Version = m.SipVersion
	case *sipparser.Response:
		out.IsResponse = true
		out.StatusCode = m.StatusCode
		out.Reason = m.Reason
		out.Version = m.SipVersion
	}

	if holder, ok := msg.(interface{ Headers() []sipparser.Header }); ok {
		for _, h := range holder.Headers() {
			name := h.Name()
			key := strings.ToLower(name)
			value := h.Value()
			idx := len(out.Headers[key])
			out.Headers[key] = append(out.Headers[key], value)
			out.HeaderOrder = append(out.HeaderOrder, headerEntry{Name: name, Key: key, Index: idx})
		}
	}

	if callID := msg.CallID(); callID != nil {
		out.CallID = callID.Value()
	}
	if from := msg.From(); from != nil && from.Params != nil {
		if tag, ok := from.Params.Get("tag"); ok {
			out.FromTag = tag
		}
	}
	if to := msg.To(); to != nil && to.Params != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			out.ToTag = tag
		}
	}
	if cseq := msg.CSeq(); cseq != nil {
		out.CSeq = cseq.Value()
	}
	if via := msg.Via(); via != nil && via.Params != nil {
		if branch, ok := via.Params.Get("branch"); ok {
			out.Branch = branch
		}
	}
	out.ContentType = out.Header("Content-Type")
	return out
}

// parseTolerant accepts what real platforms send: LF-only line ends,
// compact header names, stale Content-Length values (treated as a
// lower bound, the body runs to the end of the datagram).
func (p *Parser) parseTolerant(raw []byte, remote net.Addr, transport string) (*Message, error) {
	head, body := splitHeadBody(raw)

	lines := splitLines(head)
	if len(lines) == 0 {
		return nil, errors.NewMalformedMessage("message without start line", nil)
	}

	out := &Message{
		Headers:    make(map[string][]string),
		Body:       body,
		Raw:        raw,
		RemoteAddr: remote,
		Transport:  transport,
	}

	if err := parseStartLine(out, lines[0]); err != nil {
		return nil, err
	}

	var lastKey string
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		// Folded continuation lines extend the previous header.
		if (line[0] == ' ' || line[0] == '\t') && lastKey != "" {
			vals := out.Headers[lastKey]
			vals[len(vals)-1] += " " + strings.TrimSpace(line)
			continue
		}
		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		key := strings.ToLower(name)
		if full, ok := compactHeaders[key]; ok && len(key) == 1 {
			key = full
		}
		idx := len(out.Headers[key])
		out.Headers[key] = append(out.Headers[key], value)
		out.HeaderOrder = append(out.HeaderOrder, headerEntry{Name: name, Key: key, Index: idx})
		lastKey = key
	}

	if cl := out.Header("Content-Length"); cl != "" {
		if n, err := strconv.Atoi(cl); err == nil && len(out.Body) < n {
			return nil, errors.NewMalformedMessage(
				"body shorter than Content-Length "+cl, nil)
		}
	}

	out.CallID = out.Header("Call-ID")
	out.CSeq = out.Header("CSeq")
	out.ContentType = out.Header("Content-Type")
	out.FromTag = headerParam(out.Header("From"), "tag")
	out.ToTag = headerParam(out.Header("To"), "tag")
	out.Branch = headerParam(out.Header("Via"), "branch")
	if out.CallID == "" {
		return nil, errors.NewMalformedMessage("message without Call-ID", nil)
	}
	return out, nil
}

func parseStartLine(m *Message, line string) error {
	fields := strings.SplitN(line, " ", 3)
	if len(fields) < 3 {
		return errors.NewMalformedMessage("short start line: "+line, nil)
	}
	if strings.HasPrefix(fields[0], "SIP/") {
		m.IsResponse = true
		m.Version = fields[0]
		code, err := strconv.Atoi(fields[1])
		if err != nil {
			return errors.NewMalformedMessage("bad status code in " + line)
		}
		m.StatusCode = code
		m.Reason = fields[2]
		return nil
	}
	if !strings.HasPrefix(fields[2], "SIP/") {
		return errors.NewMalformedMessage("not a SIP start line: "+line, nil)
	}
	m.Method = strings.ToUpper(fields[0])
	m.RequestURI = fields[1]
	m.Version = fields[2]
	return nil
}

// splitHeadBody splits at the first blank line, accepting CRLF or LF.
func splitHeadBody(raw []byte) (string, []byte) {
	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return string(raw[:idx]), raw[idx+4:]
	}
	if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		return string(raw[:idx]), raw[idx+2:]
	}
	return string(raw), nil
}

func splitLines(head string) []string {
	lines := strings.Split(head, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, "\r")
	}
	return lines
}

// headerParam extracts a ;name=value parameter from a header value.
func headerParam(header, name string) string {
	for _, part := range strings.Split(header, ";")[1:] {
		k, v, found := strings.Cut(strings.TrimSpace(part), "=")
		if found && strings.EqualFold(k, name) {
			return strings.Trim(v, "\"")
		}
	}
	return ""
}
