package manscdp

import (
	"bytes"
	"encoding/xml"
	"strings"
	"time"

	"gb28181-restreamer/pkg/errors"
)

const (
	headerUTF8   = "<?xml version=\"1.0\" encoding=\"UTF-8\"?>\r\n"
	headerGB2312 = "<?xml version=\"1.0\" encoding=\"GB2312\"?>\r\n"
)

// TimeLayout is the moment format used in outbound documents.
const TimeLayout = "2006-01-02T15:04:05"

var rootTags = []string{RootQuery, RootResponse, RootNotify, RootControl}

// Marshal serializes a MANSCDP document with a UTF-8 declaration.
func Marshal(v any) ([]byte, error) {
	return marshal(v, headerUTF8)
}

// MarshalGB2312 serializes with the GB2312 declaration that many
// platforms require on Catalog documents. The body bytes stay ASCII
// unless channel names carry non-ASCII text.
func MarshalGB2312(v any) ([]byte, error) {
	return marshal(v, headerGB2312)
}

func marshal(v any, header string) ([]byte, error) {
	body, err := xml.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "marshaling MANSCDP document")
	}
	var buf bytes.Buffer
	buf.Grow(len(header) + len(body) + 2)
	buf.WriteString(header)
	buf.Write(body)
	buf.WriteString("\r\n")
	return buf.Bytes(), nil
}

// Detect scans a message body for a MANSCDP root element and returns
// the root name with the trimmed document bytes. Leading garbage and
// trailing bytes beyond the close tag are discarded so that payloads
// with a stale Content-Length still parse.
func Detect(body []byte) (string, []byte, error) {
	for _, root := range rootTags {
		open := []byte("<" + root)
		start := bytes.Index(body, open)
		if start < 0 {
			continue
		}
		closeTag := []byte("</" + root + ">")
		end := bytes.LastIndex(body, closeTag)
		if end < start {
			return "", nil, errors.NewMalformedMessage("unterminated "+root+" document", nil)
		}
		return root, body[start : end+len(closeTag)], nil
	}
	return "", nil, errors.NewMalformedMessage("no MANSCDP root element in body", nil)
}

// ParseQuery decodes an inbound Query document.
func ParseQuery(doc []byte) (*Query, error) {
	var q Query
	if err := xml.Unmarshal(doc, &q); err != nil {
		return nil, errors.NewMalformedMessage("decoding Query document: " + err.Error())
	}
	if q.CmdType == "" {
		return nil, errors.NewMalformedMessage("Query without CmdType", nil)
	}
	return &q, nil
}

// ParseControl decodes an inbound Control document.
func ParseControl(doc []byte) (*Control, error) {
	var c Control
	if err := xml.Unmarshal(doc, &c); err != nil {
		return nil, errors.NewMalformedMessage("decoding Control document: " + err.Error())
	}
	if c.CmdType == "" {
		return nil, errors.NewMalformedMessage("Control without CmdType", nil)
	}
	return &c, nil
}

// ParseHeader decodes only the common header fields of any document.
func ParseHeader(doc []byte) (*Header, error) {
	var h struct {
		Header
	}
	if err := xml.Unmarshal(doc, &h); err != nil {
		return nil, errors.NewMalformedMessage("decoding MANSCDP header: " + err.Error())
	}
	return &h.Header, nil
}

// ParseTime accepts the time spellings platforms use in RecordInfo
// queries: ISO 8601 with or without a trailing Z, the compact basic
// format, and the space-separated variant.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	layouts := []string{
		TimeLayout,
		"2006-01-02T15:04:05Z",
		time.RFC3339,
		"20060102T150405Z",
		"20060102T150405",
		"2006-01-02 15:04:05",
	}
	for _, layout := range layouts {
		t, err := time.ParseInLocation(layout, s, time.Local)
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.NewMalformedMessage("unrecognized time format: " + s)
}

// FormatTime renders a moment for outbound documents.
func FormatTime(t time.Time) string {
	return t.Format(TimeLayout)
}

// NowStatusTime splits a moment into the Date/Time element pair.
func NowStatusTime(t time.Time) StatusTime {
	return StatusTime{
		Date: t.Format("2006-01-02"),
		Time: t.Format("15:04:05"),
	}
}
