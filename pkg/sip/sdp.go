package sip

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	"gb28181-restreamer/pkg/errors"
)

// Transport modes negotiated by an offer.
const (
	MediaUDP        = "udp"
	MediaTCPActive  = "tcp-active"
	MediaTCPPassive = "tcp-passive"
)

// Video format codes used on vendor f= lines.
const (
	CodecMPEG4 = 1
	CodecH264  = 2
	CodecH265  = 3
)

// Resolution codes used on vendor f= lines.
var resolutionNames = map[int]string{
	1: "QCIF",
	2: "CIF",
	3: "4CIF",
	4: "D1",
	5: "720P",
	6: "1080P",
}

// MediaOffer is the decoded SDP offer of an INVITE: where the platform
// wants to receive media, how, and with which stream identity.
type MediaOffer struct {
	SessionName string // "Play", "Playback", "Download"
	RemoteIP    string
	RemotePort  int
	Transport   string // MediaUDP, MediaTCPActive, MediaTCPPassive
	Direction   string // platform's view: recvonly, sendrecv, ...
	SSRC        string
	PayloadType int
	Format      string // raw f= value, empty when absent

	// Playback window, from the t= line or a y=playback: marker
	StartTime int64
	EndTime   int64
}

// IsPlayback reports whether the offer asks for historical media.
func (o *MediaOffer) IsPlayback() bool {
	return strings.EqualFold(o.SessionName, "Playback") || (o.StartTime > 0 && o.EndTime > 0)
}

// ParseOffer decodes a GB28181 SDP offer. The vendor y= and f= lines
// (and the occasional y=playback: marker) are split off before the
// strict parse because standard SDP parsers reject unknown line types.
func ParseOffer(body []byte, ssrcField string) (*MediaOffer, error) {
	if ssrcField == "" {
		ssrcField = "y"
	}
	standard, vendor := splitVendorLines(body, ssrcField)

	offer := &MediaOffer{Transport: MediaUDP, PayloadType: 96}
	for _, line := range vendor {
		value := line[2:]
		switch {
		case strings.HasPrefix(value, "playback:"):
			parsePlaybackMarker(offer, strings.TrimPrefix(value, "playback:"))
		case line[0] == ssrcField[0], offer.SSRC == "" && line[0] == 'y':
			offer.SSRC = strings.TrimSpace(value)
		case line[0] == 'f':
			offer.Format = strings.TrimSpace(value)
		}
	}

	var desc sdp.SessionDescription
	if err := desc.Unmarshal(standard); err != nil {
		return nil, errors.NewInvalidSDP("unparseable session description: " + err.Error())
	}
	offer.SessionName = string(desc.SessionName)

	if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		offer.RemoteIP = desc.ConnectionInformation.Address.Address
	}
	if len(desc.TimeDescriptions) > 0 {
		timing := desc.TimeDescriptions[0].Timing
		if timing.StopTime > timing.StartTime {
			offer.StartTime = int64(timing.StartTime)
			offer.EndTime = int64(timing.StopTime)
		}
	}

	var video *sdp.MediaDescription
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media == "video" {
			video = m
			break
		}
	}
	if video == nil {
		return nil, errors.NewInvalidSDP("offer has no video media description")
	}

	offer.RemotePort = video.MediaName.Port.Value
	if video.ConnectionInformation != nil && video.ConnectionInformation.Address != nil {
		offer.RemoteIP = video.ConnectionInformation.Address.Address
	}
	if offer.RemoteIP == "" {
		return nil, errors.NewInvalidSDP("offer has no connection address")
	}
	if len(video.MediaName.Formats) > 0 {
		if pt, err := strconv.Atoi(video.MediaName.Formats[0]); err == nil {
			offer.PayloadType = pt
		}
	}

	proto := strings.ToUpper(strings.Join(video.MediaName.Protos, "/"))
	if strings.Contains(proto, "TCP") {
		// Default per RFC 4145 is passive for the offerer, meaning
		// we connect out; a=setup decides explicitly.
		offer.Transport = MediaTCPActive
	}
	for _, attr := range video.Attributes {
		switch attr.Key {
		case "setup":
			switch strings.ToLower(attr.Value) {
			case "active":
				// Platform connects to us, we listen.
				offer.Transport = MediaTCPPassive
			case "passive":
				offer.Transport = MediaTCPActive
			}
		case "ssrc":
			// Standard attribute fallback when no vendor SSRC line came.
			if offer.SSRC == "" {
				if fields := strings.Fields(attr.Value); len(fields) > 0 {
					offer.SSRC = fields[0]
				}
			}
		case "recvonly", "sendonly", "sendrecv", "inactive":
			offer.Direction = attr.Key
		}
	}
	if offer.Direction == "" {
		offer.Direction = "recvonly"
	}
	return offer, nil
}

// AnswerParams describes the local side of the negotiated session.
type AnswerParams struct {
	DeviceID  string
	LocalIP   string
	LocalPort int // real RTP port for UDP, ignored for TCP active
	SSRC      string
	SSRCField string
}

// BuildAnswer renders the SDP answer for an accepted offer. The
// answer mirrors the offer's transport: for TCP-active we answer with
// the discard port and a=setup:active since we dial out, for UDP the
// real local RTP port is advertised. Direction is sendonly whenever
// the platform offered recvonly.
func BuildAnswer(offer *MediaOffer, p AnswerParams) []byte {
	if p.SSRCField == "" {
		p.SSRCField = "y"
	}
	direction := "sendrecv"
	if offer.Direction == "recvonly" {
		direction = "sendonly"
	}

	port := p.LocalPort
	proto := "RTP/AVP"
	var setupAttrs []string
	switch offer.Transport {
	case MediaTCPActive:
		proto = "TCP/RTP/AVP"
		port = 9
		setupAttrs = append(setupAttrs, "a=setup:active", "a=connection:new")
	case MediaTCPPassive:
		proto = "TCP/RTP/AVP"
		setupAttrs = append(setupAttrs, "a=setup:passive", "a=connection:new")
	}

	var buf bytes.Buffer
	buf.WriteString("v=0\r\n")
	fmt.Fprintf(&buf, "o=%s 0 0 IN IP4 %s\r\n", p.DeviceID, p.LocalIP)
	fmt.Fprintf(&buf, "s=%s\r\n", offer.SessionName)
	fmt.Fprintf(&buf, "c=IN IP4 %s\r\n", p.LocalIP)
	if offer.IsPlayback() && offer.StartTime > 0 {
		fmt.Fprintf(&buf, "t=%d %d\r\n", offer.StartTime, offer.EndTime)
	} else {
		buf.WriteString("t=0 0\r\n")
	}
	fmt.Fprintf(&buf, "m=video %d %s %d\r\n", port, proto, offer.PayloadType)
	fmt.Fprintf(&buf, "a=rtpmap:%d PS/90000\r\n", offer.PayloadType)
	buf.WriteString("a=" + direction + "\r\n")
	for _, attr := range setupAttrs {
		buf.WriteString(attr + "\r\n")
	}
	fmt.Fprintf(&buf, "%s=%s\r\n", p.SSRCField, p.SSRC)
	if offer.Format != "" {
		buf.WriteString("f=" + offer.Format + "\r\n")
	}
	return buf.Bytes()
}

// splitVendorLines separates GB28181 vendor lines from standard SDP.
// The ssrcField is normally "y" but some platforms use other letters.
func splitVendorLines(body []byte, ssrcField string) ([]byte, []string) {
	if ssrcField == "" {
		ssrcField = "y"
	}
	var standard bytes.Buffer
	var vendor []string
	for _, line := range bytes.Split(body, []byte("\n")) {
		trimmed := strings.TrimRight(string(line), "\r")
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, ssrcField+"=") || strings.HasPrefix(trimmed, "f=") || strings.HasPrefix(trimmed, "y=") {
			vendor = append(vendor, trimmed)
			continue
		}
		standard.WriteString(trimmed + "\r\n")
	}
	return standard.Bytes(), vendor
}

// parsePlaybackMarker decodes the nonstandard y=playback marker some
// platforms attach, carrying a starttime-endtime range in unix seconds.
func parsePlaybackMarker(offer *MediaOffer, value string) {
	fields := strings.FieldsFunc(value, func(r rune) bool { return r == '-' || r == ',' || r == ' ' })
	if len(fields) >= 2 {
		if start, err := strconv.ParseInt(fields[0], 10, 64); err == nil {
			if end, err := strconv.ParseInt(fields[1], 10, 64); err == nil && end > start {
				offer.StartTime = start
				offer.EndTime = end
			}
		}
	}
}

// DescribeFormat renders a human-readable form of an f= value for
// logging, e.g. "v/2/25" becomes "H264@25fps".
func DescribeFormat(format string) string {
	parts := strings.Split(format, "/")
	if len(parts) < 2 || parts[0] != "v" {
		return format
	}
	codec, err := strconv.Atoi(parts[1])
	if err != nil {
		return format
	}
	name := format
	switch codec {
	case CodecMPEG4:
		name = "MPEG4"
	case CodecH264:
		name = "H264"
	case CodecH265:
		name = "H265"
	}
	if len(parts) >= 3 {
		if res, err := strconv.Atoi(parts[2]); err == nil {
			if rn, ok := resolutionNames[res]; ok {
				return name + "@" + rn
			}
			return name + "@" + parts[2] + "fps"
		}
	}
	return name
}
