// Package media moves video: it pulls RTP from RTSP sources and
// forwards it to the destination negotiated over SIP, rewriting the
// stream identity to the SSRC the platform assigned.
package media

import "context"

// Transport modes a stream can be delivered over.
const (
	TransportUDP        = "udp"
	TransportTCPActive  = "tcp-active"
	TransportTCPPassive = "tcp-passive"
)

// StreamRequest describes one outbound media stream.
type StreamRequest struct {
	CallID    string
	ChannelID string
	SourceRef string // rtsp:// URL of the origin

	DestIP    string
	DestPort  int
	Transport string

	SSRC        uint32
	PayloadType uint8

	// Playback window for historical streams, unix seconds
	Playback  bool
	StartTime int64
	EndTime   int64
}

// Stats is a point-in-time snapshot of a running stream.
type Stats struct {
	PacketsForwarded uint64
	BytesForwarded   uint64
	LastPacketUnixMs int64
}

// Stream is a running media session.
type Stream interface {
	// Healthy reports whether packets flowed recently.
	Healthy() bool
	Stats() Stats
	// LocalPort is the local RTP port, advertised in the SDP answer.
	LocalPort() int
	Stop()
}

// Engine starts media streams. Implementations must be safe for
// concurrent use.
type Engine interface {
	StartStream(ctx context.Context, req StreamRequest) (Stream, error)
}
