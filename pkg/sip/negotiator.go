package sip

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"gb28181-restreamer/pkg/catalog"
	"gb28181-restreamer/pkg/config"
	"gb28181-restreamer/pkg/media"
	"gb28181-restreamer/pkg/metrics"
)

// SessionNegotiator turns INVITEs into media streams. Live requests
// resolve a catalog channel, playback requests additionally resolve a
// recorded clip. Media starts before the 200 goes out so the answer
// can carry the real local RTP port.
type SessionNegotiator struct {
	cfg       *config.Config
	logger    *logrus.Logger
	builder   *Builder
	transport *Transport
	catalog   *catalog.Catalog
	engine    media.Engine
	tracker   *StreamSessionTracker
	records   *RecordQueryHandler
	metrics   *metrics.Metrics
}

func NewSessionNegotiator(cfg *config.Config, logger *logrus.Logger, builder *Builder,
	transport *Transport, cat *catalog.Catalog, engine media.Engine,
	tracker *StreamSessionTracker, records *RecordQueryHandler, m *metrics.Metrics) *SessionNegotiator {
	return &SessionNegotiator{
		cfg:       cfg,
		logger:    logger,
		builder:   builder,
		transport: transport,
		catalog:   cat,
		engine:    engine,
		tracker:   tracker,
		records:   records,
		metrics:   m,
	}
}

// HandleInvite processes one INVITE request.
func (n *SessionNegotiator) HandleInvite(ctx context.Context, msg *Message) {
	dc := DialogFromMessage(msg)
	logger := n.logger.WithFields(logrus.Fields{
		"call_id": msg.CallID,
		"from":    msg.Header("From"),
	})

	// Retransmitted INVITE of an established session: replay the 200.
	if existing, ok := n.tracker.Get(msg.CallID); ok {
		logger.Debug("INVITE retransmission, replaying answer")
		n.respond(dc, 200, "OK", WithBody("application/sdp", existing.Answer))
		return
	}

	n.respond(dc, 100, "Trying")

	channelID := uriUser(msg.RequestURI)
	if channelID == "" {
		channelID = uriUser(msg.Header("To"))
	}
	channel, ok := n.resolveChannel(channelID)
	if !ok {
		logger.WithField("channel_id", channelID).Warn("INVITE for unknown channel")
		n.respond(dc, 404, "Not Found")
		return
	}

	offer, err := ParseOffer(msg.Body, n.cfg.SSRCField)
	if err != nil {
		logger.WithError(err).Warn("INVITE with unusable SDP offer")
		n.respond(dc, 400, "Bad Request")
		return
	}
	if offer.Transport == MediaTCPPassive {
		logger.Warn("Platform asked for tcp-passive media, unsupported")
		n.respond(dc, 488, "Not Acceptable Here")
		return
	}

	ssrc := offer.SSRC
	if ssrc == "" {
		ssrc = generateSSRC(offer.IsPlayback())
	}

	req := media.StreamRequest{
		CallID:      msg.CallID,
		ChannelID:   channel.ID,
		SourceRef:   channel.Source.Ref,
		DestIP:      offer.RemoteIP,
		DestPort:    offer.RemotePort,
		Transport:   offer.Transport,
		SSRC:        ssrcValue(ssrc),
		PayloadType: uint8(offer.PayloadType),
	}
	kind := SessionPlay
	if offer.IsPlayback() {
		kind = SessionPlayback
		rec, err := n.records.FindForPlayback(ctx, channel.ID, offer.StartTime, offer.EndTime)
		if err != nil {
			logger.WithError(err).Error("Recording lookup failed")
			n.respond(dc, 500, "Server Internal Error")
			return
		}
		if rec == nil {
			logger.WithFields(logrus.Fields{
				"start": offer.StartTime,
				"end":   offer.EndTime,
			}).Warn("No recording covers requested playback window")
			n.respond(dc, 404, "Not Found")
			return
		}
		req.SourceRef = rec.FilePath
		req.Playback = true
		req.StartTime = offer.StartTime
		req.EndTime = offer.EndTime
	}
	if req.SourceRef == "" {
		logger.WithField("channel_id", channel.ID).Warn("Channel has no media source")
		n.respond(dc, 488, "Not Acceptable Here")
		return
	}

	stream, err := n.engine.StartStream(ctx, req)
	if err != nil {
		logger.WithError(err).Error("Starting media stream failed")
		n.respond(dc, 488, "Not Acceptable Here")
		return
	}

	answer := BuildAnswer(offer, AnswerParams{
		DeviceID:  n.cfg.DeviceID,
		LocalIP:   n.builder.LocalHost(),
		LocalPort: stream.LocalPort(),
		SSRC:      ssrc,
		SSRCField: n.cfg.SSRCField,
	})

	session := &StreamSession{
		CallID:    msg.CallID,
		ChannelID: channel.ID,
		Kind:      kind,
		SSRC:      ssrc,
		Answer:    answer,
		Request:   req,
		Stream:    stream,
		StartedAt: time.Now(),
	}
	if err := n.tracker.Add(session); err != nil {
		// Lost the race against a concurrent duplicate INVITE.
		stream.Stop()
		if existing, ok := n.tracker.Get(msg.CallID); ok {
			n.respond(dc, 200, "OK", WithBody("application/sdp", existing.Answer))
		} else {
			n.respond(dc, 500, "Server Internal Error")
		}
		return
	}

	n.respond(dc, 200, "OK", WithBody("application/sdp", answer))
	logger.WithFields(logrus.Fields{
		"channel_id": channel.ID,
		"kind":       kind,
		"ssrc":       ssrc,
		"transport":  offer.Transport,
		"dest":       fmt.Sprintf("%s:%d", offer.RemoteIP, offer.RemotePort),
		"format":     DescribeFormat(offer.Format),
	}).Info("Stream session negotiated")
}

// HandleAck confirms the dialog of an accepted INVITE.
func (n *SessionNegotiator) HandleAck(msg *Message) {
	n.tracker.Confirm(msg.CallID)
}

// HandleBye ends a session. Unknown Call-IDs are still answered 200;
// the platform's view wins and teardown is idempotent.
func (n *SessionNegotiator) HandleBye(msg *Message) {
	dc := DialogFromMessage(msg)
	if n.tracker.Remove(msg.CallID) {
		n.logger.WithField("call_id", msg.CallID).Info("Session ended by BYE")
	} else {
		n.logger.WithField("call_id", msg.CallID).Debug("BYE for unknown session")
	}
	n.respond(dc, 200, "OK")
}

// HandleCancel aborts a pending INVITE.
func (n *SessionNegotiator) HandleCancel(msg *Message) {
	dc := DialogFromMessage(msg)
	n.tracker.Remove(msg.CallID)
	n.respond(dc, 200, "OK")
}

func (n *SessionNegotiator) respond(dc DialogContext, status int, reason string, opts ...ResponseOpt) {
	raw := n.builder.Response(dc, status, reason, opts...)
	if err := n.transport.Reply(dc.RemoteAddr, dc.Transport, raw); err != nil {
		n.logger.WithError(err).WithField("status", status).Warn("Sending INVITE response")
		return
	}
	n.metrics.RecordResponse(status)
}

// resolveChannel maps the INVITE target to a catalog channel. An
// INVITE aimed at the device itself selects the first channel, which
// some platforms do for single-camera devices.
func (n *SessionNegotiator) resolveChannel(channelID string) (catalog.Channel, bool) {
	if channelID == n.cfg.DeviceID {
		channels := n.catalog.Channels()
		if len(channels) == 0 {
			return catalog.Channel{}, false
		}
		return channels[0], true
	}
	return n.catalog.Lookup(channelID)
}

// uriUser extracts the user part of a SIP URI or of a header value
// wrapping one in angle brackets.
func uriUser(s string) string {
	if idx := strings.Index(s, "<"); idx >= 0 {
		s = s[idx+1:]
		if end := strings.Index(s, ">"); end >= 0 {
			s = s[:end]
		}
	}
	s = strings.TrimPrefix(strings.TrimSpace(s), "sip:")
	s = strings.TrimPrefix(s, "sips:")
	if at := strings.Index(s, "@"); at >= 0 {
		return s[:at]
	}
	if semi := strings.Index(s, ";"); semi >= 0 {
		s = s[:semi]
	}
	return s
}

// generateSSRC builds a 10-digit decimal SSRC the GB28181 way: first
// digit 0 for live and 1 for playback, then nine random digits.
func generateSSRC(playback bool) string {
	prefix := "0"
	if playback {
		prefix = "1"
	}
	return prefix + fmt.Sprintf("%09d", rand.Intn(1_000_000_000))
}

// ssrcValue folds the decimal SSRC string into the 32-bit RTP field.
func ssrcValue(s string) uint32 {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return uint32(time.Now().UnixNano())
	}
	return uint32(n)
}
