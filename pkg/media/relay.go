package media

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluenviron/gortsplib/v5"
	"github.com/bluenviron/gortsplib/v5/pkg/base"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"

	"gb28181-restreamer/pkg/errors"
	"gb28181-restreamer/pkg/metrics"
)

// healthWindow is how recently a packet must have arrived for a
// stream to count as healthy. Streams younger than this are given the
// benefit of the doubt while the RTSP origin spins up.
const healthWindow = 15 * time.Second

// RTSPRelay is the production Engine: each stream is one RTSP pull
// whose RTP packets are re-stamped with the negotiated SSRC and
// payload type and pushed to the platform's media port.
type RTSPRelay struct {
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

func NewRTSPRelay(logger *logrus.Logger, m *metrics.Metrics) *RTSPRelay {
	return &RTSPRelay{logger: logger, metrics: m}
}

// StartStream connects to the RTSP origin and begins forwarding.
func (r *RTSPRelay) StartStream(ctx context.Context, req StreamRequest) (Stream, error) {
	if !strings.HasPrefix(req.SourceRef, "rtsp://") && !strings.HasPrefix(req.SourceRef, "rtsps://") {
		return nil, errors.Wrap(errors.ErrMediaFailure, "source is not an RTSP URL").
			WithField("source", req.SourceRef).WithField("channel_id", req.ChannelID)
	}

	sink, err := r.openSink(req)
	if err != nil {
		return nil, err
	}

	sourceURL, err := base.ParseURL(req.SourceRef)
	if err != nil {
		sink.Close()
		return nil, errors.Wrap(errors.ErrMediaFailure, "parsing RTSP source URL: "+err.Error()).
			WithField("source", req.SourceRef)
	}

	client := &gortsplib.Client{
		Scheme:       sourceURL.Scheme,
		Host:         sourceURL.Host,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		UserAgent:    "GB28181-Restreamer/1.0",
	}
	if err := client.Start(); err != nil {
		sink.Close()
		return nil, errors.Wrap(errors.ErrMediaFailure, "connecting to RTSP source: "+err.Error()).
			WithField("source", req.SourceRef)
	}

	desc, _, err := client.Describe(sourceURL)
	if err != nil {
		client.Close()
		sink.Close()
		return nil, errors.Wrap(errors.ErrMediaFailure, "RTSP describe failed: "+err.Error()).
			WithField("source", req.SourceRef)
	}

	s := &relayStream{
		logger: r.logger.WithFields(logrus.Fields{
			"call_id":    req.CallID,
			"channel_id": req.ChannelID,
			"dest":       req.DestIP,
		}),
		client:    client,
		sink:      sink,
		ssrc:      req.SSRC,
		payload:   req.PayloadType,
		startedAt: time.Now(),
	}
	s.lastPacket.Store(time.Now().UnixMilli())

	forward := func(pkt *rtp.Packet) {
		out := *pkt
		out.SSRC = req.SSRC
		if req.PayloadType != 0 {
			out.PayloadType = req.PayloadType
		}
		buf, err := out.Marshal()
		if err != nil {
			return
		}
		if err := sink.Write(buf); err != nil {
			s.logger.WithError(err).Debug("Media write failed")
			return
		}
		s.lastPacket.Store(time.Now().UnixMilli())
		s.packets.Add(1)
		s.bytes.Add(uint64(len(buf)))
		r.metrics.RTPPacketsForwarded.Inc()
		r.metrics.RTPBytesForwarded.Add(float64(len(buf)))
	}

	// Forward every media section; origins with audio tracks get the
	// whole bundle re-stamped under one SSRC, receivers only decode
	// the video PS stream.
	for _, m := range desc.Medias {
		medi := m
		if _, err := client.Setup(desc.BaseURL, medi, 0, 0); err != nil {
			client.Close()
			sink.Close()
			return nil, errors.Wrap(errors.ErrMediaFailure, "RTSP setup failed: "+err.Error()).
				WithField("source", req.SourceRef)
		}
		for _, f := range medi.Formats {
			forma := f
			client.OnPacketRTP(medi, forma, forward)
		}
	}

	if _, err := client.Play(nil); err != nil {
		client.Close()
		sink.Close()
		return nil, errors.Wrap(errors.ErrMediaFailure, "RTSP play failed: "+err.Error()).
			WithField("source", req.SourceRef)
	}

	go func() {
		err := client.Wait()
		if err != nil {
			s.logger.WithError(err).Debug("RTSP client ended")
		}
		s.markDead()
	}()

	s.logger.WithFields(logrus.Fields{
		"source":    req.SourceRef,
		"transport": req.Transport,
		"ssrc":      req.SSRC,
	}).Info("Media stream started")
	return s, nil
}

func (r *RTSPRelay) openSink(req StreamRequest) (packetSink, error) {
	switch req.Transport {
	case TransportTCPActive:
		return newTCPSink(req.DestIP, req.DestPort)
	case TransportTCPPassive:
		return nil, errors.Wrap(errors.ErrMediaFailure, "tcp-passive media delivery not supported").
			WithField("channel_id", req.ChannelID)
	default:
		return newUDPSink(req.DestIP, req.DestPort)
	}
}

type relayStream struct {
	logger *logrus.Entry
	client *gortsplib.Client
	sink   packetSink

	ssrc    uint32
	payload uint8

	startedAt  time.Time
	lastPacket atomic.Int64
	packets    atomic.Uint64
	bytes      atomic.Uint64
	dead       atomic.Bool

	stopOnce sync.Once
}

func (s *relayStream) Healthy() bool {
	if s.dead.Load() {
		return false
	}
	if time.Since(s.startedAt) < healthWindow {
		return true
	}
	last := time.UnixMilli(s.lastPacket.Load())
	return time.Since(last) < healthWindow
}

func (s *relayStream) Stats() Stats {
	return Stats{
		PacketsForwarded: s.packets.Load(),
		BytesForwarded:   s.bytes.Load(),
		LastPacketUnixMs: s.lastPacket.Load(),
	}
}

func (s *relayStream) LocalPort() int {
	return s.sink.LocalPort()
}

func (s *relayStream) markDead() {
	s.dead.Store(true)
}

func (s *relayStream) Stop() {
	s.stopOnce.Do(func() {
		s.client.Close()
		s.sink.Close()
		s.dead.Store(true)
		s.logger.WithFields(logrus.Fields{
			"packets": s.packets.Load(),
			"bytes":   s.bytes.Load(),
		}).Info("Media stream stopped")
	})
}
