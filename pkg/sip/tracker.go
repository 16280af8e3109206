package sip

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"gb28181-restreamer/pkg/config"
	"gb28181-restreamer/pkg/errors"
	"gb28181-restreamer/pkg/manscdp"
	"gb28181-restreamer/pkg/media"
	"gb28181-restreamer/pkg/messaging"
	"gb28181-restreamer/pkg/metrics"
)

// Session kinds tracked by the gateway.
const (
	SessionPlay     = "play"
	SessionPlayback = "playback"
)

// StreamSession is one negotiated media stream keyed by Call-ID.
type StreamSession struct {
	CallID    string
	ChannelID string
	Kind      string
	SSRC      string
	Answer    []byte // SDP sent in the 200, replayed on INVITE retransmits
	Request   media.StreamRequest
	Stream    media.Stream
	StartedAt time.Time
	Confirmed bool // ACK seen

	recoveryAttempts int
	lastSummary      time.Time
}

// EventPublisher is the messaging surface the tracker needs.
type EventPublisher interface {
	Publish(messaging.Event)
}

// StreamSessionTracker owns the session table and supervises stream
// health. An unhealthy stream is restarted up to MaxRecoveryAttempts
// times; after that the session is removed and the platform told via
// a MediaStatus notify, and no further attempt is made until a fresh
// INVITE arrives.
type StreamSessionTracker struct {
	cfg       *config.Config
	logger    *logrus.Logger
	builder   *Builder
	transport *Transport
	engine    media.Engine
	metrics   *metrics.Metrics
	publisher EventPublisher

	mu       sync.RWMutex
	sessions map[string]*StreamSession
}

func NewStreamSessionTracker(cfg *config.Config, logger *logrus.Logger, builder *Builder,
	transport *Transport, engine media.Engine, m *metrics.Metrics, publisher EventPublisher) *StreamSessionTracker {
	return &StreamSessionTracker{
		cfg:       cfg,
		logger:    logger,
		builder:   builder,
		transport: transport,
		engine:    engine,
		metrics:   m,
		publisher: publisher,
		sessions:  make(map[string]*StreamSession),
	}
}

// Add registers a session. A second session under the same Call-ID is
// rejected.
func (t *StreamSessionTracker) Add(s *StreamSession) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.sessions[s.CallID]; exists {
		return errors.Wrap(errors.ErrSessionExists, "session already tracked").
			WithField("call_id", s.CallID)
	}
	s.lastSummary = time.Now()
	t.sessions[s.CallID] = s
	t.metrics.SessionsActive.Set(float64(len(t.sessions)))
	t.metrics.SessionsTotal.WithLabelValues(s.Kind).Inc()
	t.publisher.Publish(messaging.Event{
		Kind:     messaging.EventSessionStarted,
		DeviceID: t.cfg.DeviceID,
		Fields: map[string]interface{}{
			"call_id":    s.CallID,
			"channel_id": s.ChannelID,
			"kind":       s.Kind,
		},
	})
	return nil
}

// Get returns the session for a Call-ID.
func (t *StreamSessionTracker) Get(callID string) (*StreamSession, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[callID]
	return s, ok
}

// Confirm marks the session's dialog as acknowledged.
func (t *StreamSessionTracker) Confirm(callID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[callID]; ok {
		s.Confirmed = true
	}
}

// Remove stops and forgets a session. It is safe to call for unknown
// Call-IDs; teardown must be idempotent.
func (t *StreamSessionTracker) Remove(callID string) bool {
	t.mu.Lock()
	s, ok := t.sessions[callID]
	if ok {
		delete(t.sessions, callID)
		t.metrics.SessionsActive.Set(float64(len(t.sessions)))
	}
	t.mu.Unlock()
	if !ok {
		return false
	}

	s.Stream.Stop()
	t.metrics.SessionDuration.Observe(time.Since(s.StartedAt).Seconds())
	t.publisher.Publish(messaging.Event{
		Kind:     messaging.EventSessionEnded,
		DeviceID: t.cfg.DeviceID,
		Fields: map[string]interface{}{
			"call_id":    s.CallID,
			"channel_id": s.ChannelID,
			"duration_s": time.Since(s.StartedAt).Seconds(),
		},
	})
	t.logger.WithFields(logrus.Fields{
		"call_id":    s.CallID,
		"channel_id": s.ChannelID,
	}).Info("Stream session removed")
	return true
}

// Count reports the number of tracked sessions.
func (t *StreamSessionTracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// Run sweeps session health until ctx ends, then tears all down.
func (t *StreamSessionTracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.SessionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			t.StopAll()
			return
		case <-ticker.C:
			t.Sweep(ctx)
		}
	}
}

// Sweep checks every session once, repairs or evicts the unhealthy
// and publishes periodic status summaries for the healthy.
func (t *StreamSessionTracker) Sweep(ctx context.Context) {
	t.mu.RLock()
	snapshot := make([]*StreamSession, 0, len(t.sessions))
	for _, s := range t.sessions {
		snapshot = append(snapshot, s)
	}
	t.mu.RUnlock()

	now := time.Now()
	for _, s := range snapshot {
		if s.Stream.Healthy() {
			t.mu.Lock()
			s.recoveryAttempts = 0
			due := t.cfg.SessionSummaryInterval > 0 && now.Sub(s.lastSummary) >= t.cfg.SessionSummaryInterval
			if due {
				s.lastSummary = now
			}
			t.mu.Unlock()
			if due {
				t.summarize(s)
			}
			continue
		}
		t.recover(ctx, s)
	}
}

// summarize reports a running session's duration and traffic totals
// upstream, so operators see stalled streams without scraping logs.
func (t *StreamSessionTracker) summarize(s *StreamSession) {
	stats := s.Stream.Stats()
	t.publisher.Publish(messaging.Event{
		Kind:     messaging.EventSessionStatus,
		DeviceID: t.cfg.DeviceID,
		Fields: map[string]interface{}{
			"call_id":    s.CallID,
			"channel_id": s.ChannelID,
			"kind":       s.Kind,
			"duration_s": time.Since(s.StartedAt).Seconds(),
			"packets":    stats.PacketsForwarded,
			"bytes":      stats.BytesForwarded,
		},
	})
}

func (t *StreamSessionTracker) recover(ctx context.Context, s *StreamSession) {
	logger := t.logger.WithFields(logrus.Fields{
		"call_id":    s.CallID,
		"channel_id": s.ChannelID,
	})

	t.mu.Lock()
	s.recoveryAttempts++
	attempt := s.recoveryAttempts
	t.mu.Unlock()

	if attempt > t.cfg.MaxRecoveryAttempts {
		logger.WithField("attempts", t.cfg.MaxRecoveryAttempts).
			Error("Stream unrecoverable, evicting session")
		t.metrics.SessionRecoveries.WithLabelValues("exhausted").Inc()
		t.Remove(s.CallID)
		t.notifyMediaStatus(s)
		return
	}

	logger.WithField("attempt", attempt).Warn("Stream unhealthy, restarting")
	s.Stream.Stop()
	stream, err := t.engine.StartStream(ctx, s.Request)
	if err != nil {
		logger.WithError(err).Warn("Stream restart failed")
		t.metrics.SessionRecoveries.WithLabelValues("failed").Inc()
		return
	}

	t.mu.Lock()
	s.Stream = stream
	t.mu.Unlock()
	t.metrics.SessionRecoveries.WithLabelValues("ok").Inc()
	t.publisher.Publish(messaging.Event{
		Kind:     messaging.EventSessionRecovered,
		DeviceID: t.cfg.DeviceID,
		Fields: map[string]interface{}{
			"call_id": s.CallID,
			"attempt": attempt,
		},
	})
	logger.Info("Stream recovered")
}

// notifyMediaStatus tells the platform a stream ended abnormally.
// NotifyType 121 is the end-of-stream code.
func (t *StreamSessionTracker) notifyMediaStatus(s *StreamSession) {
	body, err := manscdp.Marshal(manscdp.MediaStatusNotify{
		Header: manscdp.Header{
			CmdType:  manscdp.CmdMediaStatus,
			SN:       strconv.FormatInt(time.Now().Unix(), 10),
			DeviceID: s.ChannelID,
		},
		NotifyType: "121",
		Status:     "FAILED",
		StatusTime: manscdp.NowStatusTime(time.Now()),
		Result:     "OK",
	})
	if err != nil {
		t.logger.WithError(err).Error("Rendering media status notify")
		return
	}
	raw := t.builder.Request(RequestSpec{
		Method:      "MESSAGE",
		RequestURI:  fmt.Sprintf("sip:%s@%s:%d", t.cfg.PlatformID, t.cfg.PlatformHost, t.cfg.PlatformPort),
		To:          fmt.Sprintf("<sip:%s@%s:%d>", t.cfg.PlatformID, t.cfg.PlatformHost, t.cfg.PlatformPort),
		CallID:      uuid.NewString(),
		ContentType: manscdpContentType,
		Body:        body,
	})
	addr := fmt.Sprintf("%s:%d", t.cfg.PlatformHost, t.cfg.PlatformPort)
	if err := t.transport.Send(addr, t.cfg.Transport, raw); err != nil {
		t.logger.WithError(err).Warn("Sending media status notify")
	}
}

// StopAll tears down every session, used at shutdown.
func (t *StreamSessionTracker) StopAll() {
	t.mu.Lock()
	sessions := t.sessions
	t.sessions = make(map[string]*StreamSession)
	t.mu.Unlock()

	for _, s := range sessions {
		s.Stream.Stop()
	}
	t.metrics.SessionsActive.Set(0)
	if len(sessions) > 0 {
		t.logger.WithField("count", len(sessions)).Info("All stream sessions stopped")
	}
}
