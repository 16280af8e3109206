package sip

import (
	"context"
	"crypto/md5"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"

	"gb28181-restreamer/pkg/config"
	"gb28181-restreamer/pkg/errors"
	"gb28181-restreamer/pkg/manscdp"
	"gb28181-restreamer/pkg/metrics"
	"gb28181-restreamer/pkg/util"
)

// Registration states.
const (
	StateUnregistered = "unregistered"
	StateRegistering  = "registering"
	StateRegistered   = "registered"
	StateRetrying     = "retrying"
)

// emergencyFraction of the granted registration lifetime after which a
// renewal that has not completed is escalated and retried immediately.
const emergencyFraction = 0.9

// renewFraction of the granted lifetime at which renewal starts.
const renewFraction = 0.65

// minRenewMargin is the least headroom kept before expiry.
const minRenewMargin = 120 * time.Second

const responseTimeout = 8 * time.Second

// RegistrationManager keeps the device registered with its platform
// and emits the periodic MANSCDP keepalive. Registration refresh and
// keepalive run on independent cadences: a lost keepalive does not
// shorten the registration, and a renewal failure falls back to a slow
// indefinite retry loop.
type RegistrationManager struct {
	cfg       *config.Config
	logger    *logrus.Logger
	builder   *Builder
	transport *Transport
	metrics   *metrics.Metrics

	sm  *fsm.FSM
	now func() time.Time

	mu        sync.Mutex
	callID    string
	fromTag   string
	cseq      int
	granted   time.Duration
	renewedAt time.Time

	keepaliveFails int

	responses chan *Message
	retry     *util.Backoff

	// OnRegistered fires on every transition into the registered
	// state, including renewals after an outage.
	OnRegistered func()
}

func NewRegistrationManager(cfg *config.Config, logger *logrus.Logger, builder *Builder,
	transport *Transport, m *metrics.Metrics) *RegistrationManager {
	r := &RegistrationManager{
		cfg:       cfg,
		logger:    logger,
		builder:   builder,
		transport: transport,
		metrics:   m,
		now:       time.Now,
		callID:    uuid.NewString(),
		fromTag:   uuid.New().String()[:12],
		responses: make(chan *Message, 8),
		retry: util.NewBackoff(util.BackoffPolicy{
			Initial:    2 * time.Second,
			Max:        cfg.RegisterRetrySlow,
			Multiplier: 2,
			Jitter:     0.2,
		}),
	}
	r.sm = fsm.NewFSM(
		StateUnregistered,
		fsm.Events{
			{Name: "register", Src: []string{StateUnregistered, StateRetrying, StateRegistered}, Dst: StateRegistering},
			{Name: "confirmed", Src: []string{StateRegistering}, Dst: StateRegistered},
			{Name: "failed", Src: []string{StateRegistering, StateRegistered}, Dst: StateRetrying},
			{Name: "expired", Src: []string{StateRegistered, StateRegistering, StateRetrying}, Dst: StateUnregistered},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				logger.WithFields(logrus.Fields{
					"from":  e.Src,
					"to":    e.Dst,
					"event": e.Event,
				}).Debug("Registration state changed")
			},
		},
	)
	return r
}

// State reports the current registration state.
func (r *RegistrationManager) State() string {
	return r.sm.Current()
}

// IsRegistered reports whether the device currently holds a
// registration the platform has confirmed.
func (r *RegistrationManager) IsRegistered() bool {
	return r.sm.Current() == StateRegistered
}

// HandleResponse routes a REGISTER or MESSAGE response to the manager.
func (r *RegistrationManager) HandleResponse(msg *Message) {
	select {
	case r.responses <- msg:
	default:
		r.logger.Warn("Registration response queue full, dropping response")
	}
}

// Run drives registration, renewal and keepalive until ctx ends, then
// deregisters on a best-effort basis.
func (r *RegistrationManager) Run(ctx context.Context) {
	keepalive := time.NewTicker(r.cfg.KeepaliveInterval)
	defer keepalive.Stop()

	for ctx.Err() == nil {
		if !r.IsRegistered() {
			if err := r.registerCycle(ctx); err != nil {
				if ctx.Err() != nil {
					break
				}
				r.logger.WithError(err).WithField("attempt", r.retry.Attempt()).
					Warn("Registration attempt failed")
				if !r.retry.Wait(ctx) {
					break
				}
				continue
			}
			r.retry.Reset()
			if r.OnRegistered != nil {
				r.OnRegistered()
			}
		}

		renewTimer := time.NewTimer(r.timeToRenewal())
		select {
		case <-ctx.Done():
			renewTimer.Stop()
		case <-renewTimer.C:
			r.logger.WithField("granted", r.grantedExpiry().String()).
				Info("Renewing registration")
			r.mustEvent("register")
			if err := r.registerCycle(ctx); err != nil {
				r.logger.WithError(err).Warn("Registration renewal failed")
				r.mustEvent("failed")
			} else {
				r.retry.Reset()
			}
		case <-keepalive.C:
			renewTimer.Stop()
			r.sendKeepalive()
		}
	}

	r.deregister()
}

// registerCycle performs one REGISTER transaction, following a single
// digest challenge if the platform issues one.
func (r *RegistrationManager) registerCycle(ctx context.Context) error {
	if r.sm.Current() != StateRegistering {
		r.mustEvent("register")
	}

	resp, err := r.sendRegister(ctx, "")
	if err != nil {
		r.mustEvent("failed")
		return err
	}

	if resp.StatusCode == 401 || resp.StatusCode == 407 {
		challenge := resp.Header("WWW-Authenticate")
		if challenge == "" {
			challenge = resp.Header("Proxy-Authenticate")
		}
		auth, err := r.digestAuthorization(challenge)
		if err != nil {
			r.mustEvent("failed")
			return err
		}
		resp, err = r.sendRegister(ctx, auth)
		if err != nil {
			r.mustEvent("failed")
			return err
		}
	}

	if resp.StatusCode != 200 {
		r.mustEvent("failed")
		r.metrics.RegistrationAttempts.WithLabelValues("rejected").Inc()
		r.metrics.RegistrationState.Set(0)
		return errors.Wrap(errors.ErrRegistrationFailed,
			fmt.Sprintf("platform answered %d %s", resp.StatusCode, resp.Reason))
	}

	granted := r.grantedFromResponse(resp)
	r.mu.Lock()
	r.granted = granted
	r.renewedAt = r.now()
	r.keepaliveFails = 0
	r.mu.Unlock()

	r.mustEvent("confirmed")
	r.metrics.RegistrationAttempts.WithLabelValues("ok").Inc()
	r.metrics.RegistrationState.Set(1)
	r.logger.WithFields(logrus.Fields{
		"platform": r.cfg.PlatformURI(),
		"expires":  granted.String(),
	}).Info("Registered with platform")
	return nil
}

func (r *RegistrationManager) sendRegister(ctx context.Context, authorization string) (*Message, error) {
	r.mu.Lock()
	r.cseq++
	cseq := r.cseq
	callID := r.callID
	fromTag := r.fromTag
	r.mu.Unlock()

	expires := int(r.cfg.RegisterExpires / time.Second)
	var headers []string
	if authorization != "" {
		headers = append(headers, "Authorization: "+authorization)
	}
	raw := r.builder.Request(RequestSpec{
		Method:     "REGISTER",
		RequestURI: fmt.Sprintf("sip:%s@%s:%d", r.cfg.PlatformID, r.cfg.PlatformHost, r.cfg.PlatformPort),
		To:         fmt.Sprintf("<sip:%s@%s:%d>", r.cfg.DeviceID, r.cfg.PlatformHost, r.cfg.PlatformPort),
		From:       fmt.Sprintf("<sip:%s@%s:%d>", r.cfg.DeviceID, r.cfg.PlatformHost, r.cfg.PlatformPort),
		CallID:     callID,
		FromTag:    fromTag,
		CSeq:       cseq,
		Expires:    &expires,
		Headers:    headers,
	})

	if err := r.transport.Send(r.platformAddr(), r.cfg.Transport, raw); err != nil {
		return nil, err
	}
	return r.awaitResponse(ctx, cseq, "REGISTER")
}

func (r *RegistrationManager) awaitResponse(ctx context.Context, cseq int, method string) (*Message, error) {
	timer := time.NewTimer(responseTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, errors.Wrap(errors.ErrRegistrationFailed, "timeout waiting for "+method+" response")
		case msg := <-r.responses:
			n, m := msg.CSeqParts()
			if m != method || n != cseq {
				// Stale response from an earlier transaction.
				continue
			}
			if msg.StatusCode == 100 {
				continue
			}
			return msg, nil
		}
	}
}

// sendKeepalive emits the MANSCDP keepalive MESSAGE. Repeated send
// failures are treated as a lost registration.
func (r *RegistrationManager) sendKeepalive() {
	body, err := manscdp.Marshal(manscdp.KeepaliveNotify{
		Header: manscdp.Header{
			CmdType:  manscdp.CmdKeepalive,
			SN:       strconv.FormatInt(r.now().Unix(), 10),
			DeviceID: r.cfg.DeviceID,
		},
		Status: "OK",
	})
	if err != nil {
		r.logger.WithError(err).Error("Building keepalive body")
		return
	}

	raw := r.builder.Request(RequestSpec{
		Method:      "MESSAGE",
		RequestURI:  fmt.Sprintf("sip:%s@%s:%d", r.cfg.PlatformID, r.cfg.PlatformHost, r.cfg.PlatformPort),
		To:          fmt.Sprintf("<sip:%s@%s:%d>", r.cfg.PlatformID, r.cfg.PlatformHost, r.cfg.PlatformPort),
		ContentType: "Application/MANSCDP+xml",
		Body:        body,
	})

	err = r.transport.Send(r.platformAddr(), r.cfg.Transport, raw)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.keepaliveFails++
		r.logger.WithError(err).WithField("consecutive", r.keepaliveFails).
			Warn("Keepalive send failed")
		if r.keepaliveFails >= 3 && r.sm.Current() == StateRegistered {
			r.logger.Error("Keepalive failing repeatedly, forcing re-registration")
			r.sm.Event(context.Background(), "failed")
		}
		return
	}
	r.keepaliveFails = 0
	r.metrics.KeepalivesSent.Inc()
	r.logger.Debug("Keepalive sent")
}

// deregister sends a final REGISTER with Expires 0, fire and forget.
func (r *RegistrationManager) deregister() {
	if !r.IsRegistered() {
		return
	}
	r.mu.Lock()
	r.cseq++
	cseq := r.cseq
	r.mu.Unlock()

	zero := 0
	raw := r.builder.Request(RequestSpec{
		Method:     "REGISTER",
		RequestURI: fmt.Sprintf("sip:%s@%s:%d", r.cfg.PlatformID, r.cfg.PlatformHost, r.cfg.PlatformPort),
		To:         fmt.Sprintf("<sip:%s@%s:%d>", r.cfg.DeviceID, r.cfg.PlatformHost, r.cfg.PlatformPort),
		From:       fmt.Sprintf("<sip:%s@%s:%d>", r.cfg.DeviceID, r.cfg.PlatformHost, r.cfg.PlatformPort),
		CallID:     r.callID,
		FromTag:    r.fromTag,
		CSeq:       cseq,
		Expires:    &zero,
	})
	if err := r.transport.Send(r.platformAddr(), r.cfg.Transport, raw); err != nil {
		r.logger.WithError(err).Debug("Deregistration send failed")
	}
	r.sm.Event(context.Background(), "expired")
	r.logger.Info("Deregistered from platform")
}

func (r *RegistrationManager) platformAddr() string {
	return fmt.Sprintf("%s:%d", r.cfg.PlatformHost, r.cfg.PlatformPort)
}

func (r *RegistrationManager) grantedExpiry() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.granted
}

func (r *RegistrationManager) timeToRenewal() time.Duration {
	r.mu.Lock()
	granted := r.granted
	renewedAt := r.renewedAt
	r.mu.Unlock()
	if granted <= 0 {
		return time.Second
	}
	elapsed := r.now().Sub(renewedAt)
	due := RenewAfter(granted) - elapsed
	if RenewalOverdue(granted, elapsed) {
		r.logger.WithFields(logrus.Fields{
			"granted": granted.String(),
			"elapsed": elapsed.String(),
		}).Warn("Registration close to expiry, renewing immediately")
		return 0
	}
	if due < 0 {
		return 0
	}
	return due
}

// grantedFromResponse reads the platform's granted lifetime from the
// 200 response, preferring an expires parameter on our Contact, then
// the Expires header, then the requested value.
func (r *RegistrationManager) grantedFromResponse(resp *Message) time.Duration {
	for _, contact := range resp.Headers["contact"] {
		if v := headerParam(contact, "expires"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				return time.Duration(n) * time.Second
			}
		}
	}
	if v := resp.Header("Expires"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return r.cfg.RegisterExpires
}

func (r *RegistrationManager) mustEvent(name string) {
	if err := r.sm.Event(context.Background(), name); err != nil {
		r.logger.WithError(err).WithField("event", name).Debug("Registration state event rejected")
	}
}

// RenewAfter computes how far into a granted registration lifetime the
// renewal starts: renewFraction of the lifetime, but never closer to
// expiry than minRenewMargin, and never before half the lifetime for
// very short grants.
func RenewAfter(granted time.Duration) time.Duration {
	after := time.Duration(float64(granted) * renewFraction)
	if granted-after < minRenewMargin {
		after = granted - minRenewMargin
	}
	if after < granted/2 {
		after = granted / 2
	}
	return after
}

// RenewalOverdue reports whether elapsed time has crossed the
// emergency threshold of the granted lifetime.
func RenewalOverdue(granted, elapsed time.Duration) bool {
	return float64(elapsed) >= float64(granted)*emergencyFraction
}

// digestAuthorization answers a Digest challenge per RFC 2617. Only
// MD5 with optional qop=auth is implemented, which is what GB28181
// platforms use.
func (r *RegistrationManager) digestAuthorization(challenge string) (string, error) {
	if !strings.HasPrefix(strings.TrimSpace(challenge), "Digest") {
		return "", errors.Wrap(errors.ErrRegistrationFailed, "unsupported auth challenge: "+challenge)
	}
	params := parseAuthParams(challenge)
	realm := params["realm"]
	nonce := params["nonce"]
	if nonce == "" {
		return "", errors.Wrap(errors.ErrRegistrationFailed, "digest challenge without nonce")
	}

	uri := fmt.Sprintf("sip:%s@%s:%d", r.cfg.PlatformID, r.cfg.PlatformHost, r.cfg.PlatformPort)
	ha1 := md5Hex(r.cfg.Username + ":" + realm + ":" + r.cfg.Password)
	ha2 := md5Hex("REGISTER:" + uri)

	var response, extra string
	if qop := params["qop"]; strings.Contains(qop, "auth") {
		cnonce := uuid.New().String()[:16]
		nc := "00000001"
		response = md5Hex(ha1 + ":" + nonce + ":" + nc + ":" + cnonce + ":auth:" + ha2)
		extra = fmt.Sprintf(`, qop=auth, nc=%s, cnonce="%s"`, nc, cnonce)
	} else {
		response = md5Hex(ha1 + ":" + nonce + ":" + ha2)
	}

	auth := fmt.Sprintf(`Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s", algorithm=MD5%s`,
		r.cfg.Username, realm, nonce, uri, response, extra)
	if opaque := params["opaque"]; opaque != "" {
		auth += fmt.Sprintf(`, opaque="%s"`, opaque)
	}
	return auth, nil
}

func parseAuthParams(challenge string) map[string]string {
	out := make(map[string]string)
	challenge = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(challenge), "Digest"))
	for _, part := range strings.Split(challenge, ",") {
		k, v, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		out[strings.ToLower(strings.TrimSpace(k))] = strings.Trim(strings.TrimSpace(v), "\"")
	}
	return out
}

func md5Hex(s string) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(s)))
}
