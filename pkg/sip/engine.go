package sip

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"gb28181-restreamer/pkg/catalog"
	"gb28181-restreamer/pkg/config"
	"gb28181-restreamer/pkg/manscdp"
	"gb28181-restreamer/pkg/media"
	"gb28181-restreamer/pkg/messaging"
	"gb28181-restreamer/pkg/metrics"
	"gb28181-restreamer/pkg/recording"
	"gb28181-restreamer/pkg/util"
)

// Engine is the gateway: one value owning the transport, the parser,
// all responders and the background loops. Construct with NewEngine,
// drive with Start, stop with Shutdown.
type Engine struct {
	cfg    *config.Config
	logger *logrus.Logger

	transport *Transport
	parser    *Parser
	builder   *Builder
	pool      *util.WorkerPool
	panics    *util.PanicHandler

	catalog      *catalog.Catalog
	registration *RegistrationManager
	responder    *CatalogResponder
	negotiator   *SessionNegotiator
	tracker      *StreamSessionTracker
	records      *RecordQueryHandler

	metrics   *metrics.Metrics
	publisher *messaging.Publisher

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
	stopOnce  sync.Once
}

// NewEngine wires the full gateway from its collaborators.
func NewEngine(cfg *config.Config, logger *logrus.Logger, mediaEngine media.Engine,
	index recording.Index, m *metrics.Metrics, publisher *messaging.Publisher) *Engine {
	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		builder:   NewBuilder(cfg),
		parser:    NewParser(logger),
		pool:      util.NewWorkerPool(logger, 16, 256),
		panics:    util.NewPanicHandler(logger),
		metrics:   m,
		publisher: publisher,
	}
	e.transport = NewTransport(cfg, logger, e.onRaw)
	e.catalog = catalog.New(cfg, logger)
	e.catalog.Rebuild(cfg.MediaSources)

	e.registration = NewRegistrationManager(cfg, logger, e.builder, e.transport, m)
	e.responder = NewCatalogResponder(cfg, logger, e.builder, e.transport, e.catalog, m)
	e.tracker = NewStreamSessionTracker(cfg, logger, e.builder, e.transport, mediaEngine, m, publisher)
	e.records = NewRecordQueryHandler(cfg, logger, e.builder, e.transport, e.catalog, index)
	e.negotiator = NewSessionNegotiator(cfg, logger, e.builder, e.transport, e.catalog,
		mediaEngine, e.tracker, e.records, m)

	e.registration.OnRegistered = func() {
		m.RegistrationState.Set(1)
		publisher.Publish(messaging.Event{
			Kind:     messaging.EventRegistered,
			DeviceID: cfg.DeviceID,
		})
		// Fresh registrations get an immediate catalog push so the
		// platform lists channels without waiting for a query.
		e.pool.Submit(e.responder.PushCatalog)
	}
	return e
}

// Catalog exposes the channel inventory, mainly for status surfaces.
func (e *Engine) Catalog() *catalog.Catalog { return e.catalog }

// Sessions exposes the session tracker.
func (e *Engine) Sessions() *StreamSessionTracker { return e.tracker }

// Registration exposes the registration manager.
func (e *Engine) Registration() *RegistrationManager { return e.registration }

// Start binds sockets and launches the background loops.
func (e *Engine) Start(ctx context.Context) error {
	e.runCtx, e.runCancel = context.WithCancel(ctx)

	if err := e.transport.Start(e.runCtx); err != nil {
		return err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.panics.Recover("registration")
		e.registration.Run(e.runCtx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.panics.Recover("session-tracker")
		e.tracker.Run(e.runCtx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.panics.Recover("catalog-maintenance")
		e.catalogLoop(e.runCtx)
	}()

	e.logger.WithFields(logrus.Fields{
		"device_id": e.cfg.DeviceID,
		"platform":  e.cfg.PlatformURI(),
		"channels":  e.catalog.Size(),
	}).Info("GB28181 engine started")
	return nil
}

// catalogLoop rebuilds the channel set and pushes the catalog on
// their configured cadences.
func (e *Engine) catalogLoop(ctx context.Context) {
	rebuild := time.NewTicker(e.cfg.RebuildInterval)
	push := time.NewTicker(e.cfg.CatalogPushInterval)
	defer rebuild.Stop()
	defer push.Stop()

	lastPushed := e.catalog.Version()
	for {
		select {
		case <-ctx.Done():
			return
		case <-rebuild.C:
			e.catalog.Rebuild(e.cfg.MediaSources)
		case <-push.C:
			if !e.registration.IsRegistered() {
				continue
			}
			e.responder.PushCatalog()
			if v := e.catalog.Version(); v != lastPushed {
				lastPushed = v
				e.publisher.Publish(messaging.Event{
					Kind:     messaging.EventCatalogPushed,
					DeviceID: e.cfg.DeviceID,
					Fields:   map[string]interface{}{"channels": e.catalog.Size()},
				})
			}
		}
	}
}

// onRaw is the transport callback; the wire read loop never blocks on
// handling, messages are parsed and dispatched on the worker pool.
func (e *Engine) onRaw(raw []byte, remote net.Addr, transport string) {
	ok := e.pool.Submit(func() {
		e.handleMessage(raw, remote, transport)
	})
	if !ok {
		e.logger.WithField("remote", remote.String()).Warn("Worker pool saturated, dropping message")
	}
}

func (e *Engine) handleMessage(raw []byte, remote net.Addr, transport string) {
	defer e.panics.Recover("sip-dispatch")

	msg, err := e.parser.Parse(raw, remote, transport)
	if err != nil {
		e.metrics.MalformedMessages.Inc()
		e.logger.WithError(err).WithField("remote", remote.String()).
			Debug("Dropping malformed message")
		return
	}

	if msg.IsResponse {
		e.handleResponse(msg)
		return
	}
	e.metrics.SIPRequestsTotal.WithLabelValues(msg.Method).Inc()

	switch msg.Method {
	case "MESSAGE":
		e.handleMessageRequest(msg)
	case "INVITE":
		e.negotiator.HandleInvite(e.runCtx, msg)
	case "ACK":
		e.negotiator.HandleAck(msg)
	case "BYE":
		e.negotiator.HandleBye(msg)
	case "CANCEL":
		e.negotiator.HandleCancel(msg)
	case "OPTIONS":
		e.reply(msg, 200, "OK", WithHeader("Allow", "INVITE, ACK, BYE, CANCEL, OPTIONS, MESSAGE, SUBSCRIBE, NOTIFY"))
	case "SUBSCRIBE":
		e.reply(msg, 200, "OK", WithHeader("Expires", msg.Header("Expires")))
		// Subscribers get an initial NOTIFY right away; the periodic
		// push loop carries the subscription from there.
		if event := msg.Header("Event"); event == "" || strings.EqualFold(event, "Catalog") {
			e.pool.Submit(e.responder.PushCatalog)
		}
	case "NOTIFY":
		e.reply(msg, 200, "OK")
	default:
		e.logger.WithField("method", msg.Method).Warn("Unsupported SIP method")
		e.reply(msg, 501, "Not Implemented")
	}
}

// handleResponse routes responses to our own requests.
func (e *Engine) handleResponse(msg *Message) {
	_, method := msg.CSeqParts()
	switch method {
	case "REGISTER":
		e.registration.HandleResponse(msg)
	case "MESSAGE", "NOTIFY":
		if msg.StatusCode >= 300 {
			e.logger.WithFields(logrus.Fields{
				"status": msg.StatusCode,
				"cseq":   msg.CSeq,
			}).Warn("Platform rejected our request")
		}
	default:
		e.logger.WithFields(logrus.Fields{
			"status": msg.StatusCode,
			"cseq":   msg.CSeq,
		}).Debug("Ignoring unexpected response")
	}
}

// handleMessageRequest acknowledges a MESSAGE and dispatches its
// MANSCDP payload.
func (e *Engine) handleMessageRequest(msg *Message) {
	root, doc, err := manscdp.Detect(msg.Body)
	if err != nil {
		e.metrics.MalformedMessages.Inc()
		e.logger.WithError(err).Debug("MESSAGE without usable MANSCDP body")
		e.reply(msg, 400, "Bad Request")
		return
	}

	// Acknowledge before acting; platforms retransmit on silence.
	e.reply(msg, 200, "OK")

	switch root {
	case manscdp.RootQuery:
		q, err := manscdp.ParseQuery(doc)
		if err != nil {
			e.logger.WithError(err).Debug("Unparseable Query document")
			return
		}
		if q.CmdType == manscdp.CmdRecordInfo {
			e.records.HandleQuery(e.runCtx, q)
			return
		}
		e.responder.HandleQuery(q)
	case manscdp.RootControl:
		ctrl, err := manscdp.ParseControl(doc)
		if err != nil {
			e.logger.WithError(err).Debug("Unparseable Control document")
			return
		}
		e.logger.WithField("cmd_type", ctrl.CmdType).Info("Acknowledging control command")
		e.responder.AckControl(ctrl)
	case manscdp.RootNotify, manscdp.RootResponse:
		// Peer-originated notifies and responses need no action.
		if h, err := manscdp.ParseHeader(doc); err == nil {
			e.logger.WithFields(logrus.Fields{
				"root":     root,
				"cmd_type": h.CmdType,
			}).Debug("Ignoring inbound MANSCDP document")
		}
	}
}

func (e *Engine) reply(msg *Message, status int, reason string, opts ...ResponseOpt) {
	dc := DialogFromMessage(msg)
	raw := e.builder.Response(dc, status, reason, opts...)
	if err := e.transport.Reply(msg.RemoteAddr, msg.Transport, raw); err != nil {
		e.logger.WithError(err).WithField("status", status).Warn("Sending response failed")
		return
	}
	e.metrics.RecordResponse(status)
}

// Shutdown stops the engine in dependency order: no new messages,
// then sessions, then deregistration, then sockets. Safe to call more
// than once.
func (e *Engine) Shutdown(timeout time.Duration) {
	e.stopOnce.Do(func() {
		e.logger.Info("Engine shutting down")
		deadline := time.Now().Add(timeout)

		e.pool.Shutdown(timeout / 4)
		if e.runCancel != nil {
			e.runCancel()
		}
		e.tracker.StopAll()

		done := make(chan struct{})
		go func() {
			e.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Until(deadline)):
			e.logger.Warn("Engine loops did not drain before deadline")
		}

		e.transport.Shutdown(time.Until(deadline))
		e.metrics.RegistrationState.Set(0)
		if !strings.EqualFold(e.registration.State(), StateUnregistered) {
			e.publisher.Publish(messaging.Event{
				Kind:     messaging.EventRegistrationLost,
				DeviceID: e.cfg.DeviceID,
			})
		}
		e.logger.Info("Engine stopped")
	})
}
