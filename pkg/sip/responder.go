package sip

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"gb28181-restreamer/pkg/catalog"
	"gb28181-restreamer/pkg/config"
	"gb28181-restreamer/pkg/manscdp"
	"gb28181-restreamer/pkg/metrics"
)

const manscdpContentType = "Application/MANSCDP+xml"

// CatalogResponder answers the platform's Catalog, DeviceInfo and
// DeviceStatus queries and pushes unsolicited catalog notifies.
// Catalog payloads are trimmed from the tail until they fit the safe
// datagram size, with the item counts recomputed to match what is
// actually included; the device root item is never dropped.
type CatalogResponder struct {
	cfg       *config.Config
	logger    *logrus.Logger
	builder   *Builder
	transport *Transport
	catalog   *catalog.Catalog
	metrics   *metrics.Metrics

	mu       sync.Mutex
	recentSN map[string]time.Time

	now func() time.Time
}

func NewCatalogResponder(cfg *config.Config, logger *logrus.Logger, builder *Builder,
	transport *Transport, cat *catalog.Catalog, m *metrics.Metrics) *CatalogResponder {
	return &CatalogResponder{
		cfg:       cfg,
		logger:    logger,
		builder:   builder,
		transport: transport,
		catalog:   cat,
		metrics:   m,
		recentSN:  make(map[string]time.Time),
		now:       time.Now,
	}
}

// HandleQuery serves one MANSCDP query. The SIP-level 200 for the
// carrying MESSAGE has already been sent by the dispatcher; the
// answer document travels in a fresh MESSAGE toward the platform.
func (c *CatalogResponder) HandleQuery(q *manscdp.Query) {
	logger := c.logger.WithFields(logrus.Fields{
		"cmd_type": q.CmdType,
		"sn":       q.SN,
	})

	switch q.CmdType {
	case manscdp.CmdCatalog:
		if c.isDuplicate(q.CmdType, q.SN) {
			logger.Debug("Duplicate catalog query within dedupe window, ignoring")
			c.metrics.CatalogQueriesTotal.WithLabelValues("deduplicated").Inc()
			return
		}
		c.answerCatalog(q.SN, logger)
	case manscdp.CmdDeviceInfo:
		c.answerDeviceInfo(q.SN, logger)
	case manscdp.CmdDeviceStatus:
		c.answerDeviceStatus(q.SN, logger)
	default:
		logger.Warn("Unhandled MANSCDP query type")
	}
}

// isDuplicate remembers (cmd, SN) pairs for the dedupe window.
// Platforms retransmit queries aggressively over UDP; answering each
// copy multiplies large catalog sends.
func (c *CatalogResponder) isDuplicate(cmd, sn string) bool {
	key := cmd + ":" + sn
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	for k, seen := range c.recentSN {
		if now.Sub(seen) > c.cfg.DedupeWindow {
			delete(c.recentSN, k)
		}
	}
	if seen, ok := c.recentSN[key]; ok && now.Sub(seen) <= c.cfg.DedupeWindow {
		return true
	}
	c.recentSN[key] = now
	return false
}

func (c *CatalogResponder) answerCatalog(sn string, logger *logrus.Entry) {
	items := c.catalog.Items()
	body, included, truncated, err := RenderCatalogResponse(c.cfg.DeviceID, sn, items, c.cfg.SafeDatagramBytes)
	if err != nil {
		logger.WithError(err).Error("Rendering catalog response")
		c.metrics.CatalogQueriesTotal.WithLabelValues("error").Inc()
		return
	}
	if truncated {
		logger.WithFields(logrus.Fields{
			"total":    len(items),
			"included": included,
			"budget":   c.cfg.SafeDatagramBytes,
		}).Warn("Catalog truncated to fit datagram budget")
		c.metrics.CatalogTruncations.Inc()
	}

	c.dumpPayload(body)
	if err := c.sendMessage(body); err != nil {
		logger.WithError(err).Error("Sending catalog response")
		c.metrics.CatalogQueriesTotal.WithLabelValues("error").Inc()
		return
	}
	c.metrics.CatalogQueriesTotal.WithLabelValues("ok").Inc()
	c.metrics.CatalogItemsSent.Add(float64(included))
	logger.WithField("items", included).Info("Catalog response sent")
}

func (c *CatalogResponder) answerDeviceInfo(sn string, logger *logrus.Entry) {
	body, err := manscdp.Marshal(manscdp.DeviceInfoResponse{
		Header: manscdp.Header{
			CmdType:  manscdp.CmdDeviceInfo,
			SN:       sn,
			DeviceID: c.cfg.DeviceID,
		},
		Result:       "OK",
		DeviceName:   c.cfg.DeviceName,
		Manufacturer: c.cfg.Manufacturer,
		Model:        c.cfg.Model,
		Firmware:     c.cfg.Firmware,
		MaxCamera:    c.cfg.MaxChannels,
		MaxAlarm:     0,
	})
	if err != nil {
		logger.WithError(err).Error("Rendering device info response")
		return
	}
	if err := c.sendMessage(body); err != nil {
		logger.WithError(err).Error("Sending device info response")
		return
	}
	logger.Info("Device info response sent")
}

func (c *CatalogResponder) answerDeviceStatus(sn string, logger *logrus.Entry) {
	body, err := manscdp.Marshal(manscdp.DeviceStatusResponse{
		Header: manscdp.Header{
			CmdType:  manscdp.CmdDeviceStatus,
			SN:       sn,
			DeviceID: c.cfg.DeviceID,
		},
		Status:     "OK",
		Online:     "ONLINE",
		StatusTime: manscdp.NowStatusTime(c.now()),
		Result:     "OK",
	})
	if err != nil {
		logger.WithError(err).Error("Rendering device status response")
		return
	}
	if err := c.sendMessage(body); err != nil {
		logger.WithError(err).Error("Sending device status response")
		return
	}
	logger.Info("Device status response sent")
}

// AckControl acknowledges a Control document the gateway does not
// execute, so platforms stop retransmitting it.
func (c *CatalogResponder) AckControl(ctrl *manscdp.Control) {
	body, err := manscdp.Marshal(manscdp.GenericResponse{
		Header: manscdp.Header{
			CmdType:  ctrl.CmdType,
			SN:       ctrl.SN,
			DeviceID: c.cfg.DeviceID,
		},
		Result: "OK",
	})
	if err != nil {
		c.logger.WithError(err).Error("Rendering control ack")
		return
	}
	if err := c.sendMessage(body); err != nil {
		c.logger.WithError(err).Warn("Sending control ack")
	}
}

// PushCatalog sends an unsolicited catalog NOTIFY, used after a fresh
// registration and on the periodic push cadence so platforms that
// never query still learn the channel list.
func (c *CatalogResponder) PushCatalog() {
	items := c.catalog.Items()
	sn := strconv.FormatInt(c.now().Unix(), 10)
	body, included, truncated, err := RenderCatalogNotify(c.cfg.DeviceID, sn, items, c.cfg.SafeDatagramBytes)
	if err != nil {
		c.logger.WithError(err).Error("Rendering catalog notify")
		return
	}
	if truncated {
		c.logger.WithFields(logrus.Fields{
			"total":    len(items),
			"included": included,
			"budget":   c.cfg.SafeDatagramBytes,
		}).Warn("Catalog notify truncated to fit datagram budget")
		c.metrics.CatalogTruncations.Inc()
	}

	raw := c.builder.Request(RequestSpec{
		Method:     "NOTIFY",
		RequestURI: fmt.Sprintf("sip:%s@%s:%d", c.cfg.PlatformID, c.cfg.PlatformHost, c.cfg.PlatformPort),
		To:         fmt.Sprintf("<sip:%s@%s:%d>", c.cfg.PlatformID, c.cfg.PlatformHost, c.cfg.PlatformPort),
		CallID:     uuid.NewString(),
		Headers: []string{
			"Event: Catalog",
			"Subscription-State: active;expires=60",
		},
		ContentType: manscdpContentType,
		Body:        body,
	})
	if err := c.transport.Send(c.platformAddr(), c.cfg.Transport, raw); err != nil {
		c.logger.WithError(err).Warn("Catalog push failed")
		return
	}
	c.logger.WithField("items", included).Info("Catalog pushed to platform")
}

func (c *CatalogResponder) sendMessage(body []byte) error {
	raw := c.builder.Request(RequestSpec{
		Method:      "MESSAGE",
		RequestURI:  fmt.Sprintf("sip:%s@%s:%d", c.cfg.PlatformID, c.cfg.PlatformHost, c.cfg.PlatformPort),
		To:          fmt.Sprintf("<sip:%s@%s:%d>", c.cfg.PlatformID, c.cfg.PlatformHost, c.cfg.PlatformPort),
		ContentType: manscdpContentType,
		Body:        body,
	})
	return c.transport.Send(c.platformAddr(), c.cfg.Transport, raw)
}

// dumpPayload writes the last outgoing catalog document to disk when
// a dump path is configured, for interop debugging.
func (c *CatalogResponder) dumpPayload(body []byte) {
	if c.cfg.DebugDumpPath == "" {
		return
	}
	if err := os.WriteFile(c.cfg.DebugDumpPath, body, 0o644); err != nil {
		c.logger.WithError(err).Debug("Writing catalog debug dump")
	}
}

func (c *CatalogResponder) platformAddr() string {
	return fmt.Sprintf("%s:%d", c.cfg.PlatformHost, c.cfg.PlatformPort)
}

// RenderCatalogResponse serializes a catalog answer, dropping items
// from the tail until the document fits budget bytes. The first item
// is the device root and survives any truncation. Returns the body,
// how many items it carries and whether truncation happened.
func RenderCatalogResponse(deviceID, sn string, items []manscdp.CatalogItem, budget int) ([]byte, int, bool, error) {
	truncated := false
	for {
		resp := manscdp.CatalogResponse{
			Header: manscdp.Header{
				CmdType:  manscdp.CmdCatalog,
				SN:       sn,
				DeviceID: deviceID,
			},
			Result:     "OK",
			SumNum:     len(items),
			DeviceList: manscdp.DeviceList{Num: len(items), Items: items},
		}
		body, err := manscdp.MarshalGB2312(resp)
		if err != nil {
			return nil, 0, false, err
		}
		if len(body) <= budget || len(items) <= 1 {
			return body, len(items), truncated, nil
		}
		items = items[:len(items)-1]
		truncated = true
	}
}

// RenderCatalogNotify serializes an unsolicited catalog notify with the
// same tail-trim rules as RenderCatalogResponse: items drop from the
// tail until the document fits, counts track what is included and the
// device root item is never dropped.
func RenderCatalogNotify(deviceID, sn string, items []manscdp.CatalogItem, budget int) ([]byte, int, bool, error) {
	truncated := false
	for {
		notify := manscdp.CatalogNotify{
			Header: manscdp.Header{
				CmdType:  manscdp.CmdCatalog,
				SN:       sn,
				DeviceID: deviceID,
			},
			SumNum:     len(items),
			DeviceList: manscdp.DeviceList{Num: len(items), Items: items},
		}
		body, err := manscdp.MarshalGB2312(notify)
		if err != nil {
			return nil, 0, false, err
		}
		if len(body) <= budget || len(items) <= 1 {
			return body, len(items), truncated, nil
		}
		items = items[:len(items)-1]
		truncated = true
	}
}
