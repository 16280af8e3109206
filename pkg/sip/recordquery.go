package sip

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"gb28181-restreamer/pkg/catalog"
	"gb28181-restreamer/pkg/config"
	"gb28181-restreamer/pkg/manscdp"
	"gb28181-restreamer/pkg/recording"
)

// RecordQueryHandler answers RecordInfo queries from the recording
// index. An empty result is still answered, with SumNum 0, so the
// platform's query does not dangle.
type RecordQueryHandler struct {
	cfg       *config.Config
	logger    *logrus.Logger
	builder   *Builder
	transport *Transport
	catalog   *catalog.Catalog
	index     recording.Index
}

func NewRecordQueryHandler(cfg *config.Config, logger *logrus.Logger, builder *Builder,
	transport *Transport, cat *catalog.Catalog, index recording.Index) *RecordQueryHandler {
	return &RecordQueryHandler{
		cfg:       cfg,
		logger:    logger,
		builder:   builder,
		transport: transport,
		catalog:   cat,
		index:     index,
	}
}

// HandleQuery serves one RecordInfo query.
func (h *RecordQueryHandler) HandleQuery(ctx context.Context, q *manscdp.Query) {
	logger := h.logger.WithFields(logrus.Fields{
		"sn":         q.SN,
		"channel_id": q.DeviceID,
		"start":      q.StartTime,
		"end":        q.EndTime,
	})

	channelID := q.DeviceID
	if _, ok := h.catalog.Lookup(channelID); !ok && channelID != h.cfg.DeviceID {
		logger.Warn("RecordInfo query for unknown channel")
		h.send(q.SN, channelID, nil, logger)
		return
	}

	start, err := manscdp.ParseTime(q.StartTime)
	if err != nil {
		logger.WithError(err).Warn("RecordInfo query with bad start time")
		h.send(q.SN, channelID, nil, logger)
		return
	}
	end, err := manscdp.ParseTime(q.EndTime)
	if err != nil {
		logger.WithError(err).Warn("RecordInfo query with bad end time")
		h.send(q.SN, channelID, nil, logger)
		return
	}

	recs, err := h.index.Query(ctx, channelID, start, end)
	if err != nil {
		logger.WithError(err).Error("Recording index query failed")
		h.send(q.SN, channelID, nil, logger)
		return
	}

	items := make([]manscdp.RecordItem, 0, len(recs))
	for _, rec := range recs {
		items = append(items, manscdp.RecordItem{
			DeviceID:  rec.ChannelID,
			Name:      rec.Name,
			FilePath:  rec.FilePath,
			Address:   "Local Recording",
			StartTime: manscdp.FormatTime(rec.StartTime),
			EndTime:   manscdp.FormatTime(rec.EndTime),
			Secrecy:   "0",
			Type:      recordType(rec.Type),
			FileSize:  rec.FileSize,
		})
	}
	h.send(q.SN, channelID, items, logger)
}

func (h *RecordQueryHandler) send(sn, channelID string, items []manscdp.RecordItem, logger *logrus.Entry) {
	// Tail-trim oversized answers the same way catalog replies are.
	for {
		resp := manscdp.RecordInfoResponse{
			Header: manscdp.Header{
				CmdType:  manscdp.CmdRecordInfo,
				SN:       sn,
				DeviceID: channelID,
			},
			Name:       h.cfg.DeviceName,
			SumNum:     len(items),
			RecordList: manscdp.RecordList{Num: len(items), Items: items},
		}
		body, err := manscdp.Marshal(resp)
		if err != nil {
			logger.WithError(err).Error("Rendering record info response")
			return
		}
		if len(body) > h.cfg.SafeDatagramBytes && len(items) > 0 {
			items = items[:len(items)-1]
			continue
		}

		raw := h.builder.Request(RequestSpec{
			Method:      "MESSAGE",
			RequestURI:  fmt.Sprintf("sip:%s@%s:%d", h.cfg.PlatformID, h.cfg.PlatformHost, h.cfg.PlatformPort),
			To:          fmt.Sprintf("<sip:%s@%s:%d>", h.cfg.PlatformID, h.cfg.PlatformHost, h.cfg.PlatformPort),
			ContentType: manscdpContentType,
			Body:        body,
		})
		addr := fmt.Sprintf("%s:%d", h.cfg.PlatformHost, h.cfg.PlatformPort)
		if err := h.transport.Send(addr, h.cfg.Transport, raw); err != nil {
			logger.WithError(err).Error("Sending record info response")
			return
		}
		logger.WithField("records", len(items)).Info("Record info response sent")
		return
	}
}

// FindForPlayback resolves the clip for a playback INVITE window.
func (h *RecordQueryHandler) FindForPlayback(ctx context.Context, channelID string, start, end int64) (*recording.Recording, error) {
	return h.index.FindForPlayback(ctx, channelID, time.Unix(start, 0), time.Unix(end, 0))
}

func recordType(t string) string {
	if t == "" {
		return "time"
	}
	return t
}
