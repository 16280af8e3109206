// Package catalog maintains the channel inventory the gateway
// advertises to its platform: one GB28181 camera channel per
// configured media source, plus the device root item.
package catalog

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"gb28181-restreamer/pkg/config"
	"gb28181-restreamer/pkg/manscdp"
)

// cameraTypeCode is the GB/T 28181 device-type code for IPC channels,
// occupying digits 11-13 of a channel identifier.
const cameraTypeCode = "132"

// Channel binds a 20-digit channel identifier to its media source.
type Channel struct {
	ID        string
	Name      string
	Source    config.MediaSource
	Synthetic bool
}

// Catalog holds the current channel set. Rebuilds swap the snapshot
// atomically so concurrent readers never observe a partial inventory.
type Catalog struct {
	cfg    *config.Config
	logger *logrus.Logger

	mu       sync.RWMutex
	channels []Channel
	byID     map[string]Channel
	version  uint64
}

// New creates an empty catalog. Call Rebuild before serving queries.
func New(cfg *config.Config, logger *logrus.Logger) *Catalog {
	return &Catalog{
		cfg:    cfg,
		logger: logger,
		byID:   make(map[string]Channel),
	}
}

// ChannelID derives the identifier for the n-th channel (1-based):
// the device's 10-digit civil/industry prefix, the camera type code,
// then a 7-digit sequence number.
func ChannelID(deviceID string, seq int) string {
	return fmt.Sprintf("%s%s%07d", deviceID[:10], cameraTypeCode, seq)
}

// Rebuild recomputes the channel set from the given sources. Sources
// are ordered by Ref so the same inputs always yield the same IDs.
// The set is capped at MaxChannels; with no sources a single synthetic
// channel keeps the catalog non-empty so platforms list the device.
func (c *Catalog) Rebuild(sources []config.MediaSource) {
	ordered := make([]config.MediaSource, len(sources))
	copy(ordered, sources)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Ref < ordered[j].Ref })

	if len(ordered) > c.cfg.MaxChannels {
		c.logger.WithFields(logrus.Fields{
			"sources":      len(ordered),
			"max_channels": c.cfg.MaxChannels,
		}).Warn("Media source count exceeds channel cap, truncating")
		ordered = ordered[:c.cfg.MaxChannels]
	}

	channels := make([]Channel, 0, len(ordered))
	for i, src := range ordered {
		channels = append(channels, Channel{
			ID:     ChannelID(c.cfg.DeviceID, i+1),
			Name:   src.Name,
			Source: src,
		})
	}
	if len(channels) == 0 {
		channels = append(channels, Channel{
			ID:        ChannelID(c.cfg.DeviceID, 1),
			Name:      "Default Channel",
			Synthetic: true,
		})
	}

	byID := make(map[string]Channel, len(channels))
	for _, ch := range channels {
		byID[ch.ID] = ch
	}

	c.mu.Lock()
	c.channels = channels
	c.byID = byID
	c.version++
	version := c.version
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"channels": len(channels),
		"version":  version,
	}).Info("Catalog rebuilt")
}

// Channels returns a copy of the current channel set.
func (c *Catalog) Channels() []Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Channel, len(c.channels))
	copy(out, c.channels)
	return out
}

// Lookup resolves a channel identifier against the current snapshot.
func (c *Catalog) Lookup(channelID string) (Channel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch, ok := c.byID[channelID]
	return ch, ok
}

// Size reports the current channel count, excluding the root item.
func (c *Catalog) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.channels)
}

// Version increments on every rebuild; pushers use it to detect change.
func (c *Catalog) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Items renders the full catalog item list, root device item first so
// platforms resolve parents before children when a reply is split.
func (c *Catalog) Items() []manscdp.CatalogItem {
	c.mu.RLock()
	channels := c.channels
	c.mu.RUnlock()

	items := make([]manscdp.CatalogItem, 0, len(channels)+1)
	items = append(items, manscdp.CatalogItem{
		DeviceID:     c.cfg.DeviceID,
		Name:         c.cfg.DeviceName,
		Manufacturer: c.cfg.Manufacturer,
		Model:        c.cfg.Model,
		Owner:        c.cfg.Username,
		CivilCode:    c.cfg.CivilCode,
		Block:        c.cfg.CivilCode,
		Address:      "Local",
		Parental:     "1",
		ParentID:     c.cfg.PlatformID,
		SafetyWay:    "0",
		RegisterWay:  "1",
		Secrecy:      "0",
		Status:       "ON",
	})
	for _, ch := range channels {
		items = append(items, c.channelItem(ch))
	}
	return items
}

func (c *Catalog) channelItem(ch Channel) manscdp.CatalogItem {
	return manscdp.CatalogItem{
		DeviceID:     ch.ID,
		Name:         ch.Name,
		Manufacturer: c.cfg.Manufacturer,
		Model:        "Camera",
		Owner:        c.cfg.Username,
		CivilCode:    c.cfg.CivilCode,
		Block:        c.cfg.CivilCode,
		Address:      ch.Name,
		Parental:     "0",
		ParentID:     c.cfg.DeviceID,
		SafetyWay:    "0",
		RegisterWay:  "1",
		Secrecy:      "0",
		Status:       "ON",
	}
}
