// Package recording indexes the recorded footage the gateway can
// answer RecordInfo queries from and replay over playback sessions.
package recording

import (
	"context"
	"time"
)

// Recording is one indexed clip.
type Recording struct {
	ID        int64
	ChannelID string
	Name      string
	FilePath  string // local path or rtsp:// replay URL
	StartTime time.Time
	EndTime   time.Time
	FileSize  int64
	Type      string // "time", "alarm", "manual", "all"
}

// Index is the store of recorded footage.
type Index interface {
	// Add registers a clip.
	Add(ctx context.Context, rec Recording) (int64, error)
	// Query returns clips of a channel overlapping [start, end],
	// ordered by start time.
	Query(ctx context.Context, channelID string, start, end time.Time) ([]Recording, error)
	// FindForPlayback picks the clip best covering [start, end].
	FindForPlayback(ctx context.Context, channelID string, start, end time.Time) (*Recording, error)
	Close() error
}
