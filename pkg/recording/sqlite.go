package recording

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"gb28181-restreamer/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS recordings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	channel_id TEXT NOT NULL,
	name TEXT NOT NULL,
	file_path TEXT NOT NULL,
	start_time INTEGER NOT NULL,
	end_time INTEGER NOT NULL,
	file_size INTEGER NOT NULL DEFAULT 0,
	type TEXT NOT NULL DEFAULT 'time'
);
CREATE INDEX IF NOT EXISTS idx_recordings_channel_time
	ON recordings (channel_id, start_time, end_time);
`

// SQLiteIndex is the production Index, one local database file.
type SQLiteIndex struct {
	db     *sql.DB
	logger *logrus.Logger
}

func OpenSQLite(path string, logger *logrus.Logger) (*SQLiteIndex, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "creating recording index directory")
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", filepath.ToSlash(path))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening recording index")
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "pinging recording index")
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrating recording index schema")
	}

	logger.WithField("path", path).Info("Recording index opened")
	return &SQLiteIndex{db: db, logger: logger}, nil
}

func (s *SQLiteIndex) Add(ctx context.Context, rec Recording) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO recordings (channel_id, name, file_path, start_time, end_time, file_size, type)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ChannelID, rec.Name, rec.FilePath,
		rec.StartTime.Unix(), rec.EndTime.Unix(), rec.FileSize, rec.Type)
	if err != nil {
		return 0, errors.Wrap(err, "inserting recording")
	}
	return res.LastInsertId()
}

func (s *SQLiteIndex) Query(ctx context.Context, channelID string, start, end time.Time) ([]Recording, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel_id, name, file_path, start_time, end_time, file_size, type
		 FROM recordings
		 WHERE channel_id = ? AND end_time >= ? AND start_time <= ?
		 ORDER BY start_time`,
		channelID, start.Unix(), end.Unix())
	if err != nil {
		return nil, errors.Wrap(err, "querying recordings").WithField("channel_id", channelID)
	}
	defer rows.Close()

	var out []Recording
	for rows.Next() {
		var rec Recording
		var startUnix, endUnix int64
		if err := rows.Scan(&rec.ID, &rec.ChannelID, &rec.Name, &rec.FilePath,
			&startUnix, &endUnix, &rec.FileSize, &rec.Type); err != nil {
			return nil, errors.Wrap(err, "scanning recording row")
		}
		rec.StartTime = time.Unix(startUnix, 0)
		rec.EndTime = time.Unix(endUnix, 0)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// FindForPlayback prefers the clip with the largest overlap with the
// requested window.
func (s *SQLiteIndex) FindForPlayback(ctx context.Context, channelID string, start, end time.Time) (*Recording, error) {
	recs, err := s.Query(ctx, channelID, start, end)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	best := recs[0]
	bestOverlap := overlap(best, start, end)
	for _, rec := range recs[1:] {
		if o := overlap(rec, start, end); o > bestOverlap {
			best, bestOverlap = rec, o
		}
	}
	return &best, nil
}

func overlap(rec Recording, start, end time.Time) time.Duration {
	from := rec.StartTime
	if start.After(from) {
		from = start
	}
	to := rec.EndTime
	if end.Before(to) {
		to = end
	}
	if to.Before(from) {
		return 0
	}
	return to.Sub(from)
}

func (s *SQLiteIndex) Close() error {
	return s.db.Close()
}
