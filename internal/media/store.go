// Package media persists annotated one-shot captures as JPEG files indexed
// in SQLite.
package media

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"viewfinder/internal/capture"
	"viewfinder/internal/database"
)

// TitlePrefix names every stored capture
const TitlePrefix = "detection_camera_"

// Store writes captures to a directory and records them in the database
type Store struct {
	dir     string
	db      *database.Database
	quality int
	logger  *zap.SugaredLogger
}

// NewStore creates a store rooted at dir
func NewStore(dir string, db *database.Database, quality int, logger *zap.SugaredLogger) (*Store, error) {
	if db == nil {
		return nil, errors.New("media: database is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("media: create capture directory: %w", err)
	}
	if quality <= 0 || quality > 100 {
		quality = 90
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Store{dir: dir, db: db, quality: quality, logger: logger}, nil
}

// Title returns the capture title for ts
func Title(ts time.Time) string {
	return TitlePrefix + strconv.FormatInt(ts.UnixMilli(), 10)
}

// Save implements capture.MediaSink. The returned location is the capture ID.
func (s *Store) Save(ctx context.Context, img image.Image, ts time.Time) (string, error) {
	if img == nil {
		return "", errors.New("media: nil image")
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	id := uuid.New().String()
	title := Title(ts)
	path := filepath.Join(s.dir, title+"_"+id[:8]+".jpg")

	if err := imaging.Save(img, path, imaging.JPEGQuality(s.quality)); err != nil {
		return "", fmt.Errorf("media: write %s: %w", path, err)
	}
	var size int64
	if fi, err := os.Stat(path); err == nil {
		size = fi.Size()
	}

	b := img.Bounds()
	rec := &database.CaptureRecord{
		ID:        id,
		Title:     title,
		Path:      path,
		Width:     b.Dx(),
		Height:    b.Dy(),
		SizeBytes: size,
		CreatedAt: ts,
	}
	if err := s.db.SaveCapture(ctx, rec); err != nil {
		os.Remove(path)
		return "", err
	}
	s.logger.Infow("capture stored", "id", id, "title", title, "bytes", size)
	return id, nil
}

// Get returns a stored capture record
func (s *Store) Get(ctx context.Context, id string) (*database.CaptureRecord, error) {
	return s.db.GetCapture(ctx, id)
}

// Recent lists the newest captures
func (s *Store) Recent(ctx context.Context, limit int) ([]*database.CaptureRecord, error) {
	return s.db.ListCaptures(ctx, limit)
}

// Prune deletes captures older than maxAge along with their files
func (s *Store) Prune(ctx context.Context, maxAge time.Duration) (int, error) {
	old, err := s.db.DeleteCapturesBefore(ctx, time.Now().Add(-maxAge))
	if err != nil {
		return 0, err
	}
	for _, rec := range old {
		if err := os.Remove(rec.Path); err != nil && !os.IsNotExist(err) {
			s.logger.Warnw("failed to remove capture file", "path", rec.Path, "error", err)
		}
	}
	if len(old) > 0 {
		s.logger.Infow("pruned captures", "count", len(old))
	}
	return len(old), nil
}

// RunRetention prunes on every interval until ctx is done
func (s *Store) RunRetention(ctx context.Context, maxAge, interval time.Duration) {
	if maxAge <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Prune(ctx, maxAge); err != nil {
				s.logger.Warnw("capture retention failed", "error", err)
			}
		}
	}
}

var _ capture.MediaSink = (*Store)(nil)
