package mediastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/mikey-austin/glassroll/internal/gallery"
	"go.uber.org/zap"
)

// ScanStats summarizes a scan.
type ScanStats struct {
	Indexed int
	Skipped int
	Pruned  int
}

var imageExts = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".heic": "image/heic",
	".heif": "image/heif",
	".bmp":  "image/bmp",
}

var videoExts = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/x-m4v",
	".mov":  "video/quicktime",
	".3gp":  "video/3gpp",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
	".ts":   "video/mp2t",
}

// Scan walks the storage root, indexes every image and video file and drops
// rows whose files are gone. Directories holding a .nomedia marker and
// hidden directories are skipped.
func (s *Store) Scan(ctx context.Context) (ScanStats, error) {
	started := time.Now()
	stats := ScanStats{}
	seen := make(map[string]struct{})

	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if p == s.root {
				return err
			}
			s.log.Warn("scan skipped path", zap.String("path", p), zap.Error(err))
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if p != s.root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			if _, err := os.Stat(filepath.Join(p, ".nomedia")); err == nil {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		ok, err := s.Index(ctx, p)
		if err != nil {
			s.log.Warn("index failed", zap.String("path", p), zap.Error(err))
			stats.Skipped++
			return nil
		}
		if !ok {
			stats.Skipped++
			return nil
		}
		seen[p] = struct{}{}
		stats.Indexed++
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("scan %s: %w", s.root, err)
	}

	pruned, err := s.prune(ctx, seen)
	stats.Pruned = pruned
	if err != nil {
		return stats, err
	}

	s.log.Info("media scan complete",
		zap.Int("indexed", stats.Indexed),
		zap.Int("skipped", stats.Skipped),
		zap.Int("pruned", stats.Pruned),
		zap.Duration("elapsed", time.Since(started)))
	return stats, nil
}

func (s *Store) prune(ctx context.Context, seen map[string]struct{}) (int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT data FROM files")
	if err != nil {
		return 0, fmt.Errorf("list rows: %w", err)
	}
	stale := make([]string, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("scan row: %w", err)
		}
		if _, ok := seen[data]; !ok {
			stale = append(stale, data)
		}
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate rows: %w", err)
	}

	for _, data := range stale {
		if err := s.forget(ctx, data); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

// Index adds or refreshes the row for a single file. It reports false when
// the file is not an image or video, dropping any row the path had.
func (s *Store) Index(ctx context.Context, p string) (bool, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return false, fmt.Errorf("resolve %s: %w", p, err)
	}
	rel, ok := gallery.RelativeTo(s.root, abs)
	if !ok {
		return false, fmt.Errorf("%s outside media root: %w", abs, gallery.ErrPermissionDenied)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return false, mapFSError(err)
	}
	if info.IsDir() {
		return false, nil
	}

	kind, mimeType, ok := detect(abs)
	if !ok {
		return false, s.forget(ctx, abs)
	}

	relDir := path.Dir(rel)
	if relDir == "." {
		relDir = ""
	} else {
		relDir += "/"
	}
	modified := info.ModTime().UnixMilli()

	_, err = s.db.ExecContext(ctx, `
INSERT INTO files (data, relative_path, display_name, kind, mime_type, size, date_taken, date_modified)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(data) DO UPDATE SET
	relative_path = excluded.relative_path,
	display_name = excluded.display_name,
	kind = excluded.kind,
	mime_type = excluded.mime_type,
	size = excluded.size,
	date_taken = excluded.date_taken,
	date_modified = excluded.date_modified`,
		abs, relDir, filepath.Base(abs), string(kind), mimeType, info.Size(), modified, modified)
	if err != nil {
		return false, fmt.Errorf("index %s: %w", abs, err)
	}
	return true, nil
}

// detect classifies a file by sniffing its content, falling back to the
// extension when the content is not recognised as media.
func detect(p string) (gallery.Kind, string, bool) {
	if mt, err := mimetype.DetectFile(p); err == nil {
		value := mt.String()
		if i := strings.IndexByte(value, ';'); i >= 0 {
			value = value[:i]
		}
		switch {
		case strings.HasPrefix(value, "image/"):
			return gallery.KindImage, value, true
		case strings.HasPrefix(value, "video/"):
			return gallery.KindVideo, value, true
		}
	}

	ext := strings.ToLower(filepath.Ext(p))
	if mt, ok := imageExts[ext]; ok {
		return gallery.KindImage, mt, true
	}
	if mt, ok := videoExts[ext]; ok {
		return gallery.KindVideo, mt, true
	}
	return "", "", false
}

// MimeType returns the stored MIME type for locator, or a guess from the
// file extension.
func (s *Store) MimeType(ctx context.Context, locator gallery.Locator) (string, error) {
	_, id, err := ParseLocator(locator)
	if err != nil {
		return "", err
	}
	var (
		data     string
		mimeType string
	)
	err = s.db.QueryRowContext(ctx, "SELECT data, mime_type FROM files WHERE id = ?", id).Scan(&data, &mimeType)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%s: %w", locator, gallery.ErrNotFound)
		}
		return "", err
	}
	if mimeType == "" {
		mimeType = mime.TypeByExtension(filepath.Ext(data))
	}
	return mimeType, nil
}
