package mediastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mikey-austin/glassroll/internal/gallery"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// Mode selects how directory queries pre-select rows, mirroring the two
// generations of the platform media provider.
type Mode string

const (
	// ModeModern matches on the stored relative_path column.
	ModeModern Mode = "modern"
	// ModeLegacy matches on the absolute data path.
	ModeLegacy Mode = "legacy"
)

// ParseMode parses a mode name. Empty selects ModeModern.
func ParseMode(value string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", string(ModeModern):
		return ModeModern, nil
	case string(ModeLegacy):
		return ModeLegacy, nil
	default:
		return "", fmt.Errorf("unknown media store mode %q", value)
	}
}

// Options configures a Store.
type Options struct {
	// Path is the SQLite database file, or ":memory:".
	Path string
	// Root is the shared storage root that relative paths are computed from.
	Root   string
	Mode   Mode
	Logger *zap.Logger
}

// Store is a media provider backed by a SQLite files table.
type Store struct {
	db   *sql.DB
	root string
	mode Mode
	log  *zap.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS files (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	data          TEXT NOT NULL UNIQUE,
	relative_path TEXT NOT NULL,
	display_name  TEXT NOT NULL,
	kind          TEXT NOT NULL,
	mime_type     TEXT NOT NULL,
	size          INTEGER NOT NULL,
	date_taken    INTEGER NOT NULL,
	date_modified INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS files_kind_relative_path ON files(kind, relative_path);
`

// Open opens (and migrates) the media database.
func Open(ctx context.Context, opts Options) (*Store, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if strings.TrimSpace(opts.Root) == "" {
		return nil, errors.New("media root required")
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve media root: %w", err)
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModeModern
	}
	if mode != ModeModern && mode != ModeLegacy {
		return nil, fmt.Errorf("unknown media store mode %q", mode)
	}

	dsn := opts.Path
	if dsn == "" {
		dsn = ":memory:"
	}
	if dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Single writer; also keeps ":memory:" on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if dsn != ":memory:" {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	log.Debug("media store opened", zap.String("path", dsn), zap.String("root", root), zap.String("mode", string(mode)))
	return &Store{db: db, root: root, mode: mode, log: log}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Root returns the absolute storage root.
func (s *Store) Root() string {
	return s.root
}

// Query returns records of kind under directory, newest first.
func (s *Store) Query(ctx context.Context, kind gallery.Kind, directory string) ([]gallery.Record, error) {
	dir := strings.Trim(strings.ReplaceAll(strings.TrimSpace(directory), `\`, "/"), "/")

	var (
		clause  string
		pattern string
	)
	switch s.mode {
	case ModeLegacy:
		clause = "data LIKE ? ESCAPE '\\'"
		pattern = "%/" + escapeLike(dir) + "/%"
	default:
		clause = "relative_path LIKE ? ESCAPE '\\'"
		pattern = escapeLike(dir) + "/%"
	}
	if dir == "" {
		pattern = "%"
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, data, relative_path, display_name, kind, date_taken FROM files WHERE kind = ? AND "+clause+" ORDER BY date_taken DESC, id ASC",
		string(kind), pattern)
	if err != nil {
		return nil, fmt.Errorf("query %s in %q: %w", kind, dir, err)
	}
	defer rows.Close()

	out := make([]gallery.Record, 0)
	for rows.Next() {
		var (
			id      int64
			data    string
			relPath string
			name    string
			k       string
			taken   int64
		)
		if err := rows.Scan(&id, &data, &relPath, &name, &k, &taken); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if !s.matches(data, relPath, dir) {
			continue
		}
		out = append(out, gallery.Record{
			Locator:     LocatorFor(gallery.Kind(k), id),
			Kind:        gallery.Kind(k),
			CapturedAt:  taken,
			DisplayName: name,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

// matches applies the path matcher after the generation-specific pre-selection.
func (s *Store) matches(data string, relPath string, dir string) bool {
	if s.mode == ModeLegacy {
		rel, ok := gallery.RelativeTo(s.root, data)
		if !ok {
			return false
		}
		return gallery.InDirectory(rel, dir)
	}
	return gallery.InDirectory(relPath, dir)
}

// ResolvePath returns the absolute file path of locator. A locator only
// addresses rows of its own collection.
func (s *Store) ResolvePath(ctx context.Context, locator gallery.Locator) (string, error) {
	kind, id, err := ParseLocator(locator)
	if err != nil {
		return "", err
	}
	var data string
	err = s.db.QueryRowContext(ctx, "SELECT data FROM files WHERE id = ? AND kind = ?", id, string(kind)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%s: %w", locator, gallery.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", locator, err)
	}
	return data, nil
}

// OpenForRead opens the bytes behind locator. The returned reader is an
// *os.File and can be type-asserted to io.ReadSeeker.
func (s *Store) OpenForRead(ctx context.Context, locator gallery.Locator) (io.ReadCloser, error) {
	p, err := s.ResolvePath(ctx, locator)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, mapFSError(err)
	}
	return f, nil
}

// Delete removes the file at path. Paths outside the storage root are refused.
func (s *Store) Delete(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := gallery.RelativeTo(s.root, p); !ok {
		return fmt.Errorf("%s outside media root: %w", p, gallery.ErrPermissionDenied)
	}
	if err := os.Remove(p); err != nil {
		return mapFSError(err)
	}
	return nil
}

// NotifyChanged reconciles the row for path with the filesystem: a missing
// file drops its row, an existing media file is (re)indexed.
func (s *Store) NotifyChanged(ctx context.Context, p string) error {
	abs, err := filepath.Abs(p)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", p, err)
	}
	if _, err := os.Stat(abs); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s.forget(ctx, abs)
		}
		return mapFSError(err)
	}
	_, err = s.Index(ctx, abs)
	return err
}

func (s *Store) forget(ctx context.Context, abs string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM files WHERE data = ?", abs)
	if err != nil {
		return fmt.Errorf("forget %s: %w", abs, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.Debug("media row dropped", zap.String("path", abs))
	}
	return nil
}

// LocatorFor builds the content locator for a row.
func LocatorFor(kind gallery.Kind, id int64) gallery.Locator {
	collection := "images"
	if kind == gallery.KindVideo {
		collection = "video"
	}
	return gallery.Locator(fmt.Sprintf("%s%s/media/%d", locatorPrefix, collection, id))
}

const locatorPrefix = "content://media/external/"

// ParseLocator splits a content locator into its kind and row id.
func ParseLocator(locator gallery.Locator) (gallery.Kind, int64, error) {
	rest, ok := strings.CutPrefix(string(locator), locatorPrefix)
	if !ok {
		return "", 0, fmt.Errorf("invalid locator %q: %w", locator, gallery.ErrNotFound)
	}
	collection, idText, ok := strings.Cut(rest, "/media/")
	if !ok {
		return "", 0, fmt.Errorf("invalid locator %q: %w", locator, gallery.ErrNotFound)
	}
	var kind gallery.Kind
	switch collection {
	case "images":
		kind = gallery.KindImage
	case "video":
		kind = gallery.KindVideo
	default:
		return "", 0, fmt.Errorf("invalid locator %q: %w", locator, gallery.ErrNotFound)
	}
	id, err := strconv.ParseInt(idText, 10, 64)
	if err != nil || id <= 0 {
		return "", 0, fmt.Errorf("invalid locator %q: %w", locator, gallery.ErrNotFound)
	}
	return kind, id, nil
}

func mapFSError(err error) error {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("%w: %v", gallery.ErrNotFound, err)
	case errors.Is(err, os.ErrPermission):
		return fmt.Errorf("%w: %v", gallery.ErrPermissionDenied, err)
	default:
		return err
	}
}

func escapeLike(value string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(value)
}
