package gallery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Kind is the media kind of a record.
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// ParseKind parses a kind name.
func ParseKind(value string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "image", "images", "photo", "photos":
		return KindImage, nil
	case "video", "videos", "movie", "movies":
		return KindVideo, nil
	default:
		return "", fmt.Errorf("unknown media kind %q", value)
	}
}

// Locator is an opaque reference to a stored media record.
type Locator string

// Record is one discovered media item. Records are never mutated in place.
type Record struct {
	Locator     Locator `json:"locator"`
	Kind        Kind    `json:"kind"`
	CapturedAt  int64   `json:"capturedAt"`
	DisplayName string  `json:"displayName"`
}

// Source is a single (kind, logical directory) query pair.
type Source struct {
	Kind      Kind   `json:"kind"`
	Directory string `json:"directory"`
}

// DefaultSources returns the camera and gallery directories a headset writes to.
func DefaultSources() []Source {
	return []Source{
		{Kind: KindImage, Directory: "DCIM/Camera"},
		{Kind: KindImage, Directory: "Pictures"},
		{Kind: KindVideo, Directory: "Movies/Camera"},
		{Kind: KindVideo, Directory: "Pictures"},
		{Kind: KindVideo, Directory: "Movies"},
		{Kind: KindVideo, Directory: "DCIM/Camera"},
	}
}

// SourcesFor builds the cross product of directories and kinds.
func SourcesFor(directories []string, kinds []Kind) []Source {
	out := make([]Source, 0, len(directories)*len(kinds))
	for _, kind := range kinds {
		for _, dir := range directories {
			out = append(out, Source{Kind: kind, Directory: dir})
		}
	}
	return out
}

// Store errors reported by OpenForRead and ResolvePath.
var (
	ErrNotFound         = errors.New("media not found")
	ErrPermissionDenied = errors.New("media permission denied")
)

// Store is the external media store the controller reads from and deletes through.
type Store interface {
	Query(ctx context.Context, kind Kind, directory string) ([]Record, error)
	ResolvePath(ctx context.Context, locator Locator) (string, error)
	OpenForRead(ctx context.Context, locator Locator) (io.ReadCloser, error)
	Delete(ctx context.Context, path string) error
	NotifyChanged(ctx context.Context, path string) error
}

// Index is a snapshot of the ordered items and the cursor.
type Index struct {
	Items  []Record `json:"items"`
	Cursor int      `json:"cursor"`
}

// Position describes what to render. The zero value is the empty position.
type Position struct {
	Locator     Locator `json:"locator,omitempty"`
	Kind        Kind    `json:"kind,omitempty"`
	Index       int     `json:"index"`
	Total       int     `json:"total"`
	DisplayName string  `json:"displayName,omitempty"`
	CapturedAt  int64   `json:"capturedAt,omitempty"`
}

// IsEmpty reports whether nothing is selected.
func (p Position) IsEmpty() bool {
	return p.Index == 0
}

// Counter renders the one-based "i/n" counter.
func (p Position) Counter() string {
	return fmt.Sprintf("%d/%d", p.Index, p.Total)
}

// DeleteStatus is the outcome class of DeleteCurrent.
type DeleteStatus int

const (
	DeleteNoSelection DeleteStatus = iota
	DeleteFailed
	DeleteDeleted
)

func (s DeleteStatus) String() string {
	switch s {
	case DeleteNoSelection:
		return "no_selection"
	case DeleteFailed:
		return "failed"
	case DeleteDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// DeleteResult reports a deletion outcome. Position is the new current
// position after a successful delete, and empty if the index drained.
type DeleteResult struct {
	Status   DeleteStatus
	Deleted  Locator
	Position Position
	Err      error
}
