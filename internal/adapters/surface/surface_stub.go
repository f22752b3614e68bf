//go:build !gstreamer

package surface

import (
	"errors"

	"github.com/mikey-austin/glassroll/internal/gallery"
	"go.uber.org/zap"
)

var errNoGStreamer = errors.New("gstreamer build tag not enabled")

// Surface is a stub when the gstreamer tag is not enabled.
type Surface struct{}

// New returns an error when the gstreamer build tag is missing.
func New(log *zap.Logger, cfg Config) (*Surface, error) {
	return nil, errNoGStreamer
}

func (s *Surface) Show(url string, kind gallery.Kind) error { return errNoGStreamer }
func (s *Surface) Clear() error                             { return errNoGStreamer }
func (s *Surface) Progress() (int64, int64, bool)           { return 0, 0, false }
func (s *Surface) Close() error                             { return nil }
