//go:build gstreamer

package surface

import (
	"errors"
	"sync"
	"time"

	"github.com/go-gst/go-gst/gst"
	"github.com/mikey-austin/glassroll/internal/gallery"
	"go.uber.org/zap"
)

var gstInitOnce sync.Once

// Surface shows images and loops videos through GStreamer pipelines.
type Surface struct {
	log    *zap.Logger
	config Config

	mu      sync.Mutex
	current *gst.Element
	video   bool
	stop    chan struct{}
}

// New creates a GStreamer surface.
func New(log *zap.Logger, cfg Config) (*Surface, error) {
	if log == nil {
		log = zap.NewNop()
	}
	gstInitOnce.Do(func() {
		gst.Init(nil)
	})
	return &Surface{log: log, config: cfg.withDefaults()}, nil
}

// Show replaces whatever is on screen with url.
func (s *Surface) Show(url string, kind gallery.Kind) error {
	video := kind == gallery.KindVideo
	s.mu.Lock()
	defer s.mu.Unlock()

	template := s.config.ImagePipeline
	if video {
		template = s.config.VideoPipeline
	}
	pipeline, err := gst.ParseLaunch(Render(template, url))
	if err != nil {
		return err
	}
	s.clearLocked()
	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return err
	}
	s.current = pipeline
	s.video = video
	if video && s.config.Loop {
		s.stop = make(chan struct{})
		go s.loop(pipeline, s.stop)
	}
	return nil
}

// Clear tears down the current pipeline.
func (s *Surface) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()
	return nil
}

// Progress reports the playback position and duration of the current video.
func (s *Surface) Progress() (int64, int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || !s.video {
		return 0, 0, false
	}
	okPos, pos := s.current.QueryPosition(gst.FormatTime)
	okDur, dur := s.current.QueryDuration(gst.FormatTime)
	if !okPos || !okDur || dur <= 0 {
		return 0, 0, false
	}
	return pos / int64(time.Millisecond), dur / int64(time.Millisecond), true
}

// Close releases the surface.
func (s *Surface) Close() error {
	return s.Clear()
}

func (s *Surface) clearLocked() {
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	if s.current != nil {
		_ = s.current.SetState(gst.StateNull)
		s.current = nil
	}
	s.video = false
}

// loop seeks back to the start on end-of-stream.
func (s *Surface) loop(pipeline *gst.Element, stop <-chan struct{}) {
	bus := pipeline.GetBus()
	for {
		select {
		case <-stop:
			return
		default:
		}
		msg := bus.TimedPop(200 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			if err := pipeline.SeekSimple(gst.FormatTime, gst.SeekFlagFlush|gst.SeekFlagKeyUnit, 0); err != nil {
				s.log.Warn("video loop seek failed", zap.Error(err))
			}
		case gst.MessageError:
			s.log.Warn("video pipeline error", zap.Error(errors.New(msg.String())))
			return
		}
	}
}
