package surface

import (
	"strings"
)

// Default pipeline templates. {url} is replaced with the media URL.
const (
	DefaultImagePipeline = "souphttpsrc location={url} ! decodebin ! imagefreeze ! videoconvert ! autovideosink"
	DefaultVideoPipeline = "playbin uri={url}"
)

// Config configures a playback surface.
type Config struct {
	ImagePipeline string
	VideoPipeline string
	// Loop restarts videos when they reach the end.
	Loop bool
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.ImagePipeline) == "" {
		c.ImagePipeline = DefaultImagePipeline
	}
	if strings.TrimSpace(c.VideoPipeline) == "" {
		c.VideoPipeline = DefaultVideoPipeline
	}
	return c
}

// Render substitutes url into a pipeline template.
func Render(template string, url string) string {
	return strings.ReplaceAll(template, "{url}", url)
}
