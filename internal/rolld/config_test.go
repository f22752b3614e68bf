package rolld

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mikey-austin/glassroll/internal/gallery"
)

func TestLoadConfig(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "rolld.toml")
	data := []byte("" +
		"[server]\n" +
		"broker = \"mqtt://localhost\"\n" +
		"identity = \"rolld-test\"\n" +
		"\n" +
		"[modules.gallery]\n" +
		"enabled = true\n" +
		"root = \"/sdcard\"\n" +
		"mode = \"legacy\"\n" +
		"\n" +
		"[[modules.gallery.sources]]\n" +
		"kind = \"photos\"\n" +
		"directory = \"DCIM/Camera\"\n" +
		"\n" +
		"[modules.gallery.surface]\n" +
		"enabled = true\n" +
		"loop = false\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.Broker != "mqtt://localhost" {
		t.Fatalf("expected broker")
	}
	if !cfg.Modules.Gallery.Enabled || cfg.Modules.Gallery.Mode != "legacy" {
		t.Fatalf("expected gallery enabled in legacy mode")
	}
	if cfg.Modules.Gallery.Surface.LoopVideos() {
		t.Fatalf("expected looping disabled")
	}
	sources, err := cfg.Modules.Gallery.GallerySources()
	if err != nil {
		t.Fatalf("sources: %v", err)
	}
	if len(sources) != 1 || sources[0] != (gallery.Source{Kind: gallery.KindImage, Directory: "DCIM/Camera"}) {
		t.Fatalf("unexpected sources %+v", sources)
	}
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rolld.toml")
	if err := os.WriteFile(path, []byte("[modules.playlist]\nenabled = true\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected error for unknown module")
	}
}

func TestGallerySourcesRejectsBadKind(t *testing.T) {
	cfg := GalleryConfig{Sources: []SourceConfig{{Kind: "audio", Directory: "Music"}}}
	if _, err := cfg.GallerySources(); err == nil {
		t.Fatalf("expected error")
	}
}

func TestDefaultConfigPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	path, err := DefaultConfigPath()
	if err != nil {
		t.Fatalf("default config path: %v", err)
	}
	if path != "/tmp/xdg/roll/rolld.toml" {
		t.Fatalf("unexpected path %s", path)
	}
}
