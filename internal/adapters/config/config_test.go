package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFromXDG(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	if err := os.MkdirAll(filepath.Join(dir, "roll"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	data := []byte("" +
		"broker = \"mqtt://glasses.local:1883\"\n" +
		"identity = \"alice\"\n" +
		"\n" +
		"[aliases]\n" +
		"glasses = \"roll:gallery:rokid:main\"\n" +
		"\n" +
		"[defaults]\n" +
		"gallery = \"glasses\"\n")
	if err := os.WriteFile(filepath.Join(dir, "roll", "config.toml"), data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Broker != "mqtt://glasses.local:1883" || cfg.Defaults.Gallery != "glasses" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Aliases["glasses"] != "roll:gallery:rokid:main" {
		t.Fatalf("expected alias")
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Aliases == nil {
		t.Fatalf("expected empty alias map")
	}
}
