package rolld

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/mikey-austin/glassroll/internal/gallery"
)

// Config is the top-level configuration for rolld.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Modules ModulesConfig `toml:"modules"`
}

// ServerConfig defines shared daemon settings.
type ServerConfig struct {
	Broker    string     `toml:"broker"`
	Identity  string     `toml:"identity"`
	TopicBase string     `toml:"topic_base"`
	LogLevel  string     `toml:"log_level"`
	LogFormat string     `toml:"log_format"`
	LogOutput string     `toml:"log_output"`
	LogUTC    bool       `toml:"log_utc"`
	TLS       TLSConfig  `toml:"tls"`
	Auth      AuthConfig `toml:"auth"`
}

// TLSConfig holds TLS paths for MQTT.
type TLSConfig struct {
	CA   string `toml:"ca"`
	Cert string `toml:"cert"`
	Key  string `toml:"key"`
}

// AuthConfig holds MQTT credentials.
type AuthConfig struct {
	User string `toml:"user"`
	Pass string `toml:"pass"`
}

// ModulesConfig holds module configurations.
type ModulesConfig struct {
	Gallery      GalleryConfig      `toml:"gallery"`
	EmbeddedMQTT EmbeddedMQTTConfig `toml:"embedded_mqtt"`
}

// GalleryConfig configures the gallery node and its media store.
type GalleryConfig struct {
	Enabled          bool           `toml:"enabled"`
	NodeID           string         `toml:"node_id"`
	Name             string         `toml:"name"`
	Root             string         `toml:"root"`
	Database         string         `toml:"database"`
	Mode             string         `toml:"mode"`
	HTTPListen       string         `toml:"http_listen"`
	PublicURL        string         `toml:"public_url"`
	ScanIntervalMS   int64          `toml:"scan_interval_ms"`
	LoadOnStart      bool           `toml:"load_on_start"`
	ThumbSize        int            `toml:"thumb_size"`
	ValidateWorkers  int            `toml:"validate_workers"`
	CommandTimeoutMS int64          `toml:"command_timeout_ms"`
	Sources          []SourceConfig `toml:"sources"`
	Surface          SurfaceConfig  `toml:"surface"`
}

// SourceConfig is one (kind, directory) query pair.
type SourceConfig struct {
	Kind      string `toml:"kind"`
	Directory string `toml:"directory"`
}

// SurfaceConfig configures on-device playback.
type SurfaceConfig struct {
	Enabled       bool   `toml:"enabled"`
	ImagePipeline string `toml:"image_pipeline"`
	VideoPipeline string `toml:"video_pipeline"`
	Loop          *bool  `toml:"loop"`
}

// LoopVideos reports whether videos repeat. Defaults to true.
func (s SurfaceConfig) LoopVideos() bool {
	return s.Loop == nil || *s.Loop
}

// EmbeddedMQTTConfig configures the embedded MQTT broker.
type EmbeddedMQTTConfig struct {
	Enabled        bool   `toml:"enabled"`
	Listen         string `toml:"listen"`
	AllowAnonymous bool   `toml:"allow_anonymous"`
	Username       string `toml:"username"`
	Password       string `toml:"password"`
	TLSCA          string `toml:"tls_ca"`
	TLSCert        string `toml:"tls_cert"`
	TLSKey         string `toml:"tls_key"`
}

// GallerySources parses the configured sources. An empty list yields nil so
// the controller falls back to its defaults.
func (g GalleryConfig) GallerySources() ([]gallery.Source, error) {
	if len(g.Sources) == 0 {
		return nil, nil
	}
	out := make([]gallery.Source, 0, len(g.Sources))
	for i, src := range g.Sources {
		kind, err := gallery.ParseKind(src.Kind)
		if err != nil {
			return nil, fmt.Errorf("sources[%d]: %w", i, err)
		}
		if strings.TrimSpace(src.Directory) == "" {
			return nil, fmt.Errorf("sources[%d]: directory required", i)
		}
		out = append(out, gallery.Source{Kind: kind, Directory: strings.TrimSpace(src.Directory)})
	}
	return out, nil
}

// LoadConfig loads a config file from path.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path required")
	}
	info, err := os.Stat(path)
	if err != nil {
		return Config{}, err
	}
	if info.IsDir() {
		return Config{}, errors.New("config path is a directory")
	}

	var cfg Config
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return Config{}, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	return cfg, nil
}

// DefaultConfigPath returns the default config location.
func DefaultConfigPath() (string, error) {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "roll", "rolld.toml"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "roll", "rolld.toml"), nil
}

// DefaultDatabasePath returns the default media database location.
func DefaultDatabasePath() (string, error) {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "roll", "media.db"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "state", "roll", "media.db"), nil
}
