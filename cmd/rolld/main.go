package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mikey-austin/glassroll/internal/adapters/mediastore"
	"github.com/mikey-austin/glassroll/internal/adapters/mqttserver"
	"github.com/mikey-austin/glassroll/internal/adapters/surface"
	"github.com/mikey-austin/glassroll/internal/adapters/tlsconfig"
	embeddedmqtt "github.com/mikey-austin/glassroll/internal/modules/embedded_mqtt"
	gallerynode "github.com/mikey-austin/glassroll/internal/modules/gallery_node"
	"github.com/mikey-austin/glassroll/internal/rolld"
	"github.com/mikey-austin/glassroll/pkg/roll"
	"go.uber.org/zap"
)

const defaultEmbeddedListen = "127.0.0.1:1883"

func main() {
	var (
		configPath  string
		broker      string
		identity    string
		topicBase   string
		logLevel    string
		logFormat   string
		logOutput   string
		logUTC      bool
		printConfig bool
		dryRun      bool
		moduleOnly  string
	)

	defaultConfig, err := rolld.DefaultConfigPath()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	flag.StringVar(&configPath, "config", defaultConfig, "config file path")
	flag.StringVar(&broker, "broker", "", "MQTT broker URL override")
	flag.StringVar(&identity, "identity", "", "server identity override")
	flag.StringVar(&topicBase, "topic-base", "", "topic base override")
	flag.StringVar(&logLevel, "log-level", "", "log level override")
	flag.StringVar(&logFormat, "log-format", "", "log format override (console|json)")
	flag.StringVar(&logOutput, "log-output", "", "log output override (stdout|stderr|path)")
	flag.BoolVar(&logUTC, "log-utc", false, "use UTC timestamps in logs")
	flag.StringVar(&moduleOnly, "module", "", "limit to a single module (gallery|embedded_mqtt)")
	flag.BoolVar(&printConfig, "print-config", false, "print resolved config and exit")
	flag.BoolVar(&dryRun, "dry-run", false, "validate config and exit")
	flag.Parse()

	cfg, err := rolld.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	applyOverrides(&cfg, broker, identity, topicBase, logLevel, logFormat, logOutput, logUTC)

	if printConfig {
		printResolvedConfig(cfg)
		return
	}
	if dryRun {
		if _, err := cfg.Modules.Gallery.GallerySources(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if _, err := mediastore.ParseMode(cfg.Modules.Gallery.Mode); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	logger, err := rolld.NewLogger(rolld.LogConfig{
		Level:  cfg.Server.LogLevel,
		Format: cfg.Server.LogFormat,
		Output: cfg.Server.LogOutput,
		UTC:    cfg.Server.LogUTC,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger, moduleOnly); err != nil {
		logger.Error("rolld exited", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg rolld.Config, logger *zap.Logger, moduleOnly string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	skipEmbedded := false
	if moduleOnly != "embedded_mqtt" && cfg.Modules.EmbeddedMQTT.Enabled && cfg.Server.Broker == embeddedBrokerURL(cfg) {
		if err := startEmbeddedBroker(ctx, cfg, logger, cancel); err != nil {
			return fmt.Errorf("embedded mqtt: %w", err)
		}
		skipEmbedded = true
	}

	if cfg.Server.Broker == "" && !(moduleOnly == "embedded_mqtt" && cfg.Modules.EmbeddedMQTT.Enabled) {
		return errors.New("broker is required")
	}
	logger.Info("rolld starting",
		zap.String("broker", cfg.Server.Broker),
		zap.String("identity", cfg.Server.Identity),
		zap.String("topic_base", cfg.Server.TopicBase),
		zap.String("log_level", cfg.Server.LogLevel),
		zap.Strings("modules", enabledModules(cfg)),
	)

	var client *mqttserver.Client
	if moduleOnly != "embedded_mqtt" && cfg.Modules.Gallery.Enabled {
		var err error
		client, err = mqttserver.NewClient(mqttserver.Options{
			BrokerURL: cfg.Server.Broker,
			ClientID:  fmt.Sprintf("rolld-%d", time.Now().UnixNano()),
			Username:  cfg.Server.Auth.User,
			Password:  cfg.Server.Auth.Pass,
			TLS:       tlsconfig.Files{CA: cfg.Server.TLS.CA, Cert: cfg.Server.TLS.Cert, Key: cfg.Server.TLS.Key},
			Timeout:   2 * time.Second,
			Logger:    logger.With(zap.String("component", "mqtt")),
			Will: &mqttserver.Will{
				Topic:    roll.TopicPresence(cfg.Server.TopicBase, cfg.Modules.Gallery.NodeID),
				Payload:  []byte{},
				Retained: true,
			},
		})
		if err != nil {
			return fmt.Errorf("mqtt connection failed: %w", err)
		}
		defer client.Close()
	}

	modules, cleanup, err := buildModules(ctx, cfg, client, logger, moduleOnly, skipEmbedded)
	if err != nil {
		return fmt.Errorf("build modules: %w", err)
	}
	defer cleanup()

	supervisor := rolld.Supervisor{Logger: logger}
	return supervisor.Run(ctx, modules)
}

func applyOverrides(cfg *rolld.Config, broker string, identity string, topicBase string, logLevel string, logFormat string, logOutput string, logUTC bool) {
	if broker != "" {
		cfg.Server.Broker = broker
	}
	if identity != "" {
		cfg.Server.Identity = identity
	}
	if topicBase != "" {
		cfg.Server.TopicBase = topicBase
	}
	if logLevel != "" {
		cfg.Server.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.Server.LogFormat = logFormat
	}
	if logOutput != "" {
		cfg.Server.LogOutput = logOutput
	}
	if logUTC {
		cfg.Server.LogUTC = true
	}
	if cfg.Server.TopicBase == "" {
		cfg.Server.TopicBase = roll.BaseTopic
	}
	if cfg.Server.Broker == "" && cfg.Modules.EmbeddedMQTT.Enabled {
		cfg.Server.Broker = embeddedBrokerURL(*cfg)
	}
}

func buildModules(ctx context.Context, cfg rolld.Config, client *mqttserver.Client, logger *zap.Logger, moduleOnly string, skipEmbedded bool) ([]rolld.ModuleRunner, func(), error) {
	modules := []rolld.ModuleRunner{}
	closers := []func(){}
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.Modules.EmbeddedMQTT.Enabled && !skipEmbedded && (moduleOnly == "" || moduleOnly == "embedded_mqtt") {
		mod, err := embeddedmqtt.NewModule(logger.With(zap.String("module", "embedded_mqtt")), embeddedConfig(cfg))
		if err != nil {
			return nil, cleanup, err
		}
		modules = append(modules, rolld.ModuleRunner{Name: "embedded_mqtt", Run: mod.Run})
	}

	if cfg.Modules.Gallery.Enabled && (moduleOnly == "" || moduleOnly == "gallery") {
		mod, closeFn, err := buildGallery(ctx, cfg, client, logger.With(zap.String("module", "gallery")))
		if err != nil {
			cleanup()
			return nil, func() {}, err
		}
		closers = append(closers, closeFn)
		modules = append(modules, rolld.ModuleRunner{Name: "gallery", Run: mod.Run})
	}

	if moduleOnly != "" && len(modules) == 0 {
		cleanup()
		return nil, func() {}, errors.New("no modules enabled")
	}
	return modules, cleanup, nil
}

func buildGallery(ctx context.Context, cfg rolld.Config, client *mqttserver.Client, logger *zap.Logger) (*gallerynode.Module, func(), error) {
	gc := cfg.Modules.Gallery
	if client == nil {
		return nil, nil, errors.New("gallery requires an mqtt client")
	}
	sources, err := gc.GallerySources()
	if err != nil {
		return nil, nil, err
	}
	mode, err := mediastore.ParseMode(gc.Mode)
	if err != nil {
		return nil, nil, err
	}
	dbPath := gc.Database
	if dbPath == "" {
		dbPath, err = rolld.DefaultDatabasePath()
		if err != nil {
			return nil, nil, err
		}
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, nil, err
		}
	}

	store, err := mediastore.Open(ctx, mediastore.Options{
		Path:   dbPath,
		Root:   gc.Root,
		Mode:   mode,
		Logger: logger.With(zap.String("component", "mediastore")),
	})
	if err != nil {
		return nil, nil, err
	}
	closers := []func(){func() { _ = store.Close() }}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var surf gallerynode.Surface
	if gc.Surface.Enabled {
		s, err := surface.New(logger.With(zap.String("component", "surface")), surface.Config{
			ImagePipeline: gc.Surface.ImagePipeline,
			VideoPipeline: gc.Surface.VideoPipeline,
			Loop:          gc.Surface.LoopVideos(),
		})
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, func() { _ = s.Close() })
		surf = s
	}

	mod, err := gallerynode.NewModule(logger, client, store, surf, gallerynode.Config{
		NodeID:          gc.NodeID,
		TopicBase:       cfg.Server.TopicBase,
		Name:            gc.Name,
		HTTPListen:      gc.HTTPListen,
		PublicURL:       gc.PublicURL,
		ScanIntervalMS:  gc.ScanIntervalMS,
		LoadOnStart:     gc.LoadOnStart,
		Sources:         sources,
		ValidateWorkers: gc.ValidateWorkers,
		ThumbSize:       gc.ThumbSize,
		CommandTimeout:  time.Duration(gc.CommandTimeoutMS) * time.Millisecond,
	})
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	return mod, closeAll, nil
}

func enabledModules(cfg rolld.Config) []string {
	out := []string{}
	if cfg.Modules.EmbeddedMQTT.Enabled {
		out = append(out, "embedded_mqtt")
	}
	if cfg.Modules.Gallery.Enabled {
		out = append(out, "gallery")
	}
	return out
}

func printResolvedConfig(cfg rolld.Config) {
	fmt.Fprintf(os.Stdout,
		"broker=%s identity=%s topic_base=%s log_level=%s log_format=%s log_output=%s log_utc=%t gallery=%t gallery_root=%s gallery_mode=%s embedded_mqtt=%t\n",
		cfg.Server.Broker,
		cfg.Server.Identity,
		cfg.Server.TopicBase,
		cfg.Server.LogLevel,
		cfg.Server.LogFormat,
		cfg.Server.LogOutput,
		cfg.Server.LogUTC,
		cfg.Modules.Gallery.Enabled,
		cfg.Modules.Gallery.Root,
		cfg.Modules.Gallery.Mode,
		cfg.Modules.EmbeddedMQTT.Enabled,
	)
}

func embeddedConfig(cfg rolld.Config) embeddedmqtt.Config {
	em := cfg.Modules.EmbeddedMQTT
	return embeddedmqtt.Config{
		Listen:         em.Listen,
		AllowAnonymous: em.AllowAnonymous,
		Username:       em.Username,
		Password:       em.Password,
		TLS:            tlsconfig.Files{CA: em.TLSCA, Cert: em.TLSCert, Key: em.TLSKey},
		TopicBase:      cfg.Server.TopicBase,
	}
}

func embeddedListen(cfg rolld.Config) string {
	if cfg.Modules.EmbeddedMQTT.Listen == "" {
		return defaultEmbeddedListen
	}
	return cfg.Modules.EmbeddedMQTT.Listen
}

func embeddedBrokerURL(cfg rolld.Config) string {
	em := cfg.Modules.EmbeddedMQTT
	tlsEnabled := tlsconfig.Files{CA: em.TLSCA, Cert: em.TLSCert, Key: em.TLSKey}.Enabled()
	return embeddedmqtt.BrokerURL(embeddedListen(cfg), tlsEnabled)
}

func startEmbeddedBroker(ctx context.Context, cfg rolld.Config, logger *zap.Logger, cancel context.CancelFunc) error {
	mod, err := embeddedmqtt.NewModule(logger.With(zap.String("module", "embedded_mqtt")), embeddedConfig(cfg))
	if err != nil {
		return err
	}
	go func() {
		if err := mod.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("embedded mqtt exited", zap.Error(err))
			cancel()
		}
	}()
	return waitForListen(embeddedListen(cfg), 3*time.Second)
}

func waitForListen(listen string, timeout time.Duration) error {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return err
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	addr := net.JoinHostPort(host, port)
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("embedded mqtt not ready at %s", addr)
}
