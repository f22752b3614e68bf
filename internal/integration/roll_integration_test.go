//go:build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/mikey-austin/glassroll/internal/adapters/clock"
	"github.com/mikey-austin/glassroll/internal/adapters/idgen"
	"github.com/mikey-austin/glassroll/internal/adapters/mediastore"
	"github.com/mikey-austin/glassroll/internal/adapters/mqtt"
	"github.com/mikey-austin/glassroll/internal/adapters/mqttserver"
	"github.com/mikey-austin/glassroll/internal/core"
	"github.com/mikey-austin/glassroll/internal/gallery"
	embeddedmqtt "github.com/mikey-austin/glassroll/internal/modules/embedded_mqtt"
	gallerynode "github.com/mikey-austin/glassroll/internal/modules/gallery_node"
	"github.com/mikey-austin/glassroll/pkg/roll"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

var (
	rollBinOnce sync.Once
	rollBinPath string
	rollBinErr  error
)

type integrationOptions struct {
	allowAnonymous bool
	username       string
	password       string
}

type integrationHarness struct {
	ctx         context.Context
	logger      *zap.Logger
	brokerURL   string
	galleryNode string
	root        string
	client      *mqtt.Client
	service     core.Service
}

func TestGalleryIntegration(t *testing.T) {
	h := setupIntegration(t)
	ctx := h.ctx

	nodes, err := h.service.ListNodes(ctx, roll.NodeKindGallery)
	if err != nil {
		t.Fatalf("list nodes: %v", err)
	}
	if len(nodes.Nodes) != 1 || nodes.Nodes[0].NodeID != h.galleryNode {
		t.Fatalf("expected gallery node %s, got %+v", h.galleryNode, nodes.Nodes)
	}

	loaded := h.load(t, nil, nil)
	if loaded.Position.Index != 1 || loaded.Position.Total != 3 {
		t.Fatalf("unexpected position after load: %+v", loaded.Position)
	}
	if loaded.Position.DisplayName != "IMG_3.jpg" {
		t.Fatalf("expected newest first, got %s", loaded.Position.DisplayName)
	}

	next, err := h.service.Next(ctx, "")
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if next.Position.Index != 2 || next.Position.DisplayName != "VID_1.mp4" {
		t.Fatalf("unexpected position after next: %+v", next.Position)
	}

	resp, err := http.Get(next.Position.MediaURL)
	if err != nil {
		t.Fatalf("get media: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected media 200, got %d", resp.StatusCode)
	}

	list, err := h.service.List(ctx, "", 0, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list.List.Items) != 3 || !list.List.Items[1].Current {
		t.Fatalf("unexpected list: %+v", list.List)
	}

	deleted, err := h.service.Delete(ctx, "")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted.Position.Total != 2 || deleted.Position.DisplayName != "IMG_1.jpg" {
		t.Fatalf("unexpected position after delete: %+v", deleted.Position)
	}
	if _, err := os.Stat(filepath.Join(h.root, "Movies", "Camera", "VID_1.mp4")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected video removed from storage, got %v", err)
	}

	status, err := h.service.Status(ctx, "")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.State.Counter != "2/2" {
		t.Fatalf("unexpected counter %q", status.State.Counter)
	}
}

func TestLoadByKindAndDirectory(t *testing.T) {
	h := setupIntegration(t)

	videos := h.load(t, nil, []string{"video"})
	if videos.Position.Total != 1 || videos.Position.Kind != string(gallery.KindVideo) {
		t.Fatalf("unexpected video load: %+v", videos.Position)
	}

	camera := h.load(t, []string{"DCIM/Camera"}, nil)
	if camera.Position.Total != 1 || camera.Position.DisplayName != "IMG_1.jpg" {
		t.Fatalf("unexpected directory load: %+v", camera.Position)
	}
}

func TestInvalidCommandReturnsError(t *testing.T) {
	h := setupIntegration(t)

	cmd, err := roll.NewCommand("gallery.unknown", struct{}{})
	if err != nil {
		t.Fatalf("build command: %v", err)
	}
	reply := publishCommand(t, h, decorateCommand(h, cmd))
	if reply.Err == nil || reply.Err.Code != roll.CodeInvalid {
		t.Fatalf("expected INVALID, got %+v", reply.Err)
	}
}

func TestDeleteWithoutSelection(t *testing.T) {
	h := setupIntegration(t)

	h.load(t, []string{"Empty"}, nil)
	_, err := h.service.Delete(h.ctx, "")
	if code := core.ExitCode(err); code != core.ExitNotFound {
		t.Fatalf("expected not found exit code, got %d (%v)", code, err)
	}
}

func TestRollCLIIntegration(t *testing.T) {
	h := setupIntegration(t)
	rollPath := rollBinary(t)
	env := cliEnv(t)
	baseArgs := []string{
		"--broker", h.brokerURL,
		"--topic-base", roll.BaseTopic,
		"--identity", "integration-cli",
		"--timeout", "3s",
	}

	out := runRoll(t, rollPath, env, append(baseArgs, "--json", "ls", "--kind", roll.NodeKindGallery)...)
	var nodes core.NodesResult
	decodeJSON(t, out, &nodes)
	if len(nodes.Nodes) != 1 || nodes.Nodes[0].NodeID != h.galleryNode {
		t.Fatalf("expected gallery node %s, got %+v", h.galleryNode, nodes.Nodes)
	}

	out = runRoll(t, rollPath, env, append(baseArgs, "--json", "load", h.galleryNode)...)
	var pos core.PositionResult
	decodeJSON(t, out, &pos)
	if pos.Position.Total != 3 {
		t.Fatalf("unexpected load output: %+v", pos.Position)
	}

	out = runRoll(t, rollPath, env, append(baseArgs, "--json", "next")...)
	decodeJSON(t, out, &pos)
	if pos.Position.Index != 2 {
		t.Fatalf("unexpected next output: %+v", pos.Position)
	}

	runRoll(t, rollPath, env, append(baseArgs, "delete", "--yes")...)
	out = runRoll(t, rollPath, env, append(baseArgs, "--json", "current")...)
	decodeJSON(t, out, &pos)
	if pos.Position.Total != 2 {
		t.Fatalf("unexpected position after delete: %+v", pos.Position)
	}
}

func TestEmbeddedMQTTAuth(t *testing.T) {
	h := setupIntegrationWithOptions(t, integrationOptions{
		allowAnonymous: false,
		username:       "rolluser",
		password:       "rollpass",
	})

	_, err := mqtt.NewClient(mqtt.Options{
		BrokerURL: h.brokerURL,
		ClientID:  "roll-int-unauth-" + idgen.Generator{}.NewID(),
		TopicBase: roll.BaseTopic,
		Timeout:   500 * time.Millisecond,
	})
	if err == nil {
		t.Fatalf("expected unauthenticated connection to fail")
	}

	if _, err := h.service.ListNodes(h.ctx, roll.NodeKindGallery); err != nil {
		t.Fatalf("authenticated list nodes: %v", err)
	}
}

func setupIntegration(t *testing.T) *integrationHarness {
	return setupIntegrationWithOptions(t, integrationOptions{allowAnonymous: true})
}

func setupIntegrationWithOptions(t *testing.T, opts integrationOptions) *integrationHarness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	logger := testLogger(t)
	listen := freeListenAddr(t)
	brokerURL := embeddedmqtt.BrokerURL(listen, false)

	mqttModule, err := embeddedmqtt.NewModule(logger.Named("broker"), embeddedmqtt.Config{
		Listen:         listen,
		AllowAnonymous: opts.allowAnonymous,
		Username:       opts.username,
		Password:       opts.password,
	})
	if err != nil {
		t.Fatalf("embedded mqtt module: %v", err)
	}
	runModule(t, ctx, "embedded_mqtt", mqttModule.Run)
	waitForBrokerReady(t, listen)

	root := seedMedia(t)
	store, err := mediastore.Open(ctx, mediastore.Options{Path: ":memory:", Root: root, Mode: mediastore.ModeModern})
	if err != nil {
		t.Fatalf("open media store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	serverClient := waitForMQTTServerClient(t, brokerURL, opts.username, opts.password)
	galleryNode := fmt.Sprintf("roll:gallery:integration:%s", idgen.Generator{}.NewID())
	galleryModule, err := gallerynode.NewModule(logger.Named("gallery"), serverClient, store, nil, gallerynode.Config{
		NodeID:     galleryNode,
		TopicBase:  roll.BaseTopic,
		Name:       "Integration Glasses",
		HTTPListen: "127.0.0.1:0",
		Sources: []gallery.Source{
			{Kind: gallery.KindImage, Directory: "DCIM/Camera"},
			{Kind: gallery.KindImage, Directory: "Pictures"},
			{Kind: gallery.KindVideo, Directory: "Movies/Camera"},
		},
	})
	if err != nil {
		t.Fatalf("gallery module: %v", err)
	}
	runModule(t, ctx, "gallery", galleryModule.Run)

	client := waitForMQTTClient(t, brokerURL, opts.username, opts.password)
	t.Cleanup(client.Close)
	cfg := core.Config{
		Identity:  "integration",
		TopicBase: roll.BaseTopic,
		Defaults:  core.Defaults{Gallery: galleryNode},
	}
	service := core.Service{
		Broker:   client,
		Resolver: core.Resolver{Presence: client, Config: cfg},
		Clock:    clock.Clock{},
		IDGen:    idgen.Generator{},
		Config:   cfg,
	}

	h := &integrationHarness{
		ctx:         ctx,
		logger:      logger,
		brokerURL:   brokerURL,
		galleryNode: galleryNode,
		root:        root,
		client:      client,
		service:     service,
	}
	waitForPresence(t, client, galleryNode)
	waitForCommands(t, h)
	return h
}

func (h *integrationHarness) load(t *testing.T, dirs []string, kinds []string) core.PositionResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
	defer cancel()
	result, err := h.service.Load(ctx, "", dirs, kinds, false)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return result
}

func seedMedia(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	base := time.Unix(1700000000, 0)
	files := map[string]time.Time{
		"DCIM/Camera/IMG_1.jpg":   base.Add(1 * time.Minute),
		"Movies/Camera/VID_1.mp4": base.Add(2 * time.Minute),
		"Pictures/IMG_3.jpg":      base.Add(3 * time.Minute),
	}
	for rel, modified := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte("media "+rel), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := os.Chtimes(p, modified, modified); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}
	return root
}

func runModule(t *testing.T, ctx context.Context, name string, run func(context.Context) error) {
	t.Helper()
	errCh := make(chan error, 1)
	go func() {
		errCh <- run(ctx)
	}()
	t.Cleanup(func() {
		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, context.Canceled) {
				t.Errorf("%s module failed: %v", name, err)
			}
		case <-time.After(500 * time.Millisecond):
		}
	})
}

func waitForMQTTClient(t *testing.T, brokerURL string, username string, password string) *mqtt.Client {
	t.Helper()
	gen := idgen.Generator{}
	var lastErr error
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		client, err := mqtt.NewClient(mqtt.Options{
			BrokerURL: brokerURL,
			ClientID:  "roll-int-" + gen.NewID(),
			TopicBase: roll.BaseTopic,
			Timeout:   2 * time.Second,
			Username:  username,
			Password:  password,
		})
		if err == nil {
			return client
		}
		lastErr = err
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("connect roll client: %v", lastErr)
	return nil
}

func waitForMQTTServerClient(t *testing.T, brokerURL string, username string, password string) *mqttserver.Client {
	t.Helper()
	gen := idgen.Generator{}
	var lastErr error
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		client, err := mqttserver.NewClient(mqttserver.Options{
			BrokerURL: brokerURL,
			ClientID:  "rolld-int-" + gen.NewID(),
			Timeout:   2 * time.Second,
			Username:  username,
			Password:  password,
		})
		if err == nil {
			t.Cleanup(client.Close)
			return client
		}
		lastErr = err
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("connect mqtt server client: %v", lastErr)
	return nil
}

func waitForPresence(t *testing.T, client *mqtt.Client, nodeID string) {
	t.Helper()
	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) {
		presence, err := client.ListPresence(context.Background())
		if err == nil {
			for _, p := range presence {
				if p.NodeID == nodeID {
					return
				}
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for presence: %s", nodeID)
}

// waitForCommands blocks until the node answers on its command topic.
func waitForCommands(t *testing.T, h *integrationHarness) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var lastErr error
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(h.ctx, 300*time.Millisecond)
		_, err := h.service.Current(ctx, "")
		cancel()
		if err == nil {
			return
		}
		lastErr = err
	}
	t.Fatalf("gallery node not answering: %v", lastErr)
}

func freeListenAddr(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		if errors.Is(err, syscall.EPERM) || strings.Contains(err.Error(), "operation not permitted") {
			t.Skip("network listen not permitted in this environment")
		}
		t.Fatalf("listen: %v", err)
	}
	addr := listener.Addr().String()
	if err := listener.Close(); err != nil {
		t.Fatalf("close listener: %v", err)
	}
	return addr
}

func waitForBrokerReady(t *testing.T, listen string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	var lastErr error
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", listen, 200*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return
		}
		if errors.Is(err, syscall.EPERM) || strings.Contains(err.Error(), "operation not permitted") {
			t.Skip("network dial not permitted in this environment")
		}
		lastErr = err
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("broker not ready: %v", lastErr)
}

func publishCommand(t *testing.T, h *integrationHarness, cmd roll.CommandEnvelope) roll.ReplyEnvelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(h.ctx, 3*time.Second)
	defer cancel()
	h.logger.Debug("publish command", zap.String("type", cmd.Type), zap.String("id", cmd.ID))
	reply, err := h.client.PublishCommand(ctx, h.galleryNode, cmd)
	if err != nil {
		t.Fatalf("publish command: %v", err)
	}
	return reply
}

func decorateCommand(h *integrationHarness, cmd roll.CommandEnvelope) roll.CommandEnvelope {
	cmd.ID = idgen.Generator{}.NewID()
	cmd.TS = time.Now().Unix()
	cmd.From = "integration"
	cmd.ReplyTo = h.client.ReplyTopic()
	return cmd
}

func testLogger(t *testing.T) *zap.Logger {
	if v := os.Getenv("ROLL_INTEGRATION_DEBUG"); v == "1" || strings.EqualFold(v, "true") {
		return zaptest.NewLogger(t)
	}
	return zap.NewNop()
}

func decodeJSON(t *testing.T, payload string, dest any) {
	t.Helper()
	if err := json.Unmarshal([]byte(payload), dest); err != nil {
		t.Fatalf("decode json: %v\npayload: %s", err, payload)
	}
}

func runRoll(t *testing.T, rollPath string, env []string, args ...string) string {
	t.Helper()
	cmd := exec.Command(rollPath, args...)
	cmd.Env = env
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		t.Fatalf("roll %s failed: %v\nstderr: %s", strings.Join(args, " "), err, stderr.String())
	}
	return stdout.String()
}

func cliEnv(t *testing.T) []string {
	t.Helper()
	env := append([]string{}, os.Environ()...)
	env = append(env, "XDG_CONFIG_HOME="+t.TempDir())
	env = append(env, "XDG_STATE_HOME="+t.TempDir())
	return env
}

func rollBinary(t *testing.T) string {
	t.Helper()
	rollBinOnce.Do(func() {
		dir, err := os.MkdirTemp("", "roll-cli-bin-*")
		if err != nil {
			rollBinErr = err
			return
		}
		binPath := filepath.Join(dir, "roll")
		cmd := exec.Command("go", "build", "-o", binPath, "./cmd/roll")
		cmd.Dir = repoRoot(t)
		output, err := cmd.CombinedOutput()
		if err != nil {
			rollBinErr = fmt.Errorf("build roll: %w: %s", err, strings.TrimSpace(string(output)))
			return
		}
		rollBinPath = binPath
	})
	if rollBinErr != nil {
		t.Fatalf("build roll binary: %v", rollBinErr)
	}
	return rollBinPath
}

func repoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatalf("repo root not found from %s", dir)
		}
		dir = parent
	}
}
