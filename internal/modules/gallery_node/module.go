package gallerynode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/mikey-austin/glassroll/internal/adapters/mediastore"
	"github.com/mikey-austin/glassroll/internal/adapters/mqttserver"
	"github.com/mikey-austin/glassroll/internal/gallery"
	"github.com/mikey-austin/glassroll/pkg/roll"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type mqttClient interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Subscribe(topic string, qos byte, handler paho.MessageHandler) error
	Unsubscribe(topic string) error
}

// Store is the media store the node serves from.
type Store interface {
	gallery.Store
	Scan(ctx context.Context) (mediastore.ScanStats, error)
	MimeType(ctx context.Context, locator gallery.Locator) (string, error)
}

// Surface renders the current record on the device.
type Surface interface {
	Show(url string, kind gallery.Kind) error
	Clear() error
	Progress() (int64, int64, bool)
}

// Config configures the gallery node.
type Config struct {
	NodeID             string
	TopicBase          string
	Name               string
	HTTPListen         string
	PublicURL          string
	ScanIntervalMS     int64
	LoadOnStart        bool
	Sources            []gallery.Source
	ValidateWorkers    int
	ThumbSize          int
	CommandTimeout     time.Duration
	ProgressIntervalMS int64
}

// Module exposes a media index over MQTT and HTTP.
type Module struct {
	log        *zap.Logger
	client     mqttClient
	store      Store
	surface    Surface
	controller *gallery.Controller
	config     Config
	cmdTopic   string

	runCtx   context.Context
	revision atomic.Int64
	loading  atomic.Int32

	surfaceMu sync.Mutex
	mu        sync.RWMutex
	baseURL   string
	progress  string
	shown     gallery.Locator
	showing   bool
	server    *http.Server
	ln        net.Listener
}

// NewModule creates a gallery node. surface may be nil.
func NewModule(log *zap.Logger, client *mqttserver.Client, store Store, surface Surface, cfg Config) (*Module, error) {
	return newModule(log, client, store, surface, cfg)
}

func newModule(log *zap.Logger, client mqttClient, store Store, surface Surface, cfg Config) (*Module, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if strings.TrimSpace(cfg.NodeID) == "" {
		return nil, errors.New("node_id required")
	}
	if store == nil {
		return nil, errors.New("media store required")
	}
	if strings.TrimSpace(cfg.TopicBase) == "" {
		cfg.TopicBase = roll.BaseTopic
	}
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = "Glasses Gallery"
	}
	if strings.TrimSpace(cfg.HTTPListen) == "" {
		cfg.HTTPListen = "127.0.0.1:0"
	}
	if cfg.ScanIntervalMS <= 0 {
		cfg.ScanIntervalMS = int64((5 * time.Minute) / time.Millisecond)
	}
	if cfg.ThumbSize <= 0 {
		cfg.ThumbSize = 320
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 30 * time.Second
	}
	if cfg.ProgressIntervalMS <= 0 {
		cfg.ProgressIntervalMS = 1000
	}

	controller, err := gallery.NewController(log.With(zap.String("component", "controller")), store, gallery.Config{
		Sources:         cfg.Sources,
		ValidateWorkers: cfg.ValidateWorkers,
	})
	if err != nil {
		return nil, err
	}

	m := &Module{
		log:        log,
		client:     client,
		store:      store,
		surface:    surface,
		controller: controller,
		config:     cfg,
		cmdTopic:   roll.TopicCommands(cfg.TopicBase, cfg.NodeID),
		runCtx:     context.Background(),
	}
	return m, nil
}

// Run starts the module and blocks until ctx is done.
func (m *Module) Run(ctx context.Context) error {
	m.runCtx = ctx
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.controller.Run(gctx)
	})
	g.Go(func() error {
		return m.serve(gctx)
	})
	return g.Wait()
}

func (m *Module) serve(ctx context.Context) error {
	if err := m.publishPresence(); err != nil {
		return err
	}
	if err := m.startHTTPServer(); err != nil {
		return err
	}
	defer m.shutdownHTTPServer()

	if _, err := m.store.Scan(ctx); err != nil {
		m.log.Warn("initial scan failed", zap.Error(err))
	}
	if m.config.LoadOnStart {
		if _, err := m.controller.Reload(ctx); err != nil {
			m.log.Warn("initial load failed", zap.Error(err))
		}
		m.refreshSurface()
	}
	if err := m.publishState(); err != nil {
		m.log.Warn("publish state failed", zap.Error(err))
	}

	handler := func(_ paho.Client, msg paho.Message) {
		m.handleMessage(msg)
	}
	if err := m.client.Subscribe(m.cmdTopic, 1, handler); err != nil {
		return err
	}
	defer m.client.Unsubscribe(m.cmdTopic)

	scan := time.NewTicker(time.Duration(m.config.ScanIntervalMS) * time.Millisecond)
	defer scan.Stop()
	progress := time.NewTicker(time.Duration(m.config.ProgressIntervalMS) * time.Millisecond)
	defer progress.Stop()

	for {
		select {
		case <-ctx.Done():
			m.clearPresence()
			return nil
		case <-scan.C:
			if _, err := m.store.Scan(ctx); err != nil && ctx.Err() == nil {
				m.log.Warn("scan failed", zap.Error(err))
			}
		case <-progress.C:
			m.updateProgress()
		}
	}
}

func (m *Module) publishPresence() error {
	presence := roll.Presence{
		NodeID: m.config.NodeID,
		Kind:   roll.NodeKindGallery,
		Name:   m.config.Name,
		Caps: map[string]any{
			"delete":  true,
			"thumb":   true,
			"surface": m.surface != nil,
		},
		TS: time.Now().Unix(),
	}
	payload, err := json.Marshal(presence)
	if err != nil {
		return err
	}
	return m.client.Publish(roll.TopicPresence(m.config.TopicBase, m.config.NodeID), 1, true, payload)
}

// clearPresence removes the retained presence so the node drops out of discovery.
func (m *Module) clearPresence() {
	if err := m.client.Publish(roll.TopicPresence(m.config.TopicBase, m.config.NodeID), 1, true, nil); err != nil {
		m.log.Debug("clear presence failed", zap.Error(err))
	}
}

func (m *Module) publishState() error {
	pos := m.controller.Current()
	m.mu.RLock()
	progress := m.progress
	m.mu.RUnlock()
	if pos.Kind != gallery.KindVideo {
		progress = ""
	}

	state := roll.GalleryState{
		Position: m.wirePosition(pos),
		Counter:  pos.Counter(),
		Loading:  m.loading.Load() > 0,
		Progress: progress,
		Revision: m.revision.Add(1),
		TS:       time.Now().Unix(),
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return m.client.Publish(roll.TopicState(m.config.TopicBase, m.config.NodeID), 1, true, payload)
}

func (m *Module) publishEvent(eventType string, pos gallery.Position) {
	wire := m.wirePosition(pos)
	payload, err := json.Marshal(roll.Event{Type: eventType, Position: &wire, TS: time.Now().Unix()})
	if err != nil {
		return
	}
	if err := m.client.Publish(roll.TopicEvents(m.config.TopicBase, m.config.NodeID), 1, false, payload); err != nil {
		m.log.Debug("publish event failed", zap.String("event", eventType), zap.Error(err))
	}
}

func (m *Module) handleMessage(msg paho.Message) {
	var cmd roll.CommandEnvelope
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		m.log.Warn("invalid command", zap.Error(err))
		return
	}
	if err := roll.ValidateCommandEnvelope(cmd); err != nil {
		m.publishReply(cmd.ReplyTo, errorReply(cmd, roll.CodeInvalid, err.Error()))
		return
	}
	if roll.CommandMutates(cmd.Type) {
		m.log.Info("command", zap.String("type", cmd.Type), zap.String("from", cmd.From), zap.String("id", cmd.ID))
	}

	// Mutations are submitted here, on the delivery goroutine, so they reach
	// the controller in arrival order; only the wait happens asynchronously.
	switch cmd.Type {
	case roll.CmdGalleryLoad:
		m.handleLoad(cmd)
	case roll.CmdGalleryDelete:
		m.handleDelete(cmd)
	default:
		m.publishReply(cmd.ReplyTo, m.dispatch(cmd))
	}
}

func (m *Module) publishReply(replyTo string, reply roll.ReplyEnvelope) {
	if replyTo == "" {
		return
	}
	payload, err := json.Marshal(reply)
	if err != nil {
		m.log.Error("marshal reply", zap.Error(err))
		return
	}
	if err := m.client.Publish(replyTo, 1, false, payload); err != nil {
		m.log.Error("publish reply", zap.Error(err))
	}
}

func (m *Module) dispatch(cmd roll.CommandEnvelope) roll.ReplyEnvelope {
	reply := roll.ReplyEnvelope{
		ID:   cmd.ID,
		Type: "ack",
		OK:   true,
		TS:   time.Now().Unix(),
	}
	switch cmd.Type {
	case roll.CmdGalleryNext:
		pos := m.controller.Advance()
		m.afterChange()
		return withBody(reply, roll.PositionReply{Position: m.wirePosition(pos)})
	case roll.CmdGalleryCurrent:
		return withBody(reply, roll.PositionReply{Position: m.wirePosition(m.controller.Current())})
	case roll.CmdGalleryList:
		return m.galleryList(cmd, reply)
	default:
		return errorReply(cmd, roll.CodeInvalid, "unsupported command")
	}
}

func (m *Module) galleryList(cmd roll.CommandEnvelope, reply roll.ReplyEnvelope) roll.ReplyEnvelope {
	var body roll.GalleryListBody
	if len(cmd.Body) > 0 {
		if err := json.Unmarshal(cmd.Body, &body); err != nil {
			return errorReply(cmd, roll.CodeInvalid, "invalid body")
		}
	}
	if body.Start < 0 {
		body.Start = 0
	}
	if body.Count <= 0 {
		body.Count = 50
	}

	records, total := m.controller.Items(body.Start, body.Count)
	current := m.controller.Current()
	items := make([]roll.GalleryItem, 0, len(records))
	for i, rec := range records {
		items = append(items, roll.GalleryItem{
			Index:       body.Start + int64(i) + 1,
			Locator:     string(rec.Locator),
			Kind:        string(rec.Kind),
			DisplayName: rec.DisplayName,
			CapturedAt:  rec.CapturedAt,
			Current:     rec.Locator == current.Locator,
		})
	}
	return withBody(reply, roll.GalleryListReply{Items: items, Start: body.Start, Count: int64(len(items)), Total: total})
}

func (m *Module) handleLoad(cmd roll.CommandEnvelope) {
	var body roll.GalleryLoadBody
	if err := json.Unmarshal(cmd.Body, &body); err != nil {
		m.publishReply(cmd.ReplyTo, errorReply(cmd, roll.CodeInvalid, "invalid body"))
		return
	}
	sources, err := m.sourcesFor(body)
	if err != nil {
		m.publishReply(cmd.ReplyTo, errorReply(cmd, roll.CodeInvalid, err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(m.runCtx, m.config.CommandTimeout)
	m.loading.Add(1)
	var prepare func(context.Context) error
	if body.Rescan {
		prepare = func(ctx context.Context) error {
			_, err := m.store.Scan(ctx)
			return err
		}
	}
	done := m.controller.SubmitLoadAfter(ctx, sources, prepare)
	go func() {
		defer cancel()
		m.finishLoad(cmd, <-done)
	}()
}

func (m *Module) finishLoad(cmd roll.CommandEnvelope, res gallery.LoadResult) {
	m.loading.Add(-1)
	if res.Err != nil {
		m.log.Warn("load failed", zap.Error(res.Err))
		m.publishReply(cmd.ReplyTo, errorReply(cmd, roll.CodeUnavailable, res.Err.Error()))
		_ = m.publishState()
		return
	}
	pos := m.controller.Current()
	m.afterChange()
	m.publishEvent("gallery.loaded", pos)

	reply := roll.ReplyEnvelope{ID: cmd.ID, Type: "ack", OK: true, TS: time.Now().Unix()}
	m.publishReply(cmd.ReplyTo, withBody(reply, roll.PositionReply{Position: m.wirePosition(pos)}))
}

func (m *Module) handleDelete(cmd roll.CommandEnvelope) {
	ctx, cancel := context.WithTimeout(m.runCtx, m.config.CommandTimeout)
	done := m.controller.SubmitDelete(ctx)
	go func() {
		defer cancel()
		m.finishDelete(cmd, <-done)
	}()
}

func (m *Module) finishDelete(cmd roll.CommandEnvelope, res gallery.DeleteResult) {
	switch res.Status {
	case gallery.DeleteNoSelection:
		m.publishReply(cmd.ReplyTo, errorReply(cmd, roll.CodeNoSelection, "nothing selected"))
		return
	case gallery.DeleteFailed:
		msg := "delete failed"
		if res.Err != nil {
			msg = fmt.Sprintf("delete failed: %v", res.Err)
		}
		m.publishReply(cmd.ReplyTo, errorReply(cmd, roll.CodeDeleteFailed, msg))
		return
	}

	m.afterChange()
	m.publishEvent("gallery.deleted", res.Position)
	reply := roll.ReplyEnvelope{ID: cmd.ID, Type: "ack", OK: true, TS: time.Now().Unix()}
	m.publishReply(cmd.ReplyTo, withBody(reply, roll.DeleteReply{
		Deleted:  string(res.Deleted),
		Position: m.wirePosition(res.Position),
	}))
}

// sourcesFor turns a load body into query pairs. Kinds without directories
// narrow the configured sources; directories without kinds use both kinds.
func (m *Module) sourcesFor(body roll.GalleryLoadBody) ([]gallery.Source, error) {
	kinds := make([]gallery.Kind, 0, len(body.Kinds))
	for _, value := range body.Kinds {
		kind, err := gallery.ParseKind(value)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, kind)
	}

	dirs := make([]string, 0, len(body.Directories))
	for _, dir := range body.Directories {
		if strings.TrimSpace(dir) != "" {
			dirs = append(dirs, strings.TrimSpace(dir))
		}
	}

	if len(dirs) == 0 {
		sources := m.controller.Sources()
		if len(kinds) == 0 {
			return sources, nil
		}
		out := make([]gallery.Source, 0, len(sources))
		for _, src := range sources {
			for _, kind := range kinds {
				if src.Kind == kind {
					out = append(out, src)
					break
				}
			}
		}
		return out, nil
	}
	if len(kinds) == 0 {
		kinds = []gallery.Kind{gallery.KindImage, gallery.KindVideo}
	}
	return gallery.SourcesFor(dirs, kinds), nil
}

// afterChange pushes the new position to the surface and retained state.
func (m *Module) afterChange() {
	m.refreshSurface()
	if err := m.publishState(); err != nil {
		m.log.Warn("publish state failed", zap.Error(err))
	}
}

func (m *Module) refreshSurface() {
	if m.surface == nil {
		return
	}
	// Serializes read-then-show so a stale position never overwrites a newer one.
	m.surfaceMu.Lock()
	defer m.surfaceMu.Unlock()
	pos := m.controller.Current()

	m.mu.Lock()
	if m.showing == !pos.IsEmpty() && m.shown == pos.Locator {
		m.mu.Unlock()
		return
	}
	m.shown = pos.Locator
	m.showing = !pos.IsEmpty()
	m.progress = ""
	m.mu.Unlock()

	if pos.IsEmpty() {
		if err := m.surface.Clear(); err != nil {
			m.log.Warn("surface clear failed", zap.Error(err))
		}
		return
	}
	if err := m.surface.Show(m.mediaURL(pos.Locator), pos.Kind); err != nil {
		m.log.Warn("surface show failed", zap.String("locator", string(pos.Locator)), zap.Error(err))
	}
}

func (m *Module) updateProgress() {
	if m.surface == nil {
		return
	}
	posMS, durMS, ok := m.surface.Progress()
	if !ok || durMS <= 0 {
		return
	}
	text := FormatDuration(posMS) + " / " + FormatDuration(durMS)

	m.mu.Lock()
	changed := text != m.progress
	m.progress = text
	m.mu.Unlock()

	if changed {
		_ = m.publishState()
	}
}

func (m *Module) wirePosition(pos gallery.Position) roll.Position {
	if pos.IsEmpty() {
		return roll.Position{}
	}
	wire := roll.Position{
		Locator:     string(pos.Locator),
		Kind:        string(pos.Kind),
		Index:       int64(pos.Index),
		Total:       int64(pos.Total),
		DisplayName: pos.DisplayName,
		CapturedAt:  pos.CapturedAt,
		MediaURL:    m.mediaURL(pos.Locator),
	}
	if pos.Kind == gallery.KindImage {
		wire.ThumbURL = m.thumbURL(pos.Locator)
	}
	return wire
}

func withBody(reply roll.ReplyEnvelope, body any) roll.ReplyEnvelope {
	payload, err := json.Marshal(body)
	if err != nil {
		reply.OK = false
		reply.Type = "error"
		reply.Err = &roll.ReplyError{Code: roll.CodeInvalid, Message: err.Error()}
		return reply
	}
	reply.Body = payload
	return reply
}

func errorReply(cmd roll.CommandEnvelope, code string, message string) roll.ReplyEnvelope {
	return roll.ReplyEnvelope{
		ID:   cmd.ID,
		Type: "error",
		OK:   false,
		TS:   time.Now().Unix(),
		Err:  &roll.ReplyError{Code: code, Message: message},
	}
}
