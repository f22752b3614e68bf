package gallery

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrStopped is returned for mutations submitted after Run has returned.
var ErrStopped = errors.New("controller stopped")

// Config configures a Controller.
type Config struct {
	Sources         []Source
	ValidateWorkers int
}

// LoadResult is the completion of a submitted load.
type LoadResult struct {
	Index Index
	Err   error
}

// Controller owns the media index. Reads and Advance are served from memory;
// loads and deletes are queued and applied one at a time, in submission
// order, by the goroutine running Run.
type Controller struct {
	log    *zap.Logger
	store  Store
	config Config

	mu     sync.RWMutex
	items  []Record
	cursor int

	qmu     sync.Mutex
	queue   []op
	stopped bool
	wake    chan struct{}
}

type op struct {
	run   func()
	abort func(error)
	// claimed is set once the op starts or its waiter gives up, whichever
	// comes first.
	claimed *atomic.Bool
}

// NewController creates an empty controller over store.
func NewController(log *zap.Logger, store Store, cfg Config) (*Controller, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if store == nil {
		return nil, errors.New("store required")
	}
	if len(cfg.Sources) == 0 {
		cfg.Sources = DefaultSources()
	}
	if cfg.ValidateWorkers <= 0 {
		cfg.ValidateWorkers = 4
	}
	return &Controller{
		log:    log,
		store:  store,
		config: cfg,
		cursor: -1,
		wake:   make(chan struct{}, 1),
	}, nil
}

// Sources returns the configured default sources.
func (c *Controller) Sources() []Source {
	return append([]Source(nil), c.config.Sources...)
}

// Run applies queued mutations until ctx is done. Mutations still queued
// when Run returns complete with ErrStopped.
func (c *Controller) Run(ctx context.Context) error {
	for {
		if next, ok := c.dequeue(); ok {
			if next.claimed.CompareAndSwap(false, true) {
				next.run()
			}
			continue
		}
		select {
		case <-ctx.Done():
			c.stop()
			return nil
		case <-c.wake:
		}
	}
}

func (c *Controller) enqueue(o op) {
	c.qmu.Lock()
	if c.stopped {
		c.qmu.Unlock()
		o.abort(ErrStopped)
		return
	}
	c.queue = append(c.queue, o)
	c.qmu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) dequeue() (op, bool) {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	if len(c.queue) == 0 {
		return op{}, false
	}
	next := c.queue[0]
	c.queue = c.queue[1:]
	return next, true
}

func (c *Controller) stop() {
	c.qmu.Lock()
	c.stopped = true
	pending := c.queue
	c.queue = nil
	c.qmu.Unlock()
	for _, o := range pending {
		o.abort(ErrStopped)
	}
}

// SubmitLoad queues a load of sources and returns its completion.
func (c *Controller) SubmitLoad(ctx context.Context, sources []Source) <-chan LoadResult {
	out, _ := c.submitLoad(ctx, sources, nil)
	return out
}

// SubmitLoadAfter queues a load that first runs prepare on the owner
// goroutine, such as a store rescan. A prepare error is logged and the load
// still runs.
func (c *Controller) SubmitLoadAfter(ctx context.Context, sources []Source, prepare func(context.Context) error) <-chan LoadResult {
	out, _ := c.submitLoad(ctx, sources, prepare)
	return out
}

func (c *Controller) submitLoad(ctx context.Context, sources []Source, prepare func(context.Context) error) (<-chan LoadResult, *atomic.Bool) {
	out := make(chan LoadResult, 1)
	claimed := new(atomic.Bool)
	c.enqueue(op{
		run: func() {
			if prepare != nil && ctx.Err() == nil {
				if err := prepare(ctx); err != nil {
					c.log.Warn("pre-load refresh failed", zap.Error(err))
				}
			}
			idx, err := c.load(ctx, sources)
			out <- LoadResult{Index: idx, Err: err}
		},
		abort: func(err error) {
			out <- LoadResult{Err: err}
		},
		claimed: claimed,
	})
	return out, claimed
}

// SubmitDelete queues deletion of the current record and returns its completion.
func (c *Controller) SubmitDelete(ctx context.Context) <-chan DeleteResult {
	out, _ := c.submitDelete(ctx)
	return out
}

func (c *Controller) submitDelete(ctx context.Context) (<-chan DeleteResult, *atomic.Bool) {
	out := make(chan DeleteResult, 1)
	claimed := new(atomic.Bool)
	c.enqueue(op{
		run: func() {
			out <- c.deleteCurrent(ctx)
		},
		abort: func(err error) {
			out <- DeleteResult{Status: DeleteFailed, Err: err}
		},
		claimed: claimed,
	})
	return out, claimed
}

// LoadAll replaces the index with every (kind, directory) combination.
func (c *Controller) LoadAll(ctx context.Context, directories []string, kinds []Kind) (Index, error) {
	return c.LoadSources(ctx, SourcesFor(directories, kinds))
}

// Reload replaces the index from the configured sources.
func (c *Controller) Reload(ctx context.Context) (Index, error) {
	return c.LoadSources(ctx, c.config.Sources)
}

// LoadSources replaces the index from explicit sources and waits for
// completion. Once the load has started, its result is reported even if ctx
// ends meanwhile.
func (c *Controller) LoadSources(ctx context.Context, sources []Source) (Index, error) {
	out, claimed := c.submitLoad(ctx, sources, nil)
	select {
	case res := <-out:
		return res.Index, res.Err
	case <-ctx.Done():
		if claimed.CompareAndSwap(false, true) {
			return Index{}, ctx.Err()
		}
		res := <-out
		return res.Index, res.Err
	}
}

// DeleteCurrent deletes the current record and waits for completion. Once
// the delete has started, its result is reported even if ctx ends meanwhile.
func (c *Controller) DeleteCurrent(ctx context.Context) DeleteResult {
	out, claimed := c.submitDelete(ctx)
	select {
	case res := <-out:
		return res
	case <-ctx.Done():
		if claimed.CompareAndSwap(false, true) {
			return DeleteResult{Status: DeleteFailed, Err: ctx.Err()}
		}
		return <-out
	}
}

// Advance moves to the next record, wrapping after the last one.
func (c *Controller) Advance() Position {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.items) == 0 {
		return Position{}
	}
	c.cursor = (c.cursor + 1) % len(c.items)
	return c.positionLocked()
}

// Current returns the current position.
func (c *Controller) Current() Position {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.positionLocked()
}

// Snapshot returns a copy of the index.
func (c *Controller) Snapshot() Index {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked()
}

// Items returns a page of records and the total count.
func (c *Controller) Items(start int64, count int64) ([]Record, int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	page := paginate(c.items, start, count)
	return append([]Record(nil), page...), int64(len(c.items))
}

func (c *Controller) load(ctx context.Context, sources []Source) (Index, error) {
	if err := ctx.Err(); err != nil {
		return Index{}, err
	}
	started := time.Now()

	seen := make(map[Locator]struct{})
	merged := make([]Record, 0)
	for _, src := range sources {
		records, err := c.store.Query(ctx, src.Kind, src.Directory)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Index{}, ctxErr
			}
			c.log.Warn("media query failed",
				zap.String("kind", string(src.Kind)),
				zap.String("directory", src.Directory),
				zap.Error(err))
			continue
		}
		c.log.Debug("media query",
			zap.String("kind", string(src.Kind)),
			zap.String("directory", src.Directory),
			zap.Int("items", len(records)))
		for _, rec := range records {
			if _, dup := seen[rec.Locator]; dup {
				continue
			}
			seen[rec.Locator] = struct{}{}
			if rec.Kind == "" {
				rec.Kind = src.Kind
			}
			merged = append(merged, rec)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CapturedAt > merged[j].CapturedAt
	})

	valid, err := c.validate(ctx, merged)
	if err != nil {
		return Index{}, err
	}
	if err := ctx.Err(); err != nil {
		return Index{}, err
	}

	c.mu.Lock()
	c.items = valid
	c.cursor = -1
	if len(valid) > 0 {
		c.cursor = 0
	}
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	c.log.Info("media loaded",
		zap.Int("items", len(valid)),
		zap.Int("dropped", len(merged)-len(valid)),
		zap.Duration("elapsed", time.Since(started)))
	return snapshot, nil
}

// validate drops records whose locator can no longer be opened.
func (c *Controller) validate(ctx context.Context, records []Record) ([]Record, error) {
	keep := make([]bool, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.config.ValidateWorkers)
	for i, rec := range records {
		i, rec := i, rec
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			keep[i] = c.readable(gctx, rec)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]Record, 0, len(records))
	for i, rec := range records {
		if keep[i] {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (c *Controller) readable(ctx context.Context, rec Record) bool {
	rc, err := c.store.OpenForRead(ctx, rec.Locator)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrPermissionDenied) {
			c.log.Debug("dropping stale media", zap.String("locator", string(rec.Locator)), zap.Error(err))
		} else {
			c.log.Warn("media unreadable", zap.String("locator", string(rec.Locator)), zap.Error(err))
		}
		return false
	}
	_ = rc.Close()
	return true
}

func (c *Controller) deleteCurrent(ctx context.Context) DeleteResult {
	c.mu.RLock()
	if c.cursor < 0 || len(c.items) == 0 {
		c.mu.RUnlock()
		return DeleteResult{Status: DeleteNoSelection}
	}
	target := c.items[c.cursor]
	c.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return DeleteResult{Status: DeleteFailed, Err: err}
	}

	path, err := c.store.ResolvePath(ctx, target.Locator)
	if err != nil {
		c.log.Error("resolve media path failed", zap.String("locator", string(target.Locator)), zap.Error(err))
		return DeleteResult{Status: DeleteFailed, Err: err}
	}
	if err := c.store.Delete(ctx, path); err != nil {
		c.log.Error("delete media failed", zap.String("path", path), zap.Error(err))
		return DeleteResult{Status: DeleteFailed, Err: err}
	}
	c.log.Info("media deleted", zap.String("path", path))

	// The file is gone, so the rest must apply even if ctx is cancelled now.
	bg := context.WithoutCancel(ctx)
	c.notify(bg, path)
	if target.Kind == KindVideo {
		c.deleteSidecar(bg, path)
	}

	return DeleteResult{Status: DeleteDeleted, Deleted: target.Locator, Position: c.remove(target.Locator)}
}

func (c *Controller) deleteSidecar(ctx context.Context, mediaPath string) {
	sidecar := strings.TrimSuffix(mediaPath, filepath.Ext(mediaPath)) + ".txt"
	if err := c.store.Delete(ctx, sidecar); err != nil {
		c.log.Debug("sidecar not deleted", zap.String("path", sidecar), zap.Error(err))
		return
	}
	c.log.Debug("sidecar deleted", zap.String("path", sidecar))
	c.notify(ctx, sidecar)
}

func (c *Controller) notify(ctx context.Context, path string) {
	if err := c.store.NotifyChanged(ctx, path); err != nil {
		c.log.Warn("media change notification failed", zap.String("path", path), zap.Error(err))
	}
}

// remove drops the record with locator and keeps the cursor on the same
// logical position.
func (c *Controller) remove(locator Locator) Position {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := -1
	for i, rec := range c.items {
		if rec.Locator == locator {
			idx = i
			break
		}
	}
	if idx < 0 {
		return c.positionLocked()
	}

	next := make([]Record, 0, len(c.items)-1)
	next = append(next, c.items[:idx]...)
	next = append(next, c.items[idx+1:]...)
	c.items = next

	if len(c.items) == 0 {
		c.cursor = -1
		return Position{}
	}
	if idx < c.cursor {
		c.cursor--
	}
	if c.cursor >= len(c.items) {
		c.cursor = len(c.items) - 1
	}
	return c.positionLocked()
}

func (c *Controller) positionLocked() Position {
	if c.cursor < 0 || c.cursor >= len(c.items) {
		return Position{}
	}
	rec := c.items[c.cursor]
	return Position{
		Locator:     rec.Locator,
		Kind:        rec.Kind,
		Index:       c.cursor + 1,
		Total:       len(c.items),
		DisplayName: rec.DisplayName,
		CapturedAt:  rec.CapturedAt,
	}
}

func (c *Controller) snapshotLocked() Index {
	return Index{Items: append([]Record(nil), c.items...), Cursor: c.cursor}
}

func paginate[T any](items []T, start int64, count int64) []T {
	if start < 0 {
		start = 0
	}
	if count <= 0 {
		count = int64(len(items))
	}
	if start > int64(len(items)) {
		return nil
	}
	if count > int64(len(items))-start {
		count = int64(len(items)) - start
	}
	return items[start : start+count]
}
