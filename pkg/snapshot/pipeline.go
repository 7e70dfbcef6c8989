// Package snapshot turns a subject into a cached, stitched JPEG:
// cache check, render, slice, compose, store.
package snapshot

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/entrhq/charsnap/pkg/browser"
	"github.com/entrhq/charsnap/pkg/cache"
	"github.com/entrhq/charsnap/pkg/compose"
	"github.com/entrhq/charsnap/pkg/logging"
	"github.com/entrhq/charsnap/pkg/render"
	"github.com/entrhq/charsnap/pkg/resolver"
	"github.com/entrhq/charsnap/pkg/tiles"
)

const (
	DefaultMaxAge        = 24 * time.Hour
	DefaultURLTemplate   = "https://homdgcat.wiki/sr/char?lang={lang}#_{id}"
	DefaultLang          = "CH"
	DefaultViewportWidth = 600
	DefaultOverlap       = 50
	DefaultRenderTimeout = 3 * time.Minute
)

// Artifact is a composed snapshot, fresh or from the cache.
type Artifact struct {
	Name       string
	Identifier string
	Data       []byte

	// Path is empty when the artifact could not be stored.
	Path      string
	CreatedAt time.Time
	FromCache bool
}

// Base64 returns the standard base64 encoding of the image.
func (a *Artifact) Base64() string {
	return base64.StdEncoding.EncodeToString(a.Data)
}

// Cache is the subset of the on-disk store the pipeline needs.
type Cache interface {
	Lookup(key string, maxAge time.Duration) (*cache.Entry, bool)
	Put(key string, data []byte) (*cache.Entry, error)
}

// Renderer captures the content region of a target page.
type Renderer interface {
	Render(ctx context.Context, target render.Target) (*render.Capture, error)
}

// Compositor stitches a raster according to a tiling plan.
type Compositor interface {
	Compose(raster []byte, plan tiles.Plan) ([]byte, error)
}

// EngineState reports whether the browser engine can take renders.
type EngineState interface {
	State() browser.State
	Err() error
}

// Observer receives pipeline events; pkg/metrics implements it.
type Observer interface {
	CacheResult(hit bool)
	StageCompleted(stage string, d time.Duration)
	Failed(kind, stage string)
}

type nopObserver struct{}

func (nopObserver) CacheResult(bool) {}

func (nopObserver) StageCompleted(string, time.Duration) {}

func (nopObserver) Failed(string, string) {}

// Options configures a Pipeline.
type Options struct {
	Cache      Cache
	Renderer   Renderer
	Compositor Compositor

	// Resolver maps names to identifiers for SnapshotByName.
	Resolver resolver.Resolver

	// Engine, when set, gates renders on bootstrap completion.
	Engine EngineState

	// MaxAge is how long a cached snapshot is served.
	MaxAge time.Duration

	URLTemplate   string
	Lang          string
	ViewportWidth int

	// AspectW and AspectH shape one tile: SliceHeight = width*AspectH/AspectW.
	AspectW int
	AspectH int
	Overlap int

	// MaxConcurrentRenders bounds renders in flight across all subjects.
	MaxConcurrentRenders int

	// RenderTimeout bounds one shared render, slot wait included. It is
	// independent of the callers waiting on it.
	RenderTimeout time.Duration

	Observer Observer
	Logger   *logging.Logger
	Now      func() time.Time
}

// Pipeline produces snapshots. Concurrent requests for the same subject
// share one render.
type Pipeline struct {
	opts   Options
	slice  int
	log    *logging.Logger
	obs    Observer
	now    func() time.Time
	slots  chan struct{}
	flight singleflight.Group
}

// New validates opts and creates a pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.Cache == nil || opts.Renderer == nil || opts.Compositor == nil {
		return nil, errors.New("snapshot: cache, renderer and compositor are required")
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.URLTemplate == "" {
		opts.URLTemplate = DefaultURLTemplate
	}
	if opts.Lang == "" {
		opts.Lang = DefaultLang
	}
	if opts.ViewportWidth <= 0 {
		opts.ViewportWidth = DefaultViewportWidth
	}
	if opts.AspectW <= 0 || opts.AspectH <= 0 {
		opts.AspectW, opts.AspectH = 9, 16
	}
	if opts.Overlap < 0 {
		return nil, fmt.Errorf("snapshot: overlap must not be negative, got %d", opts.Overlap)
	}
	if opts.MaxConcurrentRenders <= 0 {
		opts.MaxConcurrentRenders = 1
	}
	if opts.RenderTimeout <= 0 {
		opts.RenderTimeout = DefaultRenderTimeout
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard("snapshot")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	slice := tiles.SliceHeight(opts.ViewportWidth, opts.AspectW, opts.AspectH)
	if slice <= opts.Overlap {
		return nil, fmt.Errorf("snapshot: slice height %d must exceed overlap %d", slice, opts.Overlap)
	}

	return &Pipeline{
		opts:  opts,
		slice: slice,
		log:   opts.Logger,
		obs:   opts.Observer,
		now:   opts.Now,
		slots: make(chan struct{}, opts.MaxConcurrentRenders),
	}, nil
}

// MaxAge returns the freshness window for cached snapshots.
func (p *Pipeline) MaxAge() time.Duration {
	return p.opts.MaxAge
}

// GetSnapshot returns a fresh cached snapshot of name, or renders the page
// for identifier, stitches it and stores it under name.
func (p *Pipeline) GetSnapshot(ctx context.Context, identifier, name string) (*Artifact, error) {
	reqID := newRequestID()
	if art, ok := p.cached(reqID, name); ok {
		return art, nil
	}
	return p.produce(ctx, reqID, identifier, name)
}

// SnapshotByName is GetSnapshot for callers that only know the display
// name. A cache hit never touches the network; a name the resolver does
// not know fails before any browser is launched.
func (p *Pipeline) SnapshotByName(ctx context.Context, name string) (*Artifact, error) {
	reqID := newRequestID()
	if art, ok := p.cached(reqID, name); ok {
		return art, nil
	}
	if p.opts.Resolver == nil {
		return nil, p.fail(reqID, &Error{Kind: KindFatal, Stage: StageResolve, Subject: name, Err: errors.New("no resolver configured")})
	}

	start := time.Now()
	identifier, err := p.opts.Resolver.Resolve(ctx, name)
	if err != nil {
		return nil, p.fail(reqID, newError(StageResolve, name, err))
	}
	p.obs.StageCompleted(string(StageResolve), time.Since(start))
	p.log.Debugf("[%s] resolved %q to %s", reqID, name, identifier)

	return p.produce(ctx, reqID, identifier, name)
}

func (p *Pipeline) cached(reqID, name string) (*Artifact, bool) {
	start := time.Now()
	entry, ok := p.opts.Cache.Lookup(name, p.opts.MaxAge)
	p.obs.StageCompleted(string(StageCacheCheck), time.Since(start))
	p.obs.CacheResult(ok)
	if !ok {
		p.log.Debugf("[%s] cache miss for %q", reqID, name)
		return nil, false
	}
	p.log.Infof("[%s] cache hit for %q (age %s)", reqID, name, entry.Age(p.now()).Round(time.Second))
	return &Artifact{
		Name:      name,
		Data:      entry.Data,
		Path:      entry.Path,
		CreatedAt: entry.CreatedAt,
		FromCache: true,
	}, true
}

// produce renders name, coalescing with any render of the same name
// already in flight.
func (p *Pipeline) produce(ctx context.Context, reqID, identifier, name string) (*Artifact, error) {
	if strings.TrimSpace(identifier) == "" {
		return nil, p.fail(reqID, &Error{Kind: KindNotFound, Stage: StageResolve, Subject: name, Err: resolver.ErrNotFound})
	}
	if err := p.engineReady(); err != nil {
		return nil, p.fail(reqID, newError(StageRender, name, err))
	}

	// The render is detached from the caller that started it; a waiter that
	// gives up leaves it running for the others.
	ch := p.flight.DoChan(name, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.RenderTimeout)
		defer cancel()
		return p.build(rctx, reqID, identifier, name)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			p.log.Debugf("[%s] joined render already in flight for %q", reqID, name)
		}
		art := *res.Val.(*Artifact)
		return &art, nil
	case <-ctx.Done():
		return nil, p.fail(reqID, newError(StageRender, name, ctx.Err()))
	}
}

func (p *Pipeline) engineReady() error {
	if p.opts.Engine == nil {
		return nil
	}
	switch p.opts.Engine.State() {
	case browser.StateReady:
		return nil
	case browser.StateFailed:
		if err := p.opts.Engine.Err(); err != nil {
			return fmt.Errorf("engine unavailable: %w", err)
		}
		return errors.New("engine unavailable")
	default:
		return ErrEngineNotReady
	}
}

// build runs RENDER, SLICE, COMPOSE and STORE. Nothing is written unless
// every earlier stage succeeded.
func (p *Pipeline) build(ctx context.Context, reqID, identifier, name string) (*Artifact, error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, p.fail(reqID, newError(StageRender, name, ctx.Err()))
	}
	defer func() { <-p.slots }()

	// Another request may have stored it while this one waited for a slot.
	if entry, ok := p.opts.Cache.Lookup(name, p.opts.MaxAge); ok {
		p.log.Debugf("[%s] %q stored while waiting", reqID, name)
		return &Artifact{Name: name, Identifier: identifier, Data: entry.Data, Path: entry.Path, CreatedAt: entry.CreatedAt, FromCache: true}, nil
	}

	p.log.Infof("[%s] rendering %q (%s)", reqID, name, identifier)
	total := time.Now()

	start := time.Now()
	capture, err := p.opts.Renderer.Render(ctx, render.Target{
		Identifier:    identifier,
		URL:           render.BuildURL(p.opts.URLTemplate, p.opts.Lang, identifier),
		ViewportWidth: p.opts.ViewportWidth,
	})
	if err != nil {
		return nil, p.fail(reqID, newError(StageRender, name, err))
	}
	p.obs.StageCompleted(string(StageRender), time.Since(start))

	start = time.Now()
	_, height, err := compose.RasterSize(capture.Raster)
	if err != nil {
		return nil, p.fail(reqID, newError(StageSlice, name, err))
	}
	plan, err := tiles.NewPlan(height, p.slice, p.opts.Overlap)
	if err != nil {
		return nil, p.fail(reqID, newError(StageSlice, name, err))
	}
	p.obs.StageCompleted(string(StageSlice), time.Since(start))
	p.log.Debugf("[%s] %d tiles of %dpx (step %d) for %dpx", reqID, plan.TileCount, plan.SliceHeight, plan.Step, plan.ContentHeight)

	start = time.Now()
	data, err := p.opts.Compositor.Compose(capture.Raster, plan)
	if err != nil {
		return nil, p.fail(reqID, newError(StageCompose, name, err))
	}
	p.obs.StageCompleted(string(StageCompose), time.Since(start))

	art := &Artifact{
		Name:       name,
		Identifier: identifier,
		Data:       data,
		CreatedAt:  p.now(),
	}

	start = time.Now()
	entry, err := p.opts.Cache.Put(name, data)
	if err != nil {
		// A failed store still returns the image.
		p.fail(reqID, newError(StageStore, name, err))
	} else {
		art.Path = entry.Path
		art.CreatedAt = entry.CreatedAt
		p.obs.StageCompleted(string(StageStore), time.Since(start))
	}

	p.log.Infof("[%s] %q done in %s (%d bytes)", reqID, name, time.Since(total).Round(time.Millisecond), len(data))
	return art, nil
}

func (p *Pipeline) fail(reqID string, err *Error) error {
	p.obs.Failed(err.Kind.String(), string(err.Stage))
	p.log.Errorf("[%s] %v", reqID, err)
	return err
}

func newRequestID() string {
	return uuid.NewString()[:8]
}
