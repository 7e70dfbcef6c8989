package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/entrhq/charsnap/pkg/browser"
	"github.com/entrhq/charsnap/pkg/cache"
	"github.com/entrhq/charsnap/pkg/chat"
	"github.com/entrhq/charsnap/pkg/compose"
	"github.com/entrhq/charsnap/pkg/config"
	"github.com/entrhq/charsnap/pkg/logging"
	"github.com/entrhq/charsnap/pkg/metrics"
	"github.com/entrhq/charsnap/pkg/render"
	"github.com/entrhq/charsnap/pkg/resolver"
	"github.com/entrhq/charsnap/pkg/snapshot"
)

// app holds every long-lived component of the process.
type app struct {
	log      *logging.Logger
	loggers  []*logging.Logger
	engine   *browser.Engine
	store    *cache.Store
	pipeline *snapshot.Pipeline
	bot      *chat.Bot
	metrics  *metrics.Recorder
	registry *prometheus.Registry
}

// logger returns a component logger; file logging problems fall back to stderr.
func (a *app) logger(component string) *logging.Logger {
	l, _ := logging.New(component)
	a.loggers = append(a.loggers, l)
	return l
}

func newApp(cfg *config.Config) (*app, error) {
	if err := logging.Configure(cfg.Logging.Dir, cfg.Logging.Verbosity); err != nil {
		return nil, err
	}

	a := &app{}
	a.log = a.logger("main")

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.NewRecorder()
	if err := a.metrics.Register(a.registry); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	engine, err := browser.NewEngine(browser.EngineOptions{
		Browser:         cfg.Browser.Name,
		Headless:        cfg.Browser.Headless,
		Args:            cfg.Browser.Args,
		MaxSessions:     cfg.Browser.MaxSessions,
		SkipInstall:     cfg.Browser.SkipInstall,
		DriverDirectory: cfg.Browser.DriverDirectory,
		Logger:          a.logger("browser"),
	})
	if err != nil {
		return nil, err
	}
	a.engine = engine

	a.store, err = cache.NewStore(cache.Options{
		Dir:    cfg.Cache.Dir,
		Logger: a.logger("cache"),
	})
	if err != nil {
		return nil, err
	}

	renderOpts := render.DefaultOptions()
	renderOpts.ContainerSelector = cfg.Render.ContainerSelector
	renderOpts.SectionSelector = cfg.Render.SectionSelector
	renderOpts.OverlayXPath = cfg.Render.OverlayXPath
	renderOpts.NavigationTimeout = cfg.Render.NavigationTimeout
	renderOpts.VisibleTimeout = cfg.Render.VisibleTimeout
	renderOpts.RetryVisibleTimeout = cfg.Render.RetryVisibleTimeout
	renderOpts.SettleDelay = cfg.Render.SettleDelay
	renderOpts.ForceRenderDelay = cfg.Render.ForceRenderDelay
	renderOpts.InPageSettle = cfg.Render.InPageSettle
	renderOpts.HeightMargin = cfg.Render.HeightMargin
	renderOpts.HeightCap = cfg.Render.HeightCap
	renderOpts.MaxContentHeight = cfg.Render.MaxContentHeight
	renderOpts.AspectW = cfg.Tiles.AspectW
	renderOpts.AspectH = cfg.Tiles.AspectH
	renderOpts.BlockedResources = cfg.Render.BlockedResources
	renderOpts.Headers = map[string]string{"Accept-Language": cfg.Render.AcceptLanguage}
	renderOpts.Logger = a.logger("render")
	renderer := render.New(engine, renderOpts)

	compositor, err := compose.New(compose.Options{
		Width:   cfg.Render.ViewportWidth,
		Quality: cfg.Tiles.JPEGQuality,
	})
	if err != nil {
		return nil, err
	}

	chain, err := newResolver(cfg.Resolver, a.logger("resolver"))
	if err != nil {
		return nil, err
	}

	a.pipeline, err = snapshot.New(snapshot.Options{
		Cache:                a.store,
		Renderer:             renderer,
		Compositor:           compositor,
		Resolver:             chain,
		Engine:               engine,
		MaxAge:               cfg.Cache.MaxAge,
		URLTemplate:          cfg.Render.URLTemplate,
		Lang:                 cfg.Render.Lang,
		ViewportWidth:        cfg.Render.ViewportWidth,
		AspectW:              cfg.Tiles.AspectW,
		AspectH:              cfg.Tiles.AspectH,
		Overlap:              cfg.Tiles.Overlap,
		MaxConcurrentRenders: cfg.Render.MaxConcurrent,
		RenderTimeout:        cfg.Render.Timeout,
		Observer:             a.metrics,
		Logger:               a.logger("snapshot"),
	})
	if err != nil {
		return nil, err
	}

	a.bot = chat.NewBot(a.pipeline, chat.Options{
		Prefix:      cfg.Trigger.Prefix,
		HelpCommand: cfg.Trigger.HelpCommand,
		Timeout:     cfg.Trigger.Timeout,
		Logger:      a.logger("chat"),
	})
	return a, nil
}

// newResolver builds the script resolver (when configured) followed by the
// index page resolver.
func newResolver(cfg config.ResolverConfig, log *logging.Logger) (resolver.Chain, error) {
	client := &http.Client{Timeout: cfg.Timeout}
	var chain resolver.Chain

	if cfg.Script.URL != "" {
		r, err := resolver.NewScriptResolver(resolver.ScriptOptions{
			URL:             cfg.Script.URL,
			StartMarker:     cfg.Script.StartMarker,
			EndMarker:       cfg.Script.EndMarker,
			NameField:       cfg.Script.NameField,
			IDField:         cfg.Script.IDField,
			RefreshInterval: cfg.Script.RefreshInterval,
			Client:          client,
			Logger:          log.With("script"),
		})
		if err != nil {
			return nil, err
		}
		chain = append(chain, r)
	}

	if cfg.Index.URL != "" {
		r, err := resolver.NewHTMLResolver(resolver.HTMLOptions{
			URL:           cfg.Index.URL,
			CardClasses:   cfg.Index.CardClasses,
			NameParagraph: cfg.Index.NameParagraph,
			Client:        client,
			Logger:        log.With("index"),
		})
		if err != nil {
			return nil, err
		}
		chain = append(chain, r)
	}

	if len(chain) == 0 {
		return nil, fmt.Errorf("no resolver configured")
	}
	return chain, nil
}

func (a *app) capture(ctx context.Context, id, name string) (*snapshot.Artifact, error) {
	if id != "" {
		return a.pipeline.GetSnapshot(ctx, id, name)
	}
	return a.pipeline.SnapshotByName(ctx, name)
}

// close stops the engine and flushes the log files.
func (a *app) close() {
	if a.engine != nil {
		if err := a.engine.Shutdown(); err != nil {
			a.log.Warnf("engine shutdown: %v", err)
		}
	}
	for _, l := range a.loggers {
		l.Close()
	}
}
