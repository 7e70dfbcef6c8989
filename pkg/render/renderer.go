// Package render captures the content region of a subject page with a
// two-pass protocol: a throwaway browser measures how tall the content is,
// then a second browser sized to that height renders everything and takes
// one clipped screenshot.
package render

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/entrhq/charsnap/pkg/browser"
	"github.com/entrhq/charsnap/pkg/logging"
	"github.com/entrhq/charsnap/pkg/tiles"
)

var (
	// ErrContentMissing means the content container never became visible.
	ErrContentMissing = errors.New("render: content container not found")

	// ErrNoGeometry means the container was found but has no usable size.
	ErrNoGeometry = errors.New("render: content geometry unavailable")

	// ErrHeightCapExceeded means the content is taller than we agree to capture.
	ErrHeightCapExceeded = errors.New("render: content height exceeds cap")
)

// Engine launches scoped browser sessions.
type Engine interface {
	WithSession(ctx context.Context, opts browser.SessionOptions, fn func(browser.Page) error) error
}

// Target is one page to capture.
type Target struct {
	Identifier    string
	URL           string
	ViewportWidth int
}

// BuildURL fills the {lang} and {id} placeholders of template.
func BuildURL(template, lang, id string) string {
	return strings.NewReplacer("{lang}", lang, "{id}", id).Replace(template)
}

// Geometry is what the two passes learned about the content region.
type Geometry struct {
	// TotalHeight is the container's scroll height after the measure pass.
	TotalHeight int

	// SectionCount is the number of repeating sections seen; diagnostic only.
	SectionCount int

	// ContentTop and ContentHeight are the container's box after the
	// full-size pass.
	ContentTop    float64
	ContentHeight float64

	// ViewportHeight is the height the capture pass ran with.
	ViewportHeight int
}

// Capture is the raw result of a render.
type Capture struct {
	Target   Target
	Geometry Geometry

	// Raster is the PNG screenshot of the content region.
	Raster []byte

	Duration time.Duration
}

// Options configures a Renderer.
type Options struct {
	ContainerSelector string
	SectionSelector   string
	OverlayXPath      string

	NavigationTimeout   time.Duration
	VisibleTimeout      time.Duration
	RetryVisibleTimeout time.Duration
	SettleDelay         time.Duration
	ForceRenderDelay    time.Duration
	InPageSettle        time.Duration

	// HeightMargin is added to the measured height for the capture viewport.
	HeightMargin int

	// HeightCap bounds the capture viewport height.
	HeightCap int

	// MaxContentHeight bounds the captured region; taller content fails.
	MaxContentHeight int

	// AspectW and AspectH shape the measure pass viewport, one tile tall.
	AspectW int
	AspectH int

	BlockedResources []string
	Headers          map[string]string
	Locale           string

	Logger *logging.Logger
}

// DefaultOptions returns the settings the target site is known to work with.
func DefaultOptions() Options {
	return Options{
		ContainerSelector:   "div.mon_body",
		SectionSelector:     "div.mon_body div.a_section",
		OverlayXPath:        "/html/body/container/popbodyy/section[2]",
		NavigationTimeout:   60 * time.Second,
		VisibleTimeout:      30 * time.Second,
		RetryVisibleTimeout: 15 * time.Second,
		SettleDelay:         5 * time.Second,
		ForceRenderDelay:    5 * time.Second,
		InPageSettle:        2 * time.Second,
		HeightMargin:        1000,
		HeightCap:           15000,
		MaxContentHeight:    30000,
		AspectW:             9,
		AspectH:             16,
		BlockedResources:    []string{"**/*.woff", "**/*.woff2", "**/analytics.js"},
		Headers:             map[string]string{"Accept-Language": "zh-CN,zh;q=0.9"},
	}
}

// Renderer drives the two-pass capture.
type Renderer struct {
	engine Engine
	opts   Options
	log    *logging.Logger

	// sleep waits d or until ctx ends; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a renderer over engine.
func New(engine Engine, opts Options) *Renderer {
	if opts.Logger == nil {
		opts.Logger = logging.Discard("render")
	}
	if opts.AspectW <= 0 || opts.AspectH <= 0 {
		opts.AspectW, opts.AspectH = 9, 16
	}
	return &Renderer{
		engine: engine,
		opts:   opts,
		log:    opts.Logger,
		sleep:  sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Render measures and captures target. No partial image is ever returned:
// either the full content region is captured or an error is.
func (r *Renderer) Render(ctx context.Context, target Target) (*Capture, error) {
	if target.ViewportWidth <= 0 {
		return nil, fmt.Errorf("render: viewport width must be positive, got %d", target.ViewportWidth)
	}
	start := time.Now()

	geometry, err := r.measure(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("measure pass: %w", err)
	}
	r.log.Infof("%s: measured height %dpx across %d sections", target.Identifier, geometry.TotalHeight, geometry.SectionCount)

	raster, err := r.capture(ctx, target, &geometry)
	if err != nil {
		return nil, fmt.Errorf("capture pass: %w", err)
	}

	capture := &Capture{
		Target:   target,
		Geometry: geometry,
		Raster:   raster,
		Duration: time.Since(start),
	}
	r.log.Infof("%s: captured %.0fpx content in %s", target.Identifier, geometry.ContentHeight, capture.Duration.Round(time.Millisecond))
	return capture, nil
}

// measure runs the exploratory pass in a phone-shaped viewport.
func (r *Renderer) measure(ctx context.Context, target Target) (Geometry, error) {
	var geometry Geometry

	opts := browser.SessionOptions{
		Name: "measure",
		Viewport: &browser.Viewport{
			Width:  target.ViewportWidth,
			Height: tiles.SliceHeight(target.ViewportWidth, r.opts.AspectW, r.opts.AspectH),
		},
		Locale: r.opts.Locale,
	}

	err := r.engine.WithSession(ctx, opts, func(page browser.Page) error {
		if err := r.load(ctx, page, target); err != nil {
			return err
		}
		if err := r.sleep(ctx, r.opts.SettleDelay); err != nil {
			return err
		}

		result, err := page.Evaluate(measureScript, []any{r.opts.ContainerSelector, r.opts.SectionSelector})
		if err != nil {
			return err
		}
		fields, ok := result.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: container %q vanished before measuring", ErrContentMissing, r.opts.ContainerSelector)
		}
		height, _ := number(fields["height"])
		sections, _ := number(fields["sections"])
		geometry.TotalHeight = int(math.Ceil(height))
		geometry.SectionCount = int(sections)
		return nil
	})
	if err != nil {
		return Geometry{}, err
	}
	if geometry.TotalHeight <= 0 {
		return Geometry{}, fmt.Errorf("%w: scroll height %d", ErrNoGeometry, geometry.TotalHeight)
	}
	return geometry, nil
}

// capture runs the full-size pass and returns the clipped PNG.
func (r *Renderer) capture(ctx context.Context, target Target, geometry *Geometry) ([]byte, error) {
	viewportHeight := geometry.TotalHeight + r.opts.HeightMargin
	if r.opts.HeightCap > 0 && viewportHeight > r.opts.HeightCap {
		r.log.Warnf("%s: viewport height %dpx capped at %dpx", target.Identifier, viewportHeight, r.opts.HeightCap)
		viewportHeight = r.opts.HeightCap
	}
	geometry.ViewportHeight = viewportHeight

	opts := browser.SessionOptions{
		Name: "capture",
		Viewport: &browser.Viewport{
			Width:  target.ViewportWidth,
			Height: viewportHeight,
		},
		Locale: r.opts.Locale,
	}

	var raster []byte
	err := r.engine.WithSession(ctx, opts, func(page browser.Page) error {
		if err := r.load(ctx, page, target); err != nil {
			return err
		}

		settleMs := r.opts.InPageSettle.Milliseconds()
		if _, err := page.Evaluate(forceRenderScript, []any{r.opts.SectionSelector, settleMs}); err != nil {
			return err
		}
		if err := r.sleep(ctx, r.opts.ForceRenderDelay); err != nil {
			return err
		}

		if r.opts.OverlayXPath != "" {
			hidden, err := page.Evaluate(hideOverlayScript, r.opts.OverlayXPath)
			if err != nil {
				r.log.Warnf("%s: hide overlay: %v", target.Identifier, err)
			} else if hidden != true {
				r.log.Debugf("%s: overlay %s not present", target.Identifier, r.opts.OverlayXPath)
			}
		}

		result, err := page.Evaluate(boxScript, r.opts.ContainerSelector)
		if err != nil {
			return err
		}
		box, ok := result.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: container %q vanished before capture", ErrContentMissing, r.opts.ContainerSelector)
		}
		top, _ := number(box["top"])
		height, _ := number(box["height"])
		geometry.ContentTop = top
		geometry.ContentHeight = height

		if height <= 0 {
			return fmt.Errorf("%w: content height %.1f", ErrNoGeometry, height)
		}
		if r.opts.MaxContentHeight > 0 && height > float64(r.opts.MaxContentHeight) {
			return fmt.Errorf("%w: %.0fpx > %dpx", ErrHeightCapExceeded, height, r.opts.MaxContentHeight)
		}

		clip := &browser.Rect{
			X:      0,
			Y:      top,
			Width:  float64(target.ViewportWidth),
			Height: height,
		}
		shot, err := page.Screenshot(browser.ScreenshotOptions{
			Clip:     clip,
			FullPage: top+height > float64(viewportHeight),
		})
		if err != nil {
			return err
		}
		raster = shot
		return nil
	})
	if err != nil {
		return nil, err
	}
	return raster, nil
}

// load prepares the page, navigates and waits for the content container.
// Navigation problems are tolerated as long as the container shows up.
func (r *Renderer) load(ctx context.Context, page browser.Page, target Target) error {
	if err := page.BlockResources(r.opts.BlockedResources); err != nil {
		r.log.Warnf("%s: block resources: %v", target.Identifier, err)
	}
	if err := page.SetExtraHeaders(r.opts.Headers); err != nil {
		r.log.Warnf("%s: set headers: %v", target.Identifier, err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	r.log.Debugf("%s: loading %s", target.Identifier, target.URL)
	if err := r.navigate(page, target.URL); err != nil {
		r.log.Warnf("%s: navigation incomplete, continuing: %v", target.Identifier, err)
	}
	r.log.Debugf("%s: on %s", target.Identifier, page.URL())

	if err := ctx.Err(); err != nil {
		return err
	}
	return r.waitContainer(page, target)
}

// navigate retries a timed-out navigation once.
func (r *Renderer) navigate(page browser.Page, url string) error {
	opts := browser.NavigateOptions{
		WaitUntil: "domcontentloaded",
		Timeout:   r.opts.NavigationTimeout,
	}
	err := page.Navigate(url, opts)
	if err != nil && errors.Is(err, browser.ErrTimeout) {
		r.log.Warnf("navigation timed out, retrying once: %v", err)
		err = page.Navigate(url, opts)
	}
	return err
}

// waitContainer waits for the container with the primary timeout, then once
// more with the shorter secondary timeout.
func (r *Renderer) waitContainer(page browser.Page, target Target) error {
	err := page.WaitVisible(r.opts.ContainerSelector, r.opts.VisibleTimeout)
	if err == nil {
		return nil
	}
	r.log.Warnf("%s: waiting for content timed out, trying to continue: %v", target.Identifier, err)

	if r.opts.RetryVisibleTimeout <= 0 {
		return fmt.Errorf("%w: %w", ErrContentMissing, err)
	}
	if err := page.WaitVisible(r.opts.ContainerSelector, r.opts.RetryVisibleTimeout); err != nil {
		return fmt.Errorf("%w: %w", ErrContentMissing, err)
	}
	return nil
}

// number converts a JSON-decoded JavaScript number.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	default:
		return 0, false
	}
}
