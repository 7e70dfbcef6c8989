package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/entrhq/charsnap/pkg/logging"
)

// State is the bootstrap state of the process-wide engine.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrNotReady is returned by WithSession before the engine finished bootstrapping.
	ErrNotReady = errors.New("browser: engine not ready")

	// ErrShutdown is returned once the engine has been stopped.
	ErrShutdown = errors.New("browser: engine shut down")

	ErrUnsupportedBrowser = errors.New("browser: unsupported browser")
)

// EngineOptions configures the engine and every browser it launches.
type EngineOptions struct {
	// Browser is "firefox" or "chromium"
	Browser string

	Headless bool

	// Args are passed to the browser on launch
	Args []string

	// MaxSessions bounds how many browsers may be open at once
	MaxSessions int

	// SkipInstall skips downloading the driver and browser
	SkipInstall bool

	// DriverDirectory overrides where the Playwright driver lives
	DriverDirectory string

	Logger *logging.Logger
}

// bootstrapFunc installs and starts the Playwright driver.
type bootstrapFunc func(opts EngineOptions) (*playwright.Playwright, error)

// Engine owns the Playwright driver for the whole process. It is initialized
// once and handed out as short-lived, fully isolated browser sessions.
type Engine struct {
	mu         sync.RWMutex
	state      State
	err        error
	playwright *playwright.Playwright
	opts       EngineOptions
	log        *logging.Logger

	slots   chan struct{}
	active  map[*Session]struct{}
	activeM sync.Mutex

	// closed is set by Shutdown; a bootstrap finishing afterwards stops its driver.
	closed bool

	ready     chan struct{}
	bootstrap bootstrapFunc
	stop      func(*playwright.Playwright) error
}

// NewEngine creates an uninitialized engine.
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Browser == "" {
		opts.Browser = DefaultBrowser
	}
	if opts.Browser != "firefox" && opts.Browser != "chromium" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBrowser, opts.Browser)
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = DefaultMaxSessions
	}
	if opts.Args == nil {
		opts.Args = DefaultLaunchArgs
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard("browser")
	}

	return &Engine{
		state:     StateUninitialized,
		opts:      opts,
		log:       opts.Logger,
		slots:     make(chan struct{}, opts.MaxSessions),
		active:    make(map[*Session]struct{}),
		ready:     make(chan struct{}),
		bootstrap: runPlaywright,
		stop:      stopPlaywright,
	}, nil
}

func runPlaywright(opts EngineOptions) (*playwright.Playwright, error) {
	// Keep driver chatter out of our stdout
	runOpts := &playwright.RunOptions{
		Browsers:        []string{opts.Browser},
		DriverDirectory: opts.DriverDirectory,
		Verbose:         false,
		Stdout:          io.Discard,
		Stderr:          io.Discard,
	}

	if !opts.SkipInstall {
		if err := playwright.Install(runOpts); err != nil {
			return nil, fmt.Errorf("failed to install playwright: %w", err)
		}
	}

	pw, err := playwright.Run(runOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}
	return pw, nil
}

func stopPlaywright(pw *playwright.Playwright) error {
	return pw.Stop()
}

// Initialize installs and starts Playwright synchronously. Calling it again
// after success is a no-op; a failed bootstrap stays failed.
func (e *Engine) Initialize() error {
	e.mu.Lock()
	switch e.state {
	case StateReady:
		e.mu.Unlock()
		return nil
	case StateFailed:
		err := e.err
		e.mu.Unlock()
		return err
	case StateInitializing:
		e.mu.Unlock()
		<-e.ready
		return e.Err()
	}
	e.state = StateInitializing
	e.mu.Unlock()

	start := time.Now()
	e.log.Infof("bootstrapping %s engine", e.opts.Browser)
	pw, err := e.bootstrap(e.opts)

	e.mu.Lock()
	switch {
	case e.closed:
		if pw != nil {
			if serr := e.stop(pw); serr != nil {
				e.log.Warnf("stop driver started during shutdown: %v", serr)
			}
		}
		e.state = StateFailed
		e.err = ErrShutdown
		err = ErrShutdown
		e.log.Infof("engine shut down during bootstrap")
	case err != nil:
		e.state = StateFailed
		e.err = err
		e.log.Errorf("engine bootstrap failed after %s: %v", time.Since(start).Round(time.Millisecond), err)
	default:
		e.state = StateReady
		e.playwright = pw
		e.log.Infof("engine ready in %s", time.Since(start).Round(time.Millisecond))
	}
	close(e.ready)
	e.mu.Unlock()

	return err
}

// Start bootstraps in the background and returns immediately. Requests can
// poll State in the meantime.
func (e *Engine) Start() {
	e.mu.RLock()
	pending := e.state == StateUninitialized
	e.mu.RUnlock()
	if !pending {
		return
	}
	go func() {
		_ = e.Initialize()
	}()
}

// Wait blocks until bootstrap finished or ctx is done.
func (e *Engine) Wait(ctx context.Context) error {
	select {
	case <-e.ready:
		return e.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current bootstrap state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Err returns the bootstrap error, if bootstrap failed.
func (e *Engine) Err() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.err
}

// WithSession launches a fresh browser, hands its page to fn and always
// releases the browser afterwards, whatever fn returns.
func (e *Engine) WithSession(ctx context.Context, opts SessionOptions, fn func(Page) error) error {
	e.mu.RLock()
	state, pw := e.state, e.playwright
	e.mu.RUnlock()
	if state != StateReady || pw == nil {
		return fmt.Errorf("%w (%s)", ErrNotReady, state)
	}

	select {
	case e.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-e.slots }()

	session, err := e.launch(pw, opts)
	if err != nil {
		return err
	}
	e.track(session)
	defer func() {
		// Shutdown may already have closed it.
		if !e.untrack(session) {
			return
		}
		if cerr := session.close(); cerr != nil {
			e.log.Warnf("session %s: close: %v", session.Name, cerr)
		}
		e.log.Debugf("session %s closed after %s", session.Name, time.Since(session.CreatedAt).Round(time.Millisecond))
	}()

	return fn(session)
}

func (e *Engine) launch(pw *playwright.Playwright, opts SessionOptions) (*Session, error) {
	if opts.Viewport == nil {
		opts.Viewport = &Viewport{
			Width:  DefaultViewportWidth,
			Height: DefaultViewportHeight,
		}
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}

	browserType := pw.Firefox
	if e.opts.Browser == "chromium" {
		browserType = pw.Chromium
	}

	headless := e.opts.Headless
	browser, err := browserType.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: &headless,
		Args:     e.opts.Args,
	})
	if err != nil {
		return nil, wrapErr("failed to launch browser", err)
	}

	contextOpts := playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{
			Width:  opts.Viewport.Width,
			Height: opts.Viewport.Height,
		},
	}
	if opts.Locale != "" {
		contextOpts.Locale = playwright.String(opts.Locale)
	}
	browserContext, err := browser.NewContext(contextOpts)
	if err != nil {
		browser.Close()
		return nil, wrapErr("failed to create context", err)
	}

	page, err := browserContext.NewPage()
	if err != nil {
		browserContext.Close()
		browser.Close()
		return nil, wrapErr("failed to create page", err)
	}
	page.SetDefaultTimeout(float64(opts.Timeout.Milliseconds()))

	e.log.Debugf("session %s launched (%dx%d)", opts.Name, opts.Viewport.Width, opts.Viewport.Height)
	return &Session{
		Name:       opts.Name,
		Browser:    browser,
		Context:    browserContext,
		Page:       page,
		CreatedAt:  time.Now(),
		CurrentURL: "about:blank",
	}, nil
}

func (e *Engine) track(s *Session) {
	e.activeM.Lock()
	defer e.activeM.Unlock()
	e.active[s] = struct{}{}
}

// untrack reports whether s was still tracked; only the caller that removes
// it closes it.
func (e *Engine) untrack(s *Session) bool {
	e.activeM.Lock()
	defer e.activeM.Unlock()
	if _, ok := e.active[s]; !ok {
		return false
	}
	delete(e.active, s)
	return true
}

// SessionInfo contains metadata about an open browser session.
type SessionInfo struct {
	Name       string
	CurrentURL string
	CreatedAt  time.Time
}

// ListSessions returns information about all open sessions.
func (e *Engine) ListSessions() []SessionInfo {
	e.activeM.Lock()
	defer e.activeM.Unlock()

	infos := make([]SessionInfo, 0, len(e.active))
	for s := range e.active {
		infos = append(infos, SessionInfo{
			Name:       s.Name,
			CurrentURL: s.CurrentURL,
			CreatedAt:  s.CreatedAt,
		})
	}
	return infos
}

// Shutdown closes any browser still open and stops Playwright. A bootstrap
// still running stops its driver when it completes.
func (e *Engine) Shutdown() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.activeM.Lock()
	var errs []error
	for s := range e.active {
		if err := s.close(); err != nil {
			errs = append(errs, err)
		}
		delete(e.active, s)
	}
	e.activeM.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case StateReady:
		if e.playwright != nil {
			if err := e.stop(e.playwright); err != nil {
				errs = append(errs, fmt.Errorf("failed to stop playwright: %w", err))
			}
			e.playwright = nil
		}
		e.state = StateFailed
		e.err = ErrShutdown
	case StateUninitialized:
		e.state = StateFailed
		e.err = ErrShutdown
		close(e.ready)
	}
	return errors.Join(errs...)
}
