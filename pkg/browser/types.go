package browser

import (
	"time"

	"github.com/playwright-community/playwright-go"
)

// Session represents one launched browser with its context and page.
// A session lives for exactly one WithSession call.
type Session struct {
	// Name labels the session in logs (e.g. "measure", "capture")
	Name string

	// Browser is the Playwright browser instance
	Browser playwright.Browser

	// Context is the browser context (isolated session)
	Context playwright.BrowserContext

	// Page is the only page of the session
	Page playwright.Page

	// CreatedAt is the timestamp when the session was created
	CreatedAt time.Time

	// CurrentURL is the URL of the current page
	CurrentURL string
}

// SessionOptions configures a new browser session.
type SessionOptions struct {
	// Name labels the session in logs
	Name string

	// Viewport sets the initial viewport size
	Viewport *Viewport

	// Timeout sets the default timeout for operations
	Timeout time.Duration

	// Locale sets the browser context locale (e.g. "zh-CN")
	Locale string
}

// Viewport represents the browser viewport dimensions.
type Viewport struct {
	Width  int
	Height int
}

// NavigateOptions configures page navigation behavior.
type NavigateOptions struct {
	// WaitUntil specifies when to consider navigation successful
	// Valid values: "load", "domcontentloaded", "networkidle", "commit"
	WaitUntil string

	// Timeout (0 means the session default)
	Timeout time.Duration
}

// Rect is a region of the page in CSS pixels.
type Rect struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// ScreenshotOptions configures a capture.
type ScreenshotOptions struct {
	// Clip limits the capture to a region of the page
	Clip *Rect

	// FullPage captures beyond the viewport when the clip extends past it
	FullPage bool

	// Timeout (0 means the session default)
	Timeout time.Duration
}

// Page is the subset of page operations a capture needs. *Session implements
// it over Playwright; tests substitute fakes.
type Page interface {
	Navigate(url string, opts NavigateOptions) error
	WaitVisible(selector string, timeout time.Duration) error
	Evaluate(expression string, arg ...any) (any, error)
	BlockResources(patterns []string) error
	SetExtraHeaders(headers map[string]string) error
	Screenshot(opts ScreenshotOptions) ([]byte, error)
	URL() string
}

// Default values for various operations
const (
	DefaultTimeout        = 30 * time.Second
	DefaultViewportWidth  = 600
	DefaultViewportHeight = 1067
	DefaultMaxSessions    = 2
	DefaultBrowser        = "firefox"
)

// DefaultLaunchArgs are passed to every launched browser.
var DefaultLaunchArgs = []string{
	"--no-sandbox",
	"--disable-gpu",
	"--disable-dev-shm-usage",
}
