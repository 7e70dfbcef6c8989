package browser

import (
	"errors"
	"fmt"
	"time"

	"github.com/playwright-community/playwright-go"
)

var (
	// ErrTimeout marks waits and navigations that ran out of time.
	ErrTimeout = errors.New("browser: timeout")

	// ErrClosed marks operations on a browser that went away underneath us.
	ErrClosed = errors.New("browser: target closed")
)

// wrapErr tags Playwright failures with this package's sentinels so callers
// never need to import Playwright to classify them.
func wrapErr(op string, err error) error {
	switch {
	case errors.Is(err, playwright.ErrTimeout):
		return fmt.Errorf("%s: %w: %w", op, ErrTimeout, err)
	case errors.Is(err, playwright.ErrTargetClosed):
		return fmt.Errorf("%s: %w: %w", op, ErrClosed, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func millis(d time.Duration) *float64 {
	if d <= 0 {
		return nil
	}
	ms := float64(d.Milliseconds())
	return &ms
}

// Navigate navigates the session's page to the specified URL.
func (s *Session) Navigate(url string, opts NavigateOptions) error {
	playwrightOpts := playwright.PageGotoOptions{
		Timeout: millis(opts.Timeout),
	}
	if opts.WaitUntil != "" {
		waitUntil := playwright.WaitUntilState(opts.WaitUntil)
		playwrightOpts.WaitUntil = &waitUntil
	}

	if _, err := s.Page.Goto(url, playwrightOpts); err != nil {
		return wrapErr("navigation failed", err)
	}

	s.CurrentURL = s.Page.URL()
	return nil
}

// WaitVisible waits until selector matches a visible element.
func (s *Session) WaitVisible(selector string, timeout time.Duration) error {
	if selector == "" {
		return fmt.Errorf("selector is required for wait")
	}

	state := playwright.WaitForSelectorState("visible")
	_, err := s.Page.WaitForSelector(selector, playwright.PageWaitForSelectorOptions{
		State:   &state,
		Timeout: millis(timeout),
	})
	if err != nil {
		return wrapErr("wait for "+selector, err)
	}
	return nil
}

// Evaluate runs a JavaScript expression or function in the page and returns
// its JSON-decoded result.
func (s *Session) Evaluate(expression string, arg ...any) (any, error) {
	result, err := s.Page.Evaluate(expression, arg...)
	if err != nil {
		return nil, wrapErr("JavaScript execution failed", err)
	}
	return result, nil
}

// BlockResources aborts every request whose URL matches one of patterns.
func (s *Session) BlockResources(patterns []string) error {
	for _, pattern := range patterns {
		err := s.Page.Route(pattern, func(route playwright.Route) {
			_ = route.Abort()
		})
		if err != nil {
			return wrapErr("route "+pattern, err)
		}
	}
	return nil
}

// SetExtraHeaders adds headers to every request the page makes.
func (s *Session) SetExtraHeaders(headers map[string]string) error {
	if len(headers) == 0 {
		return nil
	}
	if err := s.Page.SetExtraHTTPHeaders(headers); err != nil {
		return wrapErr("set headers", err)
	}
	return nil
}

// Screenshot captures the page as PNG.
func (s *Session) Screenshot(opts ScreenshotOptions) ([]byte, error) {
	playwrightOpts := playwright.PageScreenshotOptions{
		Type:    playwright.ScreenshotTypePng,
		Timeout: millis(opts.Timeout),
	}
	if opts.Clip != nil {
		playwrightOpts.Clip = &playwright.Rect{
			X:      opts.Clip.X,
			Y:      opts.Clip.Y,
			Width:  opts.Clip.Width,
			Height: opts.Clip.Height,
		}
	}
	if opts.FullPage {
		playwrightOpts.FullPage = playwright.Bool(true)
	}

	data, err := s.Page.Screenshot(playwrightOpts)
	if err != nil {
		return nil, wrapErr("screenshot failed", err)
	}
	return data, nil
}

// URL returns the current page URL.
func (s *Session) URL() string {
	if s.Page == nil {
		return s.CurrentURL
	}
	return s.Page.URL()
}

// close releases page, context and browser in that order. Errors are
// collected, cleanup always continues.
func (s *Session) close() error {
	var errs []error
	if s.Page != nil {
		if err := s.Page.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.Context != nil {
		if err := s.Context.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.Browser != nil {
		if err := s.Browser.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
