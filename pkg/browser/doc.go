// Package browser runs headless browsers through Playwright for page capture.
//
// # Architecture
//
// The package is built around two concepts:
//
//  1. Engine: the process-wide Playwright driver. It is bootstrapped once
//     (install driver and browser, then start it) and stays up until the
//     process shuts down.
//  2. Session: one launched browser with its own context and page. Sessions
//     are never shared; each lives for a single WithSession call.
//
// # Bootstrap
//
// The engine moves through Uninitialized → Initializing → Ready | Failed.
// Start bootstraps in the background so a server can answer requests while
// the browser download is still running; WithSession refuses work with
// ErrNotReady until the engine is Ready. A failed bootstrap is not retried.
//
// # Scoped sessions
//
//	err := engine.WithSession(ctx, browser.SessionOptions{
//	    Name:     "measure",
//	    Viewport: &browser.Viewport{Width: 600, Height: 1067},
//	}, func(page browser.Page) error {
//	    if err := page.Navigate(url, browser.NavigateOptions{WaitUntil: "domcontentloaded"}); err != nil {
//	        return err
//	    }
//	    return page.WaitVisible("div.mon_body", 30*time.Second)
//	})
//
// The browser is closed when the callback returns, including on error. The
// number of simultaneously open browsers is bounded by MaxSessions; callers
// beyond that wait for a slot or for their context to end.
//
// # Errors
//
// Playwright timeouts are wrapped with ErrTimeout and closed targets with
// ErrClosed so callers can classify failures without importing Playwright.
package browser
