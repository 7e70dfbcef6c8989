// Package resolver maps a subject's display name to the identifier its page
// is addressed by.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

var (
	// ErrNotFound means the name could not be resolved. Unparseable data
	// and missing markers are reported the same way.
	ErrNotFound = errors.New("resolver: subject not found")

	// ErrUnavailable means the data source could not be reached.
	ErrUnavailable = errors.New("resolver: source unavailable")
)

const (
	DefaultTimeout  = 15 * time.Second
	maxResponseSize = 16 << 20
)

// Resolver resolves a name to an identifier.
type Resolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// Chain tries each resolver in order and returns the first identifier found.
// A source that is unavailable does not stop the chain.
type Chain []Resolver

// Resolve implements Resolver.
func (c Chain) Resolve(ctx context.Context, name string) (string, error) {
	var errs []error
	for _, r := range c {
		id, err := r.Resolve(ctx, name)
		if err == nil {
			return id, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		errs = append(errs, err)
	}

	// Only report unavailability when no source could answer at all.
	for _, err := range errs {
		if !errors.Is(err, ErrUnavailable) {
			return "", fmt.Errorf("%w: %q", ErrNotFound, name)
		}
	}
	if len(errs) > 0 {
		return "", errors.Join(errs...)
	}
	return "", fmt.Errorf("%w: %q", ErrNotFound, name)
}

// fetch downloads url with client, bounded by maxResponseSize.
func fetch(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	req.Header.Set("Accept-Language", "zh-CN,zh;q=0.9")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: GET %s: status %d", ErrUnavailable, url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrUnavailable, url, err)
	}
	return body, nil
}

func defaultClient(client *http.Client) *http.Client {
	if client != nil {
		return client
	}
	return &http.Client{Timeout: DefaultTimeout}
}
