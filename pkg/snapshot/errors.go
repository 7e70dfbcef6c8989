package snapshot

import (
	"context"
	"errors"
	"fmt"

	"github.com/entrhq/charsnap/pkg/browser"
	"github.com/entrhq/charsnap/pkg/cache"
	"github.com/entrhq/charsnap/pkg/render"
	"github.com/entrhq/charsnap/pkg/resolver"
)

// ErrEngineNotReady is returned for renders requested while the browser
// engine is still bootstrapping.
var ErrEngineNotReady = errors.New("snapshot: engine is still initializing")

// Kind groups failures by what the caller can do about them.
type Kind int

const (
	// KindFatal is anything not worth retrying as-is.
	KindFatal Kind = iota

	// KindTransientIO covers timeouts and temporary storage trouble.
	KindTransientIO

	// KindNotFound means the subject or its content does not exist.
	KindNotFound

	// KindResourceExhaustion covers a full disk and oversized content.
	KindResourceExhaustion

	// KindInitializing means the engine is not ready yet.
	KindInitializing
)

func (k Kind) String() string {
	switch k {
	case KindTransientIO:
		return "transient_io"
	case KindNotFound:
		return "not_found"
	case KindResourceExhaustion:
		return "resource_exhaustion"
	case KindInitializing:
		return "initializing"
	default:
		return "fatal"
	}
}

// Stage is a step of the snapshot pipeline.
type Stage string

const (
	StageCacheCheck Stage = "cache_check"
	StageResolve    Stage = "resolve"
	StageRender     Stage = "render"
	StageSlice      Stage = "slice"
	StageCompose    Stage = "compose"
	StageStore      Stage = "store"
)

// Error is a classified pipeline failure.
type Error struct {
	Kind    Kind
	Stage   Stage
	Subject string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("snapshot %q failed at %s (%s): %v", e.Subject, e.Stage, e.Kind, e.Err)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

func newError(stage Stage, subject string, err error) *Error {
	return &Error{Kind: Classify(err), Stage: stage, Subject: subject, Err: err}
}

// Classify maps an error from any stage onto a Kind. A *Error keeps the
// kind it was created with.
func Classify(err error) Kind {
	if err == nil {
		return KindFatal
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}

	switch {
	case errors.Is(err, ErrEngineNotReady), errors.Is(err, browser.ErrNotReady):
		return KindInitializing
	case errors.Is(err, resolver.ErrNotFound), errors.Is(err, render.ErrContentMissing):
		return KindNotFound
	case errors.Is(err, cache.ErrDiskFull), errors.Is(err, render.ErrHeightCapExceeded):
		return KindResourceExhaustion
	case errors.Is(err, browser.ErrTimeout),
		errors.Is(err, resolver.ErrUnavailable),
		errors.Is(err, cache.ErrStorage),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return KindTransientIO
	default:
		return KindFatal
	}
}
