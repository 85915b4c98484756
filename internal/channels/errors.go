package channels

import (
	"errors"
	"fmt"
)

// Error kinds reported by lifecycle operations. Match them with errors.Is.
var (
	ErrNotFound                 = errors.New("channel not found")
	ErrLaunchFailure            = errors.New("launch failure")
	ErrRegistryFailure          = errors.New("registry failure")
	ErrRandomSource             = errors.New("random source unavailable")
	ErrPartialPoolInconsistency = errors.New("registry and launcher disagree")
	ErrInvalidSpec              = errors.New("invalid channel spec")
)

// Op names a lifecycle operation.
type Op string

const (
	OpCreate Op = "create"
	OpRemove Op = "remove"
	OpEdit   Op = "edit"
)

// LifecycleError is the single error type surfaced by create, remove and
// edit. Kind is one of the sentinels above; Err is the underlying cause.
type LifecycleError struct {
	Op   Op
	URL  string
	Kind error
	Err  error
}

func (e *LifecycleError) Error() string {
	target := e.URL
	if target == "" {
		target = "(unassigned)"
	}
	if e.Err == nil {
		return fmt.Sprintf("%s channel %s: %v", e.Op, target, e.Kind)
	}
	return fmt.Sprintf("%s channel %s: %v: %v", e.Op, target, e.Kind, e.Err)
}

func (e *LifecycleError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func lifecycleError(op Op, url string, kind, cause error) *LifecycleError {
	return &LifecycleError{Op: op, URL: url, Kind: kind, Err: cause}
}

// outcome is the metrics label for an error kind.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrPartialPoolInconsistency):
		return "pool_inconsistency"
	case errors.Is(err, ErrInvalidSpec):
		return "invalid_spec"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrLaunchFailure):
		return "launch_failure"
	case errors.Is(err, ErrRandomSource):
		return "random_source"
	default:
		return "registry_failure"
	}
}
