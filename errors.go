package statecache

import (
	"fmt"
)

// FetchError wraps a failure of a caller-supplied fetch function.
// Nothing is cached when it is returned.
type FetchError struct {
	Key string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %q: %v", e.Key, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// InvalidateError reports a failed invalidation. TouchErr is the dependency
// generation bump (what other processes observe), DelErr the best-effort
// removal of the locally addressed bytes.
type InvalidateError struct {
	Key      string
	TouchErr error
	DelErr   error
}

func (e *InvalidateError) Error() string {
	switch {
	case e.TouchErr != nil && e.DelErr != nil:
		return fmt.Sprintf("invalidate %q failed: touch and delete failed: touch=%v; delete=%v",
			e.Key, e.TouchErr, e.DelErr)
	case e.TouchErr != nil:
		return fmt.Sprintf("invalidate %q: touch failed: %v", e.Key, e.TouchErr)
	case e.DelErr != nil:
		return fmt.Sprintf("invalidate %q: delete failed: %v", e.Key, e.DelErr)
	default:
		return fmt.Sprintf("invalidate %q: unknown error", e.Key)
	}
}

func (e *InvalidateError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.TouchErr != nil {
		errs = append(errs, e.TouchErr)
	}
	if e.DelErr != nil {
		errs = append(errs, e.DelErr)
	}
	return errs
}
