package crawler

import "errors"

// Error taxonomy used across the crawl path. Callers wrap these with
// fmt.Errorf("...: %w", err) and test with errors.Is.
var (
	// ErrTransientNetwork reports a transport failure that survived every retry.
	// Node-level: the controller logs it and moves on.
	ErrTransientNetwork = errors.New("transient network error")
	// ErrDecode reports an upstream body that arrived but could not be parsed.
	// Node-level and never retried.
	ErrDecode = errors.New("decode upstream payload")
	// ErrNotFound reports an identity that cannot be resolved, such as a seed
	// artist or a root person.
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a uniqueness violation on insert. The ingestor
	// recovers by re-resolving the existing row.
	ErrConflict = errors.New("conflict")
	// ErrInvalidRequest reports a crawl request missing a seed or budget.
	ErrInvalidRequest = errors.New("invalid crawl request")
	// ErrRunInProgress is returned when a second crawl is started while one is active.
	ErrRunInProgress = errors.New("crawl already running")
)
