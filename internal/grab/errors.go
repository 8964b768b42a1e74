package grab

import "errors"

// Sentinel errors forming the failure taxonomy. Job-level failures are
// recorded per item and never abort a batch; pool launch failures
// propagate to the attempt that triggered them.
var (
	// ErrInvalidInput marks a malformed submission, rejected immediately.
	ErrInvalidInput = errors.New("invalid input")

	// ErrSessionLaunch means the rendering engine could not be started.
	// Fatal to the caller of Acquire; the pool does not retry it.
	ErrSessionLaunch = errors.New("session launch failed")

	// ErrSessionLost means a leased session's engine went away mid
	// operation. Retryable by advancing the job's strategy chain.
	ErrSessionLost = errors.New("session lost")

	// ErrFetchFailed is a per-strategy failure; the next strategy runs.
	ErrFetchFailed = errors.New("fetch failed")

	// ErrPayloadTooSmall marks an error-page substitute; treated like
	// ErrFetchFailed.
	ErrPayloadTooSmall = errors.New("payload below viable size")

	// ErrBlocked means the remote served a verification or block page.
	// Not retryable without external intervention.
	ErrBlocked = errors.New("blocked or challenge page")

	// ErrRateLimited signals visible throttling by the remote. Absorbed
	// as an admission cooldown, not surfaced as a job failure on its own.
	ErrRateLimited = errors.New("rate limited by remote")

	// ErrNotFound is returned by extraction adapters when the target
	// has no media.
	ErrNotFound = errors.New("no media found")

	// ErrStructureChanged is returned by extraction adapters when the
	// page no longer matches the expected shape.
	ErrStructureChanged = errors.New("page structure changed")
)
