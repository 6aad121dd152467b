package catalog

import "fmt"

// ErrorCode is the taxonomy of failure categories a stage can report.
// Each code has a fixed retry disposition; RunController consults
// Retryable rather than inspecting the code directly so new codes can be
// added without touching the scheduler.
type ErrorCode string

const (
	// ErrCodeTransientRemote covers network blips, 5xx responses, and
	// other failures expected to clear on their own.
	ErrCodeTransientRemote ErrorCode = "transient_remote"

	// ErrCodeQuotaExceeded indicates a provider daily/rate quota was hit.
	// Retryable, but with a longer backoff than ErrCodeTransientRemote,
	// and worth surfacing distinctly for alerting.
	ErrCodeQuotaExceeded ErrorCode = "quota_exceeded"

	// ErrCodeProviderBatchFailure indicates one chunk of a batch job
	// failed provider-side; the chunk is resubmitted rather than the
	// whole job.
	ErrCodeProviderBatchFailure ErrorCode = "provider_batch_failure"

	// ErrCodeParseError indicates a response could not be parsed into the
	// expected shape. Not retryable: retrying an unparseable response
	// rarely helps.
	ErrCodeParseError ErrorCode = "parse_error"

	// ErrCodeDataInvariantViolation indicates the item's data violates an
	// invariant the pipeline depends on (e.g. a missing barcode). Not
	// retryable; the item is parked for manual attention.
	ErrCodeDataInvariantViolation ErrorCode = "data_invariant_violation"

	// ErrCodePersistenceError indicates WorkflowStore could not complete a
	// read or write. Retryable a bounded number of times; repeated
	// failures abort the run rather than being routed per item.
	ErrCodePersistenceError ErrorCode = "persistence_error"
)

// retryableByDefault gives each code its default disposition. Individual
// errors may override this via StageError.forceRetryable.
var retryableByDefault = map[ErrorCode]bool{
	ErrCodeTransientRemote:        true,
	ErrCodeQuotaExceeded:          true,
	ErrCodeProviderBatchFailure:   true,
	ErrCodeParseError:             false,
	ErrCodeDataInvariantViolation: false,
	ErrCodePersistenceError:       true,
}

// StageError is the error type every pipeline stage returns. It carries
// enough structure for RunController to decide whether to retry, and for
// WorkflowStore to record a FailureRecord without re-deriving the code
// from a string message.
type StageError struct {
	Code    ErrorCode
	Stage   Stage
	Barcode string
	Message string
	Cause   error

	// forceRetryable overrides retryableByDefault[Code] when set non-nil,
	// for the rare case a specific occurrence of a normally-retryable
	// code turns out to be permanent (or vice versa).
	forceRetryable *bool
}

func (e *StageError) Error() string {
	if e.Barcode != "" {
		return fmt.Sprintf("%s[%s/%s]: %s", e.Code, e.Stage, e.Barcode, e.Message)
	}
	return fmt.Sprintf("%s[%s]: %s", e.Code, e.Stage, e.Message)
}

func (e *StageError) Unwrap() error { return e.Cause }

// Retryable reports whether the error is worth retrying under
// RetryPolicy. Defaults to the code's disposition, overridable per
// instance.
func (e *StageError) Retryable() bool {
	if e.forceRetryable != nil {
		return *e.forceRetryable
	}
	return retryableByDefault[e.Code]
}

// NewStageError constructs a StageError with the default retry
// disposition for code.
func NewStageError(code ErrorCode, stage Stage, barcode, message string, cause error) *StageError {
	return &StageError{Code: code, Stage: stage, Barcode: barcode, Message: message, Cause: cause}
}

// WithRetryable returns a copy of e with its retry disposition forced to
// retryable, regardless of code default.
func (e *StageError) WithRetryable(retryable bool) *StageError {
	cp := *e
	cp.forceRetryable = &retryable
	return &cp
}
