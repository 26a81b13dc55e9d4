package resilience

import (
	"errors"
	"time"

	"github.com/sells-group/uwdash/internal/model"
)

// Failure classes.
const (
	Transient = "transient"
	Permanent = "permanent"
)

// DefaultMaxRetries bounds how often a failed file is retried before it
// waits for its next modification.
const DefaultMaxRetries = 3

// FailureEntry is a file whose last extraction failed, kept so it can be
// listed and retried.
type FailureEntry struct {
	Path          string            `json:"absolute_file_path"`
	Name          string            `json:"file_name"`
	Kind          model.FailureKind `json:"kind"`
	Cause         string            `json:"cause"`
	ErrorType     string            `json:"error_type"`
	RetryCount    int               `json:"retry_count"`
	MaxRetries    int               `json:"max_retries"`
	NextRetryAt   time.Time         `json:"next_retry_at"`
	FirstFailedAt time.Time         `json:"first_failed_at"`
	LastFailedAt  time.Time         `json:"last_failed_at"`
}

// FailureFilter selects failure entries.
type FailureFilter struct {
	ErrorType string    `json:"error_type,omitempty"` // "transient", "permanent", or "" for all
	DueBefore time.Time `json:"due_before,omitempty"` // only retryable entries due by this time
	Limit     int       `json:"limit,omitempty"`
}

// CanRetry reports whether the entry is transient and under its retry cap.
func (e *FailureEntry) CanRetry() bool {
	return e.ErrorType == Transient && e.RetryCount < e.MaxRetries
}

// NewFailureEntry records a first failure at now.
func NewFailureEntry(f model.Failure, now time.Time) FailureEntry {
	return FailureEntry{
		Path:          f.Path,
		Name:          f.Name,
		Kind:          f.Kind,
		Cause:         f.Cause,
		ErrorType:     ClassifyFailure(f),
		MaxRetries:    DefaultMaxRetries,
		NextRetryAt:   now.Add(RetryDelay(0)),
		FirstFailedAt: now,
		LastFailedAt:  now,
	}
}

// ClassifyError categorizes an error as "transient" or "permanent".
func ClassifyError(err error) string {
	if IsTransient(err) {
		return Transient
	}
	return Permanent
}

// ClassifyFailure decides whether a failed file is worth retrying. Timeouts
// and cancellations are; unsupported formats never are; open errors depend
// on the cause (a workbook held open by Excel is, a corrupt one is not).
func ClassifyFailure(f model.Failure) string {
	switch f.Kind {
	case model.FailTimeout, model.FailCanceled:
		return Transient
	case model.FailUnsupported:
		return Permanent
	}
	err := f.Err
	if err == nil {
		err = errors.New(f.Cause)
	}
	return ClassifyError(err)
}

var failureBackoff = RetryConfig{
	InitialBackoff: time.Minute,
	MaxBackoff:     time.Hour,
	Multiplier:     4,
}

// RetryDelay is the wait before retry number retryCount+1 of a failed file.
func RetryDelay(retryCount int) time.Duration {
	return failureBackoff.normalized().delay(retryCount)
}

// Repeat carries retry bookkeeping over from the previous failure of the
// same file. The next retry backs off further.
func (e FailureEntry) Repeat(prev FailureEntry) FailureEntry {
	e.RetryCount = prev.RetryCount + 1
	if !prev.FirstFailedAt.IsZero() {
		e.FirstFailedAt = prev.FirstFailedAt
	}
	if e.MaxRetries == 0 {
		e.MaxRetries = prev.MaxRetries
	}
	e.NextRetryAt = e.LastFailedAt.Add(RetryDelay(e.RetryCount))
	return e
}
