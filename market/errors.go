package market

import (
	"context"
	"fmt"
)

// ParseError reports an unexpected page or file structure.
type ParseError struct {
	Source string // "listing", "sectors", "history:<id>", ...
	Row    int    // 1-based data row, 0 when not row specific
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	msg := fmt.Sprintf("parse %s", e.Source)
	if e.Row > 0 {
		msg += fmt.Sprintf(" row %d", e.Row)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error { return e.Err }

// FetchError reports a network or HTTP level failure. It is never retried
// internally.
type FetchError struct {
	URL        string
	StatusCode int
	Reason     string
	Err        error
}

func (e *FetchError) Error() string {
	msg := "fetch " + e.URL
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error { return e.Err }

// StorageError reports an unavailable store or a failed read/write.
type StorageError struct {
	Op    string
	Table string
	Err   error
}

func (e *StorageError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Table, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ScrapeError reports a history batch where every item failed.
type ScrapeError struct {
	Attempted int
	Failures  []error
}

func (e *ScrapeError) Error() string {
	msg := fmt.Sprintf("scrape: all %d history fetches failed", e.Attempted)
	if len(e.Failures) > 0 {
		msg += fmt.Sprintf(" (first: %v)", e.Failures[0])
	}
	return msg
}

func (e *ScrapeError) Unwrap() []error { return e.Failures }

// NotFoundError reports a selector that matched no instrument.
type NotFoundError struct {
	Selector Selector
}

func (e *NotFoundError) Error() string {
	if e.Selector.IsZero() {
		return "empty selector matches no instrument"
	}
	return fmt.Sprintf("no instrument matches %v", e.Selector.Fields())
}

// CancelledError is returned when the caller cancels an update cycle.
// Persisted holds the ids that were completed and stored before the
// cancellation took effect.
type CancelledError struct {
	Persisted    []string
	NotAttempted []string
	Err          error
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("update cancelled: %d persisted, %d not attempted", len(e.Persisted), len(e.NotAttempted))
}

func (e *CancelledError) Unwrap() error {
	if e.Err == nil {
		return context.Canceled
	}
	return e.Err
}
