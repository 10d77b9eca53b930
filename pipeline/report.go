package pipeline

import (
	"encoding/json"
	"fmt"
	"time"
)

// State is the lifecycle of one artifact within an update cycle.
type State int

const (
	StateUnknown State = iota
	StateCached
	StateFetching
	StatePersisted
)

func (s State) String() string {
	switch s {
	case StateCached:
		return "cached"
	case StateFetching:
		return "fetching"
	case StatePersisted:
		return "persisted"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for _, v := range []State{StateUnknown, StateCached, StateFetching, StatePersisted} {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

type Outcome int

const (
	OutcomeOK Outcome = iota
	// OutcomePartial is success with warnings: some items failed.
	OutcomePartial
	OutcomeFailed
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomePartial:
		return "partial"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Outcome) UnmarshalText(b []byte) error {
	for _, v := range []Outcome{OutcomeOK, OutcomePartial, OutcomeFailed, OutcomeCancelled} {
		if v.String() == string(b) {
			*o = v
			return nil
		}
	}
	return fmt.Errorf("unknown outcome %q", b)
}

type FailureKind string

const (
	FailureFetch FailureKind = "fetch"
	FailureStage FailureKind = "stage"
	FailureParse FailureKind = "parse"
	// FailureQuality is a parsed history the auditor refused to store.
	FailureQuality FailureKind = "quality"
)

// Failure is one instrument that could not be brought into the store.
type Failure struct {
	Kind         FailureKind `json:"kind"`
	InstrumentID string      `json:"instrument_id"`
	Err          error       `json:"-"`
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s %s: %v", f.Kind, f.InstrumentID, f.Err)
}

func (f Failure) Unwrap() error { return f.Err }

func (f Failure) MarshalJSON() ([]byte, error) {
	var msg string
	if f.Err != nil {
		msg = f.Err.Error()
	}
	return json.Marshal(struct {
		Kind         FailureKind `json:"kind"`
		InstrumentID string      `json:"instrument_id"`
		Error        string      `json:"error"`
	}{f.Kind, f.InstrumentID, msg})
}

// BatchReport summarizes one history batch.
type BatchReport struct {
	RunID        string    `json:"run_id"`
	Requested    int       `json:"requested"`
	Cached       []string  `json:"cached"`
	Persisted    []string  `json:"persisted"`
	Failures     []Failure `json:"failures"`
	NotAttempted []string  `json:"not_attempted"`
	Outcome      Outcome   `json:"outcome"`
}

func (r *BatchReport) failureErrors() []error {
	errs := make([]error, len(r.Failures))
	for i, f := range r.Failures {
		errs[i] = f
	}
	return errs
}

type VariantCounts struct {
	Primary int `json:"primary"`
	RClass  int `json:"r_class"`
	DClass  int `json:"d_class"`
}

// UpdateReport summarizes a full update cycle.
type UpdateReport struct {
	RunID       string        `json:"run_id"`
	Started     time.Time     `json:"started"`
	Elapsed     time.Duration `json:"elapsed"`
	Tickers     State         `json:"tickers"`
	Sectors     State         `json:"sectors"`
	Instruments int           `json:"instruments"`
	Variants    VariantCounts `json:"variants"`
	History     *BatchReport  `json:"history,omitempty"`
}

// Event is emitted on every artifact state change.
type Event struct {
	RunID    string    `json:"run_id"`
	Artifact string    `json:"artifact"`
	State    State     `json:"state"`
	Err      string    `json:"error,omitempty"`
	Time     time.Time `json:"time"`
}

// Observer receives events from concurrent fetch workers and must be safe
// for concurrent use.
type Observer interface {
	Observe(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

// Observers fans one event out to several observers in order.
type Observers []Observer

func (o Observers) Observe(e Event) {
	for _, obs := range o {
		obs.Observe(e)
	}
}

type nopObserver struct{}

func (nopObserver) Observe(Event) {}
