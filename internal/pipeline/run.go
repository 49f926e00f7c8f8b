package pipeline

import (
	"fmt"
	"time"

	"github.com/raaihank/contract-sentinel/internal/redaction"
)

// State is a pipeline run state
type State string

const (
	StateCreated   State = "CREATED"
	StateExtracted State = "EXTRACTED"
	StateTokenized State = "TOKENIZED"
	StateAnalyzing State = "ANALYZING"
	StateAnalyzed  State = "ANALYZED"
	StateRestored  State = "RESTORED"
	StatePersisted State = "PERSISTED"
	StateFailed    State = "FAILED"
)

var stateOrder = map[State]int{
	StateCreated:   0,
	StateExtracted: 1,
	StateTokenized: 2,
	StateAnalyzing: 3,
	StateAnalyzed:  4,
	StateRestored:  5,
	StatePersisted: 6,
}

// Terminal reports whether no further transition is possible
func (s State) Terminal() bool {
	return s == StatePersisted || s == StateFailed
}

// Reason names why a run failed
type Reason string

const (
	ReasonExtraction  Reason = "extraction_error"
	ReasonDetection   Reason = "pii_detection_error"
	ReasonAnalysis    Reason = "analysis_error"
	ReasonPersistence Reason = "persistence_error"
)

// Run tracks one document through the state machine. Transitions only
// move forward; FAILED is reachable from any non-terminal state.
type Run struct {
	DocumentID string
	state      State
	lastState  State
	reason     Reason
	history    []State
}

func newRun(documentID string) *Run {
	return &Run{DocumentID: documentID, state: StateCreated, history: []State{StateCreated}}
}

// State returns the current state
func (r *Run) State() State { return r.state }

// LastState returns the state reached before a failure
func (r *Run) LastState() State {
	if r.state == StateFailed {
		return r.lastState
	}
	return r.state
}

// Reason returns the failure reason, empty unless FAILED
func (r *Run) Reason() Reason { return r.reason }

// History lists the states visited in order
func (r *Run) History() []State {
	return append([]State(nil), r.history...)
}

// Advance moves to the next state in sequence
func (r *Run) Advance(to State) error {
	if r.state.Terminal() {
		return fmt.Errorf("run %s is already %s", r.DocumentID, r.state)
	}
	next, ok := stateOrder[to]
	if !ok || next != stateOrder[r.state]+1 {
		return fmt.Errorf("invalid transition %s -> %s", r.state, to)
	}
	r.state = to
	r.history = append(r.history, to)
	return nil
}

// Fail moves the run to FAILED
func (r *Run) Fail(reason Reason) error {
	if r.state.Terminal() {
		return fmt.Errorf("run %s is already %s", r.DocumentID, r.state)
	}
	r.lastState = r.state
	r.state = StateFailed
	r.reason = reason
	r.history = append(r.history, StateFailed)
	return nil
}

// RunError is returned for every terminal failure. It names the last
// state reached so the caller can retry from there.
type RunError struct {
	DocumentID string
	LastState  State
	Reason     Reason
	Kind       string
	Retryable  bool
	Err        error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("run %s failed after %s (%s/%s): %v", e.DocumentID, e.LastState, e.Reason, e.Kind, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// EventType names a live pipeline event
type EventType string

const (
	EventRunState      EventType = "run_state"
	EventPIIDetection  EventType = "pii_detection"
	EventDataIntegrity EventType = "data_integrity_warning"
)

// Event is published to an EventSink. Events carry counts, states and
// tokens only, never original values.
type Event struct {
	Type         EventType           `json:"type"`
	DocumentID   string              `json:"document_id"`
	State        State               `json:"state,omitempty"`
	Reason       Reason              `json:"reason,omitempty"`
	EntityCounts map[string]int      `json:"entity_counts,omitempty"`
	Warnings     []redaction.Warning `json:"warnings,omitempty"`
	Timestamp    time.Time           `json:"timestamp"`
}

// EventSink receives pipeline events. Publish must not block.
type EventSink interface {
	Publish(event Event)
}

// EventSinkFunc adapts a function to EventSink
type EventSinkFunc func(Event)

func (f EventSinkFunc) Publish(event Event) { f(event) }
