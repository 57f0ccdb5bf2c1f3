package session

import "github.com/example/medscan/internal/scanner"

// Kind names the alternatives of a State.
type Kind int

const (
	Idle Kind = iota
	Loading
	Success
	Failure
)

func (k Kind) String() string {
	switch k {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Success:
		return "success"
	case Failure:
		return "failure"
	default:
		return "unknown"
	}
}

// State is exactly one of Idle, Loading, Success(record) or Failure(message).
// The zero value is Idle.
type State struct {
	kind    Kind
	record  *scanner.MedicineRecord
	message string
}

func IdleState() State    { return State{kind: Idle} }
func LoadingState() State { return State{kind: Loading} }

func SuccessState(record scanner.MedicineRecord) State {
	return State{kind: Success, record: &record}
}

func FailureState(message string) State {
	return State{kind: Failure, message: message}
}

func (s State) Kind() Kind { return s.kind }

// Record returns the medicine record of a Success state.
func (s State) Record() (scanner.MedicineRecord, bool) {
	if s.kind != Success || s.record == nil {
		return scanner.MedicineRecord{}, false
	}
	return *s.record, true
}

// Message returns the user facing message of a Failure state.
func (s State) Message() (string, bool) {
	if s.kind != Failure {
		return "", false
	}
	return s.message, true
}

// Terminal reports whether s ends an upload cycle.
func (s State) Terminal() bool {
	return s.kind == Success || s.kind == Failure
}
