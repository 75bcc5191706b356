package pipeline

import "fmt"

// Phase is the preview lifecycle phase.
type Phase int

const (
	// PhaseIdle indicates no compile has run yet.
	PhaseIdle Phase = iota
	// PhaseCompiling indicates a compile is in flight.
	PhaseCompiling
	// PhaseSuccess indicates the latest compile succeeded.
	PhaseSuccess
	// PhaseError indicates the latest compile failed.
	PhaseError
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseCompiling:
		return "compiling"
	case PhaseSuccess:
		return "success"
	case PhaseError:
		return "error"
	default:
		return "unknown"
	}
}

// CompileError describes a single compile failure with optional position.
type CompileError struct {
	// Message is the human-readable error text.
	Message string

	// Line is the 1-based source line, 0 when unknown.
	Line int

	// Column is the 1-based column, 0 when unknown.
	Column int
}

// Error implements error.
func (e CompileError) Error() string {
	if e.Line > 0 && e.Column > 0 {
		return fmt.Sprintf("%d:%d: %s", e.Line, e.Column, e.Message)
	}
	if e.Line > 0 {
		return fmt.Sprintf("%d: %s", e.Line, e.Message)
	}
	return e.Message
}

// Output is a successful compile payload.
type Output struct {
	// Code is the executable render output.
	Code string

	// Frontmatter holds decoded document metadata, possibly nil.
	Frontmatter map[string]any
}

// Result is the outcome of one compile: exactly one of Output or Errors is
// set.
type Result struct {
	// Output is non-nil on success.
	Output *Output

	// Errors is non-empty on failure.
	Errors []CompileError
}

// Ok reports whether the compile succeeded.
func (r Result) Ok() bool {
	return r.Output != nil
}

// State is a snapshot of the preview state machine.
//
// LastGood retains the most recent successful output even while Phase is
// PhaseError: an error hides the last good render, it never deletes it.
type State struct {
	// Phase is the current lifecycle phase.
	Phase Phase

	// Output is the displayed successful payload; nil unless PhaseSuccess.
	Output *Output

	// Errors holds compile errors; non-empty only in PhaseError.
	Errors []CompileError

	// LastGood is the most recent successful payload across failures.
	LastGood *Output
}

// Subscriber receives preview state transitions. The pipeline has a single
// subscriber; fan-out, if needed, is the subscriber's concern.
type Subscriber interface {
	PreviewStateChanged(State)
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc func(State)

// PreviewStateChanged implements Subscriber.
func (f SubscriberFunc) PreviewStateChanged(s State) {
	f(s)
}
