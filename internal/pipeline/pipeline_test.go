package pipeline

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dshills/marksync/internal/schedule"
)

// stateRecorder captures state transitions from the pipeline.
type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) PreviewStateChanged(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) last() (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return State{}, false
	}
	return r.states[len(r.states)-1], true
}

func (r *stateRecorder) waitFor(t *testing.T, pred func(State) bool) State {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s, ok := r.last(); ok && pred(s) {
			return s
		}
		time.Sleep(time.Millisecond)
	}
	s, _ := r.last()
	t.Fatalf("timed out waiting for state, last = %+v", s)
	return State{}
}

// echoCompiler compiles source into itself as code.
func echoCompiler() Compiler {
	return CompilerFunc(func(source string) Result {
		return Result{Output: &Output{Code: source}}
	})
}

func TestSubmitDebouncesToFinalSource(t *testing.T) {
	clock := schedule.NewFakeClock(time.Unix(0, 0))
	rec := &stateRecorder{}
	var mu sync.Mutex
	var compiled []string
	compiler := CompilerFunc(func(source string) Result {
		mu.Lock()
		compiled = append(compiled, source)
		mu.Unlock()
		return Result{Output: &Output{Code: source}}
	})

	p := New(compiler, rec, Config{Clock: clock})
	defer p.Close()

	p.Submit("one")
	p.Submit("two")
	p.Submit("three")
	clock.Advance(DefaultDebounceWindow)

	rec.waitFor(t, func(s State) bool { return s.Phase == PhaseSuccess })

	mu.Lock()
	defer mu.Unlock()
	if len(compiled) != 1 || compiled[0] != "three" {
		t.Errorf("compiled = %v, want [three]", compiled)
	}
}

func TestStaleResultSuppression(t *testing.T) {
	clock := schedule.NewFakeClock(time.Unix(0, 0))
	rec := &stateRecorder{}

	started := make(chan string, 2)
	release := make(chan struct{})
	compiler := CompilerFunc(func(source string) Result {
		started <- source
		<-release
		return Result{Output: &Output{Code: source}}
	})

	p := New(compiler, rec, Config{Clock: clock})
	defer p.Close()

	// Dispatch A and let its compile begin.
	p.Submit("A")
	clock.Advance(DefaultDebounceWindow)
	<-started

	// Dispatch B while A is still in flight; B's id supersedes A's.
	p.Submit("B")
	clock.Advance(DefaultDebounceWindow)

	// Let A finish (stale), then B.
	release <- struct{}{}
	<-started
	release <- struct{}{}

	final := rec.waitFor(t, func(s State) bool {
		return s.Phase == PhaseSuccess && s.Output != nil && s.Output.Code == "B"
	})
	if final.Output.Code != "B" {
		t.Errorf("displayed code = %q, want %q", final.Output.Code, "B")
	}
	if got := p.StaleDropped(); got != 1 {
		t.Errorf("StaleDropped() = %d, want 1", got)
	}

	// A's stale success must never have been displayed.
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, s := range rec.states {
		if s.Phase == PhaseSuccess && s.Output != nil && s.Output.Code == "A" {
			t.Error("stale result A was displayed")
		}
	}
}

func TestLastGoodRetention(t *testing.T) {
	clock := schedule.NewFakeClock(time.Unix(0, 0))
	rec := &stateRecorder{}

	fail := false
	var mu sync.Mutex
	compiler := CompilerFunc(func(source string) Result {
		mu.Lock()
		f := fail
		mu.Unlock()
		if f {
			return Result{Errors: []CompileError{{Message: "bad syntax", Line: 2, Column: 5}}}
		}
		return Result{Output: &Output{Code: source}}
	})

	p := New(compiler, rec, Config{Clock: clock})
	defer p.Close()

	p.Submit("X")
	clock.Advance(DefaultDebounceWindow)
	rec.waitFor(t, func(s State) bool { return s.Phase == PhaseSuccess })

	mu.Lock()
	fail = true
	mu.Unlock()
	p.Submit("broken")
	clock.Advance(DefaultDebounceWindow)
	errState := rec.waitFor(t, func(s State) bool { return s.Phase == PhaseError })

	if errState.LastGood == nil || errState.LastGood.Code != "X" {
		t.Errorf("LastGood = %+v, want code X", errState.LastGood)
	}
	if errState.Output != nil {
		t.Errorf("Output = %+v in error phase, want nil", errState.Output)
	}
	if len(errState.Errors) != 1 || errState.Errors[0].Line != 2 {
		t.Errorf("Errors = %+v, want one positioned error at line 2", errState.Errors)
	}

	mu.Lock()
	fail = false
	mu.Unlock()
	p.Submit("Y")
	clock.Advance(DefaultDebounceWindow)
	okState := rec.waitFor(t, func(s State) bool { return s.Phase == PhaseSuccess })

	if okState.LastGood == nil || okState.LastGood.Code != "Y" {
		t.Errorf("LastGood after recovery = %+v, want code Y", okState.LastGood)
	}
}

func TestCompilerPanicBecomesGenericError(t *testing.T) {
	clock := schedule.NewFakeClock(time.Unix(0, 0))
	rec := &stateRecorder{}
	compiler := CompilerFunc(func(source string) Result {
		panic("compiler exploded")
	})

	p := New(compiler, rec, Config{Clock: clock})
	defer p.Close()

	p.Submit("doc")
	clock.Advance(DefaultDebounceWindow)
	errState := rec.waitFor(t, func(s State) bool { return s.Phase == PhaseError })

	if len(errState.Errors) != 1 {
		t.Fatalf("Errors = %+v, want single generic entry", errState.Errors)
	}
	if !strings.Contains(errState.Errors[0].Message, "internal compiler error") {
		t.Errorf("Message = %q, want internal compiler error", errState.Errors[0].Message)
	}
}

func TestFrontmatterMergedIntoOutput(t *testing.T) {
	clock := schedule.NewFakeClock(time.Unix(0, 0))
	rec := &stateRecorder{}

	p := New(echoCompiler(), rec, Config{Clock: clock})
	defer p.Close()

	p.Submit("---\ntitle: Hello\n---\nbody\n")
	clock.Advance(DefaultDebounceWindow)
	final := rec.waitFor(t, func(s State) bool { return s.Phase == PhaseSuccess })

	if final.Output.Code != "body\n" {
		t.Errorf("Code = %q, want body only", final.Output.Code)
	}
	if final.Output.Frontmatter["title"] != "Hello" {
		t.Errorf("Frontmatter title = %v, want Hello", final.Output.Frontmatter["title"])
	}
}

func TestMalformedFrontmatterIsCompileError(t *testing.T) {
	clock := schedule.NewFakeClock(time.Unix(0, 0))
	rec := &stateRecorder{}

	p := New(echoCompiler(), rec, Config{Clock: clock})
	defer p.Close()

	p.Submit("---\ntitle: Hello\nno terminator\n")
	clock.Advance(DefaultDebounceWindow)
	errState := rec.waitFor(t, func(s State) bool { return s.Phase == PhaseError })

	if len(errState.Errors) != 1 || errState.Errors[0].Line != 1 {
		t.Errorf("Errors = %+v, want one error at line 1", errState.Errors)
	}
}

func TestPerfWarningFiresOverThreshold(t *testing.T) {
	clock := schedule.NewFakeClock(time.Unix(0, 0))
	rec := &stateRecorder{}

	var warnedLen int
	p := New(echoCompiler(), rec, Config{
		Clock:         clock,
		WarnSourceLen: 10,
		OnPerfWarning: func(n int) { warnedLen = n },
	})
	defer p.Close()

	p.Submit("0123456789ABCDEF")
	clock.Advance(DefaultDebounceWindow)
	rec.waitFor(t, func(s State) bool { return s.Phase == PhaseSuccess })

	if warnedLen != 16 {
		t.Errorf("warned length = %d, want 16", warnedLen)
	}
}

func TestResetDocumentKeepsLastGood(t *testing.T) {
	clock := schedule.NewFakeClock(time.Unix(0, 0))
	rec := &stateRecorder{}

	p := New(echoCompiler(), rec, Config{Clock: clock})
	defer p.Close()

	p.Submit("doc1")
	clock.Advance(DefaultDebounceWindow)
	rec.waitFor(t, func(s State) bool { return s.Phase == PhaseSuccess })

	p.ResetDocument()
	s := p.State()
	if s.Phase != PhaseIdle {
		t.Errorf("Phase = %v after reset, want idle", s.Phase)
	}
	if s.LastGood == nil || s.LastGood.Code != "doc1" {
		t.Errorf("LastGood = %+v after reset, want doc1 retained", s.LastGood)
	}
}

func TestCompileErrorFormatting(t *testing.T) {
	tests := []struct {
		err  CompileError
		want string
	}{
		{CompileError{Message: "bad", Line: 3, Column: 7}, "3:7: bad"},
		{CompileError{Message: "bad", Line: 3}, "3: bad"},
		{CompileError{Message: "bad"}, "bad"},
	}

	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}
