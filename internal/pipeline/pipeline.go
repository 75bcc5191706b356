// Package pipeline turns raw document text into executable render output off
// the interactive thread.
//
// Edits are debounced (300ms by default) and only the final pending source is
// compiled. Each dispatched compile carries a correlation id; a completion
// whose id no longer matches the most recently dispatched id is dropped, so
// out-of-order completion can never regress the displayed state to an older
// edit. The last successful output is retained across failures.
package pipeline

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/marksync/internal/schedule"
)

// DefaultDebounceWindow is the edit-settle window before a compile dispatches.
const DefaultDebounceWindow = 300 * time.Millisecond

// DefaultWarnSourceLen is the source length above which a performance warning
// fires. Compiles on documents past this size can feel sluggish; they still
// compile to completion.
const DefaultWarnSourceLen = 100_000

// Compiler transforms document source into render output. Implementations
// are treated as pure, potentially slow, synchronous functions. The grammar
// itself is an external collaborator.
type Compiler interface {
	Compile(source string) Result
}

// CompilerFunc adapts a function to the Compiler interface.
type CompilerFunc func(source string) Result

// Compile implements Compiler.
func (f CompilerFunc) Compile(source string) Result {
	return f(source)
}

// Config configures a Pipeline.
type Config struct {
	// DebounceWindow overrides the edit-settle window. Zero means the default.
	DebounceWindow time.Duration

	// WarnSourceLen overrides the performance-warning threshold. Zero means
	// the default.
	WarnSourceLen int

	// Clock drives the debounce timer. Nil means the system clock.
	Clock schedule.Clock

	// OnPerfWarning fires when a dispatched source exceeds WarnSourceLen.
	OnPerfWarning func(sourceLen int)
}

// Pipeline owns the preview state machine and the compile worker.
type Pipeline struct {
	mu       sync.Mutex
	compiler Compiler
	sub      Subscriber
	cfg      Config

	debouncer *schedule.Debouncer
	state     State

	// currentID is the correlation id of the most recently dispatched
	// compile. Completions with any other id are stale.
	currentID string

	jobs      chan compileJob
	done      chan struct{}
	workerWG  sync.WaitGroup
	closeOnce sync.Once

	staleDropped atomic.Uint64
	compiles     atomic.Uint64
}

// compileJob is one dispatched unit of work.
type compileJob struct {
	id     string
	source string
}

// New creates a pipeline and starts its compile worker.
func New(compiler Compiler, sub Subscriber, cfg Config) *Pipeline {
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = DefaultDebounceWindow
	}
	if cfg.WarnSourceLen <= 0 {
		cfg.WarnSourceLen = DefaultWarnSourceLen
	}
	clock := cfg.Clock
	if clock == nil {
		clock = schedule.SystemClock()
	}

	p := &Pipeline{
		compiler:  compiler,
		sub:       sub,
		cfg:       cfg,
		debouncer: schedule.NewDebouncer(cfg.DebounceWindow, schedule.WithClock(clock)),
		state:     State{Phase: PhaseIdle},
		jobs:      make(chan compileJob, 1),
		done:      make(chan struct{}),
	}

	p.workerWG.Add(1)
	go p.worker()
	return p
}

// Submit queues source for compilation. Fire and forget: rapid submissions
// collapse so only the final pending source compiles.
func (p *Pipeline) Submit(source string) {
	p.debouncer.Trigger(func() {
		p.dispatch(source)
	})
}

// Flush forces any pending debounced submission to dispatch immediately.
func (p *Pipeline) Flush() {
	p.debouncer.Flush()
}

// State returns a snapshot of the current preview state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// LastGood returns the retained last successful output, or nil.
func (p *Pipeline) LastGood() *Output {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.LastGood
}

// StaleDropped returns how many completions were discarded as stale.
func (p *Pipeline) StaleDropped() uint64 {
	return p.staleDropped.Load()
}

// Compiles returns how many compiles were dispatched.
func (p *Pipeline) Compiles() uint64 {
	return p.compiles.Load()
}

// ResetDocument clears preview state for a new document. The last-good
// payload is deliberately retained; only a new successful compile replaces it.
func (p *Pipeline) ResetDocument() {
	p.debouncer.Cancel()

	p.mu.Lock()
	p.currentID = ""
	p.state.Phase = PhaseIdle
	p.state.Output = nil
	p.state.Errors = nil
	snapshot := p.state
	p.mu.Unlock()

	p.notify(snapshot)
}

// Close stops the worker. Pending debounced submissions are discarded.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		p.debouncer.Cancel()
		close(p.done)
		p.workerWG.Wait()
	})
}

// dispatch assigns a correlation id, publishes the compiling transition, and
// hands the job to the worker. The job mailbox holds only the latest job:
// a superseded queued job is dropped, not compiled.
func (p *Pipeline) dispatch(source string) {
	job := compileJob{id: uuid.NewString(), source: source}

	p.mu.Lock()
	p.currentID = job.id
	p.state.Phase = PhaseCompiling
	p.state.Errors = nil
	snapshot := p.state
	p.mu.Unlock()

	p.compiles.Add(1)
	p.notify(snapshot)

	if len(source) > p.cfg.WarnSourceLen && p.cfg.OnPerfWarning != nil {
		p.cfg.OnPerfWarning(len(source))
	}

	select {
	case p.jobs <- job:
	default:
		// Mailbox full: replace the queued job with the newer one.
		select {
		case <-p.jobs:
		default:
		}
		select {
		case p.jobs <- job:
		default:
		}
	}
}

// worker compiles jobs sequentially in its own goroutine so the caller's
// loop never blocks on compilation.
func (p *Pipeline) worker() {
	defer p.workerWG.Done()
	for {
		select {
		case <-p.done:
			return
		case job := <-p.jobs:
			result := p.runCompile(job.source)
			p.complete(job.id, result)
		}
	}
}

// runCompile invokes the compiler with panic recovery. An unexpected failure
// becomes a single generic error entry rather than a silent drop.
func (p *Pipeline) runCompile(source string) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = Result{Errors: []CompileError{{
				Message: fmt.Sprintf("internal compiler error: %v", r),
			}}}
		}
	}()

	meta, body, ferr := SplitFrontmatter(source)
	if ferr != nil {
		return Result{Errors: []CompileError{*ferr}}
	}

	result = p.compiler.Compile(body)
	if result.Ok() && len(meta) > 0 {
		merged := make(map[string]any, len(meta)+len(result.Output.Frontmatter))
		for k, v := range meta {
			merged[k] = v
		}
		for k, v := range result.Output.Frontmatter {
			merged[k] = v
		}
		out := *result.Output
		out.Frontmatter = merged
		result.Output = &out
	}
	if !result.Ok() && len(result.Errors) == 0 {
		result.Errors = []CompileError{{Message: "internal compiler error: empty result"}}
	}
	return result
}

// complete applies a finished compile unless it is stale.
func (p *Pipeline) complete(id string, result Result) {
	p.mu.Lock()
	if id != p.currentID {
		p.mu.Unlock()
		p.staleDropped.Add(1)
		return
	}

	if result.Ok() {
		p.state.Phase = PhaseSuccess
		p.state.Output = result.Output
		p.state.Errors = nil
		p.state.LastGood = result.Output
	} else {
		p.state.Phase = PhaseError
		p.state.Output = nil
		p.state.Errors = result.Errors
		// LastGood intentionally untouched.
	}
	snapshot := p.state
	p.mu.Unlock()

	p.notify(snapshot)
}

// notify delivers a state snapshot outside the pipeline lock.
func (p *Pipeline) notify(s State) {
	if p.sub != nil {
		p.sub.PreviewStateChanged(s)
	}
}
