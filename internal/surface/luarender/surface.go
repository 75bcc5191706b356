// Package luarender hosts a rendering surface inside a sandboxed Lua VM.
//
// The compiler collaborator emits Lua layout programs; this surface executes
// them in a locked-down interpreter with no filesystem, network, or dynamic
// loading, and reports geometry back to the host over the same message
// contract an out-of-process surface would use. It exists so the preview
// stack can run headless — in tests and in the terminal demo — with the full
// isolation boundary in place.
//
// gopher-lua's LState is not goroutine-safe, so every VM operation runs on a
// single owner goroutine fed through a call queue.
package luarender

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/marksync/internal/wire"
)

// Origin is the opaque origin a fully sandboxed surface reports.
const Origin = "null"

// DefaultVisibleExtent is the viewport height assumed when none is
// configured.
const DefaultVisibleExtent = 600

// DefaultExecTimeout bounds a single layout pass. A runaway script is
// aborted and reported as a runtime error.
const DefaultExecTimeout = 2 * time.Second

// ErrClosed is returned when posting to a closed surface.
var ErrClosed = errors.New("lua surface is closed")

// block is one rendered layout block committed by a layout pass.
type block struct {
	line   uint32
	offset float64
	height float64
	ref    string
}

// Config configures a Surface.
type Config struct {
	// Inbound receives every signal the surface emits, with its origin.
	// Required.
	Inbound func(raw []byte, origin string)

	// VisibleExtent is the viewport height. Zero means the default.
	VisibleExtent float64

	// QueueSize bounds the VM call queue. Zero means a sensible default.
	QueueSize int

	// ExecTimeout bounds a single layout pass. Zero means the default.
	ExecTimeout time.Duration
}

// vmCall is one operation marshaled onto the VM goroutine.
type vmCall struct {
	fn     func(vm *vmState)
	result chan struct{}
}

// vmState holds the interpreter so a call can replace it after an aborted
// run. Touched only on the VM owner goroutine.
type vmState struct {
	L *lua.LState
}

// Surface is a sandboxed Lua rendering surface.
type Surface struct {
	inbound func(raw []byte, origin string)
	visible float64
	execTO  time.Duration

	queue chan *vmCall
	// outbox decouples signal delivery from the VM goroutine. A host
	// handler may post a command back from inside a signal, which would
	// deadlock if the VM goroutine delivered signals itself.
	outbox    chan []byte
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once

	mu sync.Mutex
	// committed layout from the last successful pass.
	blocks []block
	byLine map[uint32]block
	total  float64
	theme  string
	// scrollRatio is the last commanded position. Commanded scrolls are
	// applied silently and never echoed back as events.
	scrollRatio float64
	renders     uint64
}

// New creates and starts a surface. The VM goroutine runs until Close.
func New(cfg Config) *Surface {
	visible := cfg.VisibleExtent
	if visible <= 0 {
		visible = DefaultVisibleExtent
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 16
	}
	execTO := cfg.ExecTimeout
	if execTO <= 0 {
		execTO = DefaultExecTimeout
	}
	s := &Surface{
		inbound: cfg.Inbound,
		visible: visible,
		execTO:  execTO,
		queue:   make(chan *vmCall, queueSize),
		outbox:  make(chan []byte, queueSize*2),
		done:    make(chan struct{}),
		byLine:  make(map[uint32]block),
	}
	go s.deliver()
	go s.run()
	return s
}

// deliver hands emitted signals to the host in emission order, off the VM
// goroutine.
func (s *Surface) deliver() {
	for {
		select {
		case <-s.done:
			return
		case raw := <-s.outbox:
			if s.inbound != nil {
				s.inbound(raw, Origin)
			}
		}
	}
}

// run owns the LState for the surface's whole lifetime.
func (s *Surface) run() {
	vm := &vmState{L: newState()}
	defer func() { vm.L.Close() }()

	s.emit(wire.NewReadySignal())

	for {
		select {
		case <-s.done:
			return
		case call := <-s.queue:
			s.execute(vm, call)
		}
	}
}

// execute runs one call with panic recovery so a VM bug cannot take down
// the owner goroutine.
func (s *Surface) execute(vm *vmState, call *vmCall) {
	defer close(call.result)
	defer func() {
		if r := recover(); r != nil {
			s.emit(wire.NewRuntimeErrorSignal(fmt.Sprintf("lua vm panic: %v", r), ""))
		}
	}()
	call.fn(vm)
}

// Post delivers an encoded outbound command to the surface. It satisfies
// the host controller's transport contract.
func (s *Surface) Post(raw []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	msg, err := wire.DecodeOutbound(raw)
	if err != nil {
		return err
	}

	call := &vmCall{result: make(chan struct{})}
	switch cmd := msg.(type) {
	case wire.RenderCommand:
		call.fn = func(vm *vmState) { s.render(vm, cmd) }
	case wire.ThemeCommand:
		call.fn = func(vm *vmState) {
			s.mu.Lock()
			s.theme = cmd.Value
			s.mu.Unlock()
			vm.L.SetGlobal("theme", lua.LString(cmd.Value))
		}
	case wire.ScrollCommand:
		call.fn = func(*vmState) {
			s.mu.Lock()
			s.scrollRatio = cmd.Ratio
			s.mu.Unlock()
		}
	default:
		return fmt.Errorf("unsupported command %T", msg)
	}

	select {
	case <-s.done:
		return ErrClosed
	case s.queue <- call:
	}
	select {
	case <-s.done:
		return ErrClosed
	case <-call.result:
		return nil
	}
}

// render executes one layout program and, on success, commits the geometry
// and emits a size signal. A script error leaves the previous layout intact
// and emits a runtime-error signal instead. A script that overruns the
// execution deadline is aborted; the interpreter is rebuilt afterwards
// since its stack cannot be trusted once interrupted mid-run.
func (s *Surface) render(vm *vmState, cmd wire.RenderCommand) {
	rec := &layoutRecorder{}
	vm.L.SetGlobal("view", rec.module(vm.L))
	vm.L.SetGlobal("meta", goValueToLua(vm.L, cmd.Frontmatter))

	ctx, cancel := context.WithTimeout(context.Background(), s.execTO)
	vm.L.SetContext(ctx)
	err := vm.L.DoString(cmd.Code)
	timedOut := ctx.Err() != nil
	cancel()
	vm.L.RemoveContext()

	if err != nil {
		if timedOut {
			s.rebuild(vm)
			s.emit(wire.NewRuntimeErrorSignal("layout script aborted: execution deadline exceeded", ""))
			return
		}
		message, stack := splitLuaError(err)
		s.emit(wire.NewRuntimeErrorSignal(message, stack))
		return
	}

	blocks, total := rec.commit()
	byLine := make(map[uint32]block, len(blocks))
	anchors := make([]wire.Anchor, 0, len(blocks))
	for _, b := range blocks {
		if _, seen := byLine[b.line]; !seen {
			byLine[b.line] = b
		}
		anchors = append(anchors, wire.Anchor{Line: b.line, Offset: b.offset, Ref: b.ref})
	}

	s.mu.Lock()
	s.blocks = blocks
	s.byLine = byLine
	s.total = total
	s.renders++
	s.mu.Unlock()

	s.emit(wire.NewSizeSignal(total, s.visible, anchors))
}

// rebuild replaces the interpreter and reapplies the surviving globals.
func (s *Surface) rebuild(vm *vmState) {
	vm.L.Close()
	vm.L = newState()

	s.mu.Lock()
	theme := s.theme
	s.mu.Unlock()
	if theme != "" {
		vm.L.SetGlobal("theme", lua.LString(theme))
	}
}

// emit queues one inbound signal for delivery.
func (s *Surface) emit(sig wire.Inbound) {
	raw, err := wire.EncodeInbound(sig)
	if err != nil {
		return
	}
	select {
	case s.outbox <- raw:
	case <-s.done:
	}
}

// ElementOffset returns the committed offset of the block anchored at the
// given source line. It satisfies the position mapper's probe contract.
func (s *Surface) ElementOffset(line uint32) (float64, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.byLine[line]
	if !ok {
		return 0, "", false
	}
	return b.offset, b.ref, true
}

// Theme returns the last applied theme value.
func (s *Surface) Theme() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.theme
}

// ScrollRatio returns the last commanded scroll position.
func (s *Surface) ScrollRatio() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scrollRatio
}

// Renders returns how many layout passes committed successfully.
func (s *Surface) Renders() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.renders
}

// Close stops the VM goroutine. Pending posts fail with ErrClosed.
func (s *Surface) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
	})
}

// layoutRecorder accumulates blocks declared by a layout program.
type layoutRecorder struct {
	blocks []block
	cursor float64
}

// module builds the view table exposed to layout programs.
//
//	view.block(line, height [, ref])  -- content block anchored to a line
//	view.spacer(height)               -- vertical gap, no anchor
func (r *layoutRecorder) module(L *lua.LState) *lua.LTable {
	tbl := L.NewTable()
	L.SetField(tbl, "block", L.NewFunction(func(L *lua.LState) int {
		line := L.CheckInt(1)
		height := float64(L.CheckNumber(2))
		ref := L.OptString(3, "")
		if line < 1 {
			L.ArgError(1, "line must be positive")
		}
		if height < 0 {
			L.ArgError(2, "height must not be negative")
		}
		if ref == "" {
			ref = fmt.Sprintf("block:%d", line)
		}
		r.blocks = append(r.blocks, block{
			line:   uint32(line),
			offset: r.cursor,
			height: height,
			ref:    ref,
		})
		r.cursor += height
		return 0
	}))
	L.SetField(tbl, "spacer", L.NewFunction(func(L *lua.LState) int {
		height := float64(L.CheckNumber(1))
		if height < 0 {
			L.ArgError(1, "height must not be negative")
		}
		r.cursor += height
		return 0
	}))
	return tbl
}

// commit returns the recorded layout.
func (r *layoutRecorder) commit() ([]block, float64) {
	return r.blocks, r.cursor
}

// splitLuaError separates a gopher-lua error into its message and stack
// trace parts.
func splitLuaError(err error) (message, stack string) {
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) {
		return apiErr.Object.String(), apiErr.StackTrace
	}
	return err.Error(), ""
}

// goValueToLua converts frontmatter values into Lua values. Unsupported
// types become nil rather than leaking Go internals into the VM.
func goValueToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		tbl := L.NewTable()
		for i, item := range val {
			tbl.RawSetInt(i+1, goValueToLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range val {
			tbl.RawSetString(k, goValueToLua(L, item))
		}
		return tbl
	default:
		return lua.LNil
	}
}
