package preview

import (
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/dshills/marksync/internal/gateway"
	"github.com/dshills/marksync/internal/mapper"
	"github.com/dshills/marksync/internal/pipeline"
	"github.com/dshills/marksync/internal/schedule"
	"github.com/dshills/marksync/internal/scrollsync"
	"github.com/dshills/marksync/internal/surface"
	"github.com/dshills/marksync/internal/wire"
)

// Session errors.
var (
	// ErrNoCompiler is returned when a session is created without a compiler.
	ErrNoCompiler = errors.New("session requires a compiler")
	// ErrNoTransport is returned when a session is created without a
	// transport factory.
	ErrNoTransport = errors.New("session requires a transport factory")
)

// Config configures a preview Session.
type Config struct {
	// Compiler turns document source into render output. Required.
	Compiler pipeline.Compiler

	// NewTransport builds the surface transport, receiving the callback the
	// surface side must invoke for every inbound signal. Required.
	NewTransport func(inbound func(raw []byte, origin string)) surface.Transport

	// Editor is the editor collaborator for scroll sync. Nil disables the
	// editor side of synchronization.
	Editor scrollsync.Editor

	// Probe resolves rendered element offsets for the position mapper's
	// middle tier. Optional.
	Probe mapper.Probe

	// SelfOrigin is the host's own origin for the gateway allow-list.
	SelfOrigin string

	// DevMode additionally admits loopback origins at the gateway.
	DevMode bool

	// Theme is the initial theme dispatched once the surface is ready.
	Theme string

	// ScrollMode is the initial sync mode. Zero means bidirectional.
	ScrollMode scrollsync.Mode

	// ReducedMotion disables scroll animation.
	ReducedMotion bool

	// CompileDebounce overrides the edit-settle window. Zero means the
	// pipeline default.
	CompileDebounce time.Duration

	// ScrollDebounce overrides the scroll-settle window. Zero means the
	// orchestrator default.
	ScrollDebounce time.Duration

	// Logger receives session diagnostics. Nil means the null logger.
	Logger *Logger

	// Metrics receives session counters. Nil means a private tracker.
	Metrics *Metrics

	// Clock drives every timer in the session. Nil means the system clock.
	Clock schedule.Clock
}

// Session binds one document to one rendering surface: compiles on edit,
// dispatches renders, maps positions, and keeps both panes' scroll state
// converged. Create with NewSession, then Start.
type Session struct {
	log     *Logger
	metrics *Metrics

	nonce      gateway.Nonce
	gate       *gateway.Gateway
	pipe       *pipeline.Pipeline
	mapper     *mapper.Mapper
	controller *surface.Controller
	orch       *scrollsync.Orchestrator
	transport  surface.Transport

	theme string

	mu sync.Mutex
	// paused defers document updates; pendingSource holds the newest source
	// submitted while paused.
	paused        bool
	pendingSource string
	hasPending    bool
	lastCompileAt time.Time

	closeOnce sync.Once
}

// NewSession assembles a session. The surface session itself does not begin
// until Start.
func NewSession(cfg Config) (*Session, error) {
	if cfg.Compiler == nil {
		return nil, ErrNoCompiler
	}
	if cfg.NewTransport == nil {
		return nil, ErrNoTransport
	}

	nonce, err := gateway.NewNonce()
	if err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = NullLogger
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}

	s := &Session{
		log:     log,
		metrics: metrics,
		nonce:   nonce,
		theme:   cfg.Theme,
	}

	gateLog := log.WithComponent("gateway")
	s.gate = gateway.New(gateway.Config{
		SelfOrigin: cfg.SelfOrigin,
		DevMode:    cfg.DevMode,
		Clock:      cfg.Clock,
	}, gateway.Callbacks{
		OnOriginRejected: func(origin string) {
			metrics.RecordOriginRejected()
			gateLog.Warn("rejected message from origin %q", origin)
		},
		OnOversized: func(size int) {
			metrics.RecordOversized()
			gateLog.Warn("rejected oversized message (%d bytes)", size)
		},
		OnRateLimited: func() {
			metrics.RecordRateLimited()
			gateLog.Warn("rejected message: rate limit exceeded")
		},
		OnInvalidMessage: func(err error) {
			metrics.RecordInvalidSchema()
			gateLog.Warn("rejected malformed message: %v", err)
		},
	})

	s.mapper = mapper.New(cfg.Probe, mapper.Config{Clock: cfg.Clock})

	s.controller = surface.New(nil, s.gate, surface.Events{
		OnReady:        s.onSurfaceReady,
		OnSize:         s.onSurfaceSize,
		OnRuntimeError: s.onRuntimeError,
	}, surface.Config{})

	// The transport delivers surface signals straight into the controller,
	// which routes them through the gateway.
	s.transport = cfg.NewTransport(s.controller.HandleInbound)
	s.controller.SetTransport(s.transport)

	s.pipe = pipeline.New(cfg.Compiler, pipeline.SubscriberFunc(s.onPreviewState), pipeline.Config{
		DebounceWindow: cfg.CompileDebounce,
		Clock:          cfg.Clock,
		OnPerfWarning: func(sourceLen int) {
			log.WithComponent("pipeline").Warn("large document (%d bytes) may degrade preview latency", sourceLen)
		},
	})

	if cfg.Editor != nil {
		s.orch = scrollsync.New(cfg.Editor, s.controller, s.mapper, scrollsync.Config{
			Mode:           cfg.ScrollMode,
			DebounceWindow: cfg.ScrollDebounce,
			ReducedMotion:  cfg.ReducedMotion,
			Clock:          cfg.Clock,
		})
	}

	return s, nil
}

// Start begins the surface session.
func (s *Session) Start() {
	s.controller.Start()
	s.log.Info("preview session started")
}

// Nonce returns the session's execution nonce.
func (s *Session) Nonce() gateway.Nonce {
	return s.nonce
}

// ContentPolicy returns the execution-policy directive for this session.
func (s *Session) ContentPolicy() string {
	return gateway.ContentPolicy(s.nonce)
}

// UpdateDocument submits edited source for recompilation. Updates made
// while paused are deferred; only the newest is kept.
func (s *Session) UpdateDocument(source string) {
	s.mu.Lock()
	if s.paused {
		s.pendingSource = source
		s.hasPending = true
		s.mu.Unlock()
		return
	}
	s.lastCompileAt = time.Now()
	s.mu.Unlock()

	s.mapper.UpdateSourceExtent(countLines(source))
	s.pipe.Submit(source)
}

// ReplaceDocument switches the session to a different document: position
// mappings are invalidated and the in-flight compile state discarded before
// the new source compiles.
func (s *Session) ReplaceDocument(source string) {
	s.mapper.Reset()
	s.pipe.ResetDocument()

	s.mu.Lock()
	s.hasPending = false
	s.pendingSource = ""
	s.mu.Unlock()

	s.UpdateDocument(source)
}

// Flush forces any pending compile to dispatch immediately.
func (s *Session) Flush() {
	s.pipe.Flush()
}

// SetTheme dispatches a theme switch to the surface.
func (s *Session) SetTheme(value string) {
	s.mu.Lock()
	s.theme = value
	s.mu.Unlock()
	if err := s.controller.DispatchTheme(value); err != nil {
		s.log.WithComponent("surface").Warn("theme dispatch failed: %v", err)
	}
}

// OnEditorScroll feeds an editor scroll event into synchronization.
func (s *Session) OnEditorScroll(ratio float64) {
	if s.orch != nil {
		s.orch.OnEditorScroll(ratio)
	}
}

// OnSurfaceScroll feeds a user-initiated surface scroll event into
// synchronization. The embedding host observes these outside the message
// channel; commanded scrolls never arrive here.
func (s *Session) OnSurfaceScroll(offset float64) {
	if s.orch != nil {
		s.orch.OnSurfaceScroll(offset)
	}
}

// SetScrollMode switches the synchronization mode.
func (s *Session) SetScrollMode(mode scrollsync.Mode) {
	if s.orch != nil {
		s.orch.SetMode(mode)
	}
}

// RestoreScrollMode re-enables the last active synchronization mode.
func (s *Session) RestoreScrollMode() {
	if s.orch != nil {
		s.orch.RestoreLastActive()
	}
}

// Pause defers document updates and suspends scroll synchronization while
// the preview is hidden.
func (s *Session) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	if s.orch != nil {
		s.orch.Pause()
	}
	s.log.Debug("preview session paused")
}

// Resume lifts a pause, recompiling the newest deferred update if any.
func (s *Session) Resume() {
	s.mu.Lock()
	s.paused = false
	source := s.pendingSource
	pending := s.hasPending
	s.hasPending = false
	s.pendingSource = ""
	s.mu.Unlock()

	if s.orch != nil {
		s.orch.Resume()
	}
	if pending {
		s.UpdateDocument(source)
	}
	s.log.Debug("preview session resumed")
}

// Mapper exposes the session's position mapper, for host features that map
// positions outside scroll sync (follow-cursor, click-to-line).
func (s *Session) Mapper() *mapper.Mapper {
	return s.mapper
}

// State returns the current preview state snapshot.
func (s *Session) State() pipeline.State {
	return s.pipe.State()
}

// Diagnostics is a cross-component snapshot for status surfaces.
type Diagnostics struct {
	Gateway     gateway.Stats
	Metrics     MetricsSnapshot
	CacheHits   uint64
	CacheMisses uint64
	Evictions   uint64
	Compiles    uint64
	StaleDrops  uint64
	SyncsIssued uint64
	SyncDrops   uint64
	QueueDrops  uint64
}

// Diagnostics returns a snapshot of session health counters.
func (s *Session) Diagnostics() Diagnostics {
	d := Diagnostics{
		Gateway:    s.gate.Stats(),
		Metrics:    s.metrics.Snapshot(),
		Compiles:   s.pipe.Compiles(),
		StaleDrops: s.pipe.StaleDropped(),
		QueueDrops: s.controller.DroppedQueued(),
	}
	d.CacheHits, d.CacheMisses, d.Evictions = s.mapper.CacheStats()
	if s.orch != nil {
		d.SyncsIssued = s.orch.SyncsIssued()
		d.SyncDrops = s.orch.EventsDropped()
	}
	return d
}

// Close shuts the session down. The transport is closed if it supports it.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.pipe.Close()
		if closer, ok := s.transport.(io.Closer); ok {
			_ = closer.Close()
		}
		s.log.Info("preview session closed")
	})
}

// onPreviewState reacts to pipeline transitions: successes dispatch to the
// surface, failures log and leave the last good render in place.
func (s *Session) onPreviewState(state pipeline.State) {
	switch state.Phase {
	case pipeline.PhaseSuccess:
		s.mu.Lock()
		started := s.lastCompileAt
		s.mu.Unlock()
		if !started.IsZero() {
			s.metrics.RecordCompile(time.Since(started))
		}
		s.metrics.RecordRenderDispatched()
		if err := s.controller.DispatchRender(state.Output.Code, state.Output.Frontmatter); err != nil {
			s.log.WithComponent("surface").Warn("render dispatch failed: %v", err)
		}
	case pipeline.PhaseError:
		s.metrics.RecordCompileError()
		for _, cerr := range state.Errors {
			s.log.WithComponent("pipeline").Warn("compile failed: %v", cerr)
		}
	}
}

// onSurfaceReady runs once the surface signals readiness.
func (s *Session) onSurfaceReady() {
	s.log.WithComponent("surface").Info("surface ready")

	s.mu.Lock()
	theme := s.theme
	s.mu.Unlock()
	if theme != "" {
		if err := s.controller.DispatchTheme(theme); err != nil {
			s.log.WithComponent("surface").Warn("theme dispatch failed: %v", err)
		}
	}
}

// onSurfaceSize feeds reported geometry into the position mapper.
func (s *Session) onSurfaceSize(sig wire.SizeSignal) {
	s.mapper.UpdateTargetExtent(sig.TotalExtent, sig.VisibleExtent)
	if len(sig.Anchors) > 0 {
		entries := make([]mapper.IndexEntry, len(sig.Anchors))
		for i, a := range sig.Anchors {
			entries[i] = mapper.IndexEntry{Line: a.Line, Offset: a.Offset, Ref: a.Ref}
		}
		s.mapper.UpdateStructuralIndex(entries)
	}
}

// onRuntimeError records a surface-side execution failure. The controller
// retains the last good render for restoration.
func (s *Session) onRuntimeError(sig wire.RuntimeErrorSignal) {
	s.metrics.RecordRuntimeError()
	s.log.WithComponent("surface").Error("surface runtime error: %s", sig.Message)
}

// countLines returns the 1-based line count of source.
func countLines(source string) uint32 {
	if source == "" {
		return 0
	}
	return uint32(strings.Count(source, "\n") + 1)
}
