// Package scrollsync coordinates bidirectional scroll synchronization
// between the editor pane and the rendered surface.
//
// A short-lived scroll lock prevents feedback cycles: when a scroll in pane A
// commands a scroll in pane B, the lock absorbs the echoes until it expires.
// When both panes produce events inside the same window, the editor wins and
// the surface's event is dropped. Under default configuration a scroll in a
// pane never triggers a second unprompted scroll in that same pane.
package scrollsync

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/marksync/internal/mapper"
	"github.com/dshills/marksync/internal/schedule"
)

// Defaults for Config.
const (
	DefaultDebounceWindow = 50 * time.Millisecond
	DefaultAnimationMs    = 150
)

// Align positions the target line within the editor view after a sync scroll.
type Align int

const (
	// AlignCenter centers the line.
	AlignCenter Align = iota
	// AlignTop puts the line at the top of the view.
	AlignTop
)

// ScrollOptions carries presentation hints for a commanded scroll.
type ScrollOptions struct {
	// Animate requests a smooth scroll.
	Animate bool

	// DurationMs is the animation duration hint.
	DurationMs int

	// Position aligns the target line in the view.
	Position Align
}

// Editor is the editor collaborator. The widget itself is external; the
// orchestrator needs only its line geometry and a line-targeted scroll
// command. Commanded scrolls must not re-emit scroll events.
type Editor interface {
	VisibleLineRange() (first, last, center uint32)
	TotalLines() uint32
	ScrollToLine(line uint32, opts ScrollOptions)
}

// Surface is the rendered-surface collaborator. Commanded scrolls must not
// re-emit scroll events.
type Surface interface {
	ScrollToOffset(offset float64, animate bool, durationMs int)
}

// LockState is a snapshot of the scroll lock.
type LockState struct {
	Locked     bool
	Source     Pane
	AcquiredAt time.Time
}

// Config configures an Orchestrator.
type Config struct {
	// Mode is the initial sync mode. The zero value is ModeDisabled; use
	// ModeBidirectional for the usual default.
	Mode Mode

	// DebounceWindow overrides the scroll-settle window. Zero means the
	// default.
	DebounceWindow time.Duration

	// AnimationMs overrides the smooth-scroll duration hint. Zero means the
	// default.
	AnimationMs int

	// ReducedMotion issues instant scrolls instead of animated ones.
	ReducedMotion bool

	// Clock drives debounce and lock expiry. Nil means the system clock.
	Clock schedule.Clock
}

// Orchestrator routes scroll events between panes through the position
// mapper.
type Orchestrator struct {
	mu sync.Mutex

	mode       Mode
	lastActive Mode
	paused     bool

	lock      LockState
	lockTimer schedule.Timer

	editor  Editor
	surface Surface
	mapper  *mapper.Mapper

	clock  schedule.Clock
	window time.Duration
	cfg    Config

	editorDeb  *schedule.Debouncer
	surfaceDeb *schedule.Debouncer

	// lastEditorEvent implements editor priority: surface events inside the
	// same window are dropped.
	lastEditorEvent time.Time

	syncsIssued   atomic.Uint64
	eventsDropped atomic.Uint64
}

// New creates an orchestrator.
func New(editor Editor, surface Surface, m *mapper.Mapper, cfg Config) *Orchestrator {
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = DefaultDebounceWindow
	}
	if cfg.AnimationMs <= 0 {
		cfg.AnimationMs = DefaultAnimationMs
	}
	clock := cfg.Clock
	if clock == nil {
		clock = schedule.SystemClock()
	}

	lastActive := cfg.Mode
	if lastActive == ModeDisabled {
		lastActive = ModeBidirectional
	}

	return &Orchestrator{
		mode:       cfg.Mode,
		lastActive: lastActive,
		editor:     editor,
		surface:    surface,
		mapper:     m,
		clock:      clock,
		window:     cfg.DebounceWindow,
		cfg:        cfg,
		editorDeb:  schedule.NewDebouncer(cfg.DebounceWindow, schedule.WithClock(clock)),
		surfaceDeb: schedule.NewDebouncer(cfg.DebounceWindow, schedule.WithClock(clock)),
	}
}

// OnEditorScroll handles a scroll event from the editor pane. The ratio is
// the editor's scroll position in [0,1]; the actual target is derived from
// the editor's visible center line at sync time.
func (o *Orchestrator) OnEditorScroll(ratio float64) {
	o.mu.Lock()
	if o.paused || !o.mode.editorToSurface() {
		o.mu.Unlock()
		return
	}
	if o.lock.Locked && o.lock.Source == PaneEditor {
		// Echo of a sync-induced scroll.
		o.eventsDropped.Add(1)
		o.mu.Unlock()
		return
	}
	if o.lock.Locked && o.lock.Source == PaneSurface {
		// Genuine user scroll in the counterpart pane breaks the lock early.
		o.releaseLockLocked()
	}
	o.lastEditorEvent = o.clock.Now()
	// Editor priority: a pending surface sync for this window is dropped.
	if o.surfaceDeb.Pending() {
		o.surfaceDeb.Cancel()
		o.eventsDropped.Add(1)
	}
	o.mu.Unlock()

	o.editorDeb.Trigger(o.syncEditorToSurface)
}

// OnSurfaceScroll handles a scroll event from the rendered surface, carrying
// the surface's scroll offset.
func (o *Orchestrator) OnSurfaceScroll(offset float64) {
	o.mu.Lock()
	if o.paused || !o.mode.surfaceToEditor() {
		o.mu.Unlock()
		return
	}
	if o.lock.Locked {
		// Either the echo of the surface's own sync-induced scroll, or a
		// surface event inside an editor-held lock window. Only an editor
		// event may break a lock early; surface events never do.
		o.eventsDropped.Add(1)
		o.mu.Unlock()
		return
	}
	// Editor priority: drop surface events landing inside the editor's
	// window.
	if !o.lastEditorEvent.IsZero() && o.clock.Now().Sub(o.lastEditorEvent) < o.window {
		o.eventsDropped.Add(1)
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	o.surfaceDeb.Trigger(func() {
		o.syncSurfaceToEditor(offset)
	})
}

// Pause suspends sync in both directions.
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	o.paused = true
	o.mu.Unlock()
	o.editorDeb.Cancel()
	o.surfaceDeb.Cancel()
}

// Resume reactivates sync.
func (o *Orchestrator) Resume() {
	o.mu.Lock()
	o.paused = false
	o.mu.Unlock()
}

// SetMode switches the sync mode. The last active (non-disabled) mode is
// remembered so it can be restored after a disable.
func (o *Orchestrator) SetMode(mode Mode) {
	o.mu.Lock()
	if o.mode != ModeDisabled {
		o.lastActive = o.mode
	}
	o.mode = mode
	o.mu.Unlock()
}

// ModeNow returns the current sync mode.
func (o *Orchestrator) ModeNow() Mode {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mode
}

// LastActiveMode returns the most recent non-disabled mode.
func (o *Orchestrator) LastActiveMode() Mode {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastActive
}

// RestoreLastActive re-enables sync in the last active mode.
func (o *Orchestrator) RestoreLastActive() {
	o.mu.Lock()
	o.mode = o.lastActive
	o.mu.Unlock()
}

// Lock returns a snapshot of the scroll lock.
func (o *Orchestrator) Lock() LockState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lock
}

// SyncsIssued returns how many scroll commands were issued.
func (o *Orchestrator) SyncsIssued() uint64 {
	return o.syncsIssued.Load()
}

// EventsDropped returns how many scroll events were suppressed.
func (o *Orchestrator) EventsDropped() uint64 {
	return o.eventsDropped.Load()
}

// syncEditorToSurface maps the editor's center line and commands the surface.
func (o *Orchestrator) syncEditorToSurface() {
	o.mu.Lock()
	if o.paused || !o.mode.editorToSurface() {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	_, _, center := o.editor.VisibleLineRange()
	o.mapper.UpdateSourceExtent(o.editor.TotalLines())
	mapping := o.mapper.SourceToTarget(int(center))

	o.acquireLock(PaneEditor)
	animate := !o.cfg.ReducedMotion
	duration := o.cfg.AnimationMs
	if !animate {
		duration = 0
	}
	o.surface.ScrollToOffset(mapping.TargetOffset, animate, duration)
	o.syncsIssued.Add(1)
}

// syncSurfaceToEditor maps a surface offset and commands the editor.
func (o *Orchestrator) syncSurfaceToEditor(offset float64) {
	o.mu.Lock()
	if o.paused || !o.mode.surfaceToEditor() {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	mapping := o.mapper.TargetToSource(offset)

	o.acquireLock(PaneSurface)
	animate := !o.cfg.ReducedMotion
	duration := o.cfg.AnimationMs
	if !animate {
		duration = 0
	}
	o.editor.ScrollToLine(mapping.SourceLine, ScrollOptions{
		Animate:    animate,
		DurationMs: duration,
		Position:   AlignCenter,
	})
	o.syncsIssued.Add(1)
}

// acquireLock takes the lock for source and schedules its auto-release one
// window later.
func (o *Orchestrator) acquireLock(source Pane) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.lock = LockState{Locked: true, Source: source, AcquiredAt: o.clock.Now()}
	if o.lockTimer != nil {
		o.lockTimer.Stop()
	}
	o.lockTimer = o.clock.AfterFunc(o.window, func() {
		o.mu.Lock()
		o.releaseLockLocked()
		o.mu.Unlock()
	})
}

// releaseLockLocked clears the lock and stops its timer.
func (o *Orchestrator) releaseLockLocked() {
	o.lock = LockState{}
	if o.lockTimer != nil {
		o.lockTimer.Stop()
		o.lockTimer = nil
	}
}
