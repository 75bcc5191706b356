// Package surface owns the isolated rendering surface's lifecycle on the host
// side.
//
// The controller dispatches render, theme, and scroll commands outbound and
// funnels every inbound signal through the security gateway. No command is
// sent before the surface reports readiness; commands issued earlier are
// queued with a bounded depth, dropping the oldest on overflow since only the
// latest state matters. Communication is strictly unidirectional per purpose:
// instructions out, signals in, never data queries.
package surface

import (
	"errors"
	"regexp"
	"strings"
	"sync"

	"github.com/dshills/marksync/internal/gateway"
	"github.com/dshills/marksync/internal/wire"
)

// DefaultQueueDepth bounds the pre-ready command queue.
const DefaultQueueDepth = 32

// Controller errors.
var (
	// ErrNotStarted is returned when dispatching before Start.
	ErrNotStarted = errors.New("surface controller not started")
)

// Status is the controller lifecycle state.
type Status int

const (
	// StatusUninitialized means Start has not been called.
	StatusUninitialized Status = iota
	// StatusAwaitingReady means the surface session began but has not
	// signaled readiness.
	StatusAwaitingReady
	// StatusReady means commands dispatch immediately.
	StatusReady
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusUninitialized:
		return "uninitialized"
	case StatusAwaitingReady:
		return "awaiting-ready"
	case StatusReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Transport delivers encoded outbound messages to the rendering surface.
// The surface side delivers inbound bytes by calling the controller's
// HandleInbound with its reporting origin.
type Transport interface {
	Post(raw []byte) error
}

// Events are optional callbacks for surface signals, invoked after gateway
// validation and sanitization.
type Events struct {
	OnReady        func()
	OnSize         func(sig wire.SizeSignal)
	OnRuntimeError func(sig wire.RuntimeErrorSignal)
}

// Config configures a Controller.
type Config struct {
	// QueueDepth bounds the pre-ready queue. Zero means the default.
	QueueDepth int
}

// Controller mediates all traffic with one rendering surface session.
type Controller struct {
	mu sync.Mutex

	status    Status
	transport Transport
	gate      *gateway.Gateway
	events    Events
	depth     int

	queue []wire.Outbound

	// lastRender retains the most recent successfully dispatched render for
	// restoration after a surface runtime error.
	lastRender *wire.RenderCommand

	// runtimeErrored notes that the displayed content is currently the
	// sanitized error text rather than a render.
	runtimeErrored bool

	// geometry from the latest size signal, used to convert scroll offsets
	// to ratios.
	totalExtent   float64
	visibleExtent float64

	droppedQueued uint64
}

// New creates a controller routing through the given gateway.
func New(transport Transport, gate *gateway.Gateway, events Events, cfg Config) *Controller {
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &Controller{
		status:    StatusUninitialized,
		transport: transport,
		gate:      gate,
		events:    events,
		depth:     depth,
	}
}

// SetTransport installs the transport. It exists for construction orders
// where the transport needs the controller's inbound handler first. Commands
// sent while no transport is installed are queued and flushed here.
func (c *Controller) SetTransport(transport Transport) {
	c.mu.Lock()
	c.transport = transport
	var queued []wire.Outbound
	if c.status == StatusReady {
		queued = c.queue
		c.queue = nil
	}
	c.mu.Unlock()

	for _, msg := range queued {
		c.post(msg)
	}
}

// Start begins a surface session; the controller waits for the surface's
// ready signal before dispatching anything.
func (c *Controller) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusUninitialized {
		c.status = StatusAwaitingReady
	}
}

// Status returns the current lifecycle state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// DispatchRender sends compiled output to the surface. Host state never
// rides along: frontmatter is scrubbed of credential-like keys and absolute
// path values before leaving the boundary.
func (c *Controller) DispatchRender(code string, frontmatter map[string]any) error {
	cmd := wire.NewRenderCommand(code, scrubFrontmatter(frontmatter))

	c.mu.Lock()
	c.lastRender = &cmd
	c.runtimeErrored = false
	c.mu.Unlock()

	return c.send(cmd)
}

// DispatchTheme sends a theme switch.
func (c *Controller) DispatchTheme(value string) error {
	return c.send(wire.NewThemeCommand(value))
}

// DispatchScroll sends a scroll command with the position as a ratio of the
// scrollable extent.
func (c *Controller) DispatchScroll(ratio float64, animate bool, durationMs int) error {
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	if !animate {
		durationMs = 0
	}
	return c.send(wire.NewScrollCommand(ratio, animate, durationMs))
}

// ScrollToOffset converts a rendered offset to a ratio and dispatches a
// scroll. It satisfies the scroll orchestrator's surface contract.
func (c *Controller) ScrollToOffset(offset float64, animate bool, durationMs int) {
	c.mu.Lock()
	scrollable := c.totalExtent - c.visibleExtent
	c.mu.Unlock()

	ratio := 0.0
	if scrollable > 0 {
		ratio = offset / scrollable
	}
	// Dispatch failures surface through the gateway's diagnostics; a scroll
	// command has no meaningful fallback.
	_ = c.DispatchScroll(ratio, animate, durationMs)
}

// RestoreLastRender re-dispatches the retained last-good render, if any.
// Returns false when nothing is retained.
func (c *Controller) RestoreLastRender() bool {
	c.mu.Lock()
	last := c.lastRender
	c.mu.Unlock()
	if last == nil {
		return false
	}
	c.mu.Lock()
	c.runtimeErrored = false
	c.mu.Unlock()
	return c.send(*last) == nil
}

// LastRender returns the retained render command, or nil.
func (c *Controller) LastRender() *wire.RenderCommand {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRender
}

// RuntimeErrored reports whether the surface currently displays error text
// instead of rendered content.
func (c *Controller) RuntimeErrored() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runtimeErrored
}

// Extent returns the latest reported surface geometry.
func (c *Controller) Extent() (total, visible float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalExtent, c.visibleExtent
}

// DroppedQueued returns how many queued commands were discarded on overflow.
func (c *Controller) DroppedQueued() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.droppedQueued
}

// HandleInbound validates a raw surface message and applies it. Rejected
// messages are dropped from the data path; the gateway's diagnostics observe
// them.
func (c *Controller) HandleInbound(raw []byte, origin string) {
	msg, verr := c.gate.ValidateInbound(raw, origin)
	if verr != nil {
		return
	}

	switch sig := msg.(type) {
	case wire.ReadySignal:
		c.onReady()
	case wire.SizeSignal:
		c.mu.Lock()
		c.totalExtent = sig.TotalExtent
		c.visibleExtent = sig.VisibleExtent
		c.mu.Unlock()
		if c.events.OnSize != nil {
			c.events.OnSize(sig)
		}
	case wire.RuntimeErrorSignal:
		c.mu.Lock()
		c.runtimeErrored = true
		c.mu.Unlock()
		if c.events.OnRuntimeError != nil {
			c.events.OnRuntimeError(sig)
		}
	}
}

// onReady transitions to ready and flushes queued commands in order. With
// no transport installed yet the queue is held for SetTransport to flush.
func (c *Controller) onReady() {
	c.mu.Lock()
	c.status = StatusReady
	var queued []wire.Outbound
	if c.transport != nil {
		queued = c.queue
		c.queue = nil
	}
	c.mu.Unlock()

	for _, msg := range queued {
		c.post(msg)
	}
	if c.events.OnReady != nil {
		c.events.OnReady()
	}
}

// send validates and either posts or queues an outbound message.
func (c *Controller) send(msg wire.Outbound) error {
	if verr := c.gate.ValidateOutboundSize(msg); verr != nil {
		return verr
	}

	c.mu.Lock()
	if c.status == StatusUninitialized {
		c.mu.Unlock()
		return ErrNotStarted
	}
	if c.status == StatusAwaitingReady || c.transport == nil {
		if len(c.queue) >= c.depth {
			// Only the latest state matters; shed the oldest.
			c.queue = c.queue[1:]
			c.droppedQueued++
		}
		c.queue = append(c.queue, msg)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	return c.post(msg)
}

// post encodes and delivers one message.
func (c *Controller) post(msg wire.Outbound) error {
	raw, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	transport := c.transport
	c.mu.Unlock()
	if transport == nil {
		return ErrNotStarted
	}
	return transport.Post(raw)
}

// credentialKeyPattern matches frontmatter keys that smell like secrets or
// host identity.
var credentialKeyPattern = regexp.MustCompile(`(?i)(token|secret|password|credential|api[_-]?key|auth)`)

// scrubFrontmatter returns a copy of frontmatter with credential-like keys
// and absolute-path string values removed. The surface must never see host
// filesystem layout or credentials.
func scrubFrontmatter(frontmatter map[string]any) map[string]any {
	if frontmatter == nil {
		return nil
	}
	out := make(map[string]any, len(frontmatter))
	for k, v := range frontmatter {
		if credentialKeyPattern.MatchString(k) {
			continue
		}
		if s, ok := v.(string); ok && isAbsolutePathLike(s) {
			continue
		}
		out[k] = v
	}
	return out
}

// isAbsolutePathLike reports whether s looks like an absolute filesystem
// path.
func isAbsolutePathLike(s string) bool {
	if strings.HasPrefix(s, "/") {
		return true
	}
	if len(s) >= 3 && s[1] == ':' && (s[2] == '\\' || s[2] == '/') {
		return true
	}
	return strings.HasPrefix(s, `\\`)
}
