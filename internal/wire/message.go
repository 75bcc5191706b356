// Package wire defines the message contract crossing the rendering-surface
// boundary.
//
// The contract is deliberately narrow: outbound messages carry render, theme,
// and scroll instructions; inbound messages carry readiness, size, and
// runtime-error signals. The two tag sets are disjoint and nothing else is
// valid on either side. The surface can signal, never query.
package wire

import "encoding/json"

// Tag discriminates message variants on the wire.
type Tag string

// Outbound tags.
const (
	TagRender Tag = "render"
	TagTheme  Tag = "theme"
	TagScroll Tag = "scroll"
)

// Inbound tags.
const (
	TagReady        Tag = "ready"
	TagSize         Tag = "size"
	TagRuntimeError Tag = "runtime-error"
)

// Outbound is a message sent from the host to the rendering surface.
type Outbound interface {
	outbound() Tag
}

// Inbound is a signal sent from the rendering surface to the host.
type Inbound interface {
	inbound() Tag
}

// RenderCommand instructs the surface to replace its content.
type RenderCommand struct {
	Type        Tag            `json:"type"`
	Code        string         `json:"code"`
	Frontmatter map[string]any `json:"frontmatter,omitempty"`
}

// NewRenderCommand creates a render command.
func NewRenderCommand(code string, frontmatter map[string]any) RenderCommand {
	return RenderCommand{Type: TagRender, Code: code, Frontmatter: frontmatter}
}

func (RenderCommand) outbound() Tag { return TagRender }

// ThemeCommand instructs the surface to switch its presentation theme.
type ThemeCommand struct {
	Type  Tag    `json:"type"`
	Value string `json:"value"`
}

// NewThemeCommand creates a theme command.
func NewThemeCommand(value string) ThemeCommand {
	return ThemeCommand{Type: TagTheme, Value: value}
}

func (ThemeCommand) outbound() Tag { return TagTheme }

// ScrollCommand instructs the surface to scroll to a position.
type ScrollCommand struct {
	Type Tag `json:"type"`

	// Ratio is the scroll position as a fraction of scrollable extent, [0,1].
	Ratio float64 `json:"ratio"`

	// Animate requests a smooth scroll; instant when false.
	Animate bool `json:"animate"`

	// DurationMs is the animation duration hint. Ignored when Animate is false.
	DurationMs int `json:"durationMs,omitempty"`
}

// NewScrollCommand creates a scroll command.
func NewScrollCommand(ratio float64, animate bool, durationMs int) ScrollCommand {
	return ScrollCommand{Type: TagScroll, Ratio: ratio, Animate: animate, DurationMs: durationMs}
}

func (ScrollCommand) outbound() Tag { return TagScroll }

// ReadySignal reports that the surface finished initializing and can accept
// commands.
type ReadySignal struct {
	Type Tag `json:"type"`
}

// NewReadySignal creates a ready signal.
func NewReadySignal() ReadySignal {
	return ReadySignal{Type: TagReady}
}

func (ReadySignal) inbound() Tag { return TagReady }

// Anchor reports the rendered offset of a block tagged with its originating
// source line.
type Anchor struct {
	// Line is the 1-based source line that produced the block.
	Line uint32 `json:"line"`

	// Offset is the block's rendered position from the top of the surface.
	Offset float64 `json:"offset"`

	// Ref identifies the rendered element, when the surface assigns ids.
	Ref string `json:"ref,omitempty"`
}

// SizeSignal reports the surface's rendered geometry after a layout pass.
type SizeSignal struct {
	Type Tag `json:"type"`

	// TotalExtent is the full rendered height.
	TotalExtent float64 `json:"totalExtent"`

	// VisibleExtent is the height of the visible region.
	VisibleExtent float64 `json:"visibleExtent"`

	// Anchors lists rendered offsets per source line, when available.
	Anchors []Anchor `json:"anchors,omitempty"`
}

// NewSizeSignal creates a size signal.
func NewSizeSignal(total, visible float64, anchors []Anchor) SizeSignal {
	return SizeSignal{Type: TagSize, TotalExtent: total, VisibleExtent: visible, Anchors: anchors}
}

func (SizeSignal) inbound() Tag { return TagSize }

// RuntimeErrorSignal reports an error raised while executing rendered content.
type RuntimeErrorSignal struct {
	Type Tag `json:"type"`

	// Message is the error text.
	Message string `json:"message"`

	// Stack is stack-like detail, possibly empty.
	Stack string `json:"stack,omitempty"`
}

// NewRuntimeErrorSignal creates a runtime-error signal.
func NewRuntimeErrorSignal(message, stack string) RuntimeErrorSignal {
	return RuntimeErrorSignal{Type: TagRuntimeError, Message: message, Stack: stack}
}

func (RuntimeErrorSignal) inbound() Tag { return TagRuntimeError }

// Encode serializes an outbound message.
func Encode(msg Outbound) ([]byte, error) {
	return json.Marshal(msg)
}

// EncodeInbound serializes an inbound signal. Used by surface implementations.
func EncodeInbound(msg Inbound) ([]byte, error) {
	return json.Marshal(msg)
}
