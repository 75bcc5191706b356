package scrollsync

import "fmt"

// Mode selects which sync directions are active.
type Mode int

const (
	// ModeDisabled turns scroll sync off entirely.
	ModeDisabled Mode = iota
	// ModeEditorToSurface syncs editor scrolls to the surface only.
	ModeEditorToSurface
	// ModeSurfaceToEditor syncs surface scrolls to the editor only.
	ModeSurfaceToEditor
	// ModeBidirectional syncs both directions.
	ModeBidirectional
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case ModeDisabled:
		return "disabled"
	case ModeEditorToSurface:
		return "editor-to-surface"
	case ModeSurfaceToEditor:
		return "surface-to-editor"
	case ModeBidirectional:
		return "bidirectional"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler so a mode preference
// round-trips exactly through the config layer.
func (m Mode) MarshalText() ([]byte, error) {
	if m < ModeDisabled || m > ModeBidirectional {
		return nil, fmt.Errorf("invalid sync mode %d", int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(text []byte) error {
	switch string(text) {
	case "disabled":
		*m = ModeDisabled
	case "editor-to-surface":
		*m = ModeEditorToSurface
	case "surface-to-editor":
		*m = ModeSurfaceToEditor
	case "bidirectional":
		*m = ModeBidirectional
	default:
		return fmt.Errorf("invalid sync mode %q", text)
	}
	return nil
}

// editorToSurface reports whether editor scrolls propagate.
func (m Mode) editorToSurface() bool {
	return m == ModeEditorToSurface || m == ModeBidirectional
}

// surfaceToEditor reports whether surface scrolls propagate.
func (m Mode) surfaceToEditor() bool {
	return m == ModeSurfaceToEditor || m == ModeBidirectional
}

// Pane identifies one side of the split view.
type Pane int

const (
	// PaneEditor is the text editor pane.
	PaneEditor Pane = iota
	// PaneSurface is the rendered preview pane.
	PaneSurface
)

// String returns the pane name.
func (p Pane) String() string {
	switch p {
	case PaneEditor:
		return "editor"
	case PaneSurface:
		return "surface"
	default:
		return "unknown"
	}
}

// other returns the opposite pane.
func (p Pane) other() Pane {
	if p == PaneEditor {
		return PaneSurface
	}
	return PaneEditor
}
