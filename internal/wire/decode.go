package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Decode errors.
var (
	// ErrUnknownTag indicates a tag outside both message sets.
	ErrUnknownTag = errors.New("unknown message tag")

	// ErrWrongDirection indicates a valid tag used on the wrong side of the
	// boundary (an outbound tag arriving inbound, or vice versa).
	ErrWrongDirection = errors.New("message tag not valid in this direction")

	// ErrMalformed indicates JSON that does not match the variant's schema
	// exactly, including unexpected fields.
	ErrMalformed = errors.New("malformed message")
)

// envelope extracts only the discriminating tag.
type envelope struct {
	Type Tag `json:"type"`
}

// DecodeInbound parses raw bytes into exactly one inbound signal variant.
// Unknown fields, missing tags, and outbound tags are all rejections; there
// is no best-effort coercion.
func DecodeInbound(raw []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch env.Type {
	case TagReady:
		var msg ReadySignal
		if err := strictUnmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TagSize:
		var msg SizeSignal
		if err := strictUnmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.TotalExtent < 0 || msg.VisibleExtent < 0 {
			return nil, fmt.Errorf("%w: negative extent", ErrMalformed)
		}
		return msg, nil
	case TagRuntimeError:
		var msg RuntimeErrorSignal
		if err := strictUnmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TagRender, TagTheme, TagScroll:
		return nil, fmt.Errorf("%w: %q", ErrWrongDirection, env.Type)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTag, env.Type)
	}
}

// DecodeOutbound parses raw bytes into exactly one outbound command variant.
// Used by surface implementations receiving host commands.
func DecodeOutbound(raw []byte) (Outbound, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch env.Type {
	case TagRender:
		var msg RenderCommand
		if err := strictUnmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TagTheme:
		var msg ThemeCommand
		if err := strictUnmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TagScroll:
		var msg ScrollCommand
		if err := strictUnmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Ratio < 0 || msg.Ratio > 1 {
			return nil, fmt.Errorf("%w: scroll ratio %v outside [0,1]", ErrMalformed, msg.Ratio)
		}
		return msg, nil
	case TagReady, TagSize, TagRuntimeError:
		return nil, fmt.Errorf("%w: %q", ErrWrongDirection, env.Type)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTag, env.Type)
	}
}

// strictUnmarshal decodes raw into v rejecting any field the variant does not
// declare.
func strictUnmarshal(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	// Trailing content after the message body is also malformed.
	if dec.More() {
		return fmt.Errorf("%w: trailing data", ErrMalformed)
	}
	return nil
}
