// Package gateway enforces the trust boundary between the host and the
// isolated rendering surface.
//
// Every inbound message passes origin, size, rate, and schema checks before
// it reaches any consumer; free-text fields are sanitized on the way through.
// A rejection is never a fault: it is reported through a result and optional
// diagnostic callbacks, and the data path simply drops the message.
package gateway

import (
	"fmt"
	"sync/atomic"

	"github.com/dshills/marksync/internal/schedule"
	"github.com/dshills/marksync/internal/wire"
)

// MaxMessageBytes bounds serialized message size in both directions.
// Oversized payloads are rejected before schema validation.
const MaxMessageBytes = 5 * 1024 * 1024

// Default rate-limit parameters for inbound messages.
const (
	DefaultBucketCapacity = 100
	DefaultRefillPerSec   = 100
)

// RejectKind classifies a gateway rejection.
type RejectKind int

const (
	// RejectOrigin indicates a message from a disallowed origin.
	RejectOrigin RejectKind = iota
	// RejectSize indicates a payload over the size bound.
	RejectSize
	// RejectRate indicates the token bucket was empty.
	RejectRate
	// RejectSchema indicates a payload that failed strict validation.
	RejectSchema
)

// String returns the rejection class name.
func (k RejectKind) String() string {
	switch k {
	case RejectOrigin:
		return "origin"
	case RejectSize:
		return "size"
	case RejectRate:
		return "rate"
	case RejectSchema:
		return "schema"
	default:
		return "unknown"
	}
}

// ValidationError describes a rejected message.
type ValidationError struct {
	Kind   RejectKind
	Detail string
}

// Error implements error.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("gateway rejected message (%s): %s", e.Kind, e.Detail)
}

// Callbacks are optional diagnostic hooks. Rejections alter no preview state;
// these exist for logging and metrics only.
type Callbacks struct {
	OnOriginRejected func(origin string)
	OnOversized      func(size int)
	OnRateLimited    func()
	OnInvalidMessage func(err error)
}

// Config configures a Gateway.
type Config struct {
	// SelfOrigin is the host's own origin.
	SelfOrigin string

	// DevMode additionally admits loopback origins.
	DevMode bool

	// BucketCapacity is the token bucket capacity. Zero means the default.
	BucketCapacity float64

	// RefillPerSec is the continuous refill rate. Zero means the default.
	RefillPerSec float64

	// Clock drives rate-limiter refill. Nil means the system clock.
	Clock schedule.Clock
}

// Gateway validates, rate-limits, and sanitizes boundary traffic.
type Gateway struct {
	origins   *OriginPolicy
	bucket    *TokenBucket
	sanitizer *Sanitizer
	callbacks Callbacks

	rejectedByKind [4]atomic.Uint64
	accepted       atomic.Uint64
}

// New creates a gateway.
func New(cfg Config, callbacks Callbacks) *Gateway {
	capacity := cfg.BucketCapacity
	if capacity <= 0 {
		capacity = DefaultBucketCapacity
	}
	refill := cfg.RefillPerSec
	if refill <= 0 {
		refill = DefaultRefillPerSec
	}

	var bucketOpts []TokenBucketOption
	if cfg.Clock != nil {
		bucketOpts = append(bucketOpts, WithBucketClock(cfg.Clock))
	}

	return &Gateway{
		origins:   NewOriginPolicy(cfg.SelfOrigin, cfg.DevMode),
		bucket:    NewTokenBucket(capacity, refill, bucketOpts...),
		sanitizer: NewSanitizer(),
		callbacks: callbacks,
	}
}

// ValidateInbound runs the full inbound check sequence on a raw message and
// returns the typed signal on success. Sanitization is applied to free-text
// fields of the returned message.
func (g *Gateway) ValidateInbound(raw []byte, origin string) (wire.Inbound, *ValidationError) {
	if !g.CheckOrigin(origin) {
		g.rejectedByKind[RejectOrigin].Add(1)
		if g.callbacks.OnOriginRejected != nil {
			g.callbacks.OnOriginRejected(origin)
		}
		return nil, &ValidationError{Kind: RejectOrigin, Detail: fmt.Sprintf("origin %q not allowed", origin)}
	}

	if len(raw) > MaxMessageBytes {
		g.rejectedByKind[RejectSize].Add(1)
		if g.callbacks.OnOversized != nil {
			g.callbacks.OnOversized(len(raw))
		}
		return nil, &ValidationError{Kind: RejectSize, Detail: fmt.Sprintf("payload %d bytes exceeds %d", len(raw), MaxMessageBytes)}
	}

	if !g.TryConsumeToken() {
		if g.callbacks.OnRateLimited != nil {
			g.callbacks.OnRateLimited()
		}
		return nil, &ValidationError{Kind: RejectRate, Detail: "rate limit exceeded"}
	}

	msg, err := wire.DecodeInbound(raw)
	if err != nil {
		g.rejectedByKind[RejectSchema].Add(1)
		if g.callbacks.OnInvalidMessage != nil {
			g.callbacks.OnInvalidMessage(err)
		}
		return nil, &ValidationError{Kind: RejectSchema, Detail: err.Error()}
	}

	g.accepted.Add(1)
	return g.sanitizeInbound(msg), nil
}

// ValidateOutboundSize checks that an outbound message fits the size bound.
func (g *Gateway) ValidateOutboundSize(msg wire.Outbound) *ValidationError {
	raw, err := wire.Encode(msg)
	if err != nil {
		return &ValidationError{Kind: RejectSchema, Detail: err.Error()}
	}
	if len(raw) > MaxMessageBytes {
		g.rejectedByKind[RejectSize].Add(1)
		if g.callbacks.OnOversized != nil {
			g.callbacks.OnOversized(len(raw))
		}
		return &ValidationError{Kind: RejectSize, Detail: fmt.Sprintf("payload %d bytes exceeds %d", len(raw), MaxMessageBytes)}
	}
	return nil
}

// CheckOrigin reports whether origin may deliver inbound messages.
func (g *Gateway) CheckOrigin(origin string) bool {
	return g.origins.Check(origin)
}

// TryConsumeToken deducts one rate-limit token if available.
func (g *Gateway) TryConsumeToken() bool {
	ok := g.bucket.TryConsume()
	if !ok {
		g.rejectedByKind[RejectRate].Add(1)
	}
	return ok
}

// Sanitize applies the text sanitization pipeline. Exposed for callers that
// display gateway-adjacent text (for example compile error messages).
func (g *Gateway) Sanitize(text string, opts SanitizeOptions) string {
	return g.sanitizer.Sanitize(text, opts)
}

// Stats is a snapshot of gateway counters.
type Stats struct {
	Accepted         uint64
	RejectedOrigin   uint64
	RejectedSize     uint64
	RejectedRate     uint64
	RejectedSchema   uint64
	LimiterRejection uint64
}

// Stats returns current counters.
func (g *Gateway) Stats() Stats {
	return Stats{
		Accepted:         g.accepted.Load(),
		RejectedOrigin:   g.rejectedByKind[RejectOrigin].Load(),
		RejectedSize:     g.rejectedByKind[RejectSize].Load(),
		RejectedRate:     g.rejectedByKind[RejectRate].Load(),
		RejectedSchema:   g.rejectedByKind[RejectSchema].Load(),
		LimiterRejection: g.bucket.Rejections(),
	}
}

// ResetSession restores the rate limiter for a new surface session.
func (g *Gateway) ResetSession() {
	g.bucket.Reset()
}

// sanitizeInbound sanitizes free-text fields of a validated signal.
func (g *Gateway) sanitizeInbound(msg wire.Inbound) wire.Inbound {
	switch m := msg.(type) {
	case wire.RuntimeErrorSignal:
		m.Message = g.sanitizer.SanitizeError(m.Message)
		m.Stack = g.sanitizer.SanitizeStack(m.Stack)
		return m
	default:
		return msg
	}
}
