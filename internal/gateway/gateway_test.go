package gateway

import (
	"strings"
	"testing"
	"time"

	"github.com/dshills/marksync/internal/schedule"
	"github.com/dshills/marksync/internal/wire"
)

const testOrigin = "app://marksync"

func newTestGateway(t *testing.T, callbacks Callbacks) (*Gateway, *schedule.FakeClock) {
	t.Helper()
	clock := schedule.NewFakeClock(time.Unix(0, 0))
	g := New(Config{SelfOrigin: testOrigin, Clock: clock}, callbacks)
	return g, clock
}

func TestValidateInboundAcceptsValidSignal(t *testing.T) {
	g, _ := newTestGateway(t, Callbacks{})

	msg, verr := g.ValidateInbound([]byte(`{"type":"ready"}`), testOrigin)
	if verr != nil {
		t.Fatalf("ValidateInbound() error = %v", verr)
	}
	if _, ok := msg.(wire.ReadySignal); !ok {
		t.Errorf("message type = %T, want wire.ReadySignal", msg)
	}
}

func TestValidateInboundRejectsBadOriginRegardlessOfPayload(t *testing.T) {
	var rejected string
	g, _ := newTestGateway(t, Callbacks{
		OnOriginRejected: func(origin string) { rejected = origin },
	})

	_, verr := g.ValidateInbound([]byte(`{"type":"ready"}`), "https://evil.example")
	if verr == nil || verr.Kind != RejectOrigin {
		t.Fatalf("error = %v, want RejectOrigin", verr)
	}
	if rejected != "https://evil.example" {
		t.Errorf("OnOriginRejected origin = %q, want %q", rejected, "https://evil.example")
	}
}

func TestValidateInboundRejectsOversizedBeforeSchema(t *testing.T) {
	var oversized int
	g, _ := newTestGateway(t, Callbacks{
		OnOversized: func(size int) { oversized = size },
	})

	// Oversized and malformed; the size check must win.
	raw := []byte(`{"type":"size","totalExtent":"` + strings.Repeat("a", MaxMessageBytes) + `"`)
	_, verr := g.ValidateInbound(raw, testOrigin)
	if verr == nil || verr.Kind != RejectSize {
		t.Fatalf("error = %v, want RejectSize", verr)
	}
	if oversized != len(raw) {
		t.Errorf("OnOversized size = %d, want %d", oversized, len(raw))
	}
}

func TestValidateInboundRateLimits(t *testing.T) {
	limited := 0
	g, _ := newTestGateway(t, Callbacks{
		OnRateLimited: func() { limited++ },
	})

	accepted := 0
	for i := 0; i < 150; i++ {
		if _, verr := g.ValidateInbound([]byte(`{"type":"ready"}`), testOrigin); verr == nil {
			accepted++
		}
	}

	if accepted != 100 {
		t.Errorf("accepted = %d, want 100", accepted)
	}
	if limited != 50 {
		t.Errorf("OnRateLimited calls = %d, want 50", limited)
	}
}

func TestValidateInboundRejectsMalformed(t *testing.T) {
	var invalid error
	g, _ := newTestGateway(t, Callbacks{
		OnInvalidMessage: func(err error) { invalid = err },
	})

	_, verr := g.ValidateInbound([]byte(`{"type":"ready","extra":1}`), testOrigin)
	if verr == nil || verr.Kind != RejectSchema {
		t.Fatalf("error = %v, want RejectSchema", verr)
	}
	if invalid == nil {
		t.Error("OnInvalidMessage not called")
	}
}

func TestValidateInboundSanitizesRuntimeError(t *testing.T) {
	g, _ := newTestGateway(t, Callbacks{})

	raw := []byte(`{"type":"runtime-error","message":"<b>boom</b> in /srv/app/doc.md","stack":"at /srv/app/render.lua:10"}`)
	msg, verr := g.ValidateInbound(raw, testOrigin)
	if verr != nil {
		t.Fatalf("ValidateInbound() error = %v", verr)
	}

	sig, ok := msg.(wire.RuntimeErrorSignal)
	if !ok {
		t.Fatalf("message type = %T, want wire.RuntimeErrorSignal", msg)
	}
	if strings.Contains(sig.Message, "<b>") {
		t.Errorf("Message not sanitized: %q", sig.Message)
	}
	if strings.Contains(sig.Message, "/srv/app/") {
		t.Errorf("Message path not redacted: %q", sig.Message)
	}
	if strings.Contains(sig.Stack, "/srv/app/") {
		t.Errorf("Stack path not redacted: %q", sig.Stack)
	}
}

func TestValidateOutboundSize(t *testing.T) {
	g, _ := newTestGateway(t, Callbacks{})

	if verr := g.ValidateOutboundSize(wire.NewThemeCommand("dark")); verr != nil {
		t.Errorf("ValidateOutboundSize(small) = %v, want nil", verr)
	}

	big := wire.NewRenderCommand(strings.Repeat("x", MaxMessageBytes), nil)
	verr := g.ValidateOutboundSize(big)
	if verr == nil || verr.Kind != RejectSize {
		t.Errorf("ValidateOutboundSize(big) = %v, want RejectSize", verr)
	}
}

func TestGatewayStats(t *testing.T) {
	g, _ := newTestGateway(t, Callbacks{})

	g.ValidateInbound([]byte(`{"type":"ready"}`), testOrigin)
	g.ValidateInbound([]byte(`{"type":"ready"}`), "https://evil.example")
	g.ValidateInbound([]byte(`{"type":"nope"}`), testOrigin)

	stats := g.Stats()
	if stats.Accepted != 1 {
		t.Errorf("Accepted = %d, want 1", stats.Accepted)
	}
	if stats.RejectedOrigin != 1 {
		t.Errorf("RejectedOrigin = %d, want 1", stats.RejectedOrigin)
	}
	if stats.RejectedSchema != 1 {
		t.Errorf("RejectedSchema = %d, want 1", stats.RejectedSchema)
	}
}

func TestResetSessionRefillsBucket(t *testing.T) {
	g, _ := newTestGateway(t, Callbacks{})

	for i := 0; i < 120; i++ {
		g.TryConsumeToken()
	}
	if g.TryConsumeToken() {
		t.Fatal("bucket should be empty")
	}

	g.ResetSession()
	if !g.TryConsumeToken() {
		t.Error("TryConsumeToken() = false after ResetSession, want true")
	}
}
