package luarender

import (
	"sync"
	"testing"
	"time"

	"github.com/dshills/marksync/internal/wire"
)

// signalCollector records every inbound signal a surface emits.
type signalCollector struct {
	mu      sync.Mutex
	signals []wire.Inbound
	origins []string
}

func (c *signalCollector) receive(raw []byte, origin string) {
	msg, err := wire.DecodeInbound(raw)
	if err != nil {
		return
	}
	c.mu.Lock()
	c.signals = append(c.signals, msg)
	c.origins = append(c.origins, origin)
	c.mu.Unlock()
}

func (c *signalCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.signals)
}

func (c *signalCollector) at(i int) wire.Inbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signals[i]
}

func (c *signalCollector) origin(i int) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.origins[i]
}

func (c *signalCollector) waitFor(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.count() >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d signals, have %d", n, c.count())
}

func newTestSurface(t *testing.T) (*Surface, *signalCollector) {
	t.Helper()
	collector := &signalCollector{}
	s := New(Config{Inbound: collector.receive, VisibleExtent: 200})
	t.Cleanup(s.Close)
	collector.waitFor(t, 1)
	return s, collector
}

func postRender(t *testing.T, s *Surface, code string, frontmatter map[string]any) {
	t.Helper()
	raw, err := wire.Encode(wire.NewRenderCommand(code, frontmatter))
	if err != nil {
		t.Fatalf("encode render: %v", err)
	}
	if err := s.Post(raw); err != nil {
		t.Fatalf("Post: %v", err)
	}
}

func TestEmitsReadyOnStart(t *testing.T) {
	collector := &signalCollector{}
	s := New(Config{Inbound: collector.receive})
	defer s.Close()

	collector.waitFor(t, 1)
	if _, ok := collector.at(0).(wire.ReadySignal); !ok {
		t.Errorf("first signal = %T, want ReadySignal", collector.at(0))
	}
	if got := collector.origin(0); got != "null" {
		t.Errorf("origin = %q, want %q", got, "null")
	}
}

func TestSignalHandlerMayPostCommands(t *testing.T) {
	// The host reacts to the ready signal by sending the current theme, so
	// posting from inside a signal handler must not wedge the VM.
	collector := &signalCollector{}
	surfCh := make(chan *Surface, 1)
	var once sync.Once
	inbound := func(raw []byte, origin string) {
		collector.receive(raw, origin)
		msg, err := wire.DecodeInbound(raw)
		if err != nil {
			return
		}
		if _, ok := msg.(wire.ReadySignal); ok {
			once.Do(func() {
				s := <-surfCh
				theme, err := wire.Encode(wire.NewThemeCommand("dark"))
				if err != nil {
					t.Errorf("encode theme: %v", err)
					return
				}
				if err := s.Post(theme); err != nil {
					t.Errorf("Post from ready handler: %v", err)
				}
			})
		}
	}

	s := New(Config{Inbound: inbound, VisibleExtent: 200})
	t.Cleanup(s.Close)
	surfCh <- s

	collector.waitFor(t, 1)
	postRender(t, s, `view.block(1, 30)`, nil)
	collector.waitFor(t, 2)

	if _, ok := collector.at(1).(wire.SizeSignal); !ok {
		t.Errorf("second signal = %T, want SizeSignal", collector.at(1))
	}

	// The handler's theme post and the render post race for queue order, so
	// poll rather than assert immediately.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && s.Theme() != "dark" {
		time.Sleep(time.Millisecond)
	}
	if got := s.Theme(); got != "dark" {
		t.Errorf("Theme = %q, want %q", got, "dark")
	}
}

func TestLayoutProgramReportsGeometry(t *testing.T) {
	s, collector := newTestSurface(t)

	postRender(t, s, `
		view.block(1, 40, "heading")
		view.spacer(10)
		view.block(3, 25)
		view.block(7, 60)
	`, nil)

	collector.waitFor(t, 2)
	sig, ok := collector.at(1).(wire.SizeSignal)
	if !ok {
		t.Fatalf("second signal = %T, want SizeSignal", collector.at(1))
	}
	if sig.TotalExtent != 135 {
		t.Errorf("TotalExtent = %v, want 135", sig.TotalExtent)
	}
	if sig.VisibleExtent != 200 {
		t.Errorf("VisibleExtent = %v, want 200", sig.VisibleExtent)
	}
	if len(sig.Anchors) != 3 {
		t.Fatalf("anchors = %d, want 3", len(sig.Anchors))
	}
	want := []wire.Anchor{
		{Line: 1, Offset: 0, Ref: "heading"},
		{Line: 3, Offset: 50, Ref: "block:3"},
		{Line: 7, Offset: 75, Ref: "block:7"},
	}
	for i, a := range sig.Anchors {
		if a != want[i] {
			t.Errorf("anchor[%d] = %+v, want %+v", i, a, want[i])
		}
	}
}

func TestElementOffsetProbe(t *testing.T) {
	s, collector := newTestSurface(t)

	postRender(t, s, `view.block(5, 30) view.block(9, 20)`, nil)
	collector.waitFor(t, 2)

	offset, ref, ok := s.ElementOffset(9)
	if !ok {
		t.Fatal("ElementOffset(9) not found")
	}
	if offset != 30 || ref != "block:9" {
		t.Errorf("ElementOffset(9) = (%v, %q), want (30, block:9)", offset, ref)
	}
	if _, _, ok := s.ElementOffset(4); ok {
		t.Error("ElementOffset(4) found, want miss")
	}
}

func TestScriptErrorKeepsPreviousLayout(t *testing.T) {
	s, collector := newTestSurface(t)

	postRender(t, s, `view.block(2, 50)`, nil)
	collector.waitFor(t, 2)

	postRender(t, s, `error("template exploded")`, nil)
	collector.waitFor(t, 3)

	sig, ok := collector.at(2).(wire.RuntimeErrorSignal)
	if !ok {
		t.Fatalf("third signal = %T, want RuntimeErrorSignal", collector.at(2))
	}
	if sig.Message == "" {
		t.Error("runtime error message is empty")
	}

	if _, _, ok := s.ElementOffset(2); !ok {
		t.Error("previous layout lost after script error")
	}
	if got := s.Renders(); got != 1 {
		t.Errorf("Renders = %d, want 1", got)
	}
}

func TestSandboxBlocksEscapes(t *testing.T) {
	tests := []struct {
		name string
		code string
	}{
		{"os global", `os.execute("true")`},
		{"io global", `io.open("/etc/passwd")`},
		{"require io", `require("io")`},
		{"load", `load("return 1")()`},
		{"dofile", `dofile("/etc/passwd")`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, collector := newTestSurface(t)

			postRender(t, s, tt.code, nil)
			collector.waitFor(t, 2)

			if _, ok := collector.at(1).(wire.RuntimeErrorSignal); !ok {
				t.Errorf("signal = %T, want RuntimeErrorSignal", collector.at(1))
			}
		})
	}
}

func TestRunawayScriptAborted(t *testing.T) {
	collector := &signalCollector{}
	s := New(Config{Inbound: collector.receive, ExecTimeout: 50 * time.Millisecond})
	t.Cleanup(s.Close)
	collector.waitFor(t, 1)

	postRender(t, s, `view.block(1, 10)`, nil)
	collector.waitFor(t, 2)

	postRender(t, s, `while true do end`, nil)
	collector.waitFor(t, 3)

	if _, ok := collector.at(2).(wire.RuntimeErrorSignal); !ok {
		t.Fatalf("third signal = %T, want RuntimeErrorSignal", collector.at(2))
	}
	if _, _, ok := s.ElementOffset(1); !ok {
		t.Error("previous layout lost after aborted script")
	}

	// The VM stays usable after an aborted pass.
	postRender(t, s, `view.block(2, 15)`, nil)
	collector.waitFor(t, 4)
	if _, ok := collector.at(3).(wire.SizeSignal); !ok {
		t.Errorf("fourth signal = %T, want SizeSignal", collector.at(3))
	}
}

func TestSafeModulesStillWork(t *testing.T) {
	s, collector := newTestSurface(t)

	postRender(t, s, `
		local h = math.max(10, string.len("abcdef") * 5)
		view.block(1, h)
	`, nil)
	collector.waitFor(t, 2)

	sig := collector.at(1).(wire.SizeSignal)
	if sig.TotalExtent != 30 {
		t.Errorf("TotalExtent = %v, want 30", sig.TotalExtent)
	}
}

func TestThemeCommandSetsGlobal(t *testing.T) {
	s, collector := newTestSurface(t)

	raw, err := wire.Encode(wire.NewThemeCommand("dark"))
	if err != nil {
		t.Fatalf("encode theme: %v", err)
	}
	if err := s.Post(raw); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if got := s.Theme(); got != "dark" {
		t.Errorf("Theme = %q, want %q", got, "dark")
	}

	// The running theme is visible to layout programs.
	postRender(t, s, `
		if theme == "dark" then view.block(1, 11) else view.block(1, 99) end
	`, nil)
	collector.waitFor(t, 2)

	sig := collector.at(1).(wire.SizeSignal)
	if sig.TotalExtent != 11 {
		t.Errorf("TotalExtent = %v, want 11", sig.TotalExtent)
	}
}

func TestScrollCommandAppliedSilently(t *testing.T) {
	s, collector := newTestSurface(t)

	raw, err := wire.Encode(wire.NewScrollCommand(0.25, true, 150))
	if err != nil {
		t.Fatalf("encode scroll: %v", err)
	}
	if err := s.Post(raw); err != nil {
		t.Fatalf("Post: %v", err)
	}

	if got := s.ScrollRatio(); got != 0.25 {
		t.Errorf("ScrollRatio = %v, want 0.25", got)
	}
	// Commanded scrolls must not echo back as events.
	if got := collector.count(); got != 1 {
		t.Errorf("signals = %d after scroll command, want 1 (ready only)", got)
	}
}

func TestFrontmatterVisibleAsMeta(t *testing.T) {
	s, collector := newTestSurface(t)

	postRender(t, s, `
		if meta.title == "Notes" and meta.revision == 3 then
			view.block(1, 42)
		end
	`, map[string]any{"title": "Notes", "revision": 3})
	collector.waitFor(t, 2)

	sig := collector.at(1).(wire.SizeSignal)
	if sig.TotalExtent != 42 {
		t.Errorf("TotalExtent = %v, want 42", sig.TotalExtent)
	}
}

func TestPostAfterClose(t *testing.T) {
	s, _ := newTestSurface(t)
	s.Close()

	raw, err := wire.Encode(wire.NewThemeCommand("dark"))
	if err != nil {
		t.Fatalf("encode theme: %v", err)
	}
	if err := s.Post(raw); err != ErrClosed {
		t.Errorf("Post after Close = %v, want ErrClosed", err)
	}
}
