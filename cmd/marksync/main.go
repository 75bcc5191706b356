// Package main is a headless live-preview runner: it compiles a markdown
// file into layout programs, executes them on the sandboxed Lua surface, and
// keeps recompiling as the file changes on disk.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dshills/marksync/internal/config"
	"github.com/dshills/marksync/internal/document"
	"github.com/dshills/marksync/internal/pipeline"
	"github.com/dshills/marksync/internal/preview"
	"github.com/dshills/marksync/internal/surface"
	"github.com/dshills/marksync/internal/surface/luarender"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	opts := parseFlags()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid configuration: %v\n", err)
		return 1
	}
	if opts.theme != "" {
		cfg.Theme = opts.theme
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.devMode {
		cfg.Gateway.DevMode = true
	}

	log := preview.NewLogger(preview.LoggerConfig{
		Level:  preview.ParseLogLevel(cfg.Logging.Level),
		Output: os.Stderr,
		Prefix: "marksync",
	})

	// The surface is created inside the session's transport factory; the
	// relay lets the mapper probe it once it exists.
	relay := &probeRelay{}
	var surf *luarender.Surface

	mode, err := cfg.ScrollMode()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	session, err := preview.NewSession(preview.Config{
		Compiler: pipeline.CompilerFunc(compileMarkdown),
		NewTransport: func(inbound func(raw []byte, origin string)) surface.Transport {
			surf = luarender.New(luarender.Config{
				Inbound:       inbound,
				VisibleExtent: cfg.Surface.VisibleExtent,
			})
			relay.surf = surf
			return surf
		},
		Probe:           relay,
		SelfOrigin:      cfg.Gateway.SelfOrigin,
		DevMode:         cfg.Gateway.DevMode,
		Theme:           cfg.Theme,
		ScrollMode:      mode,
		ReducedMotion:   cfg.Scroll.ReducedMotion,
		CompileDebounce: cfg.CompileDebounce(),
		ScrollDebounce:  cfg.ScrollDebounce(),
		Logger:          log,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize: %v\n", err)
		return 1
	}
	defer session.Close()

	session.Start()
	log.Debug("surface content policy: %s", session.ContentPolicy())

	initial, err := os.ReadFile(opts.file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	session.ReplaceDocument(string(initial))
	session.Flush()

	watcher, err := document.Watch(opts.file, document.Config{
		OnChange: session.UpdateDocument,
		OnRemove: func() { log.Warn("watched file removed: %s", opts.file) },
		OnError:  func(err error) { log.Error("watch error: %v", err) },
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot watch %s: %v\n", opts.file, err)
		return 1
	}
	defer func() { _ = watcher.Close() }()

	log.Info("previewing %s (theme %s)", opts.file, cfg.Theme)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals

	d := session.Diagnostics()
	log.Info("shutting down: %d compiles, %d renders, %d rejected messages",
		d.Compiles, d.Metrics.RendersDispatched, d.Gateway.RejectedOrigin+d.Gateway.RejectedSize+d.Gateway.RejectedRate+d.Gateway.RejectedSchema)
	return 0
}

// options are the parsed command-line options.
type options struct {
	configPath string
	file       string
	theme      string
	logLevel   string
	devMode    bool
}

func parseFlags() options {
	var opts options
	var showVersion bool
	var showHelp bool

	flag.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	flag.StringVar(&opts.configPath, "c", "", "Path to configuration file (shorthand)")
	flag.StringVar(&opts.theme, "theme", "", "Preview theme")
	flag.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.BoolVar(&opts.devMode, "dev", false, "Admit loopback origins at the gateway")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showVersion, "v", false, "Show version information (shorthand)")
	flag.BoolVar(&showHelp, "help", false, "Show help message")
	flag.BoolVar(&showHelp, "h", false, "Show help message (shorthand)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Marksync - live markdown preview synchronizer\n\n")
		fmt.Fprintf(os.Stderr, "Usage: marksync [options] <file.md>\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  marksync README.md              Preview a file\n")
		fmt.Fprintf(os.Stderr, "  marksync -theme nord notes.md   Preview with a theme\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}
	if showVersion {
		fmt.Printf("Marksync %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
		os.Exit(0)
	}

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	opts.file = flag.Arg(0)
	return opts
}

// probeRelay forwards mapper probes to the surface once it exists.
type probeRelay struct {
	surf *luarender.Surface
}

func (r *probeRelay) ElementOffset(line uint32) (float64, string, bool) {
	if r.surf == nil {
		return 0, "", false
	}
	return r.surf.ElementOffset(line)
}

// Block heights for the demo markdown compiler.
const (
	headingHeight   = 40
	paragraphHeight = 20
	codeLineHeight  = 18
	blockGap        = 10
)

// compileMarkdown turns markdown source into a layout program. Headings and
// paragraphs become anchored blocks; fenced code blocks keep one block per
// fence anchored at the opening line.
func compileMarkdown(source string) pipeline.Result {
	var b strings.Builder
	lines := strings.Split(source, "\n")

	inFence := false
	fenceStart := 0
	fenceLines := 0
	paraStart := 0

	flushPara := func(end int) {
		if paraStart == 0 {
			return
		}
		fmt.Fprintf(&b, "view.block(%d, %d, \"p:%d\")\n", paraStart, paragraphHeight*(end-paraStart+1), paraStart)
		fmt.Fprintf(&b, "view.spacer(%d)\n", blockGap)
		paraStart = 0
	}

	for i, line := range lines {
		n := i + 1
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "```") {
			if inFence {
				fmt.Fprintf(&b, "view.block(%d, %d, \"code:%d\")\n", fenceStart, codeLineHeight*(fenceLines+2), fenceStart)
				fmt.Fprintf(&b, "view.spacer(%d)\n", blockGap)
				inFence = false
				continue
			}
			flushPara(n - 1)
			inFence = true
			fenceStart = n
			fenceLines = 0
			continue
		}
		if inFence {
			fenceLines++
			continue
		}

		switch {
		case trimmed == "":
			flushPara(n - 1)
		case strings.HasPrefix(trimmed, "#"):
			flushPara(n - 1)
			fmt.Fprintf(&b, "view.block(%d, %d, \"h:%d\")\n", n, headingHeight, n)
			fmt.Fprintf(&b, "view.spacer(%d)\n", blockGap)
		default:
			if paraStart == 0 {
				paraStart = n
			}
		}
	}
	if inFence {
		return pipeline.Result{Errors: []pipeline.CompileError{{
			Message: "unterminated code fence",
			Line:    fenceStart,
		}}}
	}
	flushPara(len(lines))

	return pipeline.Result{Output: &pipeline.Output{Code: b.String()}}
}
