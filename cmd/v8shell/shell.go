package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cryguy/hostv8"
	"github.com/cryguy/hostv8/codecache"
	"github.com/cryguy/hostv8/heapmetrics"
	"github.com/cryguy/hostv8/internal/devtools"
)

const (
	replOrigin      = "(shell)"
	metricsInterval = 5 * time.Second
)

// Shell runs scripts in one isolate and context.
type Shell struct {
	cfg    Config
	log    *zap.Logger
	out    io.Writer
	errOut io.Writer
	styles styles

	iso     *hostv8.Isolate
	context *hostv8.Global[hostv8.Context]
	timers  *timers

	cache    *codecache.Store
	debugger *devtools.Server
	metrics  *heapmetrics.Collector
	servers  []*http.Server

	quitting bool
	exitCode int
	closed   bool
}

// NewShell creates the isolate, installs the builtins and starts the
// optional inspector, metrics endpoint and code cache.
func NewShell(cfg Config, out, errOut io.Writer, log *zap.Logger) (*Shell, error) {
	sh := &Shell{
		cfg:    cfg,
		log:    log,
		out:    out,
		errOut: errOut,
		styles: newStyles(errOut),
	}
	params := hostv8.CreateParams{}
	if cfg.MaxHeapMB > 0 {
		params.MaxHeapSize = uint64(cfg.MaxHeapMB) * 1024 * 1024
	}
	sh.iso = hostv8.NewIsolate(params)
	sh.timers = newTimers(sh)

	hs := sh.iso.NewHandleScope()
	ctx := hostv8.NewContext(hs, hostv8.ContextOptions{GlobalTemplate: sh.globalTemplate(hs)})
	sh.context = hostv8.NewGlobal(sh.iso, ctx)

	if cfg.Inspect != "" || cfg.InspectBrk {
		addr := cfg.Inspect
		if addr == "" {
			addr = devtools.DefaultAddr
		}
		sh.debugger = devtools.New(sh.iso, devtools.Options{Addr: addr, Title: "v8shell", Logger: log})
		sh.debugger.Inspector().ContextCreated(ctx, sh.debugger.ContextGroupID(), "main")
	}
	hs.Close()

	if sh.debugger != nil {
		if err := sh.debugger.Start(); err != nil {
			sh.Close()
			return nil, err
		}
		fmt.Fprintf(errOut, "Debugger listening on ws://%s/ws/%s\n", sh.debugger.Addr(), sh.debugger.ID())
	}
	if cfg.CodeCache != "" {
		store, err := codecache.Open(codecache.Options{Path: cfg.CodeCache, Logger: log})
		if err != nil {
			sh.Close()
			return nil, err
		}
		sh.cache = store
	}
	if cfg.Metrics != "" {
		if err := sh.serveMetrics(cfg.Metrics); err != nil {
			sh.Close()
			return nil, err
		}
	}
	return sh, nil
}

func (sh *Shell) serveMetrics(addr string) error {
	sh.metrics = heapmetrics.New()
	reg := prometheus.NewRegistry()
	reg.MustRegister(sh.metrics, collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sh.metrics.Schedule("main", sh.iso, metricsInterval)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	select {
	case err := <-errc:
		return fmt.Errorf("serving metrics on %s: %w", addr, err)
	case <-time.After(50 * time.Millisecond):
	}
	sh.servers = append(sh.servers, srv)
	sh.log.Info("metrics listening", zap.String("addr", addr))
	return nil
}

// Close tears down the servers and the isolate.
func (sh *Shell) Close() {
	if sh.closed {
		return
	}
	sh.closed = true
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if sh.debugger != nil {
		_ = sh.debugger.Close(ctx)
	}
	for _, srv := range sh.servers {
		_ = srv.Shutdown(ctx)
	}
	if sh.metrics != nil {
		sh.metrics.Remove("main")
	}
	if sh.cache != nil {
		if err := sh.cache.Close(); err != nil {
			sh.log.Warn("closing code cache", zap.Error(err))
		}
	}
	sh.timers.clearAll()
	if sh.context != nil {
		sh.context.Close()
	}
	sh.iso.Dispose()
}

// WaitForDebugger blocks until a frontend releases the shell.
func (sh *Shell) WaitForDebugger(ctx context.Context) error {
	if sh.debugger == nil {
		return nil
	}
	return sh.debugger.WaitForDebugger(ctx)
}

// ExecuteString compiles and runs source. With printResult set a result
// other than undefined is printed; with reportExceptions set an uncaught
// exception is rendered on the error writer. It reports success.
func (sh *Shell) ExecuteString(source, name string, printResult, reportExceptions bool) bool {
	hs := sh.iso.NewHandleScope()
	defer hs.Close()
	cs := hostv8.NewContextScope(hs, sh.context.Local(hs))
	defer cs.Close()
	tc := cs.NewTryCatch()
	defer tc.Close()

	if sh.debugger != nil {
		sh.debugger.BreakIfScheduled()
	}
	src := &hostv8.Source{Code: source, Origin: hostv8.ScriptOrigin{ResourceName: name}}
	var (
		unbound hostv8.Local[hostv8.UnboundScript]
		ok      bool
	)
	if sh.cache != nil && name != replOrigin {
		unbound, ok = sh.cache.Compile(context.Background(), tc, src)
	} else {
		unbound, ok = hostv8.CompileUnboundScript(tc, src)
	}
	if !ok {
		if reportExceptions {
			reportException(sh, tc)
		}
		return false
	}
	result, ok := unbound.Deref().BindToCurrentContext(tc).Deref().Run(tc)
	if ok {
		hostv8.PerformMicrotaskCheckpoint(tc)
	}
	if !ok || tc.HasCaught() {
		if tc.HasTerminated() {
			return sh.quitting
		}
		if reportExceptions {
			reportException(sh, tc)
		}
		return false
	}
	if printResult && !result.Deref().IsUndefined() {
		fmt.Fprintln(sh.out, result.Deref().ToGoString(tc))
	}
	return true
}

// RunFile runs the script at path, transpiling TypeScript and modules.
func (sh *Shell) RunFile(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(sh.errOut, "Error reading '%s'\n", path)
		return false
	}
	source, err := transpile(path, string(data))
	if err != nil {
		fmt.Fprintln(sh.errOut, sh.styles.err.Render(err.Error()))
		return false
	}
	return sh.ExecuteString(source, path, false, true)
}

// RunLoop runs timers and other queued tasks until none are left or the
// script called quit.
func (sh *Shell) RunLoop() {
	for !sh.quitting && sh.timers.live() > 0 {
		hostv8.PumpMessageLoop(sh.iso, true)
	}
	for !sh.quitting && hostv8.PumpMessageLoop(sh.iso, false) {
	}
}

// Quitting reports whether the script called quit, and with which code.
func (sh *Shell) Quitting() (bool, int) { return sh.quitting, sh.exitCode }

// REPL reads lines from in, evaluating each and printing its result. The
// prompt is shown only when prompt is set.
func (sh *Shell) REPL(in io.Reader, prompt bool) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for !sh.quitting {
		if prompt {
			fmt.Fprint(sh.out, sh.styles.prompt.Render("v8>")+" ")
		}
		if !scanner.Scan() {
			if prompt {
				fmt.Fprintln(sh.out)
			}
			return
		}
		line := scanner.Text()
		if line == "" {
			continue
		}
		sh.ExecuteString(line, replOrigin, true, true)
		sh.RunLoop()
	}
}

// quit stops the running script from inside a callback.
func (sh *Shell) quit(code int) {
	sh.quitting = true
	sh.exitCode = code
	sh.iso.TerminateExecution()
}

// styles renders diagnostics; colors follow the capabilities of the
// error writer.
type styles struct {
	location lipgloss.Style
	caret    lipgloss.Style
	err      lipgloss.Style
	stack    lipgloss.Style
	prompt   lipgloss.Style
}

func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		location: r.NewStyle().Bold(true),
		caret:    r.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true),
		err:      r.NewStyle().Foreground(lipgloss.Color("#FF6B6B")),
		stack:    r.NewStyle().Foreground(lipgloss.Color("#666666")),
		prompt:   r.NewStyle().Foreground(lipgloss.Color("#7D56F4")).Bold(true),
	}
}
