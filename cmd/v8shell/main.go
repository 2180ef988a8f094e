// Command v8shell runs JavaScript and TypeScript files in a V8 isolate and
// offers a REPL, a DevTools inspector, heap metrics and a persistent code
// cache.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/cryguy/hostv8"
)

// exitError carries the process exit code out of RunE.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func newCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	var cfg Config
	cmd := &cobra.Command{
		Use:           "v8shell [OPTIONS] [FILE...]",
		Short:         "Run scripts in a V8 isolate.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg, args, stdin, stdout, stderr)
		},
	}
	cfg.installFlags(cmd.Flags())
	return cmd
}

func run(ctx context.Context, cfg Config, files []string, stdin io.Reader, stdout, stderr io.Writer) error {
	log, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	hostv8.SetLogger(log)

	if cfg.V8Flags != "" {
		hostv8.SetFlagsFromString(cfg.V8Flags)
	}
	hostv8.InitializePlatform(hostv8.NewDefaultPlatform(hostv8.PlatformOptions{}))
	hostv8.Initialize()
	defer func() {
		hostv8.Dispose()
		hostv8.DisposePlatform()
	}()

	code, err := runShell(ctx, cfg, files, stdin, stdout, stderr, log)
	if err != nil {
		return err
	}
	if code != 0 {
		return exitError{code}
	}
	return nil
}

// runShell runs the shell on an initialized engine and returns the exit
// code.
func runShell(ctx context.Context, cfg Config, files []string, stdin io.Reader, stdout, stderr io.Writer, log *zap.Logger) (int, error) {
	sh, err := NewShell(cfg, stdout, stderr, log)
	if err != nil {
		return 1, err
	}
	defer sh.Close()

	if cfg.InspectBrk {
		if err := sh.WaitForDebugger(ctx); err != nil {
			return 1, fmt.Errorf("waiting for debugger: %w", err)
		}
	}

	ok := true
	if cfg.Eval != "" {
		ok = sh.ExecuteString(cfg.Eval, "unnamed", false, true)
		sh.RunLoop()
	}
	for _, f := range files {
		if !ok {
			break
		}
		if quitting, code := sh.Quitting(); quitting {
			return code, nil
		}
		ok = sh.RunFile(f)
		sh.RunLoop()
	}
	if quitting, code := sh.Quitting(); quitting {
		return code, nil
	}
	if !ok {
		return 1, nil
	}

	if cfg.Interactive || (cfg.Eval == "" && len(files) == 0) {
		sh.REPL(stdin, isTerminal(stdin))
		if _, code := sh.Quitting(); code != 0 {
			return code, nil
		}
	}
	return 0, nil
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func main() {
	cmd := newCommand(os.Stdin, os.Stdout, os.Stderr)
	if err := cmd.Execute(); err != nil {
		var ee exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, "v8shell: "+strings.TrimSpace(err.Error()))
		os.Exit(1)
	}
}
