package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cryguy/hostv8"
)

// globalTemplate installs the shell builtins on the global object.
func (sh *Shell) globalTemplate(s hostv8.Scope) hostv8.Local[hostv8.ObjectTemplate] {
	global := hostv8.NewObjectTemplate(s)
	g := global.Deref()
	g.SetFunctionTemplate(s, "print", hostv8.NewFunctionTemplate(s, sh.printTo(func() io.Writer { return sh.out })))
	g.SetFunctionTemplate(s, "load", hostv8.NewFunctionTemplate(s, sh.load))
	g.SetFunctionTemplate(s, "read", hostv8.NewFunctionTemplate(s, sh.read))
	g.SetFunctionTemplate(s, "version", hostv8.NewFunctionTemplate(s, sh.version))
	g.SetFunctionTemplate(s, "quit", hostv8.NewFunctionTemplate(s, sh.quitBuiltin))
	g.SetFunctionTemplate(s, "setTimeout", hostv8.NewFunctionTemplate(s, sh.timers.setTimeout))
	g.SetFunctionTemplate(s, "clearTimeout", hostv8.NewFunctionTemplate(s, sh.timers.clearTimeout))

	console := hostv8.NewObjectTemplate(s)
	c := console.Deref()
	stdout := sh.printTo(func() io.Writer { return sh.out })
	stderr := sh.printTo(func() io.Writer { return sh.errOut })
	for _, level := range []string{"log", "info", "debug"} {
		c.SetFunctionTemplate(s, level, hostv8.NewFunctionTemplate(s, stdout))
	}
	for _, level := range []string{"warn", "error"} {
		c.SetFunctionTemplate(s, level, hostv8.NewFunctionTemplate(s, stderr))
	}
	g.SetObjectTemplate(s, "console", console)
	return global
}

// throwError raises an Error with msg into the calling script.
func throwError(cs *hostv8.CallbackScope, msg string) {
	str, ok := hostv8.NewString(cs, msg)
	if !ok {
		return
	}
	hostv8.ThrowException(cs, hostv8.NewError(cs, str))
}

func setString(cs *hostv8.CallbackScope, rv *hostv8.ReturnValue, s string) {
	if str, ok := hostv8.NewString(cs, s); ok {
		rv.Set(hostv8.AsValue(str))
	}
}

// printTo writes the arguments separated by spaces and a newline.
func (sh *Shell) printTo(w func() io.Writer) hostv8.FunctionCallback {
	return func(cs *hostv8.CallbackScope, args hostv8.FunctionCallbackArguments, rv *hostv8.ReturnValue) {
		parts := make([]string, args.Length())
		for i := range parts {
			parts[i] = args.Get(i).Deref().ToGoString(cs)
		}
		fmt.Fprintln(w(), strings.Join(parts, " "))
	}
}

func (sh *Shell) read(cs *hostv8.CallbackScope, args hostv8.FunctionCallbackArguments, rv *hostv8.ReturnValue) {
	if args.Length() != 1 {
		throwError(cs, "read() takes exactly one argument")
		return
	}
	path := args.Get(0).Deref().ToGoString(cs)
	data, err := os.ReadFile(path)
	if err != nil {
		throwError(cs, fmt.Sprintf("Error loading file '%s'", path))
		return
	}
	setString(cs, rv, string(data))
}

// load runs each argument as a script in the current context. Exceptions
// propagate to the caller.
func (sh *Shell) load(cs *hostv8.CallbackScope, args hostv8.FunctionCallbackArguments, rv *hostv8.ReturnValue) {
	for i := 0; i < args.Length(); i++ {
		path := args.Get(i).Deref().ToGoString(cs)
		data, err := os.ReadFile(path)
		if err != nil {
			throwError(cs, fmt.Sprintf("Error loading file '%s'", path))
			return
		}
		source, err := transpile(path, string(data))
		if err != nil {
			throwError(cs, err.Error())
			return
		}
		code, ok := hostv8.NewString(cs, source)
		if !ok {
			return
		}
		script, ok := hostv8.Compile(cs, code, &hostv8.ScriptOrigin{ResourceName: path})
		if !ok {
			return
		}
		if _, ok := script.Deref().Run(cs); !ok {
			return
		}
	}
}

func (sh *Shell) version(cs *hostv8.CallbackScope, args hostv8.FunctionCallbackArguments, rv *hostv8.ReturnValue) {
	setString(cs, rv, hostv8.Version())
}

func (sh *Shell) quitBuiltin(cs *hostv8.CallbackScope, args hostv8.FunctionCallbackArguments, rv *hostv8.ReturnValue) {
	code := 0
	if args.Length() > 0 {
		code = int(args.Get(0).Deref().Int32Value(cs))
	}
	sh.quit(code)
}
