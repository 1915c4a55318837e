// Package cprint prints reconciler activity to a terminal with one color
// per outcome kind, the way the engine's own registry.Outcome and
// domain.Observation states are reported to an operator watching a run.
package cprint

import (
	"io"
	"os"
	"sync"

	"github.com/acarl005/stripansi"
	"github.com/fatih/color"
)

var (
	// mu is used to synchronize writes from multiple goroutines.
	mu sync.Mutex
	// DisableOutput disables all output.
	DisableOutput bool
)

func conditionalPrintf(fn func(string, ...interface{}), format string, a ...interface{}) {
	if DisableOutput {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	fn(format, a...)
}

func conditionalPrintln(fn func(...interface{}), a ...interface{}) {
	if DisableOutput {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	fn(a...)
}

func conditionalPrintfCustomWriter(fn func(io.Writer, string, ...interface{}), w io.Writer, format string, a ...interface{}) {
	if DisableOutput {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	fn(w, format, a...)
}

func conditionalPrintlnCustomWriter(fn func(io.Writer, ...interface{}), w io.Writer, a ...interface{}) {
	if DisableOutput {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	fn(w, a...)
}

// Sanitize strips ANSI escape sequences from s, so that text from an
// out-of-core Chronicler or Feed client (observation payloads, event_aux
// blobs) cannot inject cursor moves or color resets when echoed to a
// terminal. The print functions in this package do not apply it
// themselves.
func Sanitize(s string) string {
	return stripansi.Strip(s)
}

var (
	branchPrintf    = color.New(color.FgGreen).PrintfFunc()
	terminatePrintf = color.New(color.FgRed).PrintfFunc()
	resolvePrintf   = color.New(color.FgCyan).PrintfFunc()
	failPrintf      = color.New(color.FgYellow).PrintfFunc()

	// BranchPrintf is fmt.Printf with green as foreground color, used
	// when a version DAG branch takes root: a new successor version.
	BranchPrintf = func(format string, a ...interface{}) {
		conditionalPrintf(branchPrintf, format, a...)
	}

	// TerminatePrintf is fmt.Printf with red as foreground color, used
	// when a version is terminated.
	TerminatePrintf = func(format string, a ...interface{}) {
		conditionalPrintf(terminatePrintf, format, a...)
	}

	// ResolvePrintf is fmt.Printf with cyan as foreground color, used
	// when a Chron observation resolves against a single candidate
	// version.
	ResolvePrintf = func(format string, a ...interface{}) {
		conditionalPrintf(resolvePrintf, format, a...)
	}

	// FailPrintf is fmt.Printf with yellow as foreground color, used for
	// an Ambiguous or Failed observation.
	FailPrintf = func(format string, a ...interface{}) {
		conditionalPrintf(failPrintf, format, a...)
	}

	branchPrintln    = color.New(color.FgGreen).PrintlnFunc()
	terminatePrintln = color.New(color.FgRed).PrintlnFunc()
	resolvePrintln   = color.New(color.FgCyan).PrintlnFunc()
	failPrintln      = color.New(color.FgYellow).PrintlnFunc()
	failFprintln     = color.New(color.FgYellow).FprintlnFunc()
	failFprintf      = color.New(color.FgYellow).FprintfFunc()

	// BranchPrintln is fmt.Println with green as foreground color.
	BranchPrintln = func(a ...interface{}) {
		conditionalPrintln(branchPrintln, a...)
	}

	// TerminatePrintln is fmt.Println with red as foreground color.
	TerminatePrintln = func(a ...interface{}) {
		conditionalPrintln(terminatePrintln, a...)
	}

	// ResolvePrintln is fmt.Println with cyan as foreground color.
	ResolvePrintln = func(a ...interface{}) {
		conditionalPrintln(resolvePrintln, a...)
	}

	// FailPrintln is fmt.Println with yellow as foreground color.
	FailPrintln = func(a ...interface{}) {
		conditionalPrintln(failPrintln, a...)
	}

	// FailPrintlnStdErr is fmt.Println with yellow as foreground color.
	// It prints to stderr, instead of stdout.
	FailPrintlnStdErr = func(a ...interface{}) {
		conditionalPrintlnCustomWriter(failFprintln, os.Stderr, a...)
	}

	// FailPrintfStdErr is fmt.Printf with yellow as foreground color,
	// printing to stderr.
	FailPrintfStdErr = func(format string, a ...interface{}) {
		conditionalPrintfCustomWriter(failFprintf, os.Stderr, format, a...)
	}
)
