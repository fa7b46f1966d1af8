// Package sandbox runs model-supplied code snippets out of process under a
// wall-clock budget and reports every outcome as text.
//
// Nothing here sanitizes code. LocalExecutor relies on the host; use
// DockerExecutor when snippets must not see the host filesystem or network.
package sandbox

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Language is a supported snippet language.
type Language string

const (
	JavaScript Language = "javascript"
	Python     Language = "python"
)

// Result markers.
const (
	outputMarker    = "Output:"
	errorMarker     = "Error:"
	timedOutMessage = "Error: execution timed out"
	truncatedNotice = "(output truncated, earlier bytes were dropped)"
)

// Status classifies an execution.
type Status int

const (
	StatusOK Status = iota
	StatusFailed
	StatusTimedOut
	StatusNotFound
	StatusUnsupported
)

// Result is the outcome of one execution.
type Result struct {
	Status      Status
	Language    Language
	Interpreter string
	Stdout      string
	Stderr      string
	ExitCode    int
	Duration    time.Duration
	Truncated   bool
}

// Text renders the result as tool-message content.
func (r Result) Text() string {
	switch r.Status {
	case StatusOK:
		return r.withTruncation(outputMarker + " " + strings.TrimSpace(r.Stdout))
	case StatusTimedOut:
		return timedOutMessage
	case StatusNotFound:
		return fmt.Sprintf("%s %s interpreter not found", errorMarker, r.Interpreter)
	case StatusUnsupported:
		return fmt.Sprintf("%s unsupported language: %s", errorMarker, r.Language)
	default:
		msg := strings.TrimSpace(r.Stderr)
		if msg == "" {
			msg = fmt.Sprintf("exit status %d", r.ExitCode)
		}
		return r.withTruncation(errorMarker + " " + msg)
	}
}

func (r Result) withTruncation(text string) string {
	if !r.Truncated {
		return text
	}
	return text + "\n" + truncatedNotice
}

// Executor runs a snippet. Implementations never return Go errors: every
// failure is folded into the Result.
type Executor interface {
	Execute(ctx context.Context, lang Language, code string) Result
}

// Interpreter describes how to run one language inline.
type Interpreter struct {
	Binary string // executable name or path
	Flag   string // flag introducing inline code, e.g. "-e"
	Image  string // container image, DockerExecutor only
}

// Args returns the argv that runs code inline.
func (i Interpreter) Args(code string) []string {
	return []string{i.Binary, i.Flag, code}
}

// DefaultInterpreters returns node for JavaScript and python3 for Python.
func DefaultInterpreters(nodeBinary, pythonBinary string) map[Language]Interpreter {
	return map[Language]Interpreter{
		JavaScript: {Binary: nodeBinary, Flag: "-e"},
		Python:     {Binary: pythonBinary, Flag: "-c"},
	}
}
