package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/roach88/evolve/internal/engine"
	"github.com/roach88/evolve/internal/ir"
)

// Exit codes for CLI commands.
const (
	ExitSuccess   = 0 // Successful execution
	ExitFailure   = 1 // Validation or precondition failure, bad input, I/O errors
	ExitSafety    = 2 // Blocked by a safety check; retry with --cascade/--force or fix dependents
	ExitIntegrity = 3 // Content no longer matches recorded checksums; inspect manually
)

// ExitError represents an error with a specific exit code.
// Use this to return errors with meaningful exit codes from CLI commands.
type ExitError struct {
	Code    int    // Exit code
	Message string // Error message
	Err     error  // Underlying error (optional)
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Engine errors map by class; anything else is ExitFailure.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	switch engine.ClassOf(err) {
	case engine.ClassSafety:
		return ExitSafety
	case engine.ClassIntegrity:
		return ExitIntegrity
	default:
		return ExitFailure
	}
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Separate writer for verbose/diagnostic output (defaults to Writer)
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`              // engine error code, or "ERROR"
	Class   string `json:"class,omitempty"`   // validation, precondition, safety, integrity
	Message string `json:"message"`           // human-readable message
	Details any    `json:"details,omitempty"` // the full engine error payload
}

// Success outputs a successful result. text renders the human-readable
// form; it is not called in JSON mode.
func (f *OutputFormatter) Success(data any, text func(w io.Writer)) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
		})
	}
	if text != nil {
		text(f.Writer)
		return nil
	}
	_, err := fmt.Fprintln(f.Writer, data)
	return err
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(err error) error {
	cliErr := &CLIError{Code: "ERROR", Message: err.Error()}
	var exitErr *ExitError
	if errors.As(err, &exitErr) && exitErr.Err == nil {
		cliErr.Message = exitErr.Message
	}
	if ee, ok := engine.AsError(err); ok {
		cliErr.Code = string(ee.Code)
		cliErr.Class = string(ee.Class())
		cliErr.Message = ee.Message
		cliErr.Details = ee
	}

	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error:  cliErr,
		})
	}

	w := f.GetErrWriter()
	fmt.Fprintf(w, "%s [%s]: %s\n", color.New(color.FgRed, color.Bold).Sprint("Error"), cliErr.Code, cliErr.Message)
	if ee, ok := engine.AsError(err); ok {
		writeErrorDetails(w, ee, f.Verbose)
	}
	return nil
}

func writeErrorDetails(w io.Writer, e *engine.Error, verbose bool) {
	if e.Owner != "" {
		fmt.Fprintf(w, "  held by: %s\n", e.Owner)
	}
	for _, d := range e.Dependents {
		fmt.Fprintf(w, "  dependent: %s\n", d)
	}
	if len(e.Cycle) > 0 {
		fmt.Fprintf(w, "  cycle: %s\n", strings.Join(e.Cycle, " -> "))
	}
	for _, group := range []struct {
		label string
		refs  []string
	}{{"missing", e.Missing}, {"unknown", e.Unknown}, {"duplicated", e.Duplicated}} {
		if len(group.refs) > 0 {
			fmt.Fprintf(w, "  %s: %s\n", group.label, strings.Join(group.refs, ", "))
		}
	}
	if len(e.Names) > 0 {
		fmt.Fprintf(w, "  names in use: %s\n", strings.Join(e.Names, ", "))
	}
	for _, gf := range e.Failures {
		fmt.Fprintf(w, "  %s %s (score %.2f)\n", color.New(color.FgRed).Sprint("FAIL"), gf.ComponentID, gf.Score)
		for _, r := range gf.Reasons {
			fmt.Fprintf(w, "    - %s\n", r)
		}
	}
	for _, m := range e.Mismatches {
		fmt.Fprintf(w, "  %s %s: expected %s, got %s\n", color.New(color.FgYellow).Sprint("MISMATCH"), m.Ref, short(m.Expected), short(m.Actual))
		if verbose && m.Diff != "" {
			fmt.Fprintln(w, m.Diff)
		}
	}
}

// VerboseLog outputs a message only if verbose mode is enabled.
// Uses ErrWriter if set, otherwise falls back to Writer.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns the appropriate writer for diagnostic output.
// Returns ErrWriter if set, otherwise Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}

// short trims a checksum for display. Non-checksum markers such as
// "missing" pass through.
func short(sum string) string {
	hexPart, ok := strings.CutPrefix(sum, ir.ChecksumPrefix)
	if !ok || len(hexPart) <= 12 {
		return sum
	}
	return hexPart[:12]
}
