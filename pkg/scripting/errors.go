package scripting

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/dop251/goja"
	sdkerrors "github.com/wehubfusion/scriptfilter/pkg/errors"
)

// ErrorType categorizes script failures
type ErrorType string

const (
	ErrorTypeSyntax      ErrorType = "syntax_error"
	ErrorTypeRuntime     ErrorType = "runtime_error"
	ErrorTypeInterrupted ErrorType = "interrupted"
	ErrorTypeWriteBack   ErrorType = "write_back_error"
	ErrorTypeInternal    ErrorType = "internal_error"
)

// JSError represents a structured JavaScript execution error
type JSError struct {
	Type ErrorType `json:"type"`
	// Name is the JavaScript error class ("TypeError") or, for thrown
	// non-Error values, their type ("string").
	Name       string       `json:"name,omitempty"`
	Message    string       `json:"message"`
	StackTrace []StackFrame `json:"stack_trace,omitempty"`
	Line       int          `json:"line,omitempty"`
	Column     int          `json:"column,omitempty"`
	Source     string       `json:"source,omitempty"`
	cause      error
}

// StackFrame represents a single frame in the stack trace
type StackFrame struct {
	FunctionName string `json:"function_name,omitempty"`
	FileName     string `json:"file_name,omitempty"`
	Line         int    `json:"line"`
	Column       int    `json:"column"`
}

// Error implements the error interface
func (e *JSError) Error() string {
	var b strings.Builder

	if e.Name != "" {
		b.WriteString(fmt.Sprintf("[%s] %s: %s", e.Type, e.Name, e.Message))
	} else {
		b.WriteString(fmt.Sprintf("[%s] %s", e.Type, e.Message))
	}

	if e.Line > 0 {
		if e.Source != "" {
			b.WriteString(fmt.Sprintf(" at %s:%d", e.Source, e.Line))
		} else {
			b.WriteString(fmt.Sprintf(" at line %d", e.Line))
		}
		if e.Column > 0 {
			b.WriteString(fmt.Sprintf(":%d", e.Column))
		}
	}

	return b.String()
}

// Unwrap returns the engine error the JSError was built from
func (e *JSError) Unwrap() error {
	return e.cause
}

// Kind returns the most specific label for the error, used in logs.
func (e *JSError) Kind() string {
	if e.Name != "" {
		return e.Name
	}
	return string(e.Type)
}

// parseScriptError converts an error returned by the engine into a JSError.
func parseScriptError(err error) *JSError {
	if err == nil {
		return nil
	}

	var jsErr *JSError
	if errors.As(err, &jsErr) {
		return jsErr
	}

	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return &JSError{Type: ErrorTypeInterrupted, Message: interrupted.Error(), cause: err}
	}

	var exc *goja.Exception
	if errors.As(err, &exc) {
		return parseException(exc)
	}

	return &JSError{Type: ErrorTypeInternal, Message: err.Error(), cause: err}
}

// parseException extracts name, message and location from a goja exception.
func parseException(exc *goja.Exception) *JSError {
	jsErr := &JSError{
		Type:    ErrorTypeRuntime,
		Message: exc.Error(),
		cause:   exc,
	}

	if val := exc.Value(); val != nil && !goja.IsUndefined(val) && !goja.IsNull(val) {
		if obj, ok := val.(*goja.Object); ok {
			if name := obj.Get("name"); name != nil && !goja.IsUndefined(name) {
				jsErr.Name = name.String()
			}
			if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
				jsErr.Message = msg.String()
			} else {
				jsErr.Message = val.String()
			}
		} else {
			jsErr.Name = typeName(val)
			jsErr.Message = val.String()
		}
	}

	jsErr.StackTrace = parseStackTrace(exc.String())
	for _, frame := range jsErr.StackTrace {
		if frame.Line > 0 {
			jsErr.Line = frame.Line
			jsErr.Column = frame.Column
			jsErr.Source = frame.FileName
			break
		}
	}

	if jsErr.Name == "SyntaxError" {
		jsErr.Type = ErrorTypeSyntax
	}

	return jsErr
}

func typeName(val goja.Value) string {
	switch val.Export().(type) {
	case string:
		return "string"
	case int64, float64:
		return "number"
	case bool:
		return "boolean"
	}
	return "value"
}

// parseStackTrace parses the frames of a goja stack trace:
//
//	at filter (script.js:12:3(10))
//	at filter-code:1:7(3)
func parseStackTrace(stackStr string) []StackFrame {
	if stackStr == "" {
		return nil
	}

	lines := strings.Split(stackStr, "\n")
	frames := make([]StackFrame, 0, len(lines))

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "at ") {
			continue
		}
		frames = append(frames, parseStackFrame(strings.TrimPrefix(line, "at ")))
	}

	return frames
}

func parseStackFrame(line string) StackFrame {
	frame := StackFrame{}
	location := line

	// "name (location)" - the location itself may end in "(pc)".
	if strings.HasSuffix(line, ")") {
		if idx := strings.Index(line, " ("); idx > 0 {
			frame.FunctionName = line[:idx]
			location = strings.TrimSuffix(line[idx+2:], ")")
		}
	}

	if idx := strings.LastIndex(location, "("); idx > 0 && strings.HasSuffix(location, ")") {
		location = location[:idx]
	}

	parseLocation(location, &frame)
	return frame
}

// parseLocation extracts file, line and column from "file:line:column",
// splitting from the right so file names may contain colons.
func parseLocation(location string, frame *StackFrame) {
	col := strings.LastIndex(location, ":")
	if col < 0 {
		frame.FileName = location
		return
	}
	lineSep := strings.LastIndex(location[:col], ":")
	if lineSep < 0 {
		frame.FileName = location[:col]
		frame.Line, _ = strconv.Atoi(location[col+1:])
		return
	}

	frame.FileName = location[:lineSep]
	frame.Line, _ = strconv.Atoi(location[lineSep+1 : col])
	frame.Column, _ = strconv.Atoi(location[col+1:])
}

var syntaxPosition = regexp.MustCompile(`Line (\d+):(\d+)`)

// newCompileError converts an engine error raised while parsing or binding
// source into a CompileError carrying the originating line.
func newCompileError(source string, err error) *sdkerrors.CompileError {
	compileErr := &sdkerrors.CompileError{
		Source:  source,
		Message: err.Error(),
		Err:     err,
	}

	var syntaxErr *goja.CompilerSyntaxError
	if errors.As(err, &syntaxErr) {
		compileErr.Message = syntaxErr.Message
		if syntaxErr.File != nil {
			pos := syntaxErr.File.Position(syntaxErr.Offset)
			compileErr.Line, compileErr.Column = pos.Line, pos.Column
		} else if m := syntaxPosition.FindStringSubmatch(syntaxErr.Message); m != nil {
			compileErr.Line, _ = strconv.Atoi(m[1])
			compileErr.Column, _ = strconv.Atoi(m[2])
		}
		return compileErr
	}

	jsErr := parseScriptError(err)
	compileErr.Message = jsErr.Message
	if jsErr.Name != "" {
		compileErr.Message = jsErr.Name + ": " + jsErr.Message
	}
	if jsErr.Source == "" || jsErr.Source == source {
		compileErr.Line, compileErr.Column = jsErr.Line, jsErr.Column
	}
	return compileErr
}

// bindError reports a script that parsed but does not satisfy the host contract.
func bindError(source, format string, args ...interface{}) *sdkerrors.CompileError {
	return &sdkerrors.CompileError{Source: source, Message: fmt.Sprintf(format, args...)}
}
