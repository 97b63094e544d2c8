package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration indicates invalid or contradictory filter configuration
	ErrConfiguration = errors.New("configuration error")

	// ErrCompile indicates that script source could not be parsed or bound
	ErrCompile = errors.New("compile error")

	// ErrScript indicates that a file script's self-tests failed at load time
	ErrScript = errors.New("script self-test failed")

	// ErrRecoverable indicates an error raised by a script body during an invocation
	ErrRecoverable = errors.New("script exception")

	// ErrFatalHost indicates a failure of the host itself rather than of the script
	ErrFatalHost = errors.New("fatal host error")

	// ErrNotLoaded indicates an invocation on a filter that is not loaded
	ErrNotLoaded = errors.New("filter is not loaded")

	// ErrRuntimeUnavailable indicates that no script runtime could be acquired
	// for an invocation, so the script never ran
	ErrRuntimeUnavailable = errors.New("script runtime unavailable")
)

// Error represents a structured error with a machine-readable code
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new structured error
func NewError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// ConfigurationError reports an invalid filter configuration. Pipeline startup aborts.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Message
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// NewConfigurationError creates a configuration error with a formatted message
func NewConfigurationError(format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Message: fmt.Sprintf(format, args...)}
}

// CompileError reports source that could not be parsed or bound. Source names
// the fragment the error came from (init code, inline code or a script path).
type CompileError struct {
	Source  string
	Line    int
	Column  int
	Message string
	Err     error
}

func (e *CompileError) Error() string {
	loc := e.Source
	if e.Line > 0 {
		loc = fmt.Sprintf("%s:%d", loc, e.Line)
		if e.Column > 0 {
			loc = fmt.Sprintf("%s:%d", loc, e.Column)
		}
	}
	return fmt.Sprintf("compile error in %s: %s", loc, e.Message)
}

func (e *CompileError) Unwrap() error { return e.Err }

func (e *CompileError) Is(target error) bool { return target == ErrCompile }

// ScriptError reports a failed self-test. Test is the test's description and
// Expectation the failing expectation, empty when the test raised instead.
type ScriptError struct {
	Source      string
	Test        string
	Expectation string
	Err         error
}

func (e *ScriptError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: test %q raised an error: %v", e.Source, e.Test, e.Err)
	case e.Expectation != "":
		return fmt.Sprintf("%s: test %q failed: expected %s", e.Source, e.Test, e.Expectation)
	default:
		return fmt.Sprintf("%s: test %q failed", e.Source, e.Test)
	}
}

func (e *ScriptError) Unwrap() error { return e.Err }

func (e *ScriptError) Is(target error) bool { return target == ErrScript }

// RecoverableScriptError wraps an error raised by a script body during an
// invocation. The host logs it and tags the record; it never reaches the caller.
type RecoverableScriptError struct {
	Kind string
	Err  error
}

func (e *RecoverableScriptError) Error() string {
	return fmt.Sprintf("script exception (%s): %v", e.Kind, e.Err)
}

func (e *RecoverableScriptError) Unwrap() error { return e.Err }

func (e *RecoverableScriptError) Is(target error) bool { return target == ErrRecoverable }

// FatalHostError records a panic that escaped the script engine. It is never
// converted into a tag.
type FatalHostError struct {
	Value interface{}
}

func (e *FatalHostError) Error() string {
	return fmt.Sprintf("fatal host error: %v", e.Value)
}

func (e *FatalHostError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

func (e *FatalHostError) Is(target error) bool { return target == ErrFatalHost }

// IsConfiguration checks if an error is a configuration error
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// IsCompile checks if an error is a compile error
func IsCompile(err error) bool {
	return errors.Is(err, ErrCompile)
}

// IsScript checks if an error is a self-test failure
func IsScript(err error) bool {
	return errors.Is(err, ErrScript)
}

// IsFatalHost checks if an error is a fatal host error
func IsFatalHost(err error) bool {
	return errors.Is(err, ErrFatalHost)
}
