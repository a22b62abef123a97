package commands

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a dispatch failure.
type ErrorCode string

const (
	// CodeNotFound indicates no command matched the invoked name.
	CodeNotFound ErrorCode = "COMMAND_NOT_FOUND"

	// CodeDisabled indicates the command exists but is disabled.
	CodeDisabled ErrorCode = "COMMAND_DISABLED"

	// CodeCheckFailed indicates a command check rejected the invocation.
	CodeCheckFailed ErrorCode = "CHECK_FAILED"

	// CodeMissingArgument indicates a required argument had no token.
	CodeMissingArgument ErrorCode = "MISSING_ARGUMENT"

	// CodeTooManyArguments indicates tokens were left over after binding.
	CodeTooManyArguments ErrorCode = "TOO_MANY_ARGUMENTS"

	// CodeParserFailed indicates an argument parser rejected its input.
	CodeParserFailed ErrorCode = "PARSER_FAILED"

	// CodeInvocation indicates the command handler itself failed.
	CodeInvocation ErrorCode = "INVOCATION_ERROR"

	// CodeInvalidCommand indicates a malformed command definition.
	CodeInvalidCommand ErrorCode = "INVALID_COMMAND"
)

// MaxChainDepth bounds how far RootCause follows wrapped errors.
const MaxChainDepth = 32

// Error is the structured error signalled by the dispatcher and binder.
type Error struct {
	// Code categorizes the failure
	Code ErrorCode

	// Message is a human-readable description
	Message string

	// Command is the name of the command involved, if any
	Command string

	// Argument is the name of the offending argument, if any
	Argument string

	// Input is the raw user input that caused the failure, if any
	Input string

	// Err is the underlying cause
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Argument != "" {
		msg = fmt.Sprintf("[%s] %s (argument %q)", e.Code, e.Message, e.Argument)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsPreparation reports whether the error happened while binding arguments,
// before the command handler ran.
func (e *Error) IsPreparation() bool {
	switch e.Code {
	case CodeMissingArgument, CodeTooManyArguments, CodeParserFailed:
		return true
	default:
		return false
	}
}

// NewError creates a new Error.
func NewError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// ErrNotFound creates a command-not-found error.
func ErrNotFound(name string) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf("command %q not found", name), Command: name}
}

// ErrDisabled creates a disabled-command error.
func ErrDisabled(name string) *Error {
	return &Error{Code: CodeDisabled, Message: fmt.Sprintf("command %q is disabled", name), Command: name}
}

// ErrCheckFailed wraps the error returned by a failing check.
func ErrCheckFailed(command string, err error) *Error {
	return &Error{Code: CodeCheckFailed, Message: "check failed", Command: command, Err: err}
}

// ErrMissingArgument creates a missing-required-argument error.
func ErrMissingArgument(command, argument string) *Error {
	return &Error{
		Code:     CodeMissingArgument,
		Message:  "missing required argument",
		Command:  command,
		Argument: argument,
	}
}

// ErrTooManyArguments creates an excess-token error.
func ErrTooManyArguments(command string, extra []string) *Error {
	return &Error{
		Code:    CodeTooManyArguments,
		Message: fmt.Sprintf("too many arguments (%d unused)", len(extra)),
		Command: command,
		Input:   joinTokens(extra),
	}
}

// ErrParserFailed wraps a parser failure for the given argument.
func ErrParserFailed(command, argument, input string, err error) *Error {
	return &Error{
		Code:     CodeParserFailed,
		Message:  "could not parse argument",
		Command:  command,
		Argument: argument,
		Input:    input,
		Err:      err,
	}
}

// ErrInvocation wraps an error returned (or panicked) by a command handler.
func ErrInvocation(command string, err error) *Error {
	return &Error{Code: CodeInvocation, Message: "command failed", Command: command, Err: err}
}

// ParserError is returned by parsers when a value cannot be converted.
type ParserError struct {
	// Value is the raw input that failed to parse
	Value string

	// Message explains why the value was rejected
	Message string

	// Err is an optional underlying error
	Err error
}

// Error implements the error interface.
func (e *ParserError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *ParserError) Unwrap() error {
	return e.Err
}

func parserErrorf(value string, err error, format string, args ...any) *ParserError {
	return &ParserError{Value: value, Message: fmt.Sprintf(format, args...), Err: err}
}

// CheckFailure is returned by a Check that rejects an invocation.
type CheckFailure struct {
	// Check is the human name of the check, if it has one
	Check string

	// Message explains the failure
	Message string
}

// Error implements the error interface.
func (e *CheckFailure) Error() string {
	if e.Check != "" {
		return fmt.Sprintf("check %q failed: %s", e.Check, e.Message)
	}
	return "check failed: " + e.Message
}

// GetErrorCode extracts the ErrorCode from err, or CodeInvocation if err is
// not a dispatcher Error.
func GetErrorCode(err error) ErrorCode {
	var cmdErr *Error
	if errors.As(err, &cmdErr) {
		return cmdErr.Code
	}
	return CodeInvocation
}

// RootCause follows the Unwrap chain and returns the innermost error. The
// walk stops after MaxChainDepth links so a cyclic chain cannot loop forever.
func RootCause(err error) error {
	for depth := 0; err != nil && depth < MaxChainDepth; depth++ {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
	return err
}
