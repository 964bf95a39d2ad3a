package common

import (
	"errors"
	"fmt"
	"strings"

	"gridkv/internal/future"
)

// ErrorCode classifies every failure surfaced by the grid.
type ErrorCode int

const (
	CodeUnclassified ErrorCode = iota
	CodeRollbackConflict
	CodeTopologyMismatch
	CodeClientDisconnected
	CodeProcessorError
	CodePartialFailure
)

func (c ErrorCode) String() string {
	switch c {
	case CodeRollbackConflict:
		return "ROLLBACK_CONFLICT"
	case CodeTopologyMismatch:
		return "TOPOLOGY_MISMATCH"
	case CodeClientDisconnected:
		return "CLIENT_DISCONNECTED"
	case CodeProcessorError:
		return "PROCESSOR_ERROR"
	case CodePartialFailure:
		return "PARTIAL_FAILURE"
	default:
		return "UNCLASSIFIED"
	}
}

// Sentinels for errors.Is checks against a code.
var (
	ErrRollbackConflict   = &Error{Code: CodeRollbackConflict}
	ErrTopologyMismatch   = &Error{Code: CodeTopologyMismatch}
	ErrClientDisconnected = &Error{Code: CodeClientDisconnected}
	ErrProcessor          = &Error{Code: CodeProcessorError}
	ErrPartialFailure     = &Error{Code: CodePartialFailure}
	ErrUnclassified       = &Error{Code: CodeUnclassified}
)

// Error is the single typed failure of the grid. Err carries the cause.
type Error struct {
	Code ErrorCode
	Err  error

	// TopologyVersion is the version the failing node was at, set for
	// TopologyMismatch.
	TopologyVersion uint64
	// Nodes lists the nodes whose contribution was lost, set for
	// PartialFailure.
	Nodes []string

	// ready completes when retrying makes sense again: topology stabilized
	// for TopologyMismatch, reconnected for ClientDisconnected.
	ready future.Barrier
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(strings.ToLower(e.Code.String()))
	if e.Code == CodeTopologyMismatch && e.TopologyVersion > 0 {
		fmt.Fprintf(&sb, " (topology version %d)", e.TopologyVersion)
	}
	if len(e.Nodes) > 0 {
		fmt.Fprintf(&sb, " (nodes %s)", strings.Join(e.Nodes, ","))
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code, so the package sentinels work
// with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Err == nil && t.ready == nil
}

// RetryReady returns the barrier bound to the failure, nil when none.
func (e *Error) RetryReady() future.Barrier {
	return e.ready
}

// WithRetryReady returns a copy of e bound to ready.
func (e *Error) WithRetryReady(ready future.Barrier) *Error {
	cp := *e
	cp.ready = ready
	return &cp
}

func RollbackConflict(format string, args ...any) *Error {
	return &Error{Code: CodeRollbackConflict, Err: fmt.Errorf(format, args...)}
}

func TopologyMismatch(version uint64, ready future.Barrier, format string, args ...any) *Error {
	return &Error{
		Code:            CodeTopologyMismatch,
		Err:             fmt.Errorf(format, args...),
		TopologyVersion: version,
		ready:           ready,
	}
}

func ClientDisconnected(reconnected future.Barrier, cause error) *Error {
	return &Error{Code: CodeClientDisconnected, Err: cause, ready: reconnected}
}

// ProcessorFailure wraps a business error raised by an entry processor. The
// original error stays reachable through errors.Is/As.
func ProcessorFailure(cause error) *Error {
	var ge *Error
	if errors.As(cause, &ge) && ge.Code == CodeProcessorError {
		return ge
	}
	return &Error{Code: CodeProcessorError, Err: cause}
}

func PartialFailure(nodes []string, cause error) *Error {
	return &Error{Code: CodePartialFailure, Err: cause, Nodes: nodes}
}

func Unclassified(cause error) *Error {
	return &Error{Code: CodeUnclassified, Err: cause}
}

// CodeOf returns the code of the outermost *Error in err's chain.
func CodeOf(err error) ErrorCode {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Code
	}
	return CodeUnclassified
}

// AsError returns the outermost *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var ge *Error
	ok := errors.As(err, &ge)
	return ge, ok
}
