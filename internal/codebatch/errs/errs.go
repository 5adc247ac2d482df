// Package errs defines the typed error taxonomy shared by every codebatch
// component, so callers can distinguish failure kinds with errors.Is/As
// instead of matching on strings.
package errs

import "fmt"

// Code names a distinguishable error kind.
type Code string

const (
	CodeStoreExists            Code = "StoreExists"
	CodeInvalidStore           Code = "InvalidStore"
	CodeInvalidArgument        Code = "InvalidArgument"
	CodeSnapshotExists         Code = "SnapshotExists"
	CodeSnapshotNotFound       Code = "SnapshotNotFound"
	CodeBatchExists            Code = "BatchExists"
	CodeBatchNotFound          Code = "BatchNotFound"
	CodePipelineNotFound       Code = "PipelineNotFound"
	CodeTaskNotFound           Code = "TaskNotFound"
	CodeObjectNotFound         Code = "ObjectNotFound"
	CodeInvalidPath            Code = "InvalidPath"
	CodePathEscape             Code = "PathEscape"
	CodeShardRetryIllegal      Code = "ShardRetryIllegal"
	CodeDependenciesIncomplete Code = "DependenciesNotComplete"
	CodeCacheStale             Code = "CacheStale"
	CodeCacheCorrupt           Code = "CacheCorrupt"
	CodeExecutor               Code = "ExecutorError"
)

// Error is a structured error carrying a stable code and an offending
// identifier, so CLI-level error-to-exit-code mapping never has to parse
// message text.
type Error struct {
	Code       Code
	Identifier string
	Message    string
	Wrapped    error
}

func (e *Error) Error() string {
	if e.Identifier != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Identifier, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Is allows errors.Is(err, errs.New(code, "", "")) to match purely on Code.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Code == e.Code
}

// New constructs a structured error with the given code and message.
func New(code Code, identifier, message string) *Error {
	return &Error{Code: code, Identifier: identifier, Message: message}
}

// Wrap attaches a code and identifier to an underlying error.
func Wrap(code Code, identifier string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Identifier: identifier, Message: err.Error(), Wrapped: err}
}
