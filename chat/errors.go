package chat

import (
	"errors"
	"fmt"

	"github.com/sourcegraph/jsonrpc2"
	"github.com/tabchat/server/rpc"
)

// ErrorKind classifies prompt failures.
type ErrorKind string

const (
	KindValidation    ErrorKind = "ValidationError"
	KindConfiguration ErrorKind = "ConfigurationError"
	KindProvider      ErrorKind = "ProviderError"
	KindStreamError   ErrorKind = "StreamErrorEvent"
	KindInvalidState  ErrorKind = "InvalidStateEvent"
	KindCancellation  ErrorKind = "CancellationError"
)

// Code returns the JSON-RPC error code reported for the kind.
func (k ErrorKind) Code() int64 {
	switch k {
	case KindValidation:
		return jsonrpc2.CodeInvalidParams
	case KindCancellation:
		return rpc.CodeRequestCancelled
	default:
		return jsonrpc2.CodeInternalError
	}
}

var ErrEmptyPrompt = errors.New("prompt must not be empty")

// ResponseError is the single error shape a prompt can fail with.
// Data carries the body received before a stream failure, if any.
type ResponseError struct {
	Code    int64
	Message string
	Kind    ErrorKind
	Data    *rpc.ChatResult
	Err     error
}

func newResponseError(kind ErrorKind, err error, msg string) *ResponseError {
	return &ResponseError{Code: kind.Code(), Message: msg, Kind: kind, Err: err}
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ResponseError) Unwrap() error { return e.Err }

// JSONRPC converts the error for the wire.
func (e *ResponseError) JSONRPC() *jsonrpc2.Error {
	rpcErr := &jsonrpc2.Error{Code: e.Code, Message: e.Message}
	if e.Data != nil {
		rpcErr.SetError(e.Data)
	}
	return rpcErr
}

// AsResponseError reports whether err is or wraps a *ResponseError.
func AsResponseError(err error) (*ResponseError, bool) {
	var re *ResponseError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
