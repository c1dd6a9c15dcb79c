// Package status defines the terminal outcome of a transfer operation and the error taxonomy shared by the
// upload and download paths.
package status

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// Class groups status codes by how a caller is expected to react to them.
type Class int

const (
	// ClassUnknown is used for errors that do not fit any other class. They are not retried.
	ClassUnknown Class = iota
	// ClassTransport errors (connection reset, timeout, 5xx) are retryable by policy. A failed send has an
	// unknown effect on the server and must be reconciled before resuming an upload.
	ClassTransport
	// ClassProtocol errors are client logic errors: quantum misalignment, size assertion mismatches,
	// out-of-order offsets. They fail fast.
	ClassProtocol
	// ClassPrecondition errors are rejections by the service (generation mismatch, destination conflict).
	ClassPrecondition
	// ClassIntegrity errors are digest mismatches.
	ClassIntegrity
)

func (c Class) String() string {
	switch c {
	case ClassTransport:
		return "transport"
	case ClassProtocol:
		return "protocol"
	case ClassPrecondition:
		return "precondition"
	case ClassIntegrity:
		return "integrity"
	default:
		return "unknown"
	}
}

// Status is the outcome of an operation: a code, a human readable message and a taxonomy class.
// A nil *Status and a Status with codes.OK both denote success.
type Status struct {
	code    codes.Code
	message string
	class   Class
	cause   error
}

// OK is the success status.
var OK = &Status{code: codes.OK}

// New creates a status whose class is derived from the code.
func New(code codes.Code, message string) *Status {
	return &Status{code: code, message: message, class: classOf(code)}
}

// Newf is New with a format string.
func Newf(code codes.Code, format string, args ...interface{}) *Status {
	return New(code, fmt.Sprintf(format, args...))
}

// Protocol creates a status for a client-side logic error. The class is always ClassProtocol, whatever the
// code, so callers never retry it.
func Protocol(code codes.Code, format string, args ...interface{}) *Status {
	return &Status{code: code, message: fmt.Sprintf(format, args...), class: ClassProtocol}
}

// Wrap creates a status that keeps err reachable through errors.Unwrap.
func Wrap(code codes.Code, err error, format string, args ...interface{}) *Status {
	s := Newf(code, format, args...)
	s.cause = err
	return s
}

// Code returns the status code.
func (s *Status) Code() codes.Code {
	if s == nil {
		return codes.OK
	}
	return s.code
}

// Message returns the human readable message.
func (s *Status) Message() string {
	if s == nil {
		return ""
	}
	return s.message
}

// Class returns the taxonomy class.
func (s *Status) Class() Class {
	if s == nil {
		return ClassUnknown
	}
	return s.class
}

// Ok reports whether the status denotes success.
func (s *Status) Ok() bool {
	return s == nil || s.code == codes.OK
}

// Err returns nil for a successful status and the status itself otherwise.
func (s *Status) Err() error {
	if s.Ok() {
		return nil
	}
	return s
}

func (s *Status) Error() string {
	if s.message == "" {
		return s.code.String()
	}
	return fmt.Sprintf("%s: %s", s.code, s.message)
}

func (s *Status) String() string {
	if s.Ok() {
		return codes.OK.String()
	}
	return s.Error()
}

func (s *Status) Unwrap() error {
	return s.cause
}

// Is lets errors.Is match two statuses with the same code and message.
func (s *Status) Is(target error) bool {
	var other *Status
	if !errors.As(target, &other) {
		return false
	}
	return s.Code() == other.Code() && s.Message() == other.Message()
}

// GRPCStatus exposes the status to google.golang.org/grpc/status.FromError.
func (s *Status) GRPCStatus() *grpcstatus.Status {
	return grpcstatus.New(s.Code(), s.Message())
}

// FromError converts any error into a Status. A nil error gives OK.
func FromError(err error) *Status {
	if err == nil {
		return OK
	}

	var s *Status
	if errors.As(err, &s) {
		return s
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(codes.DeadlineExceeded, err, "%s", err)
	case errors.Is(err, context.Canceled):
		return Wrap(codes.Canceled, err, "%s", err)
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return Wrap(codes.Unavailable, err, "%s", err)
	}

	if gs, ok := grpcstatus.FromError(err); ok {
		st := New(gs.Code(), gs.Message())
		st.cause = err
		return st
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Wrap(codes.DeadlineExceeded, err, "%s", err)
		}
		return Wrap(codes.Unavailable, err, "%s", err)
	}

	return Wrap(codes.Unknown, err, "%s", err)
}

// CodeOf returns the code of err after conversion with FromError.
func CodeOf(err error) codes.Code {
	return FromError(err).Code()
}

// ClassOf returns the class of err after conversion with FromError.
func ClassOf(err error) Class {
	return FromError(err).Class()
}

// IsRetryable reports whether err belongs to the transport class.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return ClassOf(err) == ClassTransport
}

func classOf(code codes.Code) Class {
	switch code {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted, codes.Internal:
		return ClassTransport
	case codes.FailedPrecondition, codes.AlreadyExists:
		return ClassPrecondition
	case codes.InvalidArgument, codes.OutOfRange:
		return ClassProtocol
	case codes.DataLoss:
		return ClassIntegrity
	default:
		return ClassUnknown
	}
}
