package status

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

func TestFromError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCode  codes.Code
		wantClass Class
	}{
		{
			name:     "nil is ok",
			err:      nil,
			wantCode: codes.OK,
		},
		{
			name:      "wrapped status keeps its class",
			err:       fmt.Errorf("upload chunk: %w", Protocol(codes.FailedPrecondition, "size mismatch")),
			wantCode:  codes.FailedPrecondition,
			wantClass: ClassProtocol,
		},
		{
			name:      "connection reset",
			err:       fmt.Errorf("do request: %w", syscall.ECONNRESET),
			wantCode:  codes.Unavailable,
			wantClass: ClassTransport,
		},
		{
			name:      "unexpected EOF",
			err:       io.ErrUnexpectedEOF,
			wantCode:  codes.Unavailable,
			wantClass: ClassTransport,
		},
		{
			name:      "deadline",
			err:       context.DeadlineExceeded,
			wantCode:  codes.DeadlineExceeded,
			wantClass: ClassTransport,
		},
		{
			name:      "cancelled is not retryable",
			err:       context.Canceled,
			wantCode:  codes.Canceled,
			wantClass: ClassUnknown,
		},
		{
			name:      "grpc status",
			err:       grpcstatus.Error(codes.FailedPrecondition, "generation mismatch"),
			wantCode:  codes.FailedPrecondition,
			wantClass: ClassPrecondition,
		},
		{
			name:      "plain error",
			err:       errors.New("boom"),
			wantCode:  codes.Unknown,
			wantClass: ClassUnknown,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := FromError(tt.err)
			assert.Equal(t, tt.wantCode, st.Code())
			assert.Equal(t, tt.wantClass, st.Class())
		})
	}
}

func TestFromHTTPResponse(t *testing.T) {
	tests := []struct {
		statusCode int
		wantCode   codes.Code
		retryable  bool
	}{
		{statusCode: http.StatusPreconditionFailed, wantCode: codes.FailedPrecondition},
		{statusCode: http.StatusServiceUnavailable, wantCode: codes.Unavailable, retryable: true},
		{statusCode: http.StatusInternalServerError, wantCode: codes.Internal, retryable: true},
		{statusCode: http.StatusTooManyRequests, wantCode: codes.ResourceExhausted, retryable: true},
		{statusCode: http.StatusNotFound, wantCode: codes.NotFound},
		{statusCode: http.StatusBadRequest, wantCode: codes.InvalidArgument},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.statusCode), func(t *testing.T) {
			st := FromHTTPResponse(tt.statusCode, "some body\n")
			assert.Equal(t, tt.wantCode, st.Code())
			assert.Equal(t, tt.retryable, IsRetryable(st))
			assert.Contains(t, st.Message(), "some body")
		})
	}
}

func TestStatusOk(t *testing.T) {
	var nilStatus *Status
	require.True(t, nilStatus.Ok())
	require.NoError(t, nilStatus.Err())
	require.True(t, OK.Ok())
	require.NoError(t, OK.Err())

	st := New(codes.DataLoss, "digest mismatch")
	require.False(t, st.Ok())
	require.Error(t, st.Err())
	require.Equal(t, ClassIntegrity, st.Class())
	require.Equal(t, "DataLoss: digest mismatch", st.Error())
	require.True(t, errors.Is(fmt.Errorf("read: %w", st), New(codes.DataLoss, "digest mismatch")))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("root cause")
	st := Wrap(codes.Unavailable, cause, "send chunk")
	require.ErrorIs(t, st, cause)
	require.True(t, IsRetryable(st))
}

func TestGRPCRoundTrip(t *testing.T) {
	st := New(codes.PermissionDenied, "uh-oh")
	gs, ok := grpcstatus.FromError(st)
	require.True(t, ok)
	require.Equal(t, codes.PermissionDenied, gs.Code())
	require.Equal(t, "uh-oh", gs.Message())
}
