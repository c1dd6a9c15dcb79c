package status

import (
	"net/http"
	"strings"

	"google.golang.org/grpc/codes"
)

// FromHTTPResponse maps an unexpected HTTP response to a Status. body is the (possibly truncated) response
// body, used as the message.
func FromHTTPResponse(statusCode int, body string) *Status {
	msg := strings.TrimSpace(body)
	if msg == "" {
		msg = http.StatusText(statusCode)
	}
	return Newf(httpCode(statusCode), "HTTP %d: %s", statusCode, msg)
}

func httpCode(statusCode int) codes.Code {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return codes.OK
	case statusCode == http.StatusBadRequest:
		return codes.InvalidArgument
	case statusCode == http.StatusUnauthorized:
		return codes.Unauthenticated
	case statusCode == http.StatusForbidden:
		return codes.PermissionDenied
	case statusCode == http.StatusNotFound, statusCode == http.StatusGone:
		return codes.NotFound
	case statusCode == http.StatusRequestTimeout:
		return codes.DeadlineExceeded
	case statusCode == http.StatusConflict:
		return codes.Aborted
	case statusCode == http.StatusPreconditionFailed:
		return codes.FailedPrecondition
	case statusCode == http.StatusRequestedRangeNotSatisfiable:
		return codes.OutOfRange
	case statusCode == http.StatusTooManyRequests:
		return codes.ResourceExhausted
	case statusCode == 499:
		return codes.Canceled
	case statusCode == http.StatusNotImplemented:
		return codes.Unimplemented
	case statusCode == http.StatusInternalServerError:
		return codes.Internal
	case statusCode >= 500:
		return codes.Unavailable
	default:
		return codes.Unknown
	}
}
