package s3xfer

import (
	"errors"
	"fmt"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"google.golang.org/grpc/codes"

	"github.com/bitrise-io/go-blobtransfer/status"
)

// fromAWSError classifies an S3 error by its error code, then by the HTTP status of the response.
func fromAWSError(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if code, ok := apiErrorCode(apiErr.ErrorCode()); ok {
			return status.Wrap(code, err, "%s: %s", msg, err)
		}
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		code := status.FromHTTPResponse(respErr.HTTPStatusCode(), "").Code()
		if code != codes.Unknown {
			return status.Wrap(code, err, "%s: %s", msg, err)
		}
	}

	return status.Wrap(status.CodeOf(err), err, "%s: %s", msg, err)
}

func apiErrorCode(code string) (codes.Code, bool) {
	switch code {
	case "NoSuchUpload", "NoSuchKey", "NotFound", "NoSuchBucket":
		return codes.NotFound, true
	case "PreconditionFailed":
		return codes.FailedPrecondition, true
	case "InvalidRange":
		return codes.OutOfRange, true
	case "EntityTooSmall", "InvalidPart", "InvalidPartOrder", "InvalidArgument", "InvalidRequest":
		return codes.InvalidArgument, true
	case "AccessDenied":
		return codes.PermissionDenied, true
	case "SlowDown", "ServiceUnavailable", "RequestTimeout", "RequestTimeTooSkewed":
		return codes.Unavailable, true
	case "InternalError":
		return codes.Internal, true
	default:
		return codes.Unknown, false
	}
}

func isNotFound(err error) bool {
	return status.CodeOf(err) == codes.NotFound
}
