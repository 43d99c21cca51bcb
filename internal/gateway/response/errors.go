package response

import (
	"errors"
	"fmt"
	"html"
	"net/http"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/edgecdn-tools/bunny-s3-gateway/internal/bunny"
)

// S3Error pairs an S3 error code with its HTTP status. It satisfies error so
// handlers can return it through normal error paths and let the outer layer
// render it.
type S3Error struct {
	Code       string
	Message    string
	HTTPStatus int
	Resource   string
}

func (e *S3Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NoSuchBucket(bucket string) *S3Error {
	return &S3Error{
		Code:       "NoSuchBucket",
		Message:    "The specified bucket does not exist",
		HTTPStatus: http.StatusNotFound,
		Resource:   bucket,
	}
}

func NoSuchKey(key string) *S3Error {
	return &S3Error{
		Code:       "NoSuchKey",
		Message:    "The specified key does not exist.",
		HTTPStatus: http.StatusNotFound,
		Resource:   key,
	}
}

func NoSuchUpload(uploadID string) *S3Error {
	return &S3Error{
		Code:       "NoSuchUpload",
		Message:    "The specified multipart upload does not exist.",
		HTTPStatus: http.StatusNotFound,
		Resource:   uploadID,
	}
}

func SignatureDoesNotMatch() *S3Error {
	return &S3Error{
		Code:       "SignatureDoesNotMatch",
		Message:    "The request signature we calculated does not match the signature you provided.",
		HTTPStatus: http.StatusForbidden,
	}
}

func InvalidAccessKeyID() *S3Error {
	return &S3Error{
		Code:       "InvalidAccessKeyId",
		Message:    "The AWS access key ID you provided does not exist in our records.",
		HTTPStatus: http.StatusForbidden,
	}
}

func AccessDenied() *S3Error {
	return &S3Error{
		Code:       "AccessDenied",
		Message:    "Access Denied",
		HTTPStatus: http.StatusForbidden,
	}
}

func BadDigest() *S3Error {
	return &S3Error{
		Code:       "BadDigest",
		Message:    "The Content-MD5 you specified did not match what we received.",
		HTTPStatus: http.StatusBadRequest,
	}
}

func SHA256Mismatch() *S3Error {
	return &S3Error{
		Code:       "XAmzContentSHA256Mismatch",
		Message:    "The provided x-amz-content-sha256 header does not match what was computed.",
		HTTPStatus: http.StatusBadRequest,
	}
}

func MalformedXML() *S3Error {
	return &S3Error{
		Code:       "MalformedXML",
		Message:    "The XML you provided was not well-formed or did not validate against our published schema.",
		HTTPStatus: http.StatusBadRequest,
	}
}

func InvalidArgument(msg string) *S3Error {
	return &S3Error{
		Code:       "InvalidArgument",
		Message:    msg,
		HTTPStatus: http.StatusBadRequest,
	}
}

func InvalidPart(partNumber int) *S3Error {
	return &S3Error{
		Code:       "InvalidPart",
		Message:    fmt.Sprintf("One or more of the specified parts could not be found. Part %d may not have been uploaded, or the entity tag may not match.", partNumber),
		HTTPStatus: http.StatusBadRequest,
	}
}

func NotImplemented() *S3Error {
	return &S3Error{
		Code:       "NotImplemented",
		Message:    "A header or query you provided implies functionality that is not implemented.",
		HTTPStatus: http.StatusNotImplemented,
	}
}

func PreconditionFailed(key string) *S3Error {
	return &S3Error{
		Code:       "PreconditionFailed",
		Message:    "At least one of the pre-conditions you specified did not hold.",
		HTTPStatus: http.StatusPreconditionFailed,
		Resource:   key,
	}
}

func ConditionalRequestConflict(key string) *S3Error {
	return &S3Error{
		Code:       "ConditionalRequestConflict",
		Message:    "The conditional request cannot succeed due to a conflicting operation against this resource.",
		HTTPStatus: http.StatusConflict,
		Resource:   key,
	}
}

func InternalError(msg string) *S3Error {
	if msg == "" {
		msg = "We encountered an internal error. Please try again."
	}
	return &S3Error{
		Code:       "InternalError",
		Message:    msg,
		HTTPStatus: http.StatusBadGateway,
	}
}

func SlowDown() *S3Error {
	return &S3Error{
		Code:       "SlowDown",
		Message:    "Please reduce your request rate.",
		HTTPStatus: http.StatusBadGateway,
	}
}

// FromBunny translates a storage client error into its S3 rendering. The
// upstream detail stays in the logs, never in the response body.
func FromBunny(err error, resource string) *S3Error {
	switch {
	case errors.Is(err, bunny.ErrNotFound):
		return NoSuchKey(resource)
	case errors.Is(err, bunny.ErrAccessDenied):
		// Our zone credentials were rejected upstream. That is a server
		// misconfiguration, not a client fault.
		return InternalError("")
	case errors.Is(err, bunny.ErrInvalidRequest):
		return InvalidArgument("The storage backend rejected the request.")
	}
	var apiErr *bunny.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Status == http.StatusTooManyRequests {
			return SlowDown()
		}
		return InternalError("")
	}
	return InternalError("")
}

// WriteError renders any error as the S3 Error XML document. Non-S3Error
// values become InternalError.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var s3err *S3Error
	if !errors.As(err, &s3err) {
		logrus.WithError(err).WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error("Unhandled error")
		s3err = InternalError("")
	}

	requestID := uuid.NewString()
	body := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Error><Code>%s</Code><Message>%s</Message><Resource>%s</Resource><RequestId>%s</RequestId></Error>`,
		html.EscapeString(s3err.Code),
		html.EscapeString(s3err.Message),
		html.EscapeString(s3err.Resource),
		requestID)

	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("x-amz-request-id", requestID)
	w.WriteHeader(s3err.HTTPStatus)
	fmt.Fprint(w, body)
}
