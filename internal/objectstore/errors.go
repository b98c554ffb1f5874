package objectstore

import (
	"errors"
	"strings"

	"github.com/aws/smithy-go"
)

// errorCode extracts the S3 error code (e.g. "NoSuchKey", "PreconditionFailed")
// from an aws-sdk-go-v2 API error, regardless of which typed error it wraps.
func errorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func isNoSuchKey(err error) bool {
	switch errorCode(err) {
	case "NoSuchKey", "NotFound":
		return true
	}
	return false
}

func isNotFoundBucket(err error) bool {
	switch errorCode(err) {
	case "NoSuchBucket", "NotFound", "404":
		return true
	}
	return false
}

func isPreconditionFailed(err error) bool {
	switch errorCode(err) {
	case "PreconditionFailed", "ConditionalRequestConflict":
		return true
	}
	return false
}

func unquoteETag(etag string) string {
	return strings.Trim(etag, `"`)
}
