package drivers

import (
	"errors"

	"github.com/aws/smithy-go"
)

// apiErrorCode returns the AWS error code carried by err, or "".
func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// deref returns the value of p, or "" for nil.
func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
