package square

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	sq "github.com/square/square-go-sdk"
	sqcore "github.com/square/square-go-sdk/core"

	pkgerrors "github.com/angelmondragon/ringorder-backend/pkg/errors"
)

// apiErrors decodes the errors array Square returns with a non-2xx reply.
func apiErrors(err error) (int, []*sq.Error) {
	var apiErr *sqcore.APIError
	if !errors.As(err, &apiErr) {
		return 0, nil
	}
	var body struct {
		Errors []*sq.Error `json:"errors"`
	}
	if inner := apiErr.Unwrap(); inner != nil {
		_ = json.Unmarshal([]byte(inner.Error()), &body)
	}
	return apiErr.StatusCode, body.Errors
}

// codeForStatus maps a Square HTTP status. 429 and 5xx stay retryable
// dependency errors; other 4xx are rejections of this request.
func codeForStatus(status int) pkgerrors.Code {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return pkgerrors.CodeUnauthorized
	case status == http.StatusNotFound:
		return pkgerrors.CodeNotFound
	case status == http.StatusConflict:
		return pkgerrors.CodeConflict
	case status == http.StatusUnprocessableEntity:
		return pkgerrors.CodeStateConflict
	case status == http.StatusTooManyRequests, status >= 500, status < 400:
		return pkgerrors.CodeDependency
	default:
		return pkgerrors.CodeValidation
	}
}

func mapError(err error, op string) error {
	status, details := apiErrors(err)
	code := pkgerrors.CodeDependency
	if status != 0 {
		code = codeForStatus(status)
	}
	for _, d := range details {
		if d == nil {
			continue
		}
		if d.Code == sq.ErrorCodeIdempotencyKeyReused {
			code = pkgerrors.CodeIdempotency
			break
		}
		if d.Category == sq.ErrorCategoryAuthenticationError {
			code = pkgerrors.CodeUnauthorized
			break
		}
	}
	return pkgerrors.Wrap(code, err, fmt.Sprintf("square %s failed", op))
}

// DeclineCode returns the first Square error code carried by err, or "".
func DeclineCode(err error) string {
	_, details := apiErrors(err)
	for _, d := range details {
		if d != nil {
			return string(d.Code)
		}
	}
	return ""
}
