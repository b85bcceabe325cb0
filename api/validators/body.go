package validators

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	pkgerrors "github.com/angelmondragon/ringorder-backend/pkg/errors"
	"github.com/angelmondragon/ringorder-backend/pkg/validate"
)

const (
	// ReasonMalformedBody marks request bodies that are not decodable JSON.
	ReasonMalformedBody = "malformed_body"
	ReasonBodyTooLarge  = "body_too_large"
	ReasonInvalidField  = "invalid_field"

	// MaxBodyBytes bounds every JSON request body.
	MaxBodyBytes = 1 << 20
)

// DecodeJSON decodes one JSON object without struct validation, for
// handlers whose service validates its own input. Unknown fields and
// trailing data are rejected.
func DecodeJSON(r *http.Request, dest any) error {
	body := http.MaxBytesReader(nil, r.Body, MaxBodyBytes)
	defer func() {
		_, _ = io.Copy(io.Discard, body)
	}()

	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	err := dec.Decode(dest)
	if err == nil && dec.More() {
		err = errors.New("unexpected data after the JSON object")
	}

	var tooLarge *http.MaxBytesError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &tooLarge):
		return pkgerrors.New(pkgerrors.CodeValidation, "request body too large").
			WithDetails(map[string]any{"reason": ReasonBodyTooLarge, "limit_bytes": tooLarge.Limit})
	default:
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid request body").
			WithDetails(map[string]any{"reason": ReasonMalformedBody, "error": err.Error()})
	}
}

// DecodeJSONBody decodes and validates dest, reporting every failing field
// keyed by its json path.
func DecodeJSONBody(r *http.Request, dest any) error {
	if err := DecodeJSON(r, dest); err != nil {
		return err
	}
	err := validate.Default().Struct(dest)
	if err == nil {
		return nil
	}
	errs, ok := validate.FieldErrors(err)
	if !ok {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "validation failed")
	}
	details := map[string]any{"reason": ReasonInvalidField}
	for _, fe := range errs {
		details[validate.Path(fe)] = validate.Message(fe)
	}
	return pkgerrors.New(pkgerrors.CodeValidation, "validation failed").WithDetails(details)
}
