package validators

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	pkgerrors "github.com/angelmondragon/ringorder-backend/pkg/errors"
)

const (
	ReasonInvalidQuery = "invalid_query"
	ReasonMissingField = "missing_field"
)

// QueryValue converts the trimmed query parameter key with parse. An absent
// parameter returns fallback, or a missing_field error when required. A parse
// failure becomes an invalid_query validation error carrying the parser's
// message.
func QueryValue[T any](r *http.Request, key string, required bool, fallback T, parse func(string) (T, error)) (T, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		if required {
			return fallback, pkgerrors.Validation(ReasonMissingField, key, key+" query parameter is required")
		}
		return fallback, nil
	}
	v, err := parse(raw)
	if err != nil {
		return fallback, pkgerrors.Validation(ReasonInvalidQuery, key, err.Error())
	}
	return v, nil
}

// ParseQueryInt reads an optional integer in [min, max].
func ParseQueryInt(r *http.Request, key string, defaultVal, min, max int) (int, error) {
	v, err := QueryValue(r, key, false, defaultVal, func(raw string) (int, error) {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return 0, fmt.Errorf("%s must be a whole number", key)
		}
		return n, nil
	})
	if err != nil {
		return 0, err
	}
	if v < min || v > max {
		return 0, pkgerrors.Validation(ReasonInvalidQuery, key, key+" is out of range").
			WithDetail("min", min).WithDetail("max", max)
	}
	return v, nil
}

// SanitizeString trims input, drops control characters and cuts it to maxLen
// bytes on a rune boundary. maxLen <= 0 means no limit.
func SanitizeString(input string, maxLen int) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, strings.TrimSpace(input))
	if maxLen <= 0 || len(cleaned) <= maxLen {
		return cleaned
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(cleaned[cut]) {
		cut--
	}
	return cleaned[:cut]
}
