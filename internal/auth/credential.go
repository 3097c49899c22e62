// Package auth translates client Authorization headers into upstream credentials.
package auth

import (
	"encoding/base64"
	"errors"
	"strings"
	"unicode"

	"imagery-gateway/internal/model"
)

// ErrUnauthorized is returned when the Authorization header is missing or uses
// a scheme the gateway cannot translate.
var ErrUnauthorized = errors.New("authorization required: use api-key, Bearer or Basic scheme")

// Challenge is the WWW-Authenticate value sent with 401 responses.
const Challenge = `Basic realm="Please enter your API key"`

// Supported Authorization schemes, compared case-insensitively.
const (
	SchemeAPIKey = "api-key"
	SchemeBearer = "bearer"
	SchemeBasic  = "basic"
)

// ParseAuthorization derives the upstream credential from an Authorization
// header value. Basic credentials are treated as "apikey:ignored"; the password
// half is discarded.
func ParseAuthorization(value string) (model.Credential, error) {
	scheme, rest := splitScheme(value)
	if rest == "" {
		return nil, ErrUnauthorized
	}

	switch strings.ToLower(scheme) {
	case SchemeAPIKey:
		return model.APIKey(rest), nil
	case SchemeBearer:
		return model.BearerToken(rest), nil
	case SchemeBasic:
		return parseBasic(rest)
	default:
		return nil, ErrUnauthorized
	}
}

// splitScheme splits an Authorization value on its first whitespace run.
func splitScheme(value string) (scheme, credential string) {
	value = strings.TrimSpace(value)
	i := strings.IndexFunc(value, unicode.IsSpace)
	if i < 0 {
		return value, ""
	}
	return value[:i], strings.TrimSpace(value[i:])
}

func parseBasic(encoded string) (model.Credential, error) {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrUnauthorized
	}
	user, _, _ := strings.Cut(string(decoded), ":")
	if user == "" {
		return nil, ErrUnauthorized
	}
	return model.APIKey(user), nil
}

// Scheme returns the lower-cased scheme of an Authorization header value, or
// "none" when the header is empty. Used as a bounded metrics label.
func Scheme(value string) string {
	scheme, _ := splitScheme(value)
	switch s := strings.ToLower(scheme); s {
	case "":
		return "none"
	case SchemeAPIKey, SchemeBearer, SchemeBasic:
		return s
	default:
		return "other"
	}
}
