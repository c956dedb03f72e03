package interceptor

import (
	"encoding/json"
	"net/http"
	"strings"
)

// ErrorDetail is one entry of the auth API's error body shape
// {"errors": [{"code": "..."}]}.
type ErrorDetail struct {
	Code string `json:"code"`
}

// RequestError is the event payload broadcast for a classified HTTP failure.
type RequestError struct {
	StatusCode      int
	Errors          []ErrorDetail
	WWWAuthenticate string
	Body            json.RawMessage
}

const jwtSecurityErrorCode = "jwt_security_error"

// newRequestError classifies a failed response body without consuming it for
// the caller (body has already been buffered).
func newRequestError(resp *http.Response, body []byte) RequestError {
	re := RequestError{
		StatusCode:      resp.StatusCode,
		WWWAuthenticate: resp.Header.Get("Www-Authenticate"),
		Body:            json.RawMessage(body),
	}
	var parsed struct {
		Errors []ErrorDetail `json:"errors"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		re.Errors = parsed.Errors
	}
	return re
}

// IsAuthenticationError reports whether a failure is an authentication
// failure proper: status 401 combined with either a jwt_security_error code
// in the body or a www-authenticate header mentioning "login".
func (re RequestError) IsAuthenticationError() bool {
	if re.StatusCode != http.StatusUnauthorized {
		return false
	}
	for _, e := range re.Errors {
		if e.Code == jwtSecurityErrorCode {
			return true
		}
	}
	return strings.Contains(strings.ToLower(re.WWWAuthenticate), "login")
}
