package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
)

// Error is a rejected webhook request. Status is the HTTP status returned
// to the caller.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func unauthorized(message string) *Error {
	return &Error{Status: http.StatusUnauthorized, Code: "unauthorized", Message: message}
}

func forbidden(message string) *Error {
	return &Error{Status: http.StatusForbidden, Code: "forbidden", Message: message}
}

func badRequest(code, message string) *Error {
	return &Error{Status: http.StatusBadRequest, Code: code, Message: message}
}

// authenticate checks r against the endpoint's strategy. A missing
// credential is a 401, a wrong one a 403.
func authenticate(ep Endpoint, secret string, r *http.Request, body []byte) *Error {
	switch ep.Auth {
	case AuthNone:
		return nil
	case AuthToken:
		token := requestToken(ep, r)
		if token == "" {
			return unauthorized("missing webhook token")
		}
		if !constantTimeEqual(token, secret) {
			return forbidden("invalid webhook token")
		}
		return nil
	case AuthHMAC:
		header := ep.SignatureHeader
		if header == "" {
			header = defaultSignatureHeader
		}
		signature := strings.TrimSpace(r.Header.Get(header))
		signature = strings.TrimPrefix(strings.ToLower(signature), "sha256=")
		if signature == "" {
			return unauthorized("missing webhook signature")
		}
		mac := hmac.New(sha256.New, []byte(secret))
		_, _ = mac.Write(body)
		expected := hex.EncodeToString(mac.Sum(nil))
		if !hmac.Equal([]byte(signature), []byte(expected)) {
			return forbidden("webhook signature mismatch")
		}
		return nil
	case AuthBasic:
		user, password, ok := r.BasicAuth()
		if !ok {
			return unauthorized("missing basic credentials")
		}
		if ep.BasicUser == "" || ep.BasicPassword == "" {
			return forbidden("basic credentials not configured")
		}
		// Both comparisons always run.
		userOK := constantTimeEqual(user, ep.BasicUser)
		passwordOK := constantTimeEqual(password, ep.BasicPassword)
		if !userOK || !passwordOK {
			return forbidden("invalid basic credentials")
		}
		return nil
	default:
		return forbidden("unsupported auth type")
	}
}

// requestToken looks in the endpoint's token header, then a bearer
// Authorization header, then the token query parameter.
func requestToken(ep Endpoint, r *http.Request) string {
	header := ep.TokenHeader
	if header == "" {
		header = defaultTokenHeader
	}
	if token := strings.TrimSpace(r.Header.Get(header)); token != "" {
		return token
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		if token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer ")); token != "" {
			return token
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
