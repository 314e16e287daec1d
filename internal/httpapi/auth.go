package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

const tokenAudience = "activitysync"

const (
	scopeImportsRead   = "imports:read"
	scopeImportsWrite  = "imports:write"
	scopeReviewRead    = "review:read"
	scopeReviewWrite   = "review:write"
	scopeWebhooksRead  = "webhooks:read"
	scopeWebhooksWrite = "webhooks:write"
	scopeLookup        = "lookup"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

func unauthorized(message string) *authError {
	return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: message}
}

// principal is the caller an admin request acts for.
type principal struct {
	Subject string
	Scopes  scopeSet
	Expires time.Time
}

func (p principal) allows(scope string) bool {
	_, ok := p.Scopes[scope]
	return ok
}

// scopeSet decodes the scopes claim from either a JSON array or a
// space-separated string.
type scopeSet map[string]struct{}

func (s *scopeSet) UnmarshalJSON(data []byte) error {
	set := scopeSet{}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		var joined string
		if err := json.Unmarshal(data, &joined); err != nil {
			return err
		}
		list = strings.Fields(joined)
	}
	for _, scope := range list {
		if scope != "" {
			set[scope] = struct{}{}
		}
	}
	*s = set
	return nil
}

type jwtHeader struct {
	Alg string `json:"alg"`
}

type jwtClaims struct {
	Subject  string      `json:"sub"`
	Audience string      `json:"aud"`
	Expiry   json.Number `json:"exp"`
	Scopes   scopeSet    `json:"scopes"`
}

func authorizeBearer(authHeader, jwtSecret, requiredScope string, now time.Time) (principal, *authError) {
	raw, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return principal{}, unauthorized("missing or invalid bearer token")
	}
	p, err := verifyToken(strings.TrimSpace(raw), jwtSecret, now)
	if err != nil {
		return principal{}, err
	}
	if requiredScope != "" && !p.allows(requiredScope) {
		return principal{}, &authError{
			status:  http.StatusForbidden,
			code:    "forbidden",
			message: "missing required scope: " + requiredScope,
		}
	}
	return p, nil
}

// verifyToken accepts HS256 tokens signed with secret whose audience is
// this service and which grant at least one scope.
func verifyToken(raw, secret string, now time.Time) (principal, *authError) {
	segments := strings.Split(raw, ".")
	if len(segments) != 3 {
		return principal{}, unauthorized("invalid jwt format")
	}
	var header jwtHeader
	if decodeSegment(segments[0], &header) != nil {
		return principal{}, unauthorized("invalid jwt header")
	}
	if header.Alg != "HS256" {
		return principal{}, unauthorized("unsupported jwt algorithm")
	}
	if !signatureValid(segments[0]+"."+segments[1], segments[2], secret) {
		return principal{}, unauthorized("jwt signature mismatch")
	}
	var claims jwtClaims
	if decodeSegment(segments[1], &claims) != nil {
		return principal{}, unauthorized("invalid jwt payload")
	}
	return claims.principal(now)
}

func (c jwtClaims) principal(now time.Time) (principal, *authError) {
	if strings.TrimSpace(c.Subject) == "" {
		return principal{}, unauthorized("missing sub claim")
	}
	exp, err := c.Expiry.Float64()
	if err != nil {
		return principal{}, unauthorized("invalid exp claim")
	}
	expires := time.Unix(int64(exp), 0)
	if !now.Before(expires) {
		return principal{}, unauthorized("token expired")
	}
	if c.Audience != tokenAudience {
		return principal{}, unauthorized("invalid aud claim")
	}
	if len(c.Scopes) == 0 {
		return principal{}, &authError{status: http.StatusForbidden, code: "forbidden", message: "no scopes granted"}
	}
	return principal{Subject: c.Subject, Scopes: c.Scopes, Expires: expires}, nil
}

func decodeSegment(segment string, dst any) error {
	data, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

func signatureValid(signingInput, signature, secret string) bool {
	got, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signingInput))
	return hmac.Equal(got, mac.Sum(nil))
}
