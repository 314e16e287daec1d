package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, header, claims map[string]any) string {
	t.Helper()
	h, err := json.Marshal(header)
	require.NoError(t, err)
	c, err := json.Marshal(claims)
	require.NoError(t, err)
	input := base64.RawURLEncoding.EncodeToString(h) + "." + base64.RawURLEncoding.EncodeToString(c)
	mac := hmac.New(sha256.New, []byte(testSecret))
	_, _ = mac.Write([]byte(input))
	return input + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func TestVerifyTokenClaims(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	hs256 := map[string]any{"alg": "HS256", "typ": "JWT"}
	valid := func() map[string]any {
		return map[string]any{"sub": "ops", "aud": tokenAudience, "exp": now.Add(time.Hour).Unix(), "scopes": []string{"review:read"}}
	}

	p, err := verifyToken(signToken(t, hs256, valid()), testSecret, now)
	require.Nil(t, err)
	require.Equal(t, "ops", p.Subject)
	require.True(t, p.allows("review:read"))
	require.Equal(t, now.Add(time.Hour), p.Expires.UTC())

	joined := valid()
	joined["scopes"] = "imports:read  lookup"
	p, err = verifyToken(signToken(t, hs256, joined), testSecret, now)
	require.Nil(t, err)
	require.True(t, p.allows("imports:read"))
	require.True(t, p.allows("lookup"))
	require.False(t, p.allows("review:read"))

	cases := []struct {
		name   string
		header map[string]any
		edit   func(map[string]any)
		status int
	}{
		{name: "alg none", header: map[string]any{"alg": "none"}, edit: func(map[string]any) {}, status: http.StatusUnauthorized},
		{name: "no exp", header: hs256, edit: func(c map[string]any) { delete(c, "exp") }, status: http.StatusUnauthorized},
		{name: "expires now", header: hs256, edit: func(c map[string]any) { c["exp"] = now.Unix() }, status: http.StatusUnauthorized},
		{name: "blank sub", header: hs256, edit: func(c map[string]any) { c["sub"] = "  " }, status: http.StatusUnauthorized},
		{name: "scopes of wrong type", header: hs256, edit: func(c map[string]any) { c["scopes"] = 7 }, status: http.StatusUnauthorized},
		{name: "no scopes", header: hs256, edit: func(c map[string]any) { c["scopes"] = []string{} }, status: http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			claims := valid()
			tc.edit(claims)
			_, err := verifyToken(signToken(t, tc.header, claims), testSecret, now)
			require.NotNil(t, err)
			require.Equal(t, tc.status, err.status, err.message)
		})
	}

	_, err = verifyToken(signToken(t, hs256, valid())+"x", testSecret, now)
	require.NotNil(t, err)
	require.Equal(t, "jwt signature mismatch", err.message)
}

func TestAuthorizeBearerNeedsPrefixAndScope(t *testing.T) {
	now := time.Now()
	token := mustTestJWT(t, testSecret, "ops", []string{"review:read"}, now.Add(time.Hour))

	_, err := authorizeBearer("Token "+token, testSecret, "review:read", now)
	require.NotNil(t, err)
	require.Equal(t, http.StatusUnauthorized, err.status)

	_, err = authorizeBearer("Bearer "+token, testSecret, "review:write", now)
	require.NotNil(t, err)
	require.Equal(t, http.StatusForbidden, err.status)
	require.Equal(t, "missing required scope: review:write", err.message)

	p, err := authorizeBearer("Bearer "+token, testSecret, "review:read", now)
	require.Nil(t, err)
	require.Equal(t, "ops", p.Subject)
}
