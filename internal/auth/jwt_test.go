package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/stretchr/testify/require"
)

func newKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return k
}

func sign(t *testing.T, k *rsa.PrivateKey, c jwt.StandardClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodRS256, AccessClaims{StandardClaims: c}).SignedString(k)
	require.NoError(t, err)
	return s
}

func validClaims(now time.Time) jwt.StandardClaims {
	return jwt.StandardClaims{
		Subject:   "42",
		Issuer:    "auth-service",
		Audience:  "cwrk-planet",
		IssuedAt:  now.Unix(),
		NotBefore: now.Unix(),
		ExpiresAt: now.Add(time.Minute).Unix(),
	}
}

func TestJWTAuthenticator(t *testing.T) {
	key := newKey(t)
	now := time.Now()
	a := NewJWTAuthenticator(&key.PublicKey, "auth-service", "cwrk-planet", 30*time.Second)

	expired := validClaims(now.Add(-time.Hour))
	withinSkew := validClaims(now.Add(-time.Minute - 10*time.Second))
	wrongIss := validClaims(now)
	wrongIss.Issuer = "someone"
	wrongAud := validClaims(now)
	wrongAud.Audience = "other"
	noSub := validClaims(now)
	noSub.Subject = ""

	cases := []struct {
		name    string
		token   string
		wantErr error
		want    string
	}{
		{"valid", sign(t, key, validClaims(now)), nil, "42"},
		{"within clock skew", sign(t, key, withinSkew), nil, "42"},
		{"expired", sign(t, key, expired), ErrTokenExpired, ""},
		{"wrong issuer", sign(t, key, wrongIss), ErrInvalidIssuer, ""},
		{"wrong audience", sign(t, key, wrongAud), ErrInvalidAudience, ""},
		{"no subject", sign(t, key, noSub), ErrInvalidSubject, ""},
		{"other key", sign(t, newKey(t), validClaims(now)), ErrInvalidToken, ""},
		{"garbage", "abc.def.ghi", ErrInvalidToken, ""},
		{"empty", "", ErrMissingToken, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			uid, err := a.Authenticate(context.Background(), tc.token)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, string(uid))
		})
	}
}

func TestJWTAuthenticator_RejectsHS256(t *testing.T) {
	key := newKey(t)
	a := NewJWTAuthenticator(&key.PublicKey, "", "", 0)

	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims(time.Now())).SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = a.Authenticate(context.Background(), tok)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestLoadRSAPublicKeyFromPEM(t *testing.T) {
	key := newKey(t)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "jwt.pub")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o600))

	pub, err := LoadRSAPublicKeyFromPEM(path)
	require.NoError(t, err)
	require.True(t, key.PublicKey.Equal(pub))

	_, err = LoadRSAPublicKeyFromPEM(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

func TestTokenFromRequest(t *testing.T) {
	req := require.New(t)

	r := httptest.NewRequest("GET", "/ws/chats/1", nil)
	r.Header.Set("Authorization", "Bearer abc")
	tok, err := TokenFromRequest(r)
	req.NoError(err)
	req.Equal("abc", tok)

	r = httptest.NewRequest("GET", "/ws/chats/1?access_token=xyz", nil)
	tok, err = TokenFromRequest(r)
	req.NoError(err)
	req.Equal("xyz", tok)

	r = httptest.NewRequest("GET", "/ws/chats/1", nil)
	r.Header.Set("Authorization", "Basic abc")
	_, err = TokenFromRequest(r)
	req.ErrorIs(err, ErrMissingToken)

	_, err = TokenFromRequest(httptest.NewRequest("GET", "/", nil))
	req.ErrorIs(err, ErrMissingToken)
}
