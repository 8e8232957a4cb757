// Package auth resolves the identity behind a bearer token. Tokens are RS256
// JWTs issued by the auth service; only its public key is needed here.
package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cwrk-planet/chat-service/internal/domain"

	"github.com/golang-jwt/jwt"
)

var (
	ErrMissingToken    = errors.New("missing bearer token")
	ErrInvalidToken    = errors.New("invalid token")
	ErrInvalidIssuer   = errors.New("invalid issuer")
	ErrInvalidAudience = errors.New("invalid audience")
	ErrTokenExpired    = errors.New("token expired or not valid yet")
	ErrInvalidSubject  = errors.New("invalid subject")
)

type Authenticator interface {
	Authenticate(ctx context.Context, token string) (domain.UserID, error)
}

type AccessClaims struct {
	jwt.StandardClaims
}

type JWTAuthenticator struct {
	public    *rsa.PublicKey
	issuer    string
	audience  string
	clockSkew time.Duration
	now       func() time.Time
}

func NewJWTAuthenticator(public *rsa.PublicKey, issuer, audience string, clockSkew time.Duration) *JWTAuthenticator {
	return &JWTAuthenticator{
		public:    public,
		issuer:    issuer,
		audience:  audience,
		clockSkew: clockSkew,
		now:       time.Now,
	}
}

// Authenticate validates the token and returns its subject.
func (a *JWTAuthenticator) Authenticate(_ context.Context, token string) (domain.UserID, error) {
	claims, err := a.ParseAndValidate(token)
	if err != nil {
		return "", err
	}
	return SubjectAsUserID(claims)
}

func (a *JWTAuthenticator) ParseAndValidate(tokenStr string) (*AccessClaims, error) {
	if tokenStr == "" {
		return nil, ErrMissingToken
	}

	// time claims are checked below, with clock skew
	parser := jwt.Parser{
		ValidMethods:         []string{jwt.SigningMethodRS256.Alg()},
		SkipClaimsValidation: true,
	}
	claims := &AccessClaims{}
	token, err := parser.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, ErrInvalidToken
		}
		return a.public, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if a.issuer != "" && !claims.VerifyIssuer(a.issuer, true) {
		return nil, ErrInvalidIssuer
	}
	if a.audience != "" && !claims.VerifyAudience(a.audience, true) {
		return nil, ErrInvalidAudience
	}

	now := a.now()
	if claims.ExpiresAt == 0 {
		return nil, ErrTokenExpired
	}
	exp := time.Unix(claims.ExpiresAt, 0).Add(a.clockSkew)
	if now.After(exp) {
		return nil, ErrTokenExpired
	}
	if claims.NotBefore != 0 {
		nbf := time.Unix(claims.NotBefore, 0).Add(-a.clockSkew)
		if now.Before(nbf) {
			return nil, ErrTokenExpired
		}
	}
	return claims, nil
}

func SubjectAsUserID(claims *AccessClaims) (domain.UserID, error) {
	if claims == nil {
		return "", ErrInvalidSubject
	}
	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return "", ErrInvalidSubject
	}
	return domain.UserID(sub), nil
}

func LoadRSAPublicKeyFromPEM(path string) (*rsa.PublicKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pub, err := jwt.ParseRSAPublicKeyFromPEM(b)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return pub, nil
}

// TokenFromRequest reads a bearer token from the Authorization header, or
// from the access_token query parameter for browser WebSocket clients that
// cannot set headers.
func TokenFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		if len(h) <= 7 || !strings.EqualFold(h[:7], "Bearer ") {
			return "", ErrMissingToken
		}
		return strings.TrimSpace(h[7:]), nil
	}
	if t := strings.TrimSpace(r.URL.Query().Get("access_token")); t != "" {
		return t, nil
	}
	return "", ErrMissingToken
}
