package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenAudience = "letterflow"

const (
	ScopeAdminRead  = "admin:read"
	ScopeAdminWrite = "admin:write"
	ScopeImport     = "import:write"
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

// TokenClaims are the bearer claims accepted by the admin API.
type TokenClaims struct {
	Scopes []string `json:"scopes"`
	jwt.RegisteredClaims
}

func (c *TokenClaims) hasAnyScope(required ...string) bool {
	for _, scope := range c.Scopes {
		for _, want := range required {
			if scope == want {
				return true
			}
		}
	}
	return false
}

// authorizeBearer accepts the token when it carries any of the required scopes.
func authorizeBearer(authHeader, secret string, now time.Time, required ...string) (*TokenClaims, *authError) {
	claims, authErr := parseBearer(authHeader, secret, now)
	if authErr != nil {
		return nil, authErr
	}
	if len(required) > 0 && !claims.hasAnyScope(required...) {
		return nil, &authError{
			status:  http.StatusForbidden,
			code:    "forbidden",
			message: "missing required scope: " + required[0],
		}
	}
	return claims, nil
}

func parseBearer(authHeader, secret string, now time.Time) (*TokenClaims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return nil, unauthorized("missing or invalid bearer token")
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

	claims := &TokenClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(tokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, unauthorized("token expired")
		case errors.Is(err, jwt.ErrTokenInvalidAudience):
			return nil, unauthorized("invalid aud claim")
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, unauthorized("jwt signature mismatch")
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, unauthorized("invalid jwt format")
		default:
			return nil, unauthorized("invalid token")
		}
	}
	if !token.Valid {
		return nil, unauthorized("invalid token")
	}
	if claims.Subject == "" {
		return nil, unauthorized("missing sub claim")
	}
	if len(claims.Scopes) == 0 {
		return nil, &authError{status: http.StatusForbidden, code: "forbidden", message: "no scopes granted"}
	}
	return claims, nil
}

// SignToken issues an HS256 admin token.
func SignToken(secret, subject string, scopes []string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("signing secret is required")
	}
	claims := TokenClaims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Audience:  jwt.ClaimStrings{tokenAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
