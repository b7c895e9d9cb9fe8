package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// Claims are the access-token claims issued by the identity provider.
type Claims struct {
	jwt.RegisteredClaims
	Email        string                 `json:"email"`
	Role         string                 `json:"role"`
	UserMetadata map[string]interface{} `json:"user_metadata,omitempty"`
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey is the provider's shared HMAC secret.
	SigningKey []byte
	// Insecure decodes tokens without checking the signature. Development only.
	Insecure bool
	Skipper  func(c echo.Context) bool
}

var ErrMissingToken = errors.New("missing bearer token")

// Verifier parses and validates access tokens.
type Verifier struct {
	cfg  JWTConfig
	jwks *JWKSCache
	opts []jwt.ParserOption
}

// NewVerifier resolves the key source once. With neither a signing key nor
// a JWKS URL, the issuer's discovery document is consulted, then GoTrue's
// fixed key-set path.
func NewVerifier(ctx context.Context, cfg JWTConfig) (*Verifier, error) {
	v := &Verifier{cfg: cfg}

	v.opts = []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "ES256", "HS256"}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		v.opts = append(v.opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		v.opts = append(v.opts, jwt.WithAudience(cfg.Audience))
	}

	if len(cfg.SigningKey) > 0 || cfg.Insecure {
		return v, nil
	}

	jwksURL := cfg.JWKSURL
	if jwksURL == "" && cfg.Issuer != "" {
		discovered, err := DiscoverJWKSURL(ctx, cfg.Issuer)
		if err != nil {
			discovered = JWKSURLForIssuer(cfg.Issuer)
		}
		jwksURL = discovered
	}
	if jwksURL == "" {
		return nil, fmt.Errorf("auth: no signing key, JWKS URL or issuer configured")
	}
	v.jwks = NewJWKSCache(jwksURL, defaultJWKSCacheTTL)
	return v, nil
}

// Verify parses tokenStr and returns its claims.
func (v *Verifier) Verify(ctx context.Context, tokenStr string) (*Claims, error) {
	claims := &Claims{}

	if v.cfg.Insecure {
		if _, _, err := jwt.NewParser().ParseUnverified(tokenStr, claims); err != nil {
			return nil, err
		}
		if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
			return nil, jwt.ErrTokenExpired
		}
		return claims, nil
	}

	var keyFunc jwt.Keyfunc
	if len(v.cfg.SigningKey) > 0 {
		keyFunc = func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
			}
			return v.cfg.SigningKey, nil
		}
	} else {
		keyFunc = jwksKeyFunc(ctx, v.jwks)
	}

	token, err := jwt.ParseWithClaims(tokenStr, claims, keyFunc, v.opts...)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrMissingToken
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", errors.New("invalid authorization format")
	}
	return strings.TrimSpace(parts[1]), nil
}

// JWTMiddleware verifies the caller's bearer token and attaches an Identity
// carrying that same token to the request context, so downstream database
// calls run as the caller.
func JWTMiddleware(v *Verifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if v.cfg.Skipper != nil && v.cfg.Skipper(c) {
				return next(c)
			}

			tokenStr, err := BearerToken(c.Request().Header.Get("Authorization"))
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
			}

			ctx := c.Request().Context()
			claims, err := v.Verify(ctx, tokenStr)
			if err != nil || claims.Subject == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			ctx = WithIdentity(ctx, Identity{
				UserID:      claims.Subject,
				Email:       claims.Email,
				Role:        claims.Role,
				AccessToken: tokenStr,
			})
			c.SetRequest(c.Request().WithContext(ctx))

			return next(c)
		}
	}
}

// RequireRole rejects callers whose token role is not one of roles. The
// public anon key is itself a token with role "anon", so generation
// endpoints require "authenticated".
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id, ok := IdentityFromContext(c.Request().Context())
			if ok {
				for _, r := range roles {
					if id.Role == r {
						return next(c)
					}
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}
