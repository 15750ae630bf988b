package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	ServiceAuthKey contextKey = "service_auth"
)

var (
	ErrMissingToken  = errors.New("missing authorization header")
	ErrInvalidFormat = errors.New("invalid authorization format")
)

// Claims are the doctor access token claims issued by the auth service.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

type JWTConfig struct {
	Issuer     string
	Audience   string
	SigningKey []byte
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrMissingToken
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", ErrInvalidFormat
	}
	return strings.TrimSpace(parts[1]), nil
}

// ServiceTokenMiddleware admits requests carrying "Authorization: Bearer <secret>".
// The comparison is constant-time.
func ServiceTokenMiddleware(secret string) echo.MiddlewareFunc {
	expected := []byte(secret)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token, err := BearerToken(c.Request().Header.Get("Authorization"))
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
			}
			if len(expected) == 0 || subtle.ConstantTimeCompare([]byte(token), expected) != 1 {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid service token")
			}

			ctx := context.WithValue(c.Request().Context(), ServiceAuthKey, true)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// ServiceAuthenticated reports whether ServiceTokenMiddleware admitted the request.
func ServiceAuthenticated(ctx context.Context) bool {
	ok, _ := ctx.Value(ServiceAuthKey).(bool)
	return ok
}

// DoctorTokenVerifier validates HS256 doctor tokens.
type DoctorTokenVerifier struct {
	cfg JWTConfig
}

func NewDoctorTokenVerifier(cfg JWTConfig) *DoctorTokenVerifier {
	return &DoctorTokenVerifier{cfg: cfg}
}

// Parse validates tokenStr and returns its claims.
func (v *DoctorTokenVerifier) Parse(tokenStr string) (*Claims, error) {
	if tokenStr == "" {
		return nil, ErrMissingToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return v.cfg.SigningKey, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("parse doctor token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// VerifyDoctor validates tokenStr and returns the doctor id in its subject.
func (v *DoctorTokenVerifier) VerifyDoctor(tokenStr string) (string, error) {
	claims, err := v.Parse(tokenStr)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}
