package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/mediavault/internal/apperr"
)

const tokenExpiration = 24 * time.Hour

// claims is the JWT payload issued by POST /auth/token. The system has
// a single operator account, so there is no user id beyond the
// configured username.
type claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// tokenService issues and validates bearer tokens for the single
// configured account.
type tokenService struct {
	secret          string
	defaultUser     string
	defaultPassword string
}

func newTokenService(secret, defaultUser, defaultPassword string) *tokenService {
	return &tokenService{secret: secret, defaultUser: defaultUser, defaultPassword: defaultPassword}
}

// issue validates username/password against the single configured
// account and returns a signed bearer token.
func (s *tokenService) issue(username, password string) (string, error) {
	if username != s.defaultUser || password != s.defaultPassword {
		return "", fmt.Errorf("%w: bad credentials", apperr.ErrUnauthorized)
	}

	now := time.Now()
	c := &claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenExpiration)),
			Issuer:    "mediavault",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString([]byte(s.secret))
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// validate parses and verifies a bearer token string.
func (s *tokenService) validate(tokenString string) (*claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrUnauthorized, err)
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("%w: invalid token claims", apperr.ErrUnauthorized)
	}
	return c, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
}

// handleIssueToken is POST /auth/token: form-encoded username/password
// in, a signed bearer token out.
func (s *Server) handleIssueToken(c echo.Context) error {
	username := c.FormValue("username")
	password := c.FormValue("password")

	token, err := s.tokens.issue(username, password)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, tokenResponse{AccessToken: token})
}

// requireBearerToken is Echo middleware enforcing JWT auth on the
// /api/v1 route group; /api/v1/auth/token, /ping, /health and /metrics
// are registered outside that group and need no token.
func requireBearerToken(tokens *tokenService) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(header, prefix) {
				return writeError(c, fmt.Errorf("%w: missing bearer token", apperr.ErrUnauthorized))
			}
			tokenString := strings.TrimPrefix(header, prefix)
			if _, err := tokens.validate(tokenString); err != nil {
				return writeError(c, err)
			}
			return next(c)
		}
	}
}
