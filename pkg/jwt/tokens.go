package jwt

import (
	"errors"
	"slices"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// AllProjects grants access to every project.
const AllProjects = "*"

// Claims defines JWT payload.
type Claims struct {
	Projects []string `json:"projects,omitempty"`
	Admin    bool     `json:"admin,omitempty"`
	jwtlib.RegisteredClaims
}

// CanAccess reports whether the claims cover projectID.
func (c *Claims) CanAccess(projectID string) bool {
	if c == nil {
		return false
	}
	return c.Admin || slices.Contains(c.Projects, AllProjects) || slices.Contains(c.Projects, projectID)
}

// GenerateToken issues a signed JWT with provided secret and ttl.
func GenerateToken(subject string, projects []string, admin bool, secret string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret cannot be empty")
	}
	now := time.Now()
	claims := Claims{
		Projects: projects,
		Admin:    admin,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    "hostd",
			Subject:   subject,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// Parse validates and extracts claims from token.
func Parse(token string, secret string) (*Claims, error) {
	parsed, err := jwtlib.ParseWithClaims(token, &Claims{}, func(t *jwtlib.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Name}), jwtlib.WithIssuer("hostd"))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwtlib.ErrTokenInvalidClaims
	}
	return claims, nil
}
