package wsgateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrAuthDisabled = errors.New("authentication disabled")
)

// AuthManager validates the platform's HMAC-signed access tokens
type AuthManager struct {
	jwtSecret []byte
}

// NewAuthManager creates an auth manager. An empty secret disables auth.
func NewAuthManager(jwtSecret string) *AuthManager {
	return &AuthManager{
		jwtSecret: []byte(jwtSecret),
	}
}

// Enabled reports whether tokens are checked
func (a *AuthManager) Enabled() bool {
	return a != nil && len(a.jwtSecret) > 0
}

// ValidateToken validates a JWT token and returns the user ID it was issued to
func (a *AuthManager) ValidateToken(tokenString string) (string, error) {
	if !a.Enabled() {
		return "", ErrAuthDisabled
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.jwtSecret, nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid token claims")
	}

	if userID, ok := claims["user_id"].(string); ok && userID != "" {
		return userID, nil
	}
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return sub, nil
	}
	return "", fmt.Errorf("user_id not found in token")
}

// ExtractTokenFromHeader extracts JWT token from Authorization header
func (a *AuthManager) ExtractTokenFromHeader(authHeader string) (string, error) {
	if authHeader == "" {
		return "", ErrMissingToken
	}

	// Support both "Bearer <token>" and just "<token>"
	parts := strings.Split(authHeader, " ")
	switch len(parts) {
	case 2:
		if !strings.EqualFold(parts[0], "bearer") {
			return "", fmt.Errorf("invalid authorization header format")
		}
		return parts[1], nil
	case 1:
		return parts[0], nil
	}
	return "", fmt.Errorf("invalid authorization header format")
}

// TokenFromRequest reads the token from the Authorization header, falling back
// to the token query parameter browsers use for websocket upgrades.
func (a *AuthManager) TokenFromRequest(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		return a.ExtractTokenFromHeader(header)
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", ErrMissingToken
}

// Authenticate returns the user ID of the request's token
func (a *AuthManager) Authenticate(r *http.Request) (string, error) {
	token, err := a.TokenFromRequest(r)
	if err != nil {
		return "", err
	}
	return a.ValidateToken(token)
}
