// ABOUTME: JWT authentication turning signed tokens into validated identities
// ABOUTME: Uses HS256 signing with configurable secret; the role claim must match the channel

package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/2389/switchboard/internal/conn"
	"github.com/2389/switchboard/internal/state"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrWrongRole    = errors.New("token not valid for this channel")
)

// Authenticator resolves a connection's credentials to an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, role conn.Role, token string) (state.Identity, error)
}

// Claims is the token payload. The subject is the identity id.
type Claims struct {
	Role        conn.Role `json:"role"`
	Username    string    `json:"username,omitempty"`
	DisplayName string    `json:"displayName,omitempty"`
	Picture     string    `json:"picture,omitempty"`
	SessionID   string    `json:"session_id,omitempty"`
	jwt.RegisteredClaims
}

// Identity returns the identity carried by the claims.
func (c *Claims) Identity() state.Identity {
	return state.Identity{
		ID:          c.Subject,
		Username:    c.Username,
		DisplayName: c.DisplayName,
		Picture:     c.Picture,
		SessionID:   c.SessionID,
	}
}

// JWTAuthenticator implements Authenticator using HS256 signed JWTs.
type JWTAuthenticator struct {
	secret []byte
	now    func() time.Time
}

// NewJWTAuthenticator creates an authenticator with the given secret.
func NewJWTAuthenticator(secret []byte) *JWTAuthenticator {
	return &JWTAuthenticator{secret: secret, now: time.Now}
}

// Authenticate verifies token, checks it was issued for role and validates
// the identity it carries.
func (a *JWTAuthenticator) Authenticate(_ context.Context, role conn.Role, token string) (state.Identity, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return state.Identity{}, ErrExpiredToken
		}
		return state.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return state.Identity{}, ErrInvalidToken
	}
	if claims.Role != role {
		return state.Identity{}, fmt.Errorf("%w: issued for %q", ErrWrongRole, claims.Role)
	}

	id := claims.Identity()
	if err := ValidateIdentity(role, id); err != nil {
		return state.Identity{}, err
	}
	return id, nil
}

// Issue signs a token for id acting as role.
func (a *JWTAuthenticator) Issue(role conn.Role, id state.Identity, expiresIn time.Duration) (string, error) {
	now := a.now()
	claims := Claims{
		Role:        role,
		Username:    id.Username,
		DisplayName: id.DisplayName,
		Picture:     id.Picture,
		SessionID:   id.SessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// Verify authenticates token with authn and checks the identity carries the
// keys role requires, whatever authenticator produced it.
func Verify(ctx context.Context, authn Authenticator, role conn.Role, token string) (state.Identity, error) {
	id, err := authn.Authenticate(ctx, role, token)
	if err != nil {
		return state.Identity{}, err
	}
	if err := ValidateIdentity(role, id); err != nil {
		return state.Identity{}, err
	}
	return id, nil
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, role conn.Role, token string) (state.Identity, error)

// Authenticate implements Authenticator.
func (f AuthenticatorFunc) Authenticate(ctx context.Context, role conn.Role, token string) (state.Identity, error) {
	return f(ctx, role, token)
}
