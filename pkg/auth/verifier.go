// Package auth turns handshake credentials into a trusted user identifier.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anatoly-dev/go-chat-gateway/pkg/config"
	"github.com/golang-jwt/jwt/v5"
)

const (
	ModePassthrough = "passthrough"
	ModeJWT         = "jwt"
)

var (
	ErrMissingUserID = errors.New("missing user identifier")
	ErrUnauthorized  = errors.New("invalid credentials")
)

// Credentials is what a client presents when opening a connection.
type Credentials struct {
	UserID string
	Token  string
}

// CredentialsFromRequest reads the user id from the userId (or user_id)
// query parameter and the token from the token parameter or a bearer
// Authorization header.
func CredentialsFromRequest(r *http.Request) Credentials {
	q := r.URL.Query()

	userID := q.Get("userId")
	if userID == "" {
		userID = q.Get("user_id")
	}

	token := q.Get("token")
	if token == "" {
		if authz := strings.TrimSpace(r.Header.Get("Authorization")); len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
			token = strings.TrimSpace(authz[7:])
		}
	}

	return Credentials{
		UserID: strings.TrimSpace(userID),
		Token:  token,
	}
}

type Verifier interface {
	Verify(ctx context.Context, creds Credentials) (string, error)
}

// Passthrough trusts the client-asserted identifier.
type Passthrough struct{}

func (Passthrough) Verify(_ context.Context, creds Credentials) (string, error) {
	if creds.UserID == "" {
		return "", ErrMissingUserID
	}
	return creds.UserID, nil
}

// JWTVerifier accepts HMAC-signed tokens and uses their subject as the
// user identifier. A userId asserted next to the token must match it.
type JWTVerifier struct {
	secret []byte
	issuer string
	parser *jwt.Parser
}

func NewJWTVerifier(secret, issuer string) (*JWTVerifier, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is empty")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}

	return &JWTVerifier{
		secret: []byte(secret),
		issuer: issuer,
		parser: jwt.NewParser(opts...),
	}, nil
}

func (v *JWTVerifier) Verify(_ context.Context, creds Credentials) (string, error) {
	if creds.Token == "" {
		return "", ErrMissingUserID
	}

	claims := &jwt.RegisteredClaims{}
	_, err := v.parser.ParseWithClaims(creds.Token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}
	if creds.UserID != "" && creds.UserID != claims.Subject {
		return "", fmt.Errorf("%w: user id does not match token subject", ErrUnauthorized)
	}

	return claims.Subject, nil
}

func NewVerifier(cfg *config.AuthConfig) (Verifier, error) {
	switch cfg.Mode {
	case ModePassthrough, "":
		return Passthrough{}, nil
	case ModeJWT:
		return NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
}
