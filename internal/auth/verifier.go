package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"clipsync/config"
)

// Rejection reasons. Their messages are the reasons reported to clients.
var (
	ErrExpired          = errors.New("expired")
	ErrMalformed        = errors.New("malformed")
	ErrSignatureInvalid = errors.New("signature-invalid")
)

// Identity is what a verified credential tells us about the caller.
type Identity struct {
	UserID string
}

// TokenVerifier validates bearer credentials.
type TokenVerifier interface {
	Verify(token string) (Identity, error)
}

// Verifier checks HS256 tokens signed with a shared secret. It holds no
// mutable state and is safe for concurrent use.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewVerifier builds a verifier from the auth configuration.
func NewVerifier(cfg config.AuthConfig) *Verifier {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	return &Verifier{
		secret: []byte(cfg.JWTSecret),
		parser: jwt.NewParser(opts...),
	}
}

// Verify validates the token and returns the identity in its subject claim.
func (v *Verifier) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{}, fmt.Errorf("%w: empty token", ErrMalformed)
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, classify(err)
	}
	if !parsed.Valid {
		return Identity{}, fmt.Errorf("%w: invalid token", ErrMalformed)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrMalformed)
	}

	return Identity{UserID: claims.Subject}, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrExpired, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	default:
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}

// Reason maps a verification error to the reason sent in auth_error.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrExpired):
		return ErrExpired.Error()
	case errors.Is(err, ErrSignatureInvalid):
		return ErrSignatureInvalid.Error()
	default:
		return ErrMalformed.Error()
	}
}

// Signer mints tokens the Verifier accepts.
type Signer struct {
	secret []byte
	issuer string
}

// NewSigner builds a signer from the auth configuration.
func NewSigner(cfg config.AuthConfig) *Signer {
	return &Signer{secret: []byte(cfg.JWTSecret), issuer: cfg.Issuer}
}

// Issue creates a token for userID valid for ttl.
func (s *Signer) Issue(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    s.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}
