package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clipsync/config"
)

func TestVerifier_Verify(t *testing.T) {
	cfg := config.AuthConfig{JWTSecret: "test-secret", Issuer: "clipsync"}
	verifier := NewVerifier(cfg)
	signer := NewSigner(cfg)

	valid, err := signer.Issue("user-1", time.Hour)
	require.NoError(t, err)
	expired, err := signer.Issue("user-1", -time.Hour)
	require.NoError(t, err)
	forged, err := NewSigner(config.AuthConfig{JWTSecret: "other", Issuer: "clipsync"}).Issue("user-1", time.Hour)
	require.NoError(t, err)
	noSubject, err := signer.Issue("", time.Hour)
	require.NoError(t, err)
	wrongIssuer, err := NewSigner(config.AuthConfig{JWTSecret: "test-secret", Issuer: "elsewhere"}).Issue("user-1", time.Hour)
	require.NoError(t, err)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "user-1",
		Issuer:    "clipsync",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	testCases := []struct {
		name       string
		token      string
		wantUser   string
		wantErr    error
		wantReason string
	}{
		{name: "valid token", token: valid, wantUser: "user-1"},
		{name: "expired token", token: expired, wantErr: ErrExpired, wantReason: "expired"},
		{name: "wrong secret", token: forged, wantErr: ErrSignatureInvalid, wantReason: "signature-invalid"},
		{name: "none algorithm", token: unsigned, wantErr: ErrSignatureInvalid, wantReason: "signature-invalid"},
		{name: "garbage", token: "not.a.jwt", wantErr: ErrMalformed, wantReason: "malformed"},
		{name: "empty", token: "", wantErr: ErrMalformed, wantReason: "malformed"},
		{name: "missing subject", token: noSubject, wantErr: ErrMalformed, wantReason: "malformed"},
		{name: "foreign issuer", token: wrongIssuer, wantErr: ErrMalformed, wantReason: "malformed"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			identity, err := verifier.Verify(tc.token)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				assert.Equal(t, tc.wantReason, Reason(err))
				assert.Empty(t, identity.UserID)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantUser, identity.UserID)
		})
	}
}

func TestVerifier_Leeway(t *testing.T) {
	cfg := config.AuthConfig{JWTSecret: "s", Leeway: time.Minute}
	token, err := NewSigner(cfg).Issue("user-1", -10*time.Second)
	require.NoError(t, err)

	identity, err := NewVerifier(cfg).Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", identity.UserID)
}
