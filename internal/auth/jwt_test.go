package auth

import (
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTokenExtractsClaims(t *testing.T) {
	validator, privateKey, issuer, audience := setupTestValidator(t)

	tok, err := createTestJWT(privateKey, issuer, audience, "user-123", map[string]interface{}{
		"email":        "a@example.com",
		"role":         "admin",
		"tenant_id":    "tenant-1",
		"custom_field": "x",
	})
	require.NoError(t, err)

	p, err := validator.ValidateToken(t.Context(), tok)
	require.NoError(t, err)
	assert.Equal(t, "user-123", p.Subject)
	assert.Equal(t, "a@example.com", p.Email)
	assert.Equal(t, "admin", p.Role)
	assert.Equal(t, "tenant-1", p.TenantID)
	assert.Equal(t, "x", p.Custom["custom_field"])
}

func TestValidateTokenRejectsWrongIssuer(t *testing.T) {
	validator, privateKey, _, audience := setupTestValidator(t)

	tok, err := createTestJWT(privateKey, "https://someone-else.example", audience, "u", nil)
	require.NoError(t, err)

	_, err = validator.ValidateToken(t.Context(), tok)
	assert.Error(t, err)
}

func TestValidateTokenRejectsExpiredToken(t *testing.T) {
	validator, privateKey, issuer, audience := setupTestValidator(t)

	token := jwt.New()
	_ = token.Set(jwt.IssuerKey, issuer)
	_ = token.Set(jwt.AudienceKey, audience)
	_ = token.Set(jwt.SubjectKey, "u")
	_ = token.Set(jwt.ExpirationKey, time.Now().Add(-time.Hour))

	key, err := jwk.FromRaw(privateKey)
	require.NoError(t, err)
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, key))
	require.NoError(t, err)

	_, err = validator.ValidateToken(t.Context(), string(signed))
	assert.Error(t, err)
}

func TestValidateTokenRejectsMalformedToken(t *testing.T) {
	validator, _, _, _ := setupTestValidator(t)

	_, err := validator.ValidateToken(t.Context(), "not-a-jwt")
	assert.Error(t, err)
}

func TestCloseDoesNotBreakSubsequentValidation(t *testing.T) {
	validator, privateKey, issuer, audience := setupTestValidator(t)
	validator.Close()

	tok, err := createTestJWT(privateKey, issuer, audience, "u", nil)
	require.NoError(t, err)

	_, err = validator.ValidateToken(t.Context(), tok)
	assert.NoError(t, err)
}
