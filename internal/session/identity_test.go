package session

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testIssuer   = "https://securetoken.example.com/ride-dash"
	testAudience = "ride-dash"
)

func idClaims(sub, email string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":            testIssuer,
		"aud":            testAudience,
		"sub":            sub,
		"email":          email,
		"email_verified": true,
		"name":           "Dee",
		"iat":            now.Unix(),
		"exp":            now.Add(time.Hour).Unix(),
	}
}

func signHS(t *testing.T, claims jwt.MapClaims, secret string) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return raw
}

func TestVerifierAcceptsProviderToken(t *testing.T) {
	v, err := NewHMACVerifier(testIssuer, testAudience, "idp-secret")
	require.NoError(t, err)

	id, err := v.Verify(signHS(t, idClaims("u1", "dee@x.com"), "idp-secret"))
	require.NoError(t, err)
	assert.Equal(t, Identity{UID: "u1", Email: "dee@x.com", DisplayName: "Dee"}, id)
}

func TestVerifierRejects(t *testing.T) {
	v, err := NewHMACVerifier(testIssuer, testAudience, "idp-secret")
	require.NoError(t, err)

	with := func(k string, val any) jwt.MapClaims {
		c := idClaims("u1", "dee@x.com")
		if val == nil {
			delete(c, k)
		} else {
			c[k] = val
		}
		return c
	}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, idClaims("u1", "dee@x.com")).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	cases := map[string]string{
		"empty":          "",
		"garbage":        "not-a-jwt",
		"unsigned":       unsigned,
		"forged":         signHS(t, idClaims("u1", "dee@x.com"), "attacker"),
		"other issuer":   signHS(t, with("iss", "https://evil.example.com"), "idp-secret"),
		"other audience": signHS(t, with("aud", "someone-else"), "idp-secret"),
		"expired":        signHS(t, with("exp", time.Now().Add(-time.Minute).Unix()), "idp-secret"),
		"no expiry":      signHS(t, with("exp", nil), "idp-secret"),
		"no subject":     signHS(t, with("sub", nil), "idp-secret"),
		"no email":       signHS(t, with("email", nil), "idp-secret"),
		"unverified":     signHS(t, with("email_verified", false), "idp-secret"),
	}
	for name, raw := range cases {
		_, err := v.Verify(raw)
		assert.ErrorIs(t, err, ErrUnauthenticated, name)
	}

	_, err = NewHMACVerifier(testIssuer, testAudience, "")
	assert.Error(t, err)
}

func TestRSAVerifier(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pub := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	v, err := NewRSAVerifier(testIssuer, testAudience, pub)
	require.NoError(t, err)

	raw, err := jwt.NewWithClaims(jwt.SigningMethodRS256, idClaims("u2", "pat@x.com")).SignedString(key)
	require.NoError(t, err)
	id, err := v.Verify(raw)
	require.NoError(t, err)
	assert.Equal(t, "u2", id.UID)
	assert.Equal(t, "pat@x.com", id.Email)

	// An HS256 token keyed with the public key bytes must not pass.
	confused := signHS(t, idClaims("u2", "pat@x.com"), string(pub))
	_, err = v.Verify(confused)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = NewRSAVerifier(testIssuer, testAudience, []byte("nope"))
	assert.Error(t, err)
}
