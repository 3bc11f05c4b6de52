package utils

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func newTestCodec(t *testing.T, clk *fakeClock, previous ...SigningKey) *Codec {
	t.Helper()
	ks, err := NewKeySet(HMACKey("k2", []byte(testSecret)), previous...)
	require.NoError(t, err)
	return NewCodec(ks, "auth-service", WithCodecClock(clk.Now))
}

func reasonOf(t *testing.T, err error) TokenReason {
	t.Helper()
	var ite *InvalidTokenError
	require.ErrorAs(t, err, &ite)
	require.ErrorIs(t, err, ErrInvalidToken)
	return ite.Reason
}

func TestCodec_MintParse(t *testing.T) {
	clk := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := newTestCodec(t, clk)

	tok, exp, err := c.Mint(Claims{
		Type:             TokenAccess,
		Roles:            []string{"admin"},
		Scopes:           []string{"users:read"},
		Ext:              map[string]string{"tenant": "t1"},
		RegisteredClaims: jwt.RegisteredClaims{Subject: "p-1"},
	}, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, clk.t.Add(15*time.Minute), exp)

	cl, err := c.Parse(tok, TokenAccess)
	require.NoError(t, err)
	assert.Equal(t, "p-1", cl.Subject)
	assert.Equal(t, []string{"users:read"}, cl.Scopes)
	assert.Equal(t, "t1", cl.Ext["tenant"])
	assert.Equal(t, ClaimsVersion, cl.Version)
	assert.NotEmpty(t, cl.ID)
}

func TestCodec_ExpiryBoundary(t *testing.T) {
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := &fakeClock{t: start}
	c := newTestCodec(t, clk)

	tok, exp, err := c.Mint(Claims{Type: TokenAccess, RegisteredClaims: jwt.RegisteredClaims{Subject: "p"}}, time.Minute)
	require.NoError(t, err)

	clk.t = exp.Add(-time.Second)
	_, err = c.Parse(tok, TokenAccess)
	require.NoError(t, err)

	clk.t = exp
	_, err = c.Parse(tok, TokenAccess)
	assert.Equal(t, ReasonExpired, reasonOf(t, err))
	assert.True(t, IsExpired(err))
}

func TestCodec_RejectReasons(t *testing.T) {
	clk := &fakeClock{t: time.Now()}
	c := newTestCodec(t, clk)
	access, _, err := c.Mint(Claims{Type: TokenAccess, RegisteredClaims: jwt.RegisteredClaims{Subject: "p"}}, time.Minute)
	require.NoError(t, err)
	refresh, _, err := c.Mint(Claims{Type: TokenRefresh, RegisteredClaims: jwt.RegisteredClaims{Subject: "p"}}, time.Hour)
	require.NoError(t, err)

	t.Run("malformed", func(t *testing.T) {
		_, err := c.Parse("not-a-token", TokenAccess)
		assert.Equal(t, ReasonMalformed, reasonOf(t, err))
	})
	t.Run("signature", func(t *testing.T) {
		parts := strings.Split(access, ".")
		sig := []byte(parts[2])
		if sig[0] == 'A' {
			sig[0] = 'B'
		} else {
			sig[0] = 'A'
		}
		_, err := c.Parse(parts[0]+"."+parts[1]+"."+string(sig), TokenAccess)
		assert.Equal(t, ReasonSignature, reasonOf(t, err))
	})
	t.Run("access where refresh required", func(t *testing.T) {
		_, err := c.Parse(access, TokenRefresh)
		assert.Equal(t, ReasonWrongType, reasonOf(t, err))
	})
	t.Run("refresh where access required", func(t *testing.T) {
		_, err := c.Parse(refresh, TokenAccess)
		assert.Equal(t, ReasonWrongType, reasonOf(t, err))
	})
	t.Run("unknown key", func(t *testing.T) {
		other, err := NewKeySet(HMACKey("k9", []byte(testSecret)))
		require.NoError(t, err)
		foreign, _, err := NewCodec(other, "auth-service").Mint(Claims{Type: TokenAccess, RegisteredClaims: jwt.RegisteredClaims{Subject: "p"}}, time.Minute)
		require.NoError(t, err)
		_, err = c.Parse(foreign, TokenAccess)
		assert.Equal(t, ReasonUnknownKey, reasonOf(t, err))
	})
	t.Run("wrong issuer", func(t *testing.T) {
		ks, err := NewKeySet(HMACKey("k2", []byte(testSecret)))
		require.NoError(t, err)
		tok, _, err := NewCodec(ks, "someone-else").Mint(Claims{Type: TokenAccess, RegisteredClaims: jwt.RegisteredClaims{Subject: "p"}}, time.Minute)
		require.NoError(t, err)
		_, err = c.Parse(tok, TokenAccess)
		assert.Equal(t, ReasonClaims, reasonOf(t, err))
	})
}

func TestCodec_PreviousKeyStillVerifies(t *testing.T) {
	clk := &fakeClock{t: time.Now()}
	oldSecret := []byte("fedcba9876543210fedcba9876543210")

	oldKS, err := NewKeySet(HMACKey("k1", oldSecret))
	require.NoError(t, err)
	oldTok, _, err := NewCodec(oldKS, "auth-service", WithCodecClock(clk.Now)).
		Mint(Claims{Type: TokenAccess, RegisteredClaims: jwt.RegisteredClaims{Subject: "p"}}, time.Minute)
	require.NoError(t, err)

	c := newTestCodec(t, clk, HMACKey("k1", oldSecret))
	cl, err := c.Parse(oldTok, TokenAccess)
	require.NoError(t, err)
	assert.Equal(t, "p", cl.Subject)

	newTok, _, err := c.Mint(Claims{Type: TokenAccess, RegisteredClaims: jwt.RegisteredClaims{Subject: "p"}}, time.Minute)
	require.NoError(t, err)
	hdr, _, err := jwt.NewParser().ParseUnverified(newTok, &Claims{})
	require.NoError(t, err)
	assert.Equal(t, "k2", hdr.Header["kid"])
}

func TestCodec_RS256(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})

	key, err := RSAPrivateKeyFromPEM("rsa-1", privPEM)
	require.NoError(t, err)
	ks, err := NewKeySet(key)
	require.NoError(t, err)
	c := NewCodec(ks, "")

	tok, _, err := c.Mint(Claims{Type: TokenRefresh, RegisteredClaims: jwt.RegisteredClaims{Subject: "p"}}, time.Minute)
	require.NoError(t, err)
	_, err = c.Parse(tok, TokenRefresh)
	require.NoError(t, err)
}

func TestParseHMACKeys(t *testing.T) {
	keys, err := ParseHMACKeys("new:" + testSecret + ", old:" + testSecret)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, "new", keys[0].ID)

	_, err = ParseHMACKeys("short:abc")
	assert.Error(t, err)
	_, err = ParseHMACKeys("")
	assert.Error(t, err)
	_, err = NewKeySet(keys[0], HMACKey("new", []byte(testSecret)))
	assert.Error(t, err, "duplicate kid")
}
