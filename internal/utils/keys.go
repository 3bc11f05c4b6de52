package utils

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// SigningKey is one entry of a KeySet. Sign is nil for keys that are only
// kept around to verify tokens minted before a key rotation.
type SigningKey struct {
	ID     string
	Method jwt.SigningMethod
	Sign   any // []byte or *rsa.PrivateKey
	Verify any // []byte or *rsa.PublicKey
}

// HMACKey returns an HS256 key usable for both signing and verification.
func HMACKey(id string, secret []byte) SigningKey {
	return SigningKey{ID: id, Method: jwt.SigningMethodHS256, Sign: secret, Verify: secret}
}

// RSAPrivateKeyFromPEM returns an RS256 signing key.
func RSAPrivateKeyFromPEM(id string, pemBytes []byte) (SigningKey, error) {
	priv, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return SigningKey{}, fmt.Errorf("parse rsa private key %q: %w", id, err)
	}
	return SigningKey{ID: id, Method: jwt.SigningMethodRS256, Sign: priv, Verify: &priv.PublicKey}, nil
}

// RSAPublicKeyFromPEM returns a verify-only RS256 key.
func RSAPublicKeyFromPEM(id string, pemBytes []byte) (SigningKey, error) {
	pub, err := jwt.ParseRSAPublicKeyFromPEM(pemBytes)
	if err != nil {
		return SigningKey{}, fmt.Errorf("parse rsa public key %q: %w", id, err)
	}
	return SigningKey{ID: id, Method: jwt.SigningMethodRS256, Verify: pub}, nil
}

// ParseHMACKeys reads "kid:secret,kid:secret". The first key signs.
func ParseHMACKeys(list string) ([]SigningKey, error) {
	var keys []SigningKey
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, secret, ok := strings.Cut(part, ":")
		if !ok || id == "" || secret == "" {
			return nil, fmt.Errorf("signing key %q: want kid:secret", part)
		}
		if len(secret) < 32 {
			return nil, fmt.Errorf("signing key %q: secret shorter than 32 bytes", id)
		}
		keys = append(keys, HMACKey(id, []byte(secret)))
	}
	if len(keys) == 0 {
		return nil, errors.New("no signing keys configured")
	}
	return keys, nil
}

var errUnknownKey = errors.New("unknown signing key")

// KeySet holds the active signing key plus the previous keys that are
// still accepted for verification.
type KeySet struct {
	active  SigningKey
	byID    map[string]SigningKey
	methods []string
}

// NewKeySet validates the keys and indexes them by kid.
func NewKeySet(active SigningKey, previous ...SigningKey) (*KeySet, error) {
	if active.ID == "" || active.Method == nil || active.Sign == nil {
		return nil, errors.New("active signing key needs an id, a method and a private part")
	}
	ks := &KeySet{active: active, byID: make(map[string]SigningKey, len(previous)+1)}
	seen := map[string]bool{}
	for _, k := range append([]SigningKey{active}, previous...) {
		if k.ID == "" || k.Method == nil || k.Verify == nil {
			return nil, fmt.Errorf("signing key %q is incomplete", k.ID)
		}
		if _, dup := ks.byID[k.ID]; dup {
			return nil, fmt.Errorf("duplicate signing key id %q", k.ID)
		}
		if _, isRSA := k.Verify.(*rsa.PublicKey); !isRSA {
			if _, isHMAC := k.Verify.([]byte); !isHMAC {
				return nil, fmt.Errorf("signing key %q has unsupported key type %T", k.ID, k.Verify)
			}
		}
		ks.byID[k.ID] = k
		if alg := k.Method.Alg(); !seen[alg] {
			seen[alg] = true
			ks.methods = append(ks.methods, alg)
		}
	}
	return ks, nil
}

// ActiveID is the kid stamped on newly minted tokens.
func (ks *KeySet) ActiveID() string { return ks.active.ID }

func (ks *KeySet) keyFunc(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	k, ok := ks.byID[kid]
	if !ok {
		return nil, errUnknownKey
	}
	if t.Method.Alg() != k.Method.Alg() {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return k.Verify, nil
}
