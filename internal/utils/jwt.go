package utils // package utils provides the password hasher, the token codec and token helpers

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenType distinguishes access from refresh tokens inside the claims.
type TokenType string

const (
	TokenAccess  TokenType = "access"
	TokenRefresh TokenType = "refresh"
)

// ClaimsVersion is bumped whenever the claim layout changes; tokens of
// another version are rejected.
const ClaimsVersion = 1

// Claims is the closed claim schema carried by every token. Anything not
// covered by an explicit field goes into Ext.
type Claims struct {
	Version int               `json:"ver"`
	Type    TokenType         `json:"typ"`
	Roles   []string          `json:"roles,omitempty"`
	Scopes  []string          `json:"scope,omitempty"`
	Ext     map[string]string `json:"ext,omitempty"`
	jwt.RegisteredClaims
}

// TokenReason says why Parse rejected a token.
type TokenReason string

const (
	ReasonMalformed  TokenReason = "malformed"
	ReasonSignature  TokenReason = "signature"
	ReasonExpired    TokenReason = "expired"
	ReasonWrongType  TokenReason = "wrong_type"
	ReasonUnknownKey TokenReason = "unknown_key"
	ReasonClaims     TokenReason = "claims"
	// ReasonRevoked is never produced by Parse; the session layer uses it
	// for well-formed refresh tokens whose server-side record is gone or
	// revoked.
	ReasonRevoked TokenReason = "revoked"
)

// ErrInvalidToken matches every *InvalidTokenError via errors.Is.
var ErrInvalidToken = errors.New("invalid token")

// InvalidTokenError is returned by Codec.Parse.
type InvalidTokenError struct {
	Reason TokenReason
	Err    error
}

func (e *InvalidTokenError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid token (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid token (%s)", e.Reason)
}

func (e *InvalidTokenError) Unwrap() error { return e.Err }

func (e *InvalidTokenError) Is(target error) bool { return target == ErrInvalidToken }

// IsExpired reports whether err is an InvalidTokenError for an expired token.
func IsExpired(err error) bool {
	var ite *InvalidTokenError
	return errors.As(err, &ite) && ite.Reason == ReasonExpired
}

// Codec mints and parses signed tokens. It is safe for concurrent use.
type Codec struct {
	keys   *KeySet
	issuer string
	now    func() time.Time
	parser *jwt.Parser
}

// CodecOption customizes a Codec.
type CodecOption func(*Codec)

// WithCodecClock overrides the time source used for iat/exp.
func WithCodecClock(now func() time.Time) CodecOption {
	return func(c *Codec) { c.now = now }
}

// NewCodec returns a Codec signing with keys' active key and stamping iss.
func NewCodec(keys *KeySet, issuer string, opts ...CodecOption) *Codec {
	c := &Codec{keys: keys, issuer: issuer, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	popts := []jwt.ParserOption{
		jwt.WithValidMethods(keys.methods),
		jwt.WithTimeFunc(func() time.Time { return c.now() }),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		popts = append(popts, jwt.WithIssuer(issuer))
	}
	c.parser = jwt.NewParser(popts...)
	return c
}

// Mint signs claims with a lifetime of ttl and returns the token and its
// expiry. Subject and Type must be set; ID, iat, exp and iss are filled in.
func (c *Codec) Mint(claims Claims, ttl time.Duration) (string, time.Time, error) {
	if claims.Subject == "" {
		return "", time.Time{}, errors.New("mint: subject is required")
	}
	if claims.Type != TokenAccess && claims.Type != TokenRefresh {
		return "", time.Time{}, fmt.Errorf("mint: unknown token type %q", claims.Type)
	}
	if ttl <= 0 {
		return "", time.Time{}, errors.New("mint: ttl must be positive")
	}
	now := c.now()
	claims.Version = ClaimsVersion
	claims.Issuer = c.issuer
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	if claims.ID == "" {
		claims.ID = uuid.NewString()
	}

	t := jwt.NewWithClaims(c.keys.active.Method, claims)
	t.Header["kid"] = c.keys.active.ID
	signed, err := t.SignedString(c.keys.active.Sign)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("mint: sign: %w", err)
	}
	return signed, claims.ExpiresAt.Time, nil
}

// Parse verifies raw and returns its claims. A token is expired from the
// second its exp claim names onwards.
func (c *Codec) Parse(raw string, want TokenType) (*Claims, error) {
	var claims Claims
	if _, err := c.parser.ParseWithClaims(raw, &claims, c.keys.keyFunc); err != nil {
		return nil, &InvalidTokenError{Reason: classify(err), Err: err}
	}
	if claims.Version != ClaimsVersion || claims.Subject == "" || claims.ID == "" {
		return nil, &InvalidTokenError{Reason: ReasonClaims}
	}
	if claims.Type != want {
		return nil, &InvalidTokenError{
			Reason: ReasonWrongType,
			Err:    fmt.Errorf("got %q token, want %q", claims.Type, want),
		}
	}
	return &claims, nil
}

func classify(err error) TokenReason {
	switch {
	case errors.Is(err, errUnknownKey):
		return ReasonUnknownKey
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ReasonMalformed
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ReasonSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		return ReasonExpired
	case errors.Is(err, jwt.ErrTokenInvalidClaims),
		errors.Is(err, jwt.ErrTokenRequiredClaimMissing),
		errors.Is(err, jwt.ErrTokenInvalidIssuer),
		errors.Is(err, jwt.ErrTokenNotValidYet):
		return ReasonClaims
	}
	return ReasonMalformed
}
