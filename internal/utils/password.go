package utils

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// Hasher creates and checks salted password digests. Verify never returns
// an error: a malformed digest simply does not match.
type Hasher interface {
	Hash(plain string) (string, error)
	Verify(plain, digest string) bool
	// NeedsRehash reports whether digest was produced with other
	// parameters than the ones this hasher would use today.
	NeedsRehash(digest string) bool
}

const (
	AlgorithmBcrypt   = "bcrypt"
	AlgorithmArgon2id = "argon2id"
)

// ErrPasswordTooLong mirrors bcrypt's 72 byte input limit.
var ErrPasswordTooLong = bcrypt.ErrPasswordTooLong

// PasswordConfig selects the algorithm and its cost parameters.
type PasswordConfig struct {
	Algorithm       string
	BcryptCost      int
	Argon2Memory    uint32 // KiB
	Argon2Time      uint32
	Argon2Threads   uint8
	Argon2KeyLength uint32
	Argon2SaltLen   uint32
}

// NewHasher builds the hasher named by cfg.Algorithm. Whatever the choice,
// Verify accepts digests of either algorithm so a switch does not lock
// existing users out; they are rehashed on their next login.
func NewHasher(cfg PasswordConfig) (Hasher, error) {
	switch strings.ToLower(cfg.Algorithm) {
	case "", AlgorithmBcrypt:
		cost := cfg.BcryptCost
		if cost == 0 {
			cost = bcrypt.DefaultCost
		}
		if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
			return nil, fmt.Errorf("bcrypt cost %d out of range", cost)
		}
		return BcryptHasher{Cost: cost}, nil
	case AlgorithmArgon2id:
		h := Argon2Hasher{
			Memory:    cfg.Argon2Memory,
			Time:      cfg.Argon2Time,
			Threads:   cfg.Argon2Threads,
			KeyLength: cfg.Argon2KeyLength,
			SaltLen:   cfg.Argon2SaltLen,
		}
		return h.withDefaults(), nil
	default:
		return nil, fmt.Errorf("unknown password algorithm %q", cfg.Algorithm)
	}
}

// BcryptHasher hashes with bcrypt at a fixed cost.
type BcryptHasher struct{ Cost int }

// Hash returns bcrypt hash using the configured cost.
func (h BcryptHasher) Hash(plain string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(plain), h.Cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (h BcryptHasher) Verify(plain, digest string) bool { return VerifyPassword(digest, plain) }

func (h BcryptHasher) NeedsRehash(digest string) bool {
	cost, err := bcrypt.Cost([]byte(digest))
	return err != nil || cost != h.Cost
}

// Argon2Hasher hashes with argon2id and encodes the result in the PHC
// string format.
type Argon2Hasher struct {
	Memory    uint32
	Time      uint32
	Threads   uint8
	KeyLength uint32
	SaltLen   uint32
}

func (h Argon2Hasher) withDefaults() Argon2Hasher {
	if h.Memory == 0 {
		h.Memory = 64 * 1024
	}
	if h.Time == 0 {
		h.Time = 3
	}
	if h.Threads == 0 {
		h.Threads = 2
	}
	if h.KeyLength == 0 {
		h.KeyLength = 32
	}
	if h.SaltLen == 0 {
		h.SaltLen = 16
	}
	return h
}

func (h Argon2Hasher) Hash(plain string) (string, error) {
	salt := make([]byte, h.SaltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(plain), salt, h.Time, h.Memory, h.Threads, h.KeyLength)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.Memory, h.Time, h.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}

func (h Argon2Hasher) Verify(plain, digest string) bool { return VerifyPassword(digest, plain) }

func (h Argon2Hasher) NeedsRehash(digest string) bool {
	p, _, key, err := decodeArgon2(digest)
	if err != nil {
		return true
	}
	return p.Memory != h.Memory || p.Time != h.Time || p.Threads != h.Threads || uint32(len(key)) != h.KeyLength
}

var errBadDigest = errors.New("malformed password digest")

func decodeArgon2(digest string) (Argon2Hasher, []byte, []byte, error) {
	var p Argon2Hasher
	parts := strings.Split(digest, "$")
	if len(parts) != 6 || parts[1] != AlgorithmArgon2id {
		return p, nil, nil, errBadDigest
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return p, nil, nil, errBadDigest
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Time, &p.Threads); err != nil {
		return p, nil, nil, errBadDigest
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return p, nil, nil, errBadDigest
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return p, nil, nil, errBadDigest
	}
	if p.Memory == 0 || p.Time == 0 || p.Threads == 0 {
		return p, nil, nil, errBadDigest
	}
	return p, salt, key, nil
}

// VerifyPassword compares plain against a bcrypt or argon2id digest in
// constant time. Unknown or malformed digests return false.
func VerifyPassword(digest, plain string) bool {
	if strings.HasPrefix(digest, "$argon2id$") {
		p, salt, key, err := decodeArgon2(digest)
		if err != nil {
			return false
		}
		got := argon2.IDKey([]byte(plain), salt, p.Time, p.Memory, p.Threads, uint32(len(key)))
		return subtle.ConstantTimeCompare(got, key) == 1
	}
	return bcrypt.CompareHashAndPassword([]byte(digest), []byte(plain)) == nil
}
