package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	// SecretLength is the number of random bytes behind a channel secret.
	SecretLength = 20
	saltLength   = 16
)

var (
	// ErrRandomSource is returned when the entropy source cannot supply bytes.
	ErrRandomSource = errors.New("random source unavailable")
	// ErrInvalidHash is returned when a stored hash cannot be parsed.
	ErrInvalidHash = errors.New("invalid credential hash")

	errSecretRequired = errors.New("secret required")
)

// Params tunes the argon2id cost. Memory is expressed in KiB.
type Params struct {
	Time    uint32
	Memory  uint32
	Threads uint8
	KeyLen  uint32
}

// DefaultParams are the production argon2id costs.
var DefaultParams = Params{Time: 3, Memory: 64 * 1024, Threads: 4, KeyLen: 32}

// Credential is a freshly issued channel secret and its storable hash.
type Credential struct {
	Secret string
	Hash   string
}

// Issuer generates channel credentials. The zero value is not usable; call
// NewIssuer.
type Issuer struct {
	random io.Reader
	params Params
}

// IssuerOption customises an Issuer.
type IssuerOption func(*Issuer)

// WithRandom replaces the entropy source, mostly for tests.
func WithRandom(r io.Reader) IssuerOption {
	return func(i *Issuer) {
		if r != nil {
			i.random = r
		}
	}
}

// WithParams overrides the argon2id cost parameters.
func WithParams(p Params) IssuerOption {
	return func(i *Issuer) {
		if p.Time > 0 && p.Memory > 0 && p.Threads > 0 && p.KeyLen > 0 {
			i.params = p
		}
	}
}

func NewIssuer(opts ...IssuerOption) *Issuer {
	issuer := &Issuer{random: rand.Reader, params: DefaultParams}
	for _, opt := range opts {
		opt(issuer)
	}
	return issuer
}

// Issue returns a new hex encoded secret together with its salted argon2id
// hash. The secret must be handed to the caller once and never persisted.
func (i *Issuer) Issue() (Credential, error) {
	buf := make([]byte, SecretLength)
	if _, err := io.ReadFull(i.random, buf); err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrRandomSource, err)
	}
	secret := hex.EncodeToString(buf)
	hash, err := i.hash(secret)
	if err != nil {
		return Credential{}, err
	}
	return Credential{Secret: secret, Hash: hash}, nil
}

// Hash computes the storable hash for an arbitrary secret.
func (i *Issuer) Hash(secret string) (string, error) {
	if secret == "" {
		return "", errSecretRequired
	}
	return i.hash(secret)
}

func (i *Issuer) hash(secret string) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := io.ReadFull(i.random, salt); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRandomSource, err)
	}
	p := i.params
	key := argon2.IDKey([]byte(secret), salt, p.Time, p.Memory, p.Threads, p.KeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.Memory, p.Time, p.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}

// VerifySecret reports whether secret matches the encoded argon2id hash.
func VerifySecret(secret, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	// "", "argon2id", "v=19", "m=..,t=..,p=..", salt, key
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return false, ErrInvalidHash
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false, fmt.Errorf("%w: unsupported version", ErrInvalidHash)
	}
	var p Params
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Time, &p.Threads); err != nil {
		return false, fmt.Errorf("%w: parameters: %v", ErrInvalidHash, err)
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("%w: decode salt: %v", ErrInvalidHash, err)
	}
	stored, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(stored) == 0 {
		return false, fmt.Errorf("%w: decode key", ErrInvalidHash)
	}
	derived := argon2.IDKey([]byte(secret), salt, p.Time, p.Memory, p.Threads, uint32(len(stored)))
	return subtle.ConstantTimeCompare(derived, stored) == 1, nil
}
