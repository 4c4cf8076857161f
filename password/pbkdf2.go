package password

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	MinPBKDF2Iterations     = 100_000
	DefaultPBKDF2Iterations = 100_000
	maxPBKDF2Iterations     = 10_000_000
	minPBKDF2SaltBytes      = 16
	pbkdf2KeyLength         = sha256.Size
)

// PBKDF2Config tunes the PBKDF2-HMAC-SHA256 hasher.
type PBKDF2Config struct {
	Iterations int
	SaltBytes  int
}

// PBKDF2 produces pbkdf2_sha256$<iterations>$<salt>$<hexdigest>. The salt is
// stored as hex text and the text itself is the PBKDF2 salt input, which
// keeps hashes portable to other services reading the same format.
type PBKDF2 struct {
	config PBKDF2Config
}

func NewPBKDF2(cfg PBKDF2Config) (*PBKDF2, error) {
	if cfg.Iterations == 0 {
		cfg.Iterations = DefaultPBKDF2Iterations
	}
	if cfg.SaltBytes == 0 {
		cfg.SaltBytes = minPBKDF2SaltBytes
	}
	if cfg.Iterations < MinPBKDF2Iterations || cfg.Iterations > maxPBKDF2Iterations {
		return nil, fmt.Errorf("%w: pbkdf2 iterations must be in [%d, %d]", ErrInvalidConfig, MinPBKDF2Iterations, maxPBKDF2Iterations)
	}
	if cfg.SaltBytes < minPBKDF2SaltBytes {
		return nil, fmt.Errorf("%w: pbkdf2 salt must be >= %d bytes", ErrInvalidConfig, minPBKDF2SaltBytes)
	}
	return &PBKDF2{config: cfg}, nil
}

func (p *PBKDF2) Algorithm() string { return AlgorithmPBKDF2 }

func (p *PBKDF2) Hash(password string) (string, error) {
	raw := make([]byte, p.config.SaltBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	salt := hex.EncodeToString(raw)

	digest := pbkdf2.Key([]byte(password), []byte(salt), p.config.Iterations, pbkdf2KeyLength, sha256.New)

	return AlgorithmPBKDF2 + "$" + strconv.Itoa(p.config.Iterations) + "$" + salt + "$" + hex.EncodeToString(digest), nil
}

func (p *PBKDF2) Verify(password, encoded string) bool {
	parsed, ok := parsePBKDF2(encoded)
	if !ok {
		return false
	}
	computed := pbkdf2.Key([]byte(password), []byte(parsed.salt), parsed.iterations, len(parsed.digest), sha256.New)
	return subtle.ConstantTimeCompare(computed, parsed.digest) == 1
}

func (p *PBKDF2) NeedsUpgrade(encoded string) bool {
	parsed, ok := parsePBKDF2(encoded)
	if !ok {
		return false
	}
	return parsed.iterations < p.config.Iterations
}

type parsedPBKDF2 struct {
	iterations int
	salt       string
	digest     []byte
}

func parsePBKDF2(encoded string) (parsedPBKDF2, bool) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 4 || parts[0] != AlgorithmPBKDF2 {
		return parsedPBKDF2{}, false
	}

	iterations, err := strconv.Atoi(parts[1])
	if err != nil || iterations <= 0 || iterations > maxPBKDF2Iterations {
		return parsedPBKDF2{}, false
	}
	if parts[2] == "" {
		return parsedPBKDF2{}, false
	}
	digest, err := hex.DecodeString(parts[3])
	if err != nil || len(digest) == 0 {
		return parsedPBKDF2{}, false
	}

	return parsedPBKDF2{iterations: iterations, salt: parts[2], digest: digest}, true
}

// Components splits a pbkdf2 hash into its salt and iteration count.
func Components(encoded string) (salt string, iterations int, ok bool) {
	parsed, ok := parsePBKDF2(encoded)
	if !ok {
		return "", 0, false
	}
	return parsed.salt, parsed.iterations, true
}
