package password

import (
	"errors"
	"strings"
)

const (
	// AlgorithmPBKDF2 identifies pbkdf2_sha256$<iter>$<salt>$<hex> hashes.
	AlgorithmPBKDF2 = "pbkdf2_sha256"
	// AlgorithmArgon2id identifies $argon2id$ PHC hashes.
	AlgorithmArgon2id = "argon2id"
)

var (
	ErrInvalidConfig        = errors.New("password: invalid hasher configuration")
	ErrUnsupportedAlgorithm = errors.New("password: unsupported algorithm")
)

// Config selects the primary algorithm. Both hashers are always registered
// for verification so stored hashes keep working after a switch.
type Config struct {
	Algorithm string
	PBKDF2    PBKDF2Config
	Argon2    Argon2Config
}

// New builds a Set from cfg.
func New(cfg Config) (*Set, error) {
	pb, err := NewPBKDF2(cfg.PBKDF2)
	if err != nil {
		return nil, err
	}
	argonCfg := cfg.Argon2
	if argonCfg == (Argon2Config{}) {
		argonCfg = DefaultArgon2Config()
	}
	ar, err := NewArgon2(argonCfg)
	if err != nil {
		return nil, err
	}

	switch cfg.Algorithm {
	case "", AlgorithmPBKDF2:
		return NewSet(pb, ar), nil
	case AlgorithmArgon2id:
		return NewSet(ar, pb), nil
	default:
		return nil, ErrUnsupportedAlgorithm
	}
}

// Hasher hashes and verifies passwords in one encoded text format.
type Hasher interface {
	Algorithm() string
	Hash(password string) (string, error)
	// Verify never reports why a hash failed to match; malformed input is
	// simply false.
	Verify(password, encoded string) bool
	NeedsUpgrade(encoded string) bool
}

// Identify returns the algorithm an encoded hash was produced with, or ""
// when the format is unknown.
func Identify(encoded string) string {
	switch {
	case strings.HasPrefix(encoded, AlgorithmPBKDF2+"$"):
		return AlgorithmPBKDF2
	case strings.HasPrefix(encoded, "$"+AlgorithmArgon2id+"$"):
		return AlgorithmArgon2id
	default:
		return ""
	}
}

// Set verifies against whichever registered hasher produced a hash and
// hashes new passwords with the primary one.
type Set struct {
	primary Hasher
	byAlgo  map[string]Hasher
}

func NewSet(primary Hasher, others ...Hasher) *Set {
	s := &Set{
		primary: primary,
		byAlgo:  map[string]Hasher{primary.Algorithm(): primary},
	}
	for _, h := range others {
		if h != nil {
			if _, ok := s.byAlgo[h.Algorithm()]; !ok {
				s.byAlgo[h.Algorithm()] = h
			}
		}
	}
	return s
}

func (s *Set) Primary() Hasher { return s.primary }

func (s *Set) Hash(password string) (string, error) {
	return s.primary.Hash(password)
}

// Verify reports whether password matches encoded and whether the hash should
// be replaced with a fresh primary hash.
func (s *Set) Verify(password, encoded string) (ok bool, rehash bool) {
	h, found := s.byAlgo[Identify(encoded)]
	if !found {
		return false, false
	}
	if !h.Verify(password, encoded) {
		return false, false
	}
	if h != s.primary {
		return true, true
	}
	return true, h.NeedsUpgrade(encoded)
}
