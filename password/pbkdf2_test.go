package password

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/pbkdf2"
)

func TestPBKDF2HashFormat(t *testing.T) {
	hasher, err := NewPBKDF2(PBKDF2Config{})
	if err != nil {
		t.Fatalf("NewPBKDF2 error: %v", err)
	}

	hash, err := hasher.Hash("P@ss1234")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}

	parts := strings.Split(hash, "$")
	if len(parts) != 4 {
		t.Fatalf("expected 4 segments, got %d in %q", len(parts), hash)
	}
	if parts[0] != "pbkdf2_sha256" || parts[1] != "100000" {
		t.Fatalf("unexpected header: %q", hash)
	}
	if len(parts[2]) != 32 {
		t.Fatalf("expected 32 hex salt chars, got %d", len(parts[2]))
	}
	if len(parts[3]) != 64 {
		t.Fatalf("expected 64 hex digest chars, got %d", len(parts[3]))
	}
}

func TestPBKDF2VerifyRoundTrip(t *testing.T) {
	hasher, err := NewPBKDF2(PBKDF2Config{})
	if err != nil {
		t.Fatalf("NewPBKDF2 error: %v", err)
	}

	hash, err := hasher.Hash("P@ss1234")
	if err != nil {
		t.Fatalf("Hash error: %v", err)
	}
	if !hasher.Verify("P@ss1234", hash) {
		t.Fatal("expected correct password to verify")
	}
	if hasher.Verify("P@ss12345", hash) {
		t.Fatal("expected wrong password to fail")
	}
}

func TestPBKDF2SaltIsFresh(t *testing.T) {
	hasher, err := NewPBKDF2(PBKDF2Config{})
	if err != nil {
		t.Fatalf("NewPBKDF2 error: %v", err)
	}

	a, _ := hasher.Hash("same")
	b, _ := hasher.Hash("same")
	if a == b {
		t.Fatal("expected different hashes for the same password")
	}
}

func TestPBKDF2VerifiesExternalHash(t *testing.T) {
	salt := "00112233445566778899aabbccddeeff"
	digest := pbkdf2.Key([]byte("secret"), []byte(salt), 120000, 32, sha256.New)
	encoded := "pbkdf2_sha256$120000$" + salt + "$" + hex.EncodeToString(digest)

	hasher, err := NewPBKDF2(PBKDF2Config{})
	if err != nil {
		t.Fatalf("NewPBKDF2 error: %v", err)
	}
	if !hasher.Verify("secret", encoded) {
		t.Fatal("expected hash with custom iteration count to verify")
	}
	if hasher.NeedsUpgrade(encoded) {
		t.Fatal("stronger hash should not need upgrade")
	}

	gotSalt, iterations, ok := Components(encoded)
	if !ok || gotSalt != salt || iterations != 120000 {
		t.Fatalf("unexpected components: %q %d %v", gotSalt, iterations, ok)
	}
}

func TestPBKDF2VerifyMalformed(t *testing.T) {
	hasher, err := NewPBKDF2(PBKDF2Config{})
	if err != nil {
		t.Fatalf("NewPBKDF2 error: %v", err)
	}

	cases := []string{
		"",
		"pbkdf2_sha256",
		"pbkdf2_sha256$abc$salt$00",
		"pbkdf2_sha256$-1$salt$00",
		"pbkdf2_sha256$100000$$00",
		"pbkdf2_sha256$100000$salt$zz",
		"pbkdf2_sha1$100000$salt$00",
		"pbkdf2_sha256$100000$salt$00$extra",
	}
	for _, encoded := range cases {
		if hasher.Verify("x", encoded) {
			t.Fatalf("expected %q to fail verification", encoded)
		}
	}
}

func TestPBKDF2RejectsLowIterations(t *testing.T) {
	_, err := NewPBKDF2(PBKDF2Config{Iterations: 1000})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestPBKDF2NeedsUpgrade(t *testing.T) {
	weak := "pbkdf2_sha256$100000$00112233445566778899aabbccddeeff$" + strings.Repeat("00", 32)
	hasher, err := NewPBKDF2(PBKDF2Config{Iterations: 200000})
	if err != nil {
		t.Fatalf("NewPBKDF2 error: %v", err)
	}
	if !hasher.NeedsUpgrade(weak) {
		t.Fatal("expected lower iteration count to need upgrade")
	}
}
