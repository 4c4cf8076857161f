package internal

import (
	"strings"
	"testing"
)

func TestNewSessionIDShapeAndUniqueness(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id, err := NewSessionID()
		if err != nil {
			t.Fatalf("NewSessionID: %v", err)
		}
		if !ValidSessionID(id) {
			t.Fatalf("generated id %q does not validate", id)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate session id %q", id)
		}
		seen[id] = struct{}{}
	}
}

func TestNewOTPDigits(t *testing.T) {
	for i := 0; i < 200; i++ {
		otp, err := NewOTP(6)
		if err != nil {
			t.Fatalf("NewOTP: %v", err)
		}
		if len(otp) != 6 || strings.Trim(otp, "0123456789") != "" {
			t.Fatalf("unexpected otp %q", otp)
		}
	}
	if _, err := NewOTP(4); err == nil {
		t.Fatal("expected error for 4 digit otp")
	}
}

func TestNewURLTokenAndHash(t *testing.T) {
	a, err := NewURLToken(32)
	if err != nil {
		t.Fatalf("NewURLToken: %v", err)
	}
	b, _ := NewURLToken(32)
	if a == b {
		t.Fatal("tokens should differ")
	}
	if len(a) != 43 {
		t.Fatalf("expected 43 chars for 32 bytes, got %d", len(a))
	}
	if HashToken(a) == HashToken(b) || len(HashToken(a)) != 64 {
		t.Fatal("unexpected token hash")
	}
	if _, err := NewURLToken(8); err == nil {
		t.Fatal("expected error for short token")
	}
}

func FuzzValidSessionID(f *testing.F) {
	f.Add("")
	f.Add("sess_")
	f.Add("sess_AAAAAAAAAAAAAAAAAAAAAA")
	f.Add("!!!not-base64!!!")

	f.Fuzz(func(t *testing.T, s string) {
		_ = ValidSessionID(s)
	})
}
