package mfa

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/Torutesu/tenantauth/internal"
)

// BackupCodeAlphabet excludes characters that are easy to confuse (0/O, 1/I).
const BackupCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// VerifyBackupCode consumes a matching backup code. Removal is a single
// compare and swap, so a code succeeds at most once under concurrency.
func (m *Manager) VerifyBackupCode(ctx context.Context, userID, code string) (bool, error) {
	canonical := canonicalizeBackupCode(code)
	if len(canonical) != m.settings.BackupCodeLength {
		return false, nil
	}
	want := backupCodeHash(userID, canonical)

	var (
		used      bool
		remaining int
	)
	err := m.update(ctx, userID, func(cur *UserConfig, now time.Time) (*UserConfig, bool, error) {
		used, remaining = false, 0
		if cur == nil {
			return nil, false, nil
		}
		idx := slices.IndexFunc(cur.BackupCodes, func(h string) bool {
			return subtle.ConstantTimeCompare([]byte(h), []byte(want)) == 1
		})
		if idx < 0 {
			return nil, false, nil
		}
		used = true
		next := *cur
		next.BackupCodes = slices.Delete(slices.Clone(cur.BackupCodes), idx, idx+1)
		next.UpdatedAt = now
		remaining = len(next.BackupCodes)
		return &next, true, nil
	})
	if err != nil {
		return false, err
	}
	if used {
		m.logger.InfoContext(ctx, "backup code used",
			slog.String("user_id", userID),
			slog.Int("remaining", remaining),
		)
	}
	return used, nil
}

// RegenerateBackupCodes replaces every backup code of an existing 2FA
// config, enabled or still pending. The plaintext codes are returned once
// and cannot be recovered later.
func (m *Manager) RegenerateBackupCodes(ctx context.Context, userID string) ([]string, error) {
	var (
		codes []string
		found bool
	)
	err := m.update(ctx, userID, func(cur *UserConfig, now time.Time) (*UserConfig, bool, error) {
		codes, found = nil, false
		if cur == nil {
			return nil, false, nil
		}
		found = true
		plain, hashes, err := m.newBackupCodes(userID)
		if err != nil {
			return nil, false, err
		}
		codes = plain
		next := *cur
		next.BackupCodes = hashes
		next.UpdatedAt = now
		return &next, true, nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotConfigured
	}
	m.logger.InfoContext(ctx, "backup codes regenerated",
		slog.String("user_id", userID),
		slog.Int("count", len(codes)),
	)
	return codes, nil
}

// RemainingBackupCodes counts unused codes.
func (m *Manager) RemainingBackupCodes(ctx context.Context, userID string) (int, error) {
	cfg, err := m.load(ctx, userID)
	if err != nil || cfg == nil {
		return 0, err
	}
	return len(cfg.BackupCodes), nil
}

func (m *Manager) newBackupCodes(userID string) (plain, hashes []string, err error) {
	n := m.settings.BackupCodeCount
	plain = make([]string, 0, n)
	hashes = make([]string, 0, n)
	seen := make(map[string]struct{}, n)
	for len(plain) < n {
		raw, err := newBackupCode(m.settings.BackupCodeLength)
		if err != nil {
			return nil, nil, err
		}
		if _, dup := seen[raw]; dup {
			continue
		}
		seen[raw] = struct{}{}
		plain = append(plain, formatBackupCode(raw))
		hashes = append(hashes, backupCodeHash(userID, raw))
	}
	return plain, hashes, nil
}

func newBackupCode(length int) (string, error) {
	var b strings.Builder
	b.Grow(length)
	for i := 0; i < length; i++ {
		idx, err := internal.RandomIndex(len(BackupCodeAlphabet))
		if err != nil {
			return "", err
		}
		b.WriteByte(BackupCodeAlphabet[idx])
	}
	return b.String(), nil
}

// formatBackupCode splits a code at its midpoint: ABCD-EFGH.
func formatBackupCode(code string) string {
	mid := len(code) / 2
	return code[:mid] + "-" + code[mid:]
}

func canonicalizeBackupCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	code = strings.ReplaceAll(code, "-", "")
	return strings.ReplaceAll(code, " ", "")
}

func backupCodeHash(userID, canonical string) string {
	h := sha256.New()
	h.Write([]byte(userID))
	h.Write([]byte{0})
	h.Write([]byte(canonical))
	return hex.EncodeToString(h.Sum(nil))
}
