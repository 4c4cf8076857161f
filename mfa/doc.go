// Package mfa implements second-factor verification: TOTP (RFC 6238, SHA-1,
// six digits, 30 second step, one step of skew), SMS one-time codes, and
// single-use backup codes.
//
// # Storage
//
// Per-user state lives in the kv store under mfa:cfg:<user>. The outstanding
// SMS code lives under mfa:otp:<user> with a TTL and is stored as a SHA-256
// hash bound to the user and the destination number.
//
// # What this package must NOT do
//
//   - Log codes, secrets, or backup codes.
//   - Persist plaintext backup codes.
//   - Apply rate limits; callers gate attempts.
package mfa
