// Package password implements credential hashing.
//
// # Output formats
//
// The primary hasher is PBKDF2-HMAC-SHA256:
//
//	pbkdf2_sha256$<iterations>$<salt>$<hexdigest>
//
// Argon2id PHC strings are supported as an alternate algorithm:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// A [Set] verifies against whichever algorithm produced a stored hash and
// reports when the caller should rehash with the primary one.
//
// # Architecture boundaries
//
// This package owns hashing and verification only. Password policy and
// credential persistence belong to the Engine.
//
// # What this package must NOT do
//
//   - Store or retrieve passwords.
//   - Import any other tenantauth package.
//   - Log plaintext passwords or derived digests.
package password
