// Package ratelimit enforces per-identifier attempt budgets for login,
// two-factor verification, password reset, OTP dispatch and API calls.
//
// # Window semantics
//
// Each (type, identifier) pair holds an attempt count, the time of the first
// attempt in the current window, and an optional block deadline. Check
// evaluates in this order:
//
//  1. an active block fails with *ExceededError;
//  2. an elapsed window resets the record;
//  3. a spent budget starts a block and fails.
//
// Records live under rl:<type>:<identifier> with a store TTL of window plus
// block duration as a backstop for abandoned identifiers.
//
// Unknown limit types fail closed with ErrUnknownPolicy.
package ratelimit
