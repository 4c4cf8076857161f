// Package tenantauth is a tenant-aware authentication engine: PBKDF2
// credentials, JWT access and refresh tokens, TOTP and SMS second factors
// with single-use backup codes, a session registry, password reset tokens
// and a sliding-window rate limiter with lockout.
//
// Engine methods are safe to call from multiple goroutines after
// [Builder.Build]. Every piece of state lives in one kv store (memory,
// Redis, SQLite or DynamoDB), so engines in different processes that share
// a store share sessions, factors and rate limit budgets.
//
// # Operations
//
// Mutating calls run through an interceptor chain of logging, metrics, audit
// and rate limiting, followed by any interceptors passed to
// [Builder.WithInterceptor]. Errors are mapped to the sentinels in this
// package; component errors stay in the chain for errors.Is.
//
// # Secrets
//
// Passwords, OTP codes, backup codes, TOTP secrets and raw reset tokens are
// never logged or written to audit events. Backup codes and reset links are
// handed out once; only hashes are stored.
package tenantauth
