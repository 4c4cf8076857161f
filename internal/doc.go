// Package internal holds helpers private to tenantauth: random identifiers,
// OTP digits and bearer-secret hashing.
//
// # Sub-packages
//
//   - audit: async event dispatch (Dispatcher + Sink implementations)
//   - kv: storage abstraction with memory, Redis, SQLite and DynamoDB backends
//   - security: configuration posture report
//
// # What this package must NOT do
//
//   - Export types that appear in the public tenantauth API.
//   - Log or persist the raw secrets it generates.
package internal
