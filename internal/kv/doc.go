// Package kv is the storage seam for every stateful component.
//
// # Backends
//
//   - [Memory]: mutex-guarded map, lazy TTL, injectable clock. Default.
//   - [Redis]: go-redis with WATCH/MULTI optimistic updates.
//   - [SQLite]: modernc.org/sqlite, single-connection transactions.
//   - [Dynamo]: DynamoDB with versioned conditional writes.
//
// All backends implement the same [Store] contract, so components never know
// which one they run on. [Store.Update] is atomic per key; sequences touching
// several keys are serialized by callers through [Locker].
package kv
