// Package security builds the configuration posture report served to
// operators. It reads settings only; it never sees keys, secrets or user
// data.
package security
