// Package audit forwards security events to a sink from a background
// goroutine.
//
// The [Dispatcher] either drops events when its buffer is full or blocks
// the caller, depending on configuration, and counts drops. Sinks decide
// where events end up: a channel, a JSON line writer, or slog.
//
// This package does not decide which events exist; the engine does.
package audit
