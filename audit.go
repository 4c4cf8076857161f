package tenantauth

import (
	"io"
	"log/slog"

	"github.com/Torutesu/tenantauth/internal/audit"
)

// AuditEvent is one security-relevant occurrence emitted by the engine.
type AuditEvent = audit.Event

// AuditSink receives audit events from the dispatcher goroutine. Emit must
// not block for long; a slow sink fills the buffer and events get dropped.
type AuditSink = audit.Sink

type (
	NoOpAuditSink       = audit.NoOpSink
	ChannelAuditSink    = audit.ChannelSink
	JSONWriterAuditSink = audit.JSONWriterSink
	SlogAuditSink       = audit.SlogSink
)

func NewChannelAuditSink(buffer int) *ChannelAuditSink {
	return audit.NewChannelSink(buffer)
}

// NewJSONWriterAuditSink writes one JSON object per line to w.
func NewJSONWriterAuditSink(w io.Writer) *JSONWriterAuditSink {
	return audit.NewJSONWriterSink(w)
}

func NewSlogAuditSink(logger *slog.Logger) SlogAuditSink {
	return SlogAuditSink{Logger: logger}
}
