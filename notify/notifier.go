package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Channel is the delivery medium of a message.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

var (
	ErrUnsupportedChannel = errors.New("notify: unsupported channel")
	ErrThrottled          = errors.New("notify: recipient throttled")
	ErrInvalidRecipient   = errors.New("notify: invalid recipient")
)

// Message is a rendered notification. Kind is a stable label such as
// "sms_otp" or "password_reset" that is safe to log; Body and HTML are not.
type Message struct {
	Kind    string
	Subject string
	Body    string
	HTML    string
}

// Notifier delivers a message to one recipient. A nil error means the
// provider accepted the message.
type Notifier interface {
	Send(ctx context.Context, ch Channel, recipient string, msg Message) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, ch Channel, recipient string, msg Message) error

func (f Func) Send(ctx context.Context, ch Channel, recipient string, msg Message) error {
	return f(ctx, ch, recipient, msg)
}

// Router dispatches by channel.
type Router map[Channel]Notifier

func (r Router) Send(ctx context.Context, ch Channel, recipient string, msg Message) error {
	n, ok := r[ch]
	if !ok || n == nil {
		return fmt.Errorf("%w: %s", ErrUnsupportedChannel, ch)
	}
	return n.Send(ctx, ch, recipient, msg)
}

// MaskRecipient keeps enough of an address to correlate logs without
// exposing it: "a***@example.com", "+1******4567".
func MaskRecipient(recipient string) string {
	if at := strings.IndexByte(recipient, '@'); at > 0 {
		return recipient[:1] + "***" + recipient[at:]
	}
	if len(recipient) <= 6 {
		return strings.Repeat("*", len(recipient))
	}
	return recipient[:2] + strings.Repeat("*", len(recipient)-6) + recipient[len(recipient)-4:]
}
