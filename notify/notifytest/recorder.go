// Package notifytest provides an in-memory notifier for tests.
package notifytest

import (
	"context"
	"errors"
	"sync"

	"github.com/Torutesu/tenantauth/notify"
)

var ErrInjected = errors.New("notifytest: injected failure")

// Sent is one captured delivery.
type Sent struct {
	Channel   notify.Channel
	Recipient string
	Message   notify.Message
}

// Recorder captures every message. When Fail is set, Send records nothing
// and returns ErrInjected.
type Recorder struct {
	mu   sync.Mutex
	sent []Sent
	fail bool
}

func (r *Recorder) Send(_ context.Context, ch notify.Channel, recipient string, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return ErrInjected
	}
	r.sent = append(r.sent, Sent{Channel: ch, Recipient: recipient, Message: msg})
	return nil
}

func (r *Recorder) SetFail(fail bool) {
	r.mu.Lock()
	r.fail = fail
	r.mu.Unlock()
}

func (r *Recorder) Sent() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sent(nil), r.sent...)
}

// Last returns the most recent delivery to recipient.
func (r *Recorder) Last(recipient string) (Sent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.sent) - 1; i >= 0; i-- {
		if r.sent[i].Recipient == recipient {
			return r.sent[i], true
		}
	}
	return Sent{}, false
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.sent = nil
	r.mu.Unlock()
}
