package channel

import (
	"context"
	"errors"
	"time"
)

// ErrTemplateRejected is returned by senders when the provider refuses a
// template (unknown name, wrong parameter count, not approved for locale).
var ErrTemplateRejected = errors.New("template rejected")

// Ref identifies a message accepted by the provider (e.g. a wamid or a
// telegram message id rendered as string).
type Ref struct {
	Address   string
	MessageID string
}

func (r Ref) IsZero() bool { return r.MessageID == "" }

// Sender is the outbound side of the messaging channel.
//
// Both calls must return a non-nil error for any transport failure so the
// dispatcher can tell success from failure. Callers bound them with a context
// deadline.
type Sender interface {
	SendDirect(ctx context.Context, address, text string) (Ref, error)
	SendTemplate(ctx context.Context, address, template, locale string, params []string) (Ref, error)
}

// Inbound is a message received from a recipient (team member or lead).
type Inbound struct {
	Address    string
	Text       string
	ReceivedAt time.Time
	MessageID  string
}

// Source is the inbound side of the channel.
type Source interface {
	Start(ctx context.Context, out chan<- Inbound) error
	Stop(ctx context.Context) error
}
