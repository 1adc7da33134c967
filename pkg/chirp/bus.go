package chirp

import (
	"fmt"

	"github.com/nats-io/nats.go"
)

// BusMsg is one delivery from the bus.
type BusMsg struct {
	Subject string
	Reply   string
	Data    []byte

	// Status is non-zero for broker status deliveries (e.g. 503 when a
	// request reached no responders).
	Status int
}

// BusSubscription is a live subscription handle.
type BusSubscription interface {
	Unsubscribe() error
}

// Bus is the request/reply and pub/sub transport. NATS is the production
// implementation; tests use an in-process bus.
type Bus interface {
	Publish(subject string, data []byte) error
	PublishRequest(subject, reply string, data []byte) error
	Subscribe(subject string, handler func(msg BusMsg)) (BusSubscription, error)

	// Flush blocks until the broker has acknowledged every buffered
	// operation, so a subscription registered before a publish is
	// guaranteed to see it.
	Flush() error

	// NewInbox returns a unique reply subject.
	NewInbox() string
}

// NatsBus adapts a NATS connection to the Bus interface.
type NatsBus struct {
	conn *nats.Conn
}

// NewNatsBus wraps conn.
func NewNatsBus(conn *nats.Conn) *NatsBus {
	return &NatsBus{conn: conn}
}

func (b *NatsBus) Publish(subject string, data []byte) error {
	return b.conn.Publish(subject, data)
}

func (b *NatsBus) PublishRequest(subject, reply string, data []byte) error {
	if err := b.conn.PublishRequest(subject, reply, data); err != nil {
		return fmt.Errorf("%w: %v", ErrPublishRequest, err)
	}
	return nil
}

func (b *NatsBus) Subscribe(subject string, handler func(msg BusMsg)) (BusSubscription, error) {
	sub, err := b.conn.Subscribe(subject, func(m *nats.Msg) {
		handler(natsMsgToBusMsg(m))
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCreateSubscription, err)
	}
	return sub, nil
}

func (b *NatsBus) Flush() error {
	if err := b.conn.Flush(); err != nil {
		return fmt.Errorf("%w: %v", ErrFlushBus, err)
	}
	return nil
}

func (b *NatsBus) NewInbox() string {
	return nats.NewInbox()
}

func natsMsgToBusMsg(m *nats.Msg) BusMsg {
	msg := BusMsg{
		Subject: m.Subject,
		Reply:   m.Reply,
		Data:    m.Data,
	}
	// The broker reports request statuses (no responders and friends) as
	// header-only messages.
	if m.Header != nil {
		if status := m.Header.Get("Status"); status == "503" {
			msg.Status = StatusNoResponders
		}
	}
	return msg
}
