package chirp

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// memBus is an in-process Bus with NATS-style subject matching and
// no-responders statuses, used by tests.
type memBus struct {
	mu   sync.Mutex
	subs []*memSub
}

type memSub struct {
	bus     *memBus
	pattern string
	handler func(BusMsg)
	closed  bool
}

func newMemBus() *memBus {
	return &memBus{}
}

func (b *memBus) Publish(subject string, data []byte) error {
	b.deliver(BusMsg{Subject: subject, Data: data})
	return nil
}

func (b *memBus) PublishRequest(subject, reply string, data []byte) error {
	delivered := b.deliver(BusMsg{Subject: subject, Reply: reply, Data: data})
	if delivered == 0 {
		// Mirror the broker's no-responders status delivery.
		b.deliver(BusMsg{Subject: reply, Status: StatusNoResponders})
	}
	return nil
}

func (b *memBus) deliver(msg BusMsg) int {
	b.mu.Lock()
	var handlers []func(BusMsg)
	for _, sub := range b.subs {
		if !sub.closed && subjectMatches(sub.pattern, msg.Subject) {
			handlers = append(handlers, sub.handler)
		}
	}
	b.mu.Unlock()

	for _, h := range handlers {
		go h(msg)
	}
	return len(handlers)
}

func (b *memBus) Subscribe(subject string, handler func(BusMsg)) (BusSubscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &memSub{bus: b, pattern: subject, handler: handler}
	b.subs = append(b.subs, sub)
	return sub, nil
}

func (b *memBus) Flush() error {
	return nil
}

func (b *memBus) NewInbox() string {
	return "_INBOX." + uuid.NewString()
}

func (s *memSub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.closed = true
	return nil
}

func subjectMatches(pattern, subject string) bool {
	pp := strings.Split(pattern, ".")
	sp := strings.Split(subject, ".")
	for i, tok := range pp {
		if tok == ">" {
			return true
		}
		if i >= len(sp) {
			return false
		}
		if tok != "*" && tok != sp[i] {
			return false
		}
	}
	return len(pp) == len(sp)
}
