// Package upstream is a stand-in for the downstream services the
// gateway fronts (conversation engine, TTS, the user-identity store):
// spec.md's Non-goals exclude their handler bodies, but the Routing
// plugin still needs something answering on the bus subjects it
// forwards to, so this subscribes a canned reply per subject.
// Grounded on internal/bus's own Subscribe/Reply pair; nothing in the
// retrieved pack runs a downstream simulator, so the shape follows the
// bus package's own request/reply idiom rather than any one file.
package upstream

import (
	"context"

	"github.com/boeni-industries/aico-gateway/internal/bus"
	"github.com/boeni-industries/aico-gateway/pkg/gwlog"
)

// Handler produces a reply payload for one bus request, or an error to
// have the Routing plugin surface as an upstream failure.
type Handler func(payload map[string]any) (map[string]any, error)

// Stub subscribes a fixed Handler per subject and answers every
// request/reply round trip the Routing plugin issues against it.
type Stub struct {
	bus      *bus.Bus
	log      *gwlog.Logger
	handlers map[string]Handler
	subs     []*bus.Subscription
	done     chan struct{}
}

// New builds a Stub that will answer the given subject->Handler set
// once Start is called.
func New(b *bus.Bus, handlers map[string]Handler, log *gwlog.Logger) *Stub {
	if log == nil {
		log = gwlog.NewDefault("upstream")
	}
	return &Stub{bus: b, log: log, handlers: handlers, done: make(chan struct{})}
}

func (s *Stub) Name() string { return "upstream-stub" }

func (s *Stub) Start(ctx context.Context) error {
	for subject, handler := range s.handlers {
		sub := s.bus.Subscribe(subject)
		s.subs = append(s.subs, sub)
		go s.serve(subject, sub, handler)
	}
	return nil
}

func (s *Stub) serve(subject string, sub *bus.Subscription, handler Handler) {
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			reply, err := handler(msg.Payload)
			s.bus.Reply(msg, reply, err)
		}
	}
}

func (s *Stub) Stop(ctx context.Context) error {
	close(s.done)
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	return nil
}

// Echo replies with whatever payload it received, used by the
// handshake-then-echo round trip.
func Echo(payload map[string]any) (map[string]any, error) { return payload, nil }

// Ack replies with a fixed acknowledgement, standing in for a
// downstream service whose actual body is out of scope here.
func Ack(subsystem string) Handler {
	return func(payload map[string]any) (map[string]any, error) {
		return map[string]any{"status": "accepted", "subsystem": subsystem}, nil
	}
}
