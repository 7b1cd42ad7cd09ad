// Package events fans out auth state changes and foreground notifications to
// subscribers keyed by user email.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/gnur/bookdesk"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

// Kind is the type of an event.
type Kind string

// event kinds
const (
	KindAuth    Kind = "auth"
	KindMessage Kind = "message"
)

var dropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bookdesk_events_dropped",
	Help: "The number of events dropped because a subscriber was not keeping up",
}, []string{"kind"})

// Event is delivered to every subscription for Key.
type Event struct {
	Kind Kind        `json:"kind"`
	Key  string      `json:"-"`
	Data interface{} `json:"data"`
	Time time.Time   `json:"time"`
}

// AuthChange is the payload of a KindAuth event. User is nil after sign-out.
type AuthChange struct {
	User *bookdesk.User `json:"user"`
}

// Broker distributes events without blocking publishers.
type Broker struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
	logger *logrus.Entry
}

// NewBroker returns a broker whose subscriptions buffer up to buffer events.
func NewBroker(buffer int, logger *logrus.Entry) *Broker {
	if buffer < 1 {
		buffer = 1
	}
	return &Broker{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

// Subscription receives events on C until Close is called.
type Subscription struct {
	C <-chan Event

	c      chan Event
	done   chan struct{}
	key    string
	broker *Broker
	once   sync.Once
}

// Subscribe registers a subscription for key.
func (b *Broker) Subscribe(key string) *Subscription {
	c := make(chan Event, b.buffer)
	s := &Subscription{
		C:      c,
		c:      c,
		done:   make(chan struct{}),
		key:    key,
		broker: b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[key] == nil {
		b.subs[key] = make(map[*Subscription]struct{})
	}
	b.subs[key][s] = struct{}{}
	return s
}

// SubscribeContext is Subscribe with the subscription closed once ctx is done.
func (b *Broker) SubscribeContext(ctx context.Context, key string) *Subscription {
	s := b.Subscribe(key)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s
}

// Close unregisters the subscription and closes C. It is safe to call more
// than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		b := s.broker
		b.mu.Lock()
		defer b.mu.Unlock()

		if set, ok := b.subs[s.key]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(b.subs, s.key)
			}
		}
		close(s.done)
		close(s.c)
	})
}

// Publish hands e to every subscription of e.Key and returns how many
// received it.
func (b *Broker) Publish(e Event) int {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	delivered := 0
	for s := range b.subs[e.Key] {
		select {
		case s.c <- e:
			delivered++
		default:
			dropped.WithLabelValues(string(e.Kind)).Inc()
			if b.logger != nil {
				b.logger.WithFields(logrus.Fields{
					"kind": e.Kind,
					"key":  e.Key,
				}).Warning("dropping event for slow subscriber")
			}
		}
	}
	return delivered
}

// Subscribers returns the number of live subscriptions for key.
func (b *Broker) Subscribers(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[key])
}

// PublishAuth announces a sign-in (u set) or sign-out (u nil) for email.
func (b *Broker) PublishAuth(email string, u *bookdesk.User) int {
	return b.Publish(Event{
		Kind: KindAuth,
		Key:  bookdesk.NormalizeEmail(email),
		Data: AuthChange{User: u},
	})
}
