// Package memory shares one session record between several stores in the
// same process, each store playing the part of a separate application
// instance.
package memory

import (
	"context"
	"sync"

	"github.com/bnema/bsky-accounts-cli/internal/domain"
	"github.com/bnema/bsky-accounts-cli/internal/ports"
)

type Broker struct {
	mu     sync.Mutex
	record domain.PersistedSession
	writes int
	nextID int
	subs   map[int]*subscription
}

func NewBroker() *Broker {
	return &Broker{subs: map[int]*subscription{}}
}

// NewStore opens a store on the broker's record.
func (b *Broker) NewStore() *Store {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	return &Store{broker: b, id: b.nextID}
}

// Writes counts the writes made through every store of the broker.
func (b *Broker) Writes() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.writes
}

// Seed replaces the record without notifying anyone.
func (b *Broker) Seed(record domain.PersistedSession) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.record = record.Clone()
}

type Store struct {
	broker *Broker
	id     int
}

var _ ports.SessionStore = (*Store)(nil)

func (s *Store) Get(ctx context.Context) (domain.PersistedSession, error) {
	if err := ctx.Err(); err != nil {
		return domain.PersistedSession{}, err
	}

	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()

	return s.broker.record.Clone(), nil
}

// Write replaces the record and queues it for the subscribers of every other
// store. Delivery is asynchronous and ordered per subscriber.
func (s *Store) Write(ctx context.Context, session domain.PersistedSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	b.record = session.Clone()
	b.writes++
	for _, sub := range b.subs {
		if sub.storeID != s.id {
			sub.push(session.Clone())
		}
	}

	return nil
}

func (s *Store) OnUpdate(fn func(domain.PersistedSession)) (func(), error) {
	b := s.broker
	sub := newSubscription(s.id, fn)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = sub
	b.mu.Unlock()

	go sub.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			sub.stop()
		})
	}, nil
}

type subscription struct {
	storeID int
	fn      func(domain.PersistedSession)

	mu    sync.Mutex
	queue []domain.PersistedSession
	wake  chan struct{}
	done  chan struct{}
}

func newSubscription(storeID int, fn func(domain.PersistedSession)) *subscription {
	return &subscription{
		storeID: storeID,
		fn:      fn,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (s *subscription) push(record domain.PersistedSession) {
	s.mu.Lock()
	s.queue = append(s.queue, record)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// stop does not wait for the delivery goroutine, so it is safe to call from fn.
func (s *subscription) stop() {
	close(s.done)
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			next := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case <-s.done:
				return
			default:
			}
			s.fn(next)
		}
	}
}
