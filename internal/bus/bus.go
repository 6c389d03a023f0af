// Package bus decouples signal producers from consumers with a bounded
// in-process ring. Producers never block: when the ring is full the
// oldest signal is dropped and counted. Each subscriber drains an
// independently buffered channel, so a slow dashboard cannot stall the
// trading engine; within one subscriber delivery is FIFO.
package bus

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/vtrpza/bingxv3/internal/domain"
)

// DefaultCapacity bounds the ring when the config does not.
const DefaultCapacity = 1000

type subscriber struct {
	name      string
	ch        chan domain.Signal
	delivered uint64
	dropped   uint64
}

// Bus is the bounded pub/sub ring.
type Bus struct {
	mu       sync.Mutex
	ring     []domain.Signal
	capacity int
	subs     []*subscriber
	closed   bool

	published   uint64
	droppedRing uint64

	wake chan struct{}
	done chan struct{}
	log  zerolog.Logger
}

// New builds the bus. Call Start before publishing.
func New(capacity int, logger zerolog.Logger) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		ring:     make([]domain.Signal, 0, capacity),
		capacity: capacity,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		log:      logger.With().Str("component", "bus").Logger(),
	}
}

// Start launches the dispatcher. It returns immediately; the dispatcher
// drains the ring until ctx is cancelled or Close is called.
func (b *Bus) Start(ctx context.Context) {
	go b.dispatch(ctx)
}

// Subscribe registers a named consumer with its own buffer and returns
// the delivery channel plus an unsubscribe func. The channel is closed
// on unsubscribe or bus shutdown.
func (b *Bus) Subscribe(name string, buffer int) (<-chan domain.Signal, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscriber{name: name, ch: make(chan domain.Signal, buffer)}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	b.log.Debug().Str("subscriber", name).Int("buffer", buffer).Msg("subscribed")

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			for i, s := range b.subs {
				if s == sub {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish enqueues a signal, dropping the oldest entry when the ring is
// full. It reports whether the signal was accepted (false only after
// shutdown).
func (b *Bus) Publish(sig domain.Signal) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	if len(b.ring) >= b.capacity {
		dropped := b.ring[0]
		b.ring = b.ring[1:]
		b.droppedRing++
		b.log.Warn().Str("signal", dropped.ID).Str("symbol", dropped.Symbol).
			Msg("bus full, dropping oldest signal")
	}
	b.ring = append(b.ring, sig)
	b.published++
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
	return true
}

// Close stops the dispatcher after the current drain and closes every
// subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	close(b.done)

	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, sub := range subs {
		close(sub.ch)
	}
}

func (b *Bus) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case <-b.wake:
			b.drain()
		}
	}
}

// drain moves everything queued to the subscribers. Full subscriber
// buffers drop their own oldest entry so lagging consumers only ever
// lose their own history. Every channel op is non-blocking and happens
// under the bus lock, which is what makes unsubscribe's close safe.
func (b *Bus) drain() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.ring) > 0 && !b.closed {
		sig := b.ring[0]
		b.ring = b.ring[1:]
		for _, sub := range b.subs {
			deliver(sub, sig)
		}
	}
}

// deliver pushes one signal, evicting the subscriber's oldest buffered
// entry when full. Caller holds the bus lock.
func deliver(sub *subscriber, sig domain.Signal) {
	select {
	case sub.ch <- sig:
		sub.delivered++
		return
	default:
	}

	select {
	case <-sub.ch:
		sub.dropped++
	default:
	}

	select {
	case sub.ch <- sig:
		sub.delivered++
	default:
		sub.dropped++
	}
}

// SubscriberStats is one consumer's delivery counters.
type SubscriberStats struct {
	Name      string `json:"name"`
	Buffer    int    `json:"buffer"`
	Backlog   int    `json:"backlog"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
}

// Stats is a point-in-time view of the bus.
type Stats struct {
	Capacity    int               `json:"capacity"`
	Pending     int               `json:"pending"`
	Published   uint64            `json:"published_total"`
	DroppedRing uint64            `json:"dropped_ring_total"`
	Subscribers []SubscriberStats `json:"subscribers"`
}

// Stats snapshots counters and backlogs.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := Stats{
		Capacity:    b.capacity,
		Pending:     len(b.ring),
		Published:   b.published,
		DroppedRing: b.droppedRing,
	}
	for _, sub := range b.subs {
		st.Subscribers = append(st.Subscribers, SubscriberStats{
			Name:      sub.name,
			Buffer:    cap(sub.ch),
			Backlog:   len(sub.ch),
			Delivered: sub.delivered,
			Dropped:   sub.dropped,
		})
	}
	return st
}
