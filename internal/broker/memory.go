package broker

import (
	"context"
	"errors"
	"sync"

	"github.com/textdesk/textdesk/internal/logging"
)

// ErrClosed reports an operation on a closed broker.
var ErrClosed = errors.New("broker closed")

// subQueueSize bounds each subscription's delivery queue. A subscriber that
// falls this far behind starts losing events; clients recover the same way
// they recover any missed delivery, by re-fetching.
const subQueueSize = 256

// memSub is one subscription: a queue drained by a dedicated pump goroutine,
// so each subscriber sees payloads in publish order while a slow handler
// cannot block the publisher.
type memSub struct {
	handler Handler
	queue   chan []byte
}

// Memory is an in-process broker for single-node deployments and tests.
type Memory struct {
	mu     sync.RWMutex
	subs   map[string]map[int]*memSub
	nextID int
	closed bool
	log    *logging.Logger
}

// NewMemory creates an in-process broker.
func NewMemory(log *logging.Logger) *Memory {
	return &Memory{
		subs: make(map[string]map[int]*memSub),
		log:  log.Sub("broker"),
	}
}

// Publish delivers the payload to every current subscriber of the channel,
// in publish order per subscriber. A subscriber with a full queue loses the
// event rather than stalling the publisher.
func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}

	for _, sub := range m.subs[channel] {
		data := make([]byte, len(payload))
		copy(data, payload)
		select {
		case sub.queue <- data:
		default:
			m.log.Warn().Str("channel", channel).Msg("subscriber queue full, dropping event")
		}
	}
	return nil
}

// Subscribe registers a handler for a channel and starts its pump goroutine.
// The returned cancel function is idempotent and safe to call after Close.
func (m *Memory) Subscribe(ctx context.Context, channel string, handler Handler) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	id := m.nextID
	m.nextID++
	sub := &memSub{handler: handler, queue: make(chan []byte, subQueueSize)}
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[int]*memSub)
	}
	m.subs[channel][id] = sub

	go func() {
		for data := range sub.queue {
			sub.handler(data)
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if _, ok := m.subs[channel][id]; !ok {
				return // Close already tore this subscription down
			}
			delete(m.subs[channel], id)
			if len(m.subs[channel]) == 0 {
				delete(m.subs, channel)
			}
			close(sub.queue)
		})
	}
	return cancel, nil
}

// Close drops all subscriptions and stops their pumps.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, subs := range m.subs {
		for _, sub := range subs {
			close(sub.queue)
		}
	}
	m.subs = make(map[string]map[int]*memSub)
	return nil
}

// SubscriberCount reports live subscriptions on a channel; used by tests to
// verify teardown is leak-free.
func (m *Memory) SubscriberCount(channel string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[channel])
}
