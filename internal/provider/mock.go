package provider

import (
	"context"
	"fmt"
	"sync"
)

// Mock is an in-memory Sender for tests and local development. It records
// every send and can be forced to fail.
type Mock struct {
	mu    sync.Mutex
	sent  []MockSend
	next  int
	Fail  error // when set, Send returns this error
}

// MockSend records one dispatched message.
type MockSend struct {
	From string
	To   string
	Body string
	SID  string
}

// NewMock creates a mock sender.
func NewMock() *Mock {
	return &Mock{}
}

// Send records the message and returns a synthetic SID.
func (m *Mock) Send(ctx context.Context, from, to, body string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return "", m.Fail
	}
	m.next++
	sid := fmt.Sprintf("SM_mock_%04d", m.next)
	m.sent = append(m.sent, MockSend{From: from, To: to, Body: body, SID: sid})
	return sid, nil
}

// Sent returns a copy of all recorded sends.
func (m *Mock) Sent() []MockSend {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockSend, len(m.sent))
	copy(out, m.sent)
	return out
}
