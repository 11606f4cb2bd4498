package transport

import (
	"bytes"
	"context"
	"sync"
	"time"
)

// Mock is an in-memory transport for tests and the demo config. Responses
// are matched exactly first, then by prefix, so a canned `22 F4` entry
// answers every ReadDataByIdentifier of that DID family. Unmatched requests
// get a bare positive response (SID+0x40) unless strict mode is on.
type Mock struct {
	cfg MockConfig

	mu        sync.Mutex
	connected bool
	strict    bool
	responses []mockResponse
	requests  [][]byte
	// queue holds one-shot responses consumed before the table, in order.
	queue [][]byte
}

type mockResponse struct {
	request  []byte
	response []byte
}

// NewMock creates a mock transport with an empty response table.
func NewMock(cfg MockConfig) *Mock {
	return &Mock{cfg: cfg, connected: true}
}

// On registers a canned response for requests matching the given bytes.
func (m *Mock) On(request, response []byte) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, mockResponse{request: request, response: response})
	return m
}

// Queue appends a one-shot response returned ahead of the response table.
// Queued responses let a test script an exact exchange sequence (seed, key,
// response-pending chains).
func (m *Mock) Queue(responses ...[]byte) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, responses...)
	return m
}

// Strict makes unmatched requests an error instead of a generic ack.
func (m *Mock) Strict() *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strict = true
	return m
}

// SetConnected toggles the simulated link state.
func (m *Mock) SetConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = connected
}

// Requests returns a copy of every request seen so far.
func (m *Mock) Requests() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.requests))
	for i, r := range m.requests {
		out[i] = append([]byte(nil), r...)
	}
	return out
}

func (m *Mock) SendReceive(ctx context.Context, request []byte, timeout time.Duration) ([]byte, error) {
	if err := m.delay(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, ErrClosed
	}
	m.requests = append(m.requests, append([]byte(nil), request...))

	if len(m.queue) > 0 {
		resp := m.queue[0]
		m.queue = m.queue[1:]
		return append([]byte(nil), resp...), nil
	}

	for _, r := range m.responses {
		if bytes.Equal(r.request, request) {
			return append([]byte(nil), r.response...), nil
		}
	}
	for _, r := range m.responses {
		if bytes.HasPrefix(request, r.request) {
			return append([]byte(nil), r.response...), nil
		}
	}

	if m.strict {
		return nil, ErrTimeout
	}
	if len(request) == 0 {
		return nil, ErrTimeout
	}
	return []byte{request[0] + 0x40}, nil
}

// Receive pops the next queued response without sending a request, the way
// a real bus delivers the final answer after a response-pending frame.
func (m *Mock) Receive(ctx context.Context, _ time.Duration) ([]byte, error) {
	if err := m.delay(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, ErrClosed
	}
	if len(m.queue) == 0 {
		return nil, ErrTimeout
	}
	resp := m.queue[0]
	m.queue = m.queue[1:]
	return append([]byte(nil), resp...), nil
}

func (m *Mock) Send(ctx context.Context, request []byte) error {
	if err := m.delay(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrClosed
	}
	m.requests = append(m.requests, append([]byte(nil), request...))
	return nil
}

func (m *Mock) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *Mock) Reconnect(context.Context) error {
	m.SetConnected(true)
	return nil
}

func (m *Mock) Close() error {
	m.SetConnected(false)
	return nil
}

func (m *Mock) delay(ctx context.Context) error {
	if m.cfg.LatencyMs == 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Duration(m.cfg.LatencyMs) * time.Millisecond):
		return nil
	}
}
