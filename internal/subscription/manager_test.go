package subscription

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sdv-playground/sovdd/internal/sovd"
)

// countingReader serves canned values and counts reads per parameter.
type countingReader struct {
	mu     sync.Mutex
	counts map[string]int
	fail   atomic.Bool
}

func newCountingReader() *countingReader {
	return &countingReader{counts: make(map[string]int)}
}

func (r *countingReader) read(_ context.Context, paramIDs []string) (map[string]any, error) {
	if r.fail.Load() {
		return nil, sovd.Timeout("simulated read failure")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]any, len(paramIDs))
	for _, p := range paramIDs {
		r.counts[p]++
		out[p] = r.counts[p]
	}
	return out, nil
}

func (r *countingReader) count(param string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[param]
}

func TestSubscriptionDelivers(t *testing.T) {
	r := newCountingReader()
	m := NewManager(r.read, Config{})
	defer m.Close()

	stream, err := m.Subscribe([]string{"rpm", "coolant_temp"}, 20, 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stream.Close()

	var points []sovd.DataPoint
	deadline := time.After(2 * time.Second)
	for len(points) < 5 {
		select {
		case p, ok := <-stream.C:
			if !ok {
				t.Fatal("stream closed early")
			}
			points = append(points, p)
		case <-deadline:
			t.Fatalf("only %d points in 2s", len(points))
		}
	}

	var lastSeq uint64
	for i, p := range points {
		if p.Seq <= lastSeq {
			t.Fatalf("point %d: seq %d after %d, not strictly increasing", i, p.Seq, lastSeq)
		}
		lastSeq = p.Seq
		if _, ok := p.Values["rpm"]; !ok {
			t.Fatalf("point %d missing rpm", i)
		}
		if _, ok := p.Values["coolant_temp"]; !ok {
			t.Fatalf("point %d missing coolant_temp", i)
		}
		if p.TS == 0 {
			t.Fatalf("point %d has no timestamp", i)
		}
	}
}

func TestSubscriptionCoalescing(t *testing.T) {
	r := newCountingReader()
	m := NewManager(r.read, Config{})
	defer m.Close()

	// Two subscriptions overlap on "rpm": reads for it must happen at
	// max(20, 5) = 20 Hz, not 25.
	s1, err := m.Subscribe([]string{"rpm", "boost"}, 20, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer s1.Close()
	s2, err := m.Subscribe([]string{"rpm", "gear"}, 5, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	time.Sleep(500 * time.Millisecond)

	rpm := r.count("rpm")
	// 500 ms at 20 Hz is ~10 reads; 25 Hz would be ~12.5. Allow slack but
	// fail on the clearly-additive case.
	if rpm < 5 || rpm > 12 {
		t.Fatalf("rpm read %d times in 500ms, want ~10 (20 Hz)", rpm)
	}
	gear := r.count("gear")
	if gear < 1 || gear > 5 {
		t.Fatalf("gear read %d times in 500ms, want ~2.5 (5 Hz)", gear)
	}

	// The slow subscription still sees rpm values (from the fast loop's
	// reads) in every point.
	select {
	case p := <-s2.C:
		if _, ok := p.Values["rpm"]; !ok {
			t.Fatal("slow subscription point missing coalesced rpm")
		}
	case <-time.After(time.Second):
		t.Fatal("no point on slow subscription")
	}
}

func TestSubscriptionFailedIntervalSkipped(t *testing.T) {
	r := newCountingReader()
	m := NewManager(r.read, Config{})
	defer m.Close()

	stream, err := m.Subscribe([]string{"rpm"}, 20, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	// Wait for delivery, then fail reads for a few intervals.
	select {
	case <-stream.C:
	case <-time.After(time.Second):
		t.Fatal("no initial point")
	}
	r.fail.Store(true)
	time.Sleep(150 * time.Millisecond)
	r.fail.Store(false)

	// Delivery resumes.
	drained := true
	for drained {
		select {
		case <-stream.C:
		default:
			drained = false
		}
	}
	select {
	case _, ok := <-stream.C:
		if !ok {
			t.Fatal("stream closed after transient failure")
		}
	case <-time.After(time.Second):
		t.Fatal("delivery did not resume after failure")
	}
}

func TestSubscriptionUnsubscribeStopsDelivery(t *testing.T) {
	r := newCountingReader()
	m := NewManager(r.read, Config{})
	defer m.Close()

	stream, err := m.Subscribe([]string{"rpm"}, 20, 0)
	if err != nil {
		t.Fatal(err)
	}
	stream.Close()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-stream.C:
			if !ok {
				return // closed as expected
			}
		case <-deadline:
			t.Fatal("stream not closed after unsubscribe")
		}
	}
}

func TestSubscriptionDeadline(t *testing.T) {
	r := newCountingReader()
	m := NewManager(r.read, Config{})
	defer m.Close()

	stream, err := m.Subscribe([]string{"rpm"}, 20, 100*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-stream.C:
			if !ok {
				if len(m.List()) != 0 {
					t.Fatal("subscription still listed after deadline")
				}
				return
			}
		case <-deadline:
			t.Fatal("subscription did not expire")
		}
	}
}

func TestSubscriptionLaggingConsumerDropped(t *testing.T) {
	r := newCountingReader()
	m := NewManager(r.read, Config{BufferSize: 2, LagThreshold: 3})
	defer m.Close()

	stream, err := m.Subscribe([]string{"rpm"}, 50, 0)
	if err != nil {
		t.Fatal(err)
	}
	// Read far slower than the 50 Hz delivery: the buffer fills, lag
	// accumulates, and the manager drops us with a nil-values sentinel and
	// a close.
	deadline := time.After(3 * time.Second)
	var sawSentinel, closed bool
	for !closed {
		select {
		case p, ok := <-stream.C:
			if !ok {
				closed = true
				break
			}
			if p.Values == nil {
				sawSentinel = true
			}
			// Only consume after the drop decision: give the buffer
			// time to fill first.
			time.Sleep(200 * time.Millisecond)
		case <-deadline:
			t.Fatal("lagging consumer never dropped")
		}
	}
	if !sawSentinel {
		t.Fatal("no lagging sentinel before close")
	}
	if len(m.List()) != 0 {
		t.Fatal("dropped subscription still listed")
	}
}

func TestSubscriptionRateValidation(t *testing.T) {
	m := NewManager(newCountingReader().read, Config{MaxRateHz: 10})
	defer m.Close()

	if _, err := m.Subscribe([]string{"rpm"}, 100, 0); sovd.ErrKind(err) != sovd.KindRateLimited {
		t.Fatalf("over-rate: %v", err)
	}
	if _, err := m.Subscribe([]string{"rpm"}, 0, 0); sovd.ErrKind(err) != sovd.KindRateLimited {
		t.Fatalf("zero rate: %v", err)
	}
	if _, err := m.Subscribe(nil, 5, 0); sovd.ErrKind(err) != sovd.KindInvalidRequest {
		t.Fatalf("empty params: %v", err)
	}
}
