// Package subscription emulates periodic data delivery over a
// request/response transport: subscribed parameters are polled at the
// requested rate and the results fanned out to every subscriber.
// Overlapping subscriptions coalesce into a single read per interval, with
// the largest requested rate winning per parameter.
package subscription

import (
	"context"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sdv-playground/sovdd/internal/sovd"
)

// ReadFunc performs one coalesced batch read of decoded parameter values.
type ReadFunc func(ctx context.Context, paramIDs []string) (map[string]any, error)

// Config bounds subscription behaviour.
type Config struct {
	// MaxRateHz caps the accepted subscription rate (default 50).
	MaxRateHz float64 `yaml:"max_rate_hz,omitempty"`
	// LagThreshold is the number of consecutive full-buffer deliveries
	// after which a subscriber is dropped (default 5).
	LagThreshold int `yaml:"lag_threshold,omitempty"`
	// BufferSize is the per-subscriber channel depth (default 16).
	BufferSize int `yaml:"buffer_size,omitempty"`
}

func (c Config) maxRate() float64 {
	if c.MaxRateHz > 0 {
		return c.MaxRateHz
	}
	return 50
}

func (c Config) lagThreshold() int {
	if c.LagThreshold > 0 {
		return c.LagThreshold
	}
	return 5
}

func (c Config) bufferSize() int {
	if c.BufferSize > 0 {
		return c.BufferSize
	}
	return 16
}

// Info describes an active subscription.
type Info struct {
	ID        string    `json:"id"`
	ParamIDs  []string  `json:"param_ids"`
	RateHz    float64   `json:"rate_hz"`
	CreatedAt time.Time `json:"created_at"`
}

type subscriber struct {
	info     Info
	ch       chan sovd.DataPoint
	seq      uint64
	lagCount int
	stop     *time.Timer
}

// Manager owns the poll loops and subscriber registry for one backend.
type Manager struct {
	read ReadFunc
	cfg  Config

	mu    sync.Mutex
	subs  map[string]*subscriber
	loops map[float64]context.CancelFunc

	// values is the latest decoded value per parameter, shared by all
	// rate loops of this backend.
	valuesMu sync.Mutex
	values   map[string]any

	closed bool
}

// NewManager creates a subscription manager polling through read.
func NewManager(read ReadFunc, cfg Config) *Manager {
	return &Manager{
		read:   read,
		cfg:    cfg,
		subs:   make(map[string]*subscriber),
		loops:  make(map[float64]context.CancelFunc),
		values: make(map[string]any),
	}
}

// Subscribe registers a subscription and returns its stream. An optional
// deadline auto-expires it.
func (m *Manager) Subscribe(paramIDs []string, rateHz float64, deadline time.Duration) (*sovd.Stream, error) {
	if len(paramIDs) == 0 {
		return nil, sovd.InvalidRequestf("subscription needs at least one parameter")
	}
	if rateHz <= 0 || rateHz > m.cfg.maxRate() {
		return nil, sovd.RateLimitedf("rate %.1f Hz outside supported range (0, %.0f]", rateHz, m.cfg.maxRate())
	}

	sub := &subscriber{
		info: Info{
			ID:        sovd.NewID(),
			ParamIDs:  append([]string(nil), paramIDs...),
			RateHz:    rateHz,
			CreatedAt: time.Now(),
		},
		ch: make(chan sovd.DataPoint, m.cfg.bufferSize()),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, sovd.Internalf("subscription manager closed")
	}
	m.subs[sub.info.ID] = sub
	m.ensureLoopLocked(rateHz)
	m.mu.Unlock()

	if deadline > 0 {
		id := sub.info.ID
		sub.stop = time.AfterFunc(deadline, func() { m.Unsubscribe(id) })
	}

	log.Infof("[subscription] %s created: %v at %.1f Hz", sub.info.ID, paramIDs, rateHz)
	return sovd.NewStream(sub.info.ID, sub.ch, func() { m.Unsubscribe(sub.info.ID) }), nil
}

// Unsubscribe removes a subscription; delivery stops within one interval.
func (m *Manager) Unsubscribe(id string) {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if ok {
		delete(m.subs, id)
	}
	m.stopIdleLoopsLocked()
	m.mu.Unlock()

	if ok {
		if sub.stop != nil {
			sub.stop.Stop()
		}
		close(sub.ch)
		log.Infof("[subscription] %s removed", id)
	}
}

// List returns the active subscriptions.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.subs))
	for _, sub := range m.subs {
		out = append(out, sub.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Close drops every subscription and stops the poll loops.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	subs := m.subs
	m.subs = make(map[string]*subscriber)
	for _, cancel := range m.loops {
		cancel()
	}
	m.loops = make(map[float64]context.CancelFunc)
	m.mu.Unlock()

	for _, sub := range subs {
		if sub.stop != nil {
			sub.stop.Stop()
		}
		close(sub.ch)
	}
}

// ensureLoopLocked starts a poll loop for a rate if none runs yet.
func (m *Manager) ensureLoopLocked(rateHz float64) {
	if _, ok := m.loops[rateHz]; ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.loops[rateHz] = cancel
	go m.runLoop(ctx, rateHz)
}

// stopIdleLoopsLocked cancels loops whose rate no longer has subscribers.
func (m *Manager) stopIdleLoopsLocked() {
	active := make(map[float64]bool)
	for _, sub := range m.subs {
		active[sub.info.RateHz] = true
	}
	for rate, cancel := range m.loops {
		if !active[rate] {
			cancel()
			delete(m.loops, rate)
		}
	}
}

// runLoop is the poll loop for one rate. Each tick it reads the merged
// parameter set this rate owns (parameters whose fastest subscription is at
// this rate), then delivers to every subscriber at this rate.
func (m *Manager) runLoop(ctx context.Context, rateHz float64) {
	interval := time.Duration(float64(time.Second) / rateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx, rateHz)
		}
	}
}

// paramOwnersLocked computes, for every subscribed parameter, the fastest
// rate requesting it.
func (m *Manager) paramOwnersLocked() map[string]float64 {
	owners := make(map[string]float64)
	for _, sub := range m.subs {
		for _, p := range sub.info.ParamIDs {
			if sub.info.RateHz > owners[p] {
				owners[p] = sub.info.RateHz
			}
		}
	}
	return owners
}

// tick performs one coalesced read and fan-out for a rate group.
func (m *Manager) tick(ctx context.Context, rateHz float64) {
	m.mu.Lock()
	owners := m.paramOwnersLocked()
	var readSet []string
	for p, r := range owners {
		if r == rateHz {
			readSet = append(readSet, p)
		}
	}
	sort.Strings(readSet)
	m.mu.Unlock()

	if len(readSet) > 0 {
		readCtx, cancel := context.WithTimeout(ctx, time.Second)
		values, err := m.read(readCtx, readSet)
		cancel()
		if err != nil {
			// Skip this interval; the next attempt continues normally.
			log.Warnf("[subscription] poll at %.1f Hz failed, interval skipped: %v", rateHz, err)
		} else {
			m.storeValues(values)
		}
	}

	ts := time.Now().UnixMilli()
	m.mu.Lock()
	var drop []*subscriber
	for _, sub := range m.subs {
		if sub.info.RateHz != rateHz {
			continue
		}
		point, ok := m.buildPoint(sub, ts)
		if !ok {
			continue
		}
		select {
		case sub.ch <- point:
			sub.lagCount = 0
		default:
			sub.lagCount++
			if sub.lagCount >= m.cfg.lagThreshold() {
				drop = append(drop, sub)
			}
		}
	}
	for _, sub := range drop {
		delete(m.subs, sub.info.ID)
	}
	m.stopIdleLoopsLocked()
	m.mu.Unlock()

	for _, sub := range drop {
		// Lagging signal: a final point with nil values, then close.
		select {
		case <-sub.ch:
		default:
		}
		sub.ch <- sovd.DataPoint{TS: ts, Seq: sub.seq + 1, Values: nil}
		close(sub.ch)
		log.Warnf("[subscription] %s dropped: consumer lagging", sub.info.ID)
	}
}

func (m *Manager) storeValues(values map[string]any) {
	m.valuesMu.Lock()
	defer m.valuesMu.Unlock()
	for k, v := range values {
		m.values[k] = v
	}
}

func (m *Manager) buildPoint(sub *subscriber, ts int64) (sovd.DataPoint, bool) {
	m.valuesMu.Lock()
	values := make(map[string]any, len(sub.info.ParamIDs))
	for _, p := range sub.info.ParamIDs {
		v, ok := m.values[p]
		if !ok {
			m.valuesMu.Unlock()
			return sovd.DataPoint{}, false
		}
		values[p] = v
	}
	m.valuesMu.Unlock()

	sub.seq++
	return sovd.DataPoint{TS: ts, Seq: sub.seq, Values: values}, true
}
