// Package session tracks the negotiated diagnostic session and security
// state for one ECU, schedules the tester-present keepalive, and resets the
// bookkeeping when the ECU reboots or the session drops.
package session

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sdv-playground/sovdd/internal/sovd"
	"github.com/sdv-playground/sovdd/internal/uds"
)

// Config is the session-layer configuration of one ECU.
type Config struct {
	// KeepaliveIntervalMs paces tester present in non-default sessions.
	KeepaliveIntervalMs uint64 `yaml:"keepalive_interval_ms"`
	// KeepaliveSuppressResponse sets the suppress-positive-response bit on
	// the heartbeat to keep bus traffic down.
	KeepaliveSuppressResponse *bool `yaml:"keepalive_suppress_response,omitempty"`
	// KeepaliveEnabled defaults to true.
	KeepaliveEnabled *bool `yaml:"keepalive_enabled,omitempty"`

	DefaultSession     byte `yaml:"default_session"`
	ProgrammingSession byte `yaml:"programming_session"`
	ExtendedSession    byte `yaml:"extended_session"`
	// CustomSessions maps OEM session names to sub-function values.
	CustomSessions map[string]byte `yaml:"custom_sessions,omitempty"`
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.KeepaliveIntervalMs == 0 {
		out.KeepaliveIntervalMs = 2000
	}
	if out.DefaultSession == 0 {
		out.DefaultSession = 0x01
	}
	if out.ProgrammingSession == 0 {
		out.ProgrammingSession = 0x02
	}
	if out.ExtendedSession == 0 {
		out.ExtendedSession = 0x03
	}
	return out
}

func (c Config) keepaliveEnabled() bool {
	return c.KeepaliveEnabled == nil || *c.KeepaliveEnabled
}

func (c Config) keepaliveSuppress() bool {
	return c.KeepaliveSuppressResponse == nil || *c.KeepaliveSuppressResponse
}

// SecurityState is the tracked security access state.
type SecurityState struct {
	Level       uint8
	PendingSeed []byte
	Unlocked    bool
}

// LinkState tracks the bus baud rate across link-control transitions.
type LinkState struct {
	CurrentBaud uint32
	PendingBaud uint32
}

// Manager owns the session automaton for one ECU.
type Manager struct {
	client *uds.Client
	cfg    Config

	mu        sync.Mutex
	sessionID byte
	timing    uds.SessionTiming
	security  SecurityState
	link      LinkState

	keepaliveCancel context.CancelFunc

	// onDrop is invoked (without the lock held) when the keepalive fails
	// and the manager falls back to default/locked.
	onDrop func()
}

// NewManager creates a session manager in the default session, locked.
func NewManager(client *uds.Client, cfg Config) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		client:    client,
		cfg:       cfg,
		sessionID: cfg.DefaultSession,
		link:      LinkState{CurrentBaud: 500000},
	}
}

// OnSessionDrop registers a callback fired when the keepalive detects a
// dropped session.
func (m *Manager) OnSessionDrop(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDrop = fn
}

// CurrentSessionID returns the tracked session sub-function value.
func (m *Manager) CurrentSessionID() byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// Timing returns the server timing echoed by the last session transition.
func (m *Manager) Timing() uds.SessionTiming {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timing
}

// Security returns a copy of the security state.
func (m *Manager) Security() SecurityState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.security
	out.PendingSeed = append([]byte(nil), m.security.PendingSeed...)
	return out
}

// Link returns the tracked link state.
func (m *Manager) Link() LinkState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.link
}

// SetPendingBaud records a verified-but-not-transitioned baud rate.
func (m *Manager) SetPendingBaud(baud uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.link.PendingBaud = baud
}

// CommitBaud makes the pending baud rate current.
func (m *Manager) CommitBaud() (uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.link.PendingBaud == 0 {
		return 0, false
	}
	m.link.CurrentBaud = m.link.PendingBaud
	m.link.PendingBaud = 0
	return m.link.CurrentBaud, true
}

// SessionName maps a sub-function value to its configured name.
func (m *Manager) SessionName(id byte) string {
	switch id {
	case m.cfg.DefaultSession:
		return "default"
	case m.cfg.ProgrammingSession:
		return "programming"
	case m.cfg.ExtendedSession:
		return "extended"
	}
	for name, v := range m.cfg.CustomSessions {
		if v == id {
			return name
		}
	}
	return fmt.Sprintf("0x%02X", id)
}

// ParseSessionName resolves a session name (or numeric string) to its
// sub-function value.
func (m *Manager) ParseSessionName(s string) (byte, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "default":
		return m.cfg.DefaultSession, nil
	case "programming":
		return m.cfg.ProgrammingSession, nil
	case "extended":
		return m.cfg.ExtendedSession, nil
	}
	lower := strings.ToLower(strings.TrimSpace(s))
	if id, ok := m.cfg.CustomSessions[lower]; ok {
		return id, nil
	}
	if v, err := strconv.ParseUint(strings.TrimPrefix(lower, "0x"), 16, 8); err == nil && strings.HasPrefix(lower, "0x") {
		return byte(v), nil
	}
	if v, err := strconv.ParseUint(lower, 10, 8); err == nil {
		return byte(v), nil
	}
	return 0, sovd.InvalidRequestf("unknown session %q", s)
}

// ChangeSession drives a session transition (UDS 0x10). Switching to the
// already-active session is a no-op so that security access, which ISO
// 14229 clears on every transition, survives redundant requests. On any
// real transition the security state re-locks and the keepalive starts or
// stops with the session.
func (m *Manager) ChangeSession(ctx context.Context, sessionID byte) error {
	m.mu.Lock()
	if m.sessionID == sessionID {
		m.mu.Unlock()
		log.Debugf("[session] already in session 0x%02X, security preserved", sessionID)
		return nil
	}
	m.mu.Unlock()

	timing, err := m.client.SessionControl(ctx, sessionID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.sessionID = sessionID
	m.timing = timing
	m.security = SecurityState{}
	m.mu.Unlock()

	if sessionID == m.cfg.DefaultSession {
		m.stopKeepalive()
	} else {
		m.startKeepalive()
	}
	log.Infof("[session] changed to %s (0x%02X), security re-locked", m.SessionName(sessionID), sessionID)
	return nil
}

// EnsureDefault transitions back to the default session if needed.
func (m *Manager) EnsureDefault(ctx context.Context) error {
	if m.CurrentSessionID() == m.cfg.DefaultSession {
		return nil
	}
	return m.ChangeSession(ctx, m.cfg.DefaultSession)
}

// EnsureProgramming transitions to the programming session if needed.
func (m *Manager) EnsureProgramming(ctx context.Context) error {
	return m.ChangeSession(ctx, m.cfg.ProgrammingSession)
}

// ProgrammingSessionID returns the configured programming sub-function.
func (m *Manager) ProgrammingSessionID() byte { return m.cfg.ProgrammingSession }

// DefaultSessionID returns the configured default sub-function.
func (m *Manager) DefaultSessionID() byte { return m.cfg.DefaultSession }

// RequestSeed performs the first half of the security handshake. The raw
// seed is returned as-is; an all-zero seed marks the level as already
// unlocked per ISO while still surfacing the seed to the caller.
func (m *Manager) RequestSeed(ctx context.Context, level uint8) ([]byte, error) {
	seed, err := m.client.SecurityRequestSeed(ctx, level)
	if err != nil {
		return nil, err
	}

	zero := len(seed) > 0
	for _, b := range seed {
		if b != 0 {
			zero = false
			break
		}
	}

	m.mu.Lock()
	m.security.Level = level
	if zero || len(seed) == 0 {
		m.security.PendingSeed = nil
		m.security.Unlocked = true
	} else {
		m.security.PendingSeed = append([]byte(nil), seed...)
		m.security.Unlocked = false
	}
	m.mu.Unlock()

	log.Infof("[session] security seed requested: level %d, %d bytes", level, len(seed))
	return seed, nil
}

// SendKey performs the second half of the security handshake.
func (m *Manager) SendKey(ctx context.Context, level uint8, key []byte) error {
	m.mu.Lock()
	if m.security.PendingSeed == nil && !m.security.Unlocked {
		m.mu.Unlock()
		return sovd.InvalidRequestf("no pending seed: request a seed first")
	}
	if m.security.Level != level {
		m.mu.Unlock()
		return sovd.InvalidRequestf("security level mismatch: seed was for level %d", m.security.Level)
	}
	m.mu.Unlock()

	if err := m.client.SecuritySendKey(ctx, level, key); err != nil {
		return err
	}

	m.mu.Lock()
	m.security.PendingSeed = nil
	m.security.Unlocked = true
	m.mu.Unlock()

	log.Infof("[session] security unlocked: level %d", level)
	return nil
}

// Unlocked reports whether the given security level is currently open.
func (m *Manager) Unlocked(level uint8) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.security.Unlocked && m.security.Level >= level
}

// NotifyReset resets the tracked state to default/locked after an ECU
// reset, without sending anything: the ECU may still be rebooting.
func (m *Manager) NotifyReset() {
	m.stopKeepalive()
	m.mu.Lock()
	m.sessionID = m.cfg.DefaultSession
	m.security = SecurityState{}
	m.mu.Unlock()
	log.Infof("[session] reset to default, security locked")
}

// Close stops the keepalive.
func (m *Manager) Close() {
	m.stopKeepalive()
}

func (m *Manager) startKeepalive() {
	if !m.cfg.keepaliveEnabled() {
		return
	}
	m.stopKeepalive()

	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.keepaliveCancel = cancel
	m.mu.Unlock()

	interval := time.Duration(m.cfg.KeepaliveIntervalMs) * time.Millisecond
	suppress := m.cfg.keepaliveSuppress()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.client.TesterPresent(ctx, suppress); err != nil {
					if ctx.Err() != nil {
						return
					}
					log.Warnf("[session] keepalive failed, dropping to default: %v", err)
					m.dropSession()
					return
				}
				log.Debugf("[session] tester present ok")
			}
		}
	}()
	log.Debugf("[session] keepalive started, interval %v", interval)
}

func (m *Manager) stopKeepalive() {
	m.mu.Lock()
	cancel := m.keepaliveCancel
	m.keepaliveCancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// dropSession atomically falls back to default/locked after a keepalive
// failure and notifies the drop callback.
func (m *Manager) dropSession() {
	m.mu.Lock()
	m.sessionID = m.cfg.DefaultSession
	m.security = SecurityState{}
	m.keepaliveCancel = nil
	onDrop := m.onDrop
	m.mu.Unlock()
	if onDrop != nil {
		onDrop()
	}
}
