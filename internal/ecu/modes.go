package ecu

import (
	"context"
	"encoding/hex"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/sdv-playground/sovdd/internal/sovd"
	"github.com/sdv-playground/sovdd/internal/uds"
)

// GetSessionMode reports the tracked diagnostic session.
func (b *Backend) GetSessionMode(context.Context) (*sovd.SessionMode, error) {
	id := b.sessions.CurrentSessionID()
	timing := b.sessions.Timing()
	return &sovd.SessionMode{
		Session:   b.sessions.SessionName(id),
		SessionID: id,
		P2:        timing.P2,
		P2Star:    timing.P2Star,
	}, nil
}

// SetSessionMode switches the diagnostic session. Per ISO 14229 every real
// transition clears the ECU's I/O overrides, so the tester-side bookkeeping
// is cleared with it.
func (b *Backend) SetSessionMode(ctx context.Context, sessionName string) (*sovd.SessionMode, error) {
	id, err := b.sessions.ParseSessionName(sessionName)
	if err != nil {
		return nil, err
	}
	if err := b.sessions.ChangeSession(ctx, id); err != nil {
		return nil, err
	}
	b.clearIoStates()
	return b.GetSessionMode(ctx)
}

// GetSecurityMode reports the tracked security access state.
func (b *Backend) GetSecurityMode(context.Context) (*sovd.SecurityMode, error) {
	state := b.sessions.Security()
	mode := &sovd.SecurityMode{State: sovd.SecurityLocked}
	if b.cfg.Security.Level > 0 {
		mode.AvailableLevels = []uint8{b.cfg.Security.Level}
	}
	switch {
	case state.Unlocked:
		mode.State = sovd.SecurityUnlocked
		mode.Level = state.Level
	case len(state.PendingSeed) > 0:
		mode.State = sovd.SecuritySeedAvailable
		mode.Level = state.Level
		mode.Seed = hex.EncodeToString(state.PendingSeed)
	}
	return mode, nil
}

// SetSecurityMode drives the seed/key handshake. "levelN_requestseed"
// requests a seed; "levelN" with key bytes sends the derived key.
func (b *Backend) SetSecurityMode(ctx context.Context, value string, key []byte) (*sovd.SecurityMode, error) {
	lower := strings.ToLower(strings.TrimSpace(value))

	if levelStr, ok := strings.CutSuffix(lower, "_requestseed"); ok {
		level, err := parseSecurityLevel(levelStr)
		if err != nil {
			return nil, err
		}
		seed, err := b.sessions.RequestSeed(ctx, level)
		if err != nil {
			return nil, err
		}
		mode, _ := b.GetSecurityMode(ctx)
		// The raw seed is surfaced even when zero-filled; the helper or
		// client decides what a zero seed means.
		mode.Seed = hex.EncodeToString(seed)
		return mode, nil
	}

	level, err := parseSecurityLevel(lower)
	if err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, sovd.InvalidRequestf("key bytes required to unlock level %d", level)
	}
	if err := b.sessions.SendKey(ctx, level, key); err != nil {
		return nil, err
	}
	return b.GetSecurityMode(ctx)
}

func parseSecurityLevel(s string) (uint8, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "level")
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil || v == 0 {
		return 0, sovd.InvalidRequestf("invalid security level %q", s)
	}
	return uint8(v), nil
}

// GetLinkMode reports the tracked link state.
func (b *Backend) GetLinkMode(context.Context) (*sovd.LinkMode, error) {
	link := b.sessions.Link()
	state := "active"
	if link.PendingBaud != 0 {
		state = "pending_transition"
	}
	return &sovd.LinkMode{
		CurrentBaudRate: link.CurrentBaud,
		PendingBaudRate: link.PendingBaud,
		State:           state,
	}, nil
}

// SetLinkMode drives link control: verify_fixed, verify_specific, then
// transition.
func (b *Backend) SetLinkMode(ctx context.Context, action, baudRateID string, baudRate uint32) (*sovd.LinkControlResult, error) {
	switch strings.ToLower(action) {
	case "verify_fixed":
		id, rate, err := parseBaudRateID(baudRateID)
		if err != nil {
			return nil, err
		}
		if err := b.client.LinkControlVerifyFixed(ctx, id); err != nil {
			return nil, err
		}
		b.sessions.SetPendingBaud(rate)
		return &sovd.LinkControlResult{Success: true, Action: "verify_fixed", BaudRate: rate}, nil

	case "verify_specific":
		if baudRate < 10000 || baudRate > 1000000 {
			return nil, sovd.InvalidRequestf("baud rate %d out of range (10000..1000000)", baudRate)
		}
		if err := b.client.LinkControlVerifySpecific(ctx, baudRate); err != nil {
			return nil, err
		}
		b.sessions.SetPendingBaud(baudRate)
		return &sovd.LinkControlResult{Success: true, Action: "verify_specific", BaudRate: baudRate}, nil

	case "transition":
		if b.sessions.Link().PendingBaud == 0 {
			return nil, sovd.InvalidRequestf("no verified baud rate: call verify_fixed or verify_specific first")
		}
		if err := b.client.LinkControlTransition(ctx); err != nil {
			return nil, err
		}
		rate, _ := b.sessions.CommitBaud()
		log.Infof("[ecu %s] link transitioned to %d bps", b.cfg.ID, rate)
		return &sovd.LinkControlResult{Success: true, Action: "transition", BaudRate: rate}, nil
	}
	return nil, sovd.InvalidRequestf("unknown link action %q", action)
}

func parseBaudRateID(s string) (byte, uint32, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "125k", "125000":
		return uds.BaudCAN125k, 125000, nil
	case "250k", "250000":
		return uds.BaudCAN250k, 250000, nil
	case "500k", "500000":
		return uds.BaudCAN500k, 500000, nil
	case "1m", "1000k", "1000000":
		return uds.BaudCAN1M, 1000000, nil
	}
	return 0, 0, sovd.InvalidRequestf("unknown baud rate id %q", s)
}
