package session

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/sdv-playground/sovdd/internal/sovd"
	"github.com/sdv-playground/sovdd/internal/transport"
	"github.com/sdv-playground/sovdd/internal/uds"
)

func newTestManager(m *transport.Mock, cfg Config) *Manager {
	c := uds.NewClient(m)
	c.P2 = 50 * time.Millisecond
	c.P2Star = 200 * time.Millisecond
	return NewManager(c, cfg)
}

func TestChangeSessionTracksState(t *testing.T) {
	m := transport.NewMock(transport.MockConfig{})
	m.On([]byte{0x10, 0x03}, []byte{0x50, 0x03, 0x00, 0x32, 0x01, 0xF4})
	mgr := newTestManager(m, Config{})
	defer mgr.Close()

	if err := mgr.ChangeSession(context.Background(), 0x03); err != nil {
		t.Fatalf("change: %v", err)
	}
	if mgr.CurrentSessionID() != 0x03 {
		t.Fatalf("session = 0x%02X", mgr.CurrentSessionID())
	}
	if mgr.Timing().P2 != 50 || mgr.Timing().P2Star != 5000 {
		t.Fatalf("timing %+v", mgr.Timing())
	}
	if mgr.SessionName(0x03) != "extended" {
		t.Fatalf("name %q", mgr.SessionName(0x03))
	}
}

func TestRedundantChangePreservesSecurity(t *testing.T) {
	m := transport.NewMock(transport.MockConfig{})
	m.On([]byte{0x10, 0x03}, []byte{0x50, 0x03})
	m.On([]byte{0x27, 0x01}, []byte{0x67, 0x01, 0xAA, 0xBB})
	m.On([]byte{0x27, 0x02}, []byte{0x67, 0x02})
	mgr := newTestManager(m, Config{})
	defer mgr.Close()

	ctx := context.Background()
	if err := mgr.ChangeSession(ctx, 0x03); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.RequestSeed(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if err := mgr.SendKey(ctx, 1, []byte{0x55, 0x44}); err != nil {
		t.Fatal(err)
	}
	if !mgr.Unlocked(1) {
		t.Fatal("not unlocked after key")
	}

	// Re-entering the same session must not relock.
	if err := mgr.ChangeSession(ctx, 0x03); err != nil {
		t.Fatal(err)
	}
	if !mgr.Unlocked(1) {
		t.Fatal("redundant session change cleared security")
	}

	// A real transition relocks.
	m.On([]byte{0x10, 0x02}, []byte{0x50, 0x02})
	if err := mgr.ChangeSession(ctx, 0x02); err != nil {
		t.Fatal(err)
	}
	if mgr.Unlocked(1) {
		t.Fatal("session change should relock security")
	}
}

func TestSendKeyWithoutSeed(t *testing.T) {
	m := transport.NewMock(transport.MockConfig{})
	mgr := newTestManager(m, Config{})
	defer mgr.Close()

	err := mgr.SendKey(context.Background(), 1, []byte{0x00})
	if sovd.ErrKind(err) != sovd.KindInvalidRequest {
		t.Fatalf("err = %v, want invalid request", err)
	}
}

func TestZeroSeedMeansUnlocked(t *testing.T) {
	m := transport.NewMock(transport.MockConfig{})
	m.On([]byte{0x27, 0x01}, []byte{0x67, 0x01, 0x00, 0x00})
	mgr := newTestManager(m, Config{})
	defer mgr.Close()

	seed, err := mgr.RequestSeed(context.Background(), 1)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	// The raw seed is surfaced even when it is all zeros.
	if !bytes.Equal(seed, []byte{0x00, 0x00}) {
		t.Fatalf("seed % X", seed)
	}
	if !mgr.Unlocked(1) {
		t.Fatal("zero seed should mark the level unlocked")
	}
}

func TestNotifyResetLocksAndDefaults(t *testing.T) {
	m := transport.NewMock(transport.MockConfig{})
	m.On([]byte{0x10, 0x02}, []byte{0x50, 0x02})
	m.On([]byte{0x27, 0x01}, []byte{0x67, 0x01, 0xAA})
	m.On([]byte{0x27, 0x02}, []byte{0x67, 0x02})
	mgr := newTestManager(m, Config{})
	defer mgr.Close()

	ctx := context.Background()
	mgr.ChangeSession(ctx, 0x02)
	mgr.RequestSeed(ctx, 1)
	mgr.SendKey(ctx, 1, []byte{0x55})

	mgr.NotifyReset()

	if mgr.CurrentSessionID() != 0x01 {
		t.Fatalf("session = 0x%02X, want default", mgr.CurrentSessionID())
	}
	if mgr.Unlocked(1) {
		t.Fatal("security should be locked after reset")
	}
}

func TestKeepaliveFires(t *testing.T) {
	m := transport.NewMock(transport.MockConfig{})
	m.On([]byte{0x10, 0x03}, []byte{0x50, 0x03})
	mgr := newTestManager(m, Config{KeepaliveIntervalMs: 20})
	defer mgr.Close()

	if err := mgr.ChangeSession(context.Background(), 0x03); err != nil {
		t.Fatal(err)
	}

	// Within ~5 intervals at least two heartbeats must have gone out.
	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		count := 0
		for _, req := range m.Requests() {
			if bytes.Equal(req, []byte{0x3E, 0x80}) {
				count++
			}
		}
		if count >= 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("keepalive did not fire")
}

func TestKeepaliveFailureDropsSession(t *testing.T) {
	m := transport.NewMock(transport.MockConfig{})
	m.On([]byte{0x10, 0x03}, []byte{0x50, 0x03})
	suppress := false
	mgr := newTestManager(m, Config{
		KeepaliveIntervalMs:       20,
		KeepaliveSuppressResponse: &suppress,
	})
	defer mgr.Close()

	dropped := make(chan struct{}, 1)
	mgr.OnSessionDrop(func() { dropped <- struct{}{} })

	if err := mgr.ChangeSession(context.Background(), 0x03); err != nil {
		t.Fatal(err)
	}
	// Sever the link: the unsuppressed tester present will fail.
	m.SetConnected(false)

	select {
	case <-dropped:
	case <-time.After(time.Second):
		t.Fatal("session drop not signalled")
	}
	if mgr.CurrentSessionID() != 0x01 {
		t.Fatalf("session = 0x%02X, want default after drop", mgr.CurrentSessionID())
	}
	if mgr.Unlocked(0) {
		t.Fatal("security should be locked after drop")
	}
}

func TestParseSessionName(t *testing.T) {
	mgr := newTestManager(transport.NewMock(transport.MockConfig{}), Config{
		CustomSessions: map[string]byte{"telematics": 0x40},
	})
	defer mgr.Close()

	cases := map[string]byte{
		"default":     0x01,
		"programming": 0x02,
		"extended":    0x03,
		"telematics":  0x40,
		"0x60":        0x60,
		"96":          0x60,
	}
	for name, want := range cases {
		got, err := mgr.ParseSessionName(name)
		if err != nil || got != want {
			t.Errorf("ParseSessionName(%q) = 0x%02X, %v; want 0x%02X", name, got, err, want)
		}
	}
	if _, err := mgr.ParseSessionName("warp"); err == nil {
		t.Error("parsed unknown session name")
	}
}
