package ecu

import (
	"context"
	"testing"
	"time"

	"github.com/sdv-playground/sovdd/internal/conv"
	"github.com/sdv-playground/sovdd/internal/sovd"
	"github.com/sdv-playground/sovdd/internal/transport"
)

func testBackend(t *testing.T, m *transport.Mock, mutate func(*Config)) *Backend {
	t.Helper()
	cfg := Config{
		ID:       "engine",
		Name:     "Engine ECU",
		P2Ms:     50,
		P2StarMs: 200,
		Parameters: []ParameterConfig{
			{
				ID:  "coolant_temp",
				DID: "0xF405",
				Definition: &conv.Definition{
					Type: conv.Uint8, Scale: 1.0, Offset: -40.0, Unit: "°C",
				},
			},
			{
				ID:       "rpm",
				DID:      "0xF40C",
				Writable: true,
				Definition: &conv.Definition{
					Type: conv.Uint16, Scale: 0.25, Unit: "rpm", Writable: true,
				},
			},
		},
		Operations: []OperationConfig{
			{ID: "self_test", RID: "0xFF00"},
			{ID: "calibrate", RID: "0xFF10", SecurityLevel: 1},
		},
		Outputs: []OutputConfig{
			{
				ID: "cooling_fan", IOID: "0xF000", DefaultValue: "00",
				Definition: &conv.Definition{Type: conv.Uint8},
			},
		},
		Security: SecurityConfig{Level: 1, Secret: "ff"},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	b, err := NewWithTransport(cfg, m)
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	t.Cleanup(b.Close)
	return b
}

// S1: DID 0xF405 scalar uint8 with offset -40; raw 0x84 reads as 92 and
// encoding 92 writes 0x84.
func TestReadScaledParameter(t *testing.T) {
	m := transport.NewMock(transport.MockConfig{})
	m.On([]byte{0x22, 0xF4, 0x05}, []byte{0x62, 0xF4, 0x05, 0x84})
	b := testBackend(t, m, nil)

	values, err := b.ReadData(context.Background(), []string{"coolant_temp"})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(values) != 1 {
		t.Fatalf("%d values", len(values))
	}
	v := values[0]
	if v.Error != "" {
		t.Fatalf("item error: %s", v.Error)
	}
	if v.Value != int64(92) {
		t.Fatalf("value %v (%T), want 92", v.Value, v.Value)
	}
	if v.Unit != "°C" || v.Raw != "84" || v.DID != "F405" {
		t.Fatalf("value meta %+v", v)
	}
}

func TestReadDataPartialFailure(t *testing.T) {
	m := transport.NewMock(transport.MockConfig{})
	m.On([]byte{0x22, 0xF4, 0x05}, []byte{0x62, 0xF4, 0x05, 0x84})
	m.On([]byte{0x22, 0xF4, 0x0C}, []byte{0x7F, 0x22, 0x31})
	b := testBackend(t, m, nil)

	values, err := b.ReadData(context.Background(), []string{"coolant_temp", "rpm", "no_such"})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if values[0].Error != "" {
		t.Fatalf("first item should succeed: %s", values[0].Error)
	}
	if values[1].Error == "" {
		t.Fatal("second item should carry the NRC failure")
	}
	if values[2].Error == "" {
		t.Fatal("third item should be parameter-not-found")
	}
}

func TestWriteParameter(t *testing.T) {
	m := transport.NewMock(transport.MockConfig{})
	m.On([]byte{0x2E, 0xF4, 0x0C}, []byte{0x6E, 0xF4, 0x0C})
	b := testBackend(t, m, nil)

	// 1800 rpm at scale 0.25 -> raw 7200 = 0x1C20.
	if err := b.WriteData(context.Background(), "rpm", 1800); err != nil {
		t.Fatalf("write: %v", err)
	}
	reqs := m.Requests()
	last := reqs[len(reqs)-1]
	want := []byte{0x2E, 0xF4, 0x0C, 0x1C, 0x20}
	if string(last) != string(want) {
		t.Fatalf("request % X, want % X", last, want)
	}

	// coolant_temp is not writable.
	err := b.WriteData(context.Background(), "coolant_temp", 90)
	if sovd.ErrKind(err) != sovd.KindInvalidRequest {
		t.Fatalf("write read-only: %v", err)
	}
}

// S2: request-seed at level 1, XOR key with secret 0xFF unlocks; a wrong
// key surfaces EcuError(0x35).
func TestSecurityUnlockFlow(t *testing.T) {
	m := transport.NewMock(transport.MockConfig{})
	m.On([]byte{0x27, 0x01}, []byte{0x67, 0x01, 0xAA, 0xBB})
	m.On([]byte{0x27, 0x02, 0x55, 0x44}, []byte{0x67, 0x02})
	b := testBackend(t, m, nil)

	ctx := context.Background()
	mode, err := b.SetSecurityMode(ctx, "level1_requestseed", nil)
	if err != nil {
		t.Fatalf("request seed: %v", err)
	}
	if mode.Seed != "aabb" || mode.State != sovd.SecuritySeedAvailable {
		t.Fatalf("mode %+v", mode)
	}

	// Key = seed XOR 0xFF.
	mode, err = b.SetSecurityMode(ctx, "level1", []byte{0x55, 0x44})
	if err != nil {
		t.Fatalf("send key: %v", err)
	}
	if mode.State != sovd.SecurityUnlocked || mode.Level != 1 {
		t.Fatalf("mode %+v", mode)
	}
}

func TestSecurityWrongKey(t *testing.T) {
	m := transport.NewMock(transport.MockConfig{})
	m.On([]byte{0x27, 0x01}, []byte{0x67, 0x01, 0xAA, 0xBB})
	m.On([]byte{0x27, 0x02, 0x00, 0x00}, []byte{0x7F, 0x27, 0x35})
	b := testBackend(t, m, nil)

	ctx := context.Background()
	if _, err := b.SetSecurityMode(ctx, "level1_requestseed", nil); err != nil {
		t.Fatal(err)
	}
	_, err := b.SetSecurityMode(ctx, "level1", []byte{0x00, 0x00})
	if sovd.ErrKind(err) != sovd.KindEcuError || sovd.AsError(err).NRC != 0x35 {
		t.Fatalf("wrong key: %v", err)
	}
}

func TestOperationSecurityGate(t *testing.T) {
	m := transport.NewMock(transport.MockConfig{})
	m.On([]byte{0x31, 0x01, 0xFF, 0x10}, []byte{0x71, 0x01, 0xFF, 0x10, 0x00})
	m.On([]byte{0x27, 0x01}, []byte{0x67, 0x01, 0xAA})
	m.On([]byte{0x27, 0x02}, []byte{0x67, 0x02})
	b := testBackend(t, m, nil)

	ctx := context.Background()
	_, err := b.StartOperation(ctx, "calibrate", nil)
	if sovd.ErrKind(err) != sovd.KindSecurityRequired {
		t.Fatalf("locked operation: %v", err)
	}

	b.SetSecurityMode(ctx, "level1_requestseed", nil)
	b.SetSecurityMode(ctx, "level1", []byte{0x55})

	exec, err := b.StartOperation(ctx, "calibrate", nil)
	if err != nil {
		t.Fatalf("unlocked operation: %v", err)
	}
	if exec.Status != sovd.OperationCompleted {
		t.Fatalf("status %s", exec.Status)
	}

	// Executions are queryable afterwards.
	got, err := b.OperationStatus(ctx, exec.ExecutionID)
	if err != nil || got.OperationID != "calibrate" {
		t.Fatalf("status lookup: %v %v", got, err)
	}
}

func TestOperationSessionGate(t *testing.T) {
	m := transport.NewMock(transport.MockConfig{})
	b := testBackend(t, m, func(cfg *Config) {
		cfg.Operations = append(cfg.Operations, OperationConfig{
			ID: "erase", RID: "0xFF20", RequiredSession: "programming",
		})
	})

	_, err := b.StartOperation(context.Background(), "erase", nil)
	if sovd.ErrKind(err) != sovd.KindSessionRequired {
		t.Fatalf("operation in default session: %v", err)
	}
}

func TestEcuResetSideEffects(t *testing.T) {
	m := transport.NewMock(transport.MockConfig{})
	m.On([]byte{0x10, 0x03}, []byte{0x50, 0x03})
	m.On([]byte{0x11, 0x01}, []byte{0x51, 0x01})
	m.On([]byte{0x27, 0x01}, []byte{0x67, 0x01, 0xAA})
	m.On([]byte{0x27, 0x02}, []byte{0x67, 0x02})
	b := testBackend(t, m, nil)

	ctx := context.Background()
	if _, err := b.SetSessionMode(ctx, "extended"); err != nil {
		t.Fatal(err)
	}
	b.SetSecurityMode(ctx, "level1_requestseed", nil)
	b.SetSecurityMode(ctx, "level1", []byte{0x55})

	if err := b.EcuReset(ctx, 0x01); err != nil {
		t.Fatalf("reset: %v", err)
	}

	mode, _ := b.GetSessionMode(ctx)
	if mode.Session != "default" {
		t.Fatalf("session %s after reset", mode.Session)
	}
	sec, _ := b.GetSecurityMode(ctx)
	if sec.State != sovd.SecurityLocked {
		t.Fatalf("security %s after reset", sec.State)
	}
}

func TestOutputControl(t *testing.T) {
	m := transport.NewMock(transport.MockConfig{})
	m.On([]byte{0x2F, 0xF0, 0x00, 0x03, 0x64}, []byte{0x6F, 0xF0, 0x00, 0x03, 0x64})
	m.On([]byte{0x2F, 0xF0, 0x00, 0x00}, []byte{0x6F, 0xF0, 0x00, 0x00, 0x10})
	m.On([]byte{0x22, 0xF0, 0x00}, []byte{0x62, 0xF0, 0x00, 0x10})
	b := testBackend(t, m, nil)

	ctx := context.Background()
	result, err := b.ControlOutput(ctx, "cooling_fan", sovd.IoShortTermAdjust, 100)
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if !result.Success || !result.ControlledByTester {
		t.Fatalf("result %+v", result)
	}

	detail, err := b.GetOutput(ctx, "cooling_fan")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !detail.ControlledByTester {
		t.Fatal("tester control not tracked")
	}
	if detail.CurrentValue != "10" {
		t.Fatalf("current value %s", detail.CurrentValue)
	}

	result, err = b.ControlOutput(ctx, "cooling_fan", sovd.IoReturnToEcu, nil)
	if err != nil || !result.Success {
		t.Fatalf("return: %v %+v", err, result)
	}
	detail, _ = b.GetOutput(ctx, "cooling_fan")
	if detail.ControlledByTester {
		t.Fatal("tester control not released")
	}
}

func TestFaultsFilteredByCategory(t *testing.T) {
	m := transport.NewMock(transport.MockConfig{})
	m.On([]byte{0x19, 0x02}, []byte{
		0x59, 0x02, 0xFF,
		0x01, 0x23, 0x45, 0x09, // powertrain, active
		0x44, 0x20, 0x00, 0x04, // chassis, pending
	})
	b := testBackend(t, m, nil)

	result, err := b.Faults(context.Background(), &sovd.FaultFilter{Category: "chassis"})
	if err != nil {
		t.Fatalf("faults: %v", err)
	}
	if len(result.Faults) != 1 || result.Faults[0].Code != "C0420" {
		t.Fatalf("faults %+v", result.Faults)
	}
	if result.Faults[0].Status.Raw != "0x04" {
		t.Fatalf("raw status %s", result.Faults[0].Status.Raw)
	}
}

func TestListParameters(t *testing.T) {
	m := transport.NewMock(transport.MockConfig{})
	b := testBackend(t, m, nil)

	params, err := b.ListParameters(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(params) != 2 {
		t.Fatalf("%d parameters", len(params))
	}
	if params[0].ID != "coolant_temp" || params[0].DID != "F405" || params[0].Unit != "°C" {
		t.Fatalf("first %+v", params[0])
	}
	if params[1].ReadOnly {
		t.Fatal("rpm should be writable")
	}
}

func TestRuntimeDefinitionRegistration(t *testing.T) {
	m := transport.NewMock(transport.MockConfig{})
	m.On([]byte{0x22, 0xF1, 0x23}, []byte{0x62, 0xF1, 0x23, 0x00, 0x64})
	b := testBackend(t, m, nil)

	// A definition registered at runtime becomes readable by name.
	b.Store().Register(0xF123, &conv.Definition{
		ID: "boost_pressure", Type: conv.Uint16, Scale: 0.1, Unit: "kPa",
	})

	values, _ := b.ReadData(context.Background(), []string{"boost_pressure"})
	if values[0].Error != "" {
		t.Fatalf("read: %s", values[0].Error)
	}
	if values[0].Value != int64(10) {
		t.Fatalf("value %v", values[0].Value)
	}

	params, _ := b.ListParameters(context.Background())
	found := false
	for _, p := range params {
		if p.ID == "boost_pressure" {
			found = true
		}
	}
	if !found {
		t.Fatal("runtime definition not listed")
	}
}

func TestSubscribeDataDeliversBothKeys(t *testing.T) {
	m := transport.NewMock(transport.MockConfig{})
	m.On([]byte{0x22, 0xF4, 0x05}, []byte{0x62, 0xF4, 0x05, 0x84})
	m.On([]byte{0x22, 0xF4, 0x0C}, []byte{0x62, 0xF4, 0x0C, 0x1C, 0x20})
	b := testBackend(t, m, nil)

	stream, err := b.SubscribeData(context.Background(), []string{"rpm", "coolant_temp"}, 10)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stream.Close()

	// S6: within one second at 10 Hz, at least 9 events arrive with
	// strictly increasing seq and both keys present.
	var events []sovd.DataPoint
	timeout := time.After(1200 * time.Millisecond)
collect:
	for {
		select {
		case p, ok := <-stream.C:
			if !ok {
				break collect
			}
			events = append(events, p)
			if len(events) >= 9 {
				break collect
			}
		case <-timeout:
			break collect
		}
	}
	if len(events) < 9 {
		t.Fatalf("only %d events in window", len(events))
	}
	var lastSeq uint64
	for i, p := range events {
		if p.Seq <= lastSeq {
			t.Fatalf("event %d: seq not strictly increasing", i)
		}
		lastSeq = p.Seq
		if _, ok := p.Values["rpm"]; !ok {
			t.Fatalf("event %d missing rpm", i)
		}
		if _, ok := p.Values["coolant_temp"]; !ok {
			t.Fatalf("event %d missing coolant_temp", i)
		}
	}

	if _, err := b.SubscribeData(context.Background(), []string{"ghost"}, 10); err == nil {
		t.Fatal("subscribed to unknown parameter")
	}
}
