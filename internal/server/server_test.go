package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sdv-playground/sovdd/internal/conv"
	"github.com/sdv-playground/sovdd/internal/ecu"
	"github.com/sdv-playground/sovdd/internal/gateway"
	"github.com/sdv-playground/sovdd/internal/sovd"
	"github.com/sdv-playground/sovdd/internal/transport"
)

func testServer(t *testing.T) (*Server, *httptest.Server, *transport.Mock) {
	t.Helper()

	m := transport.NewMock(transport.MockConfig{})
	m.On([]byte{0x22, 0xF4, 0x05}, []byte{0x62, 0xF4, 0x05, 0x84})
	m.On([]byte{0x22, 0xF1, 0x90}, append([]byte{0x62, 0xF1, 0x90}, []byte("1HGCM82633A123456")...))
	m.On([]byte{0x19, 0x02}, []byte{0x59, 0x02, 0xFF, 0x01, 0x23, 0x45, 0x09})
	m.On([]byte{0x27, 0x01}, []byte{0x67, 0x01, 0xAA, 0xBB})
	m.On([]byte{0x27, 0x02, 0x55, 0x44}, []byte{0x67, 0x02})
	m.On([]byte{0x10, 0x01}, []byte{0x50, 0x01})
	m.On([]byte{0x10, 0x02}, []byte{0x50, 0x02})
	m.On([]byte{0x34}, []byte{0x74, 0x20, 0x01, 0x00})
	m.On([]byte{0x36, 0x01}, []byte{0x76, 0x01})

	backend, err := ecu.NewWithTransport(ecu.Config{
		ID: "engine", Name: "Engine ECU", P2Ms: 50, P2StarMs: 200,
		Parameters: []ecu.ParameterConfig{
			{
				ID: "coolant_temp", DID: "0xF405",
				Definition: &conv.Definition{Type: conv.Uint8, Scale: 1.0, Offset: -40.0, Unit: "°C"},
			},
		},
		Operations: []ecu.OperationConfig{
			{ID: "calibrate", RID: "0xFF10", SecurityLevel: 1},
		},
		Security: ecu.SecurityConfig{Level: 1, Secret: "ff"},
	}, m)
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	t.Cleanup(backend.Close)

	gw := gateway.New("vehicle", "Vehicle Gateway", "")

	srv := &Server{
		cfg:      DefaultConfig(),
		backends: map[string]sovd.Backend{"engine": backend, "vehicle": gw},
		order:    []string{"engine", "vehicle"},
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts, m
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func doJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, _ := http.NewRequest(method, url, reader)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode
}

func TestListComponents(t *testing.T) {
	_, ts, _ := testServer(t)

	var payload struct {
		Items []sovd.EntityInfo `json:"items"`
	}
	if code := getJSON(t, ts.URL+"/vehicle/v1/components", &payload); code != 200 {
		t.Fatalf("status %d", code)
	}
	if len(payload.Items) != 2 || payload.Items[0].ID != "engine" {
		t.Fatalf("items %+v", payload.Items)
	}
}

func TestReadDataEndpoint(t *testing.T) {
	_, ts, _ := testServer(t)

	var value sovd.DataValue
	if code := getJSON(t, ts.URL+"/vehicle/v1/components/engine/data/coolant_temp", &value); code != 200 {
		t.Fatalf("status %d", code)
	}
	// JSON numbers decode as float64.
	if value.Value != float64(92) {
		t.Fatalf("value %v (%T)", value.Value, value.Value)
	}
	if value.Raw != "84" || value.Unit != "°C" {
		t.Fatalf("value %+v", value)
	}
}

func TestUnknownComponent404(t *testing.T) {
	_, ts, _ := testServer(t)

	var payload struct {
		Error string `json:"error"`
	}
	if code := getJSON(t, ts.URL+"/vehicle/v1/components/brakes", &payload); code != 404 {
		t.Fatalf("status %d", code)
	}
	if payload.Error != "entity_not_found" {
		t.Fatalf("error %q", payload.Error)
	}
}

func TestSecurityRequired403(t *testing.T) {
	_, ts, _ := testServer(t)

	code := doJSON(t, http.MethodPost,
		ts.URL+"/vehicle/v1/components/engine/operations/calibrate", map[string]any{}, nil)
	if code != 403 {
		t.Fatalf("status %d, want 403", code)
	}
}

func TestSecurityHandshakeEndpoint(t *testing.T) {
	_, ts, _ := testServer(t)

	var mode sovd.SecurityMode
	code := doJSON(t, http.MethodPut, ts.URL+"/vehicle/v1/components/engine/modes/security",
		map[string]any{"value": "level1_requestseed"}, &mode)
	if code != 200 {
		t.Fatalf("seed status %d", code)
	}
	if mode.Seed != "aabb" {
		t.Fatalf("seed %q", mode.Seed)
	}

	code = doJSON(t, http.MethodPut, ts.URL+"/vehicle/v1/components/engine/modes/security",
		map[string]any{"value": "level1", "key": "5544"}, &mode)
	if code != 200 || mode.State != sovd.SecurityUnlocked {
		t.Fatalf("key status %d, mode %+v", code, mode)
	}
}

func TestRawDIDEndpoint(t *testing.T) {
	_, ts, _ := testServer(t)

	var payload struct {
		Data string `json:"data"`
	}
	// Decimal and 0x-prefixed hex are both accepted in paths.
	if code := getJSON(t, ts.URL+"/vehicle/v1/components/engine/raw/0xF190", &payload); code != 200 {
		t.Fatalf("status %d", code)
	}
	// Spot-check the hex prefix ("1HGC").
	if !strings.HasPrefix(payload.Data, "31484743") {
		t.Fatalf("data %q", payload.Data)
	}
}

func TestFaultsEndpoint(t *testing.T) {
	_, ts, _ := testServer(t)

	var result sovd.FaultsResult
	if code := getJSON(t, ts.URL+"/vehicle/v1/components/engine/faults", &result); code != 200 {
		t.Fatalf("status %d", code)
	}
	if len(result.Faults) != 1 || result.Faults[0].Code != "P0123" {
		t.Fatalf("faults %+v", result.Faults)
	}
}

func TestNotSupported501(t *testing.T) {
	_, ts, _ := testServer(t)

	code := doJSON(t, http.MethodPost, ts.URL+"/vehicle/v1/components/vehicle/flash",
		map[string]any{"package_id": "x"}, nil)
	if code != 501 {
		t.Fatalf("status %d, want 501", code)
	}
}

func TestFlashLifecycleEndpoints(t *testing.T) {
	_, ts, _ := testServer(t)
	base := ts.URL + "/vehicle/v1/components/engine"

	// Upload a package as raw bytes.
	resp, err := http.Post(base+"/packages", "application/octet-stream",
		bytes.NewReader(make([]byte, 64)))
	if err != nil {
		t.Fatal(err)
	}
	var created struct {
		ID string `json:"id"`
	}
	json.NewDecoder(resp.Body).Decode(&created)
	resp.Body.Close()
	if resp.StatusCode != 201 || created.ID == "" {
		t.Fatalf("upload status %d id %q", resp.StatusCode, created.ID)
	}

	// Verify, then query the listing.
	if code := doJSON(t, http.MethodPost, base+"/packages/"+created.ID+"/verify", nil, nil); code != 200 {
		t.Fatalf("verify status %d", code)
	}
	var listing struct {
		Items []sovd.PackageInfo `json:"items"`
	}
	getJSON(t, base+"/packages", &listing)
	if len(listing.Items) != 1 || listing.Items[0].Status != sovd.PackageVerified {
		t.Fatalf("packages %+v", listing.Items)
	}

	// Start the flash; the mock transport acks everything.
	var started struct {
		TransferID string `json:"transfer_id"`
	}
	code := doJSON(t, http.MethodPost, base+"/flash", map[string]any{"package_id": created.ID}, &started)
	if code != 202 || started.TransferID == "" {
		t.Fatalf("start status %d, id %q", code, started.TransferID)
	}

	// Poll status until the transfer settles.
	deadline := time.Now().Add(2 * time.Second)
	var status sovd.FlashStatus
	for time.Now().Before(deadline) {
		getJSON(t, base+"/flash/"+started.TransferID, &status)
		if status.State == sovd.FlashAwaitingExit || status.State == sovd.FlashFailed {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if status.State != sovd.FlashAwaitingExit {
		t.Fatalf("flash state %s (%s)", status.State, status.Error)
	}
}

func TestSSEStream(t *testing.T) {
	_, ts, _ := testServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet,
		ts.URL+"/vehicle/v1/components/engine/stream?ids=coolant_temp&rate=20", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.Header.Get("Content-Type") != "text/event-stream" {
		t.Fatalf("content type %q", resp.Header.Get("Content-Type"))
	}

	scanner := bufio.NewScanner(resp.Body)
	events := 0
	var lastSeq uint64
	for scanner.Scan() && events < 3 {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var point sovd.DataPoint
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &point); err != nil {
			t.Fatalf("event decode: %v", err)
		}
		if point.Seq <= lastSeq {
			t.Fatalf("seq not increasing: %d after %d", point.Seq, lastSeq)
		}
		lastSeq = point.Seq
		if _, ok := point.Values["coolant_temp"]; !ok {
			t.Fatalf("event missing value: %+v", point)
		}
		events++
	}
	if events < 3 {
		t.Fatalf("only %d events", events)
	}
}

func TestNamedSubscriptionLifecycle(t *testing.T) {
	_, ts, _ := testServer(t)
	base := ts.URL + "/vehicle/v1/components/engine"

	var created struct {
		ID string `json:"id"`
	}
	code := doJSON(t, http.MethodPost, base+"/subscriptions",
		map[string]any{"param_ids": []string{"coolant_temp"}, "rate_hz": 10}, &created)
	if code != 201 || created.ID == "" {
		t.Fatalf("create status %d id %q", code, created.ID)
	}

	if code := doJSON(t, http.MethodDelete, base+"/subscriptions/"+created.ID, nil, nil); code != 200 {
		t.Fatalf("delete status %d", code)
	}
	if code := doJSON(t, http.MethodDelete, base+"/subscriptions/"+created.ID, nil, nil); code != 404 {
		t.Fatalf("second delete status %d", code)
	}
}

func TestConfigValidation(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	cfg = &Config{Ecus: []ecu.Config{{ID: "a"}, {ID: "a"}}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("duplicate ids accepted")
	}

	cfg = &Config{Gateways: []gateway.Config{{ID: "gw", Children: []string{"ghost"}}}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("unknown gateway child accepted")
	}
}

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{sovd.EntityNotFound("x"), 404},
		{sovd.ParameterNotFound("x"), 404},
		{sovd.InvalidRequestf("x"), 400},
		{sovd.SecurityRequired(1), 403},
		{sovd.SessionRequired("extended", 0x22, 0x31), 412},
		{sovd.Busyf("x"), 409},
		{sovd.RateLimitedf("x"), 429},
		{sovd.Timeout("x"), 504},
		{sovd.TransportErr(fmt.Errorf("x")), 503},
		{sovd.EcuError(0x31, 0x22, "x"), 502},
		{sovd.NotSupported("x"), 501},
		{sovd.Internalf("x"), 500},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		writeError(rec, tc.err)
		if rec.Code != tc.status {
			t.Errorf("%v mapped to %d, want %d", tc.err, rec.Code, tc.status)
		}
	}
}
