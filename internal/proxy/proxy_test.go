package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sdv-playground/sovdd/internal/sovd"
)

// fakeUpstream serves the component routes the proxy forwards to.
func fakeUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/vehicle/v1/components/engine/data", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"items": []sovd.DataValue{
				{ID: "rpm", Name: "Engine Speed", Value: 1800.0, Unit: "rpm"},
			},
		})
	})
	mux.HandleFunc("/vehicle/v1/components/engine/raw/0xF190", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"data": "deadbeef"})
	})
	mux.HandleFunc("/vehicle/v1/components/engine/faults", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(sovd.FaultsResult{
			Faults: []sovd.Fault{{ID: "012345", Code: "P0123"}},
		})
	})
	mux.HandleFunc("/vehicle/v1/components/engine/modes/session", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			var body struct {
				Session string `json:"session"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			json.NewEncoder(w).Encode(sovd.SessionMode{Session: body.Session, SessionID: 0x03})
			return
		}
		json.NewEncoder(w).Encode(sovd.SessionMode{Session: "default", SessionID: 0x01})
	})
	mux.HandleFunc("/vehicle/v1/components/engine/operations/locked", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]any{
			"error": "security_required", "message": "security access required: level 1",
		})
	})
	mux.HandleFunc("/vehicle/v1/components/engine/flash", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"transfer_id": "t-1"})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]any{"error": "entity_not_found", "message": "nope"})
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func testProxy(t *testing.T) *Proxy {
	t.Helper()
	upstream := fakeUpstream(t)
	p, err := New(Config{
		ID: "engine-proxy", Name: "Engine via HPC",
		UpstreamURL: upstream.URL + "/vehicle/v1",
		Component:   "engine",
	})
	if err != nil {
		t.Fatalf("proxy: %v", err)
	}
	return p
}

func TestProxyReadData(t *testing.T) {
	p := testProxy(t)

	values, err := p.ReadData(context.Background(), []string{"rpm"})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(values) != 1 || values[0].ID != "rpm" || values[0].Value != float64(1800) {
		t.Fatalf("values %+v", values)
	}
}

func TestProxyReadRawDID(t *testing.T) {
	p := testProxy(t)

	data, err := p.ReadRawDID(context.Background(), 0xF190)
	if err != nil {
		t.Fatalf("raw: %v", err)
	}
	if len(data) != 4 || data[0] != 0xDE {
		t.Fatalf("data % X", data)
	}
}

func TestProxyFaults(t *testing.T) {
	p := testProxy(t)

	result, err := p.Faults(context.Background(), nil)
	if err != nil {
		t.Fatalf("faults: %v", err)
	}
	if len(result.Faults) != 1 || result.Faults[0].Code != "P0123" {
		t.Fatalf("faults %+v", result.Faults)
	}
}

func TestProxySessionMode(t *testing.T) {
	p := testProxy(t)

	mode, err := p.GetSessionMode(context.Background())
	if err != nil || mode.Session != "default" {
		t.Fatalf("get: %v %v", mode, err)
	}
	mode, err = p.SetSessionMode(context.Background(), "extended")
	if err != nil || mode.Session != "extended" {
		t.Fatalf("set: %v %v", mode, err)
	}
}

func TestProxyErrorKindRecovered(t *testing.T) {
	p := testProxy(t)

	_, err := p.StartOperation(context.Background(), "locked", nil)
	if sovd.ErrKind(err) != sovd.KindSecurityRequired {
		t.Fatalf("err = %v, want security required", err)
	}

	_, err = p.GetOutput(context.Background(), "missing")
	if sovd.ErrKind(err) != sovd.KindEntityNotFound {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestProxyStartFlash(t *testing.T) {
	p := testProxy(t)

	id, err := p.StartFlash(context.Background(), "pkg-1")
	if err != nil || id != "t-1" {
		t.Fatalf("start: %q %v", id, err)
	}
}

func TestProxyDeadUpstreamIsTransportError(t *testing.T) {
	p, err := New(Config{
		ID: "dead", UpstreamURL: "http://127.0.0.1:1/vehicle/v1",
		Component: "engine", TimeoutMs: 200,
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = p.ReadData(context.Background(), []string{"rpm"})
	if sovd.ErrKind(err) != sovd.KindTransport {
		t.Fatalf("err = %v, want transport", err)
	}
}

func TestProxyRequiresConfig(t *testing.T) {
	if _, err := New(Config{ID: "x"}); err == nil {
		t.Fatal("accepted empty upstream")
	}
}
