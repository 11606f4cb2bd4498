package gateway

import (
	"context"
	"testing"

	"github.com/sdv-playground/sovdd/internal/conv"
	"github.com/sdv-playground/sovdd/internal/ecu"
	"github.com/sdv-playground/sovdd/internal/sovd"
	"github.com/sdv-playground/sovdd/internal/transport"
)

func childBackend(t *testing.T, id string, m *transport.Mock, params []ecu.ParameterConfig) *ecu.Backend {
	t.Helper()
	b, err := ecu.NewWithTransport(ecu.Config{
		ID: id, Name: id, P2Ms: 50, P2StarMs: 200,
		Parameters: params,
	}, m)
	if err != nil {
		t.Fatalf("child %s: %v", id, err)
	}
	t.Cleanup(b.Close)
	return b
}

func testGateway(t *testing.T) (*Gateway, *transport.Mock, *transport.Mock) {
	t.Helper()
	engineMock := transport.NewMock(transport.MockConfig{})
	engineMock.On([]byte{0x22, 0xF4, 0x0C}, []byte{0x62, 0xF4, 0x0C, 0x1C, 0x20})
	transMock := transport.NewMock(transport.MockConfig{})
	transMock.On([]byte{0x22, 0xF4, 0x10}, []byte{0x62, 0xF4, 0x10, 0x03})

	engine := childBackend(t, "engine", engineMock, []ecu.ParameterConfig{
		{ID: "rpm", DID: "0xF40C", Definition: &conv.Definition{Type: conv.Uint16, Scale: 0.25}},
	})
	trans := childBackend(t, "trans", transMock, []ecu.ParameterConfig{
		{ID: "gear", DID: "0xF410", Definition: &conv.Definition{Type: conv.Uint8}},
	})

	g := New("vehicle", "Vehicle Gateway", "")
	g.Register(engine)
	g.Register(trans)
	return g, engineMock, transMock
}

// S5: reads grouped across children return per-child results independently.
func TestGatewayRouting(t *testing.T) {
	g, _, _ := testGateway(t)

	values, err := g.ReadData(context.Background(), []string{"engine/rpm", "trans/gear"})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(values) != 2 {
		t.Fatalf("%d values", len(values))
	}
	if values[0].ID != "engine/rpm" || values[0].Value != int64(1800) {
		t.Fatalf("engine value %+v", values[0])
	}
	if values[1].ID != "trans/gear" || values[1].Value != int64(3) {
		t.Fatalf("trans value %+v", values[1])
	}
}

func TestGatewayChildFailureIsolated(t *testing.T) {
	g, engineMock, _ := testGateway(t)
	// The engine ECU goes dark; the transmission keeps answering.
	engineMock.SetConnected(false)

	values, err := g.ReadData(context.Background(), []string{"engine/rpm", "trans/gear"})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if values[0].Error == "" {
		t.Fatal("engine read should carry an error")
	}
	if values[1].Error != "" || values[1].Value != int64(3) {
		t.Fatalf("trans value affected by engine failure: %+v", values[1])
	}
}

func TestGatewayUnprefixedParameter(t *testing.T) {
	g, _, _ := testGateway(t)

	values, err := g.ReadData(context.Background(), []string{"rpm"})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if values[0].Error == "" {
		t.Fatal("unprefixed id should fail per-item")
	}
}

func TestGatewayListParametersRewritesIDs(t *testing.T) {
	g, _, _ := testGateway(t)

	params, err := g.ListParameters(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	ids := make(map[string]bool)
	for _, p := range params {
		ids[p.ID] = true
	}
	if !ids["engine/rpm"] || !ids["trans/gear"] {
		t.Fatalf("parameter ids %v", ids)
	}
}

func TestGatewayCapabilitiesUnion(t *testing.T) {
	g, _, _ := testGateway(t)

	caps := g.Capabilities()
	if !caps.SubEntities {
		t.Fatal("gateway must advertise sub_entities")
	}
	if !caps.ReadData || !caps.Faults {
		t.Fatalf("capabilities not unioned: %+v", caps)
	}

	empty := New("empty", "Empty", "")
	caps = empty.Capabilities()
	if caps.ReadData || !caps.SubEntities {
		t.Fatalf("empty gateway capabilities %+v", caps)
	}
}

func TestGatewaySubscriptionSpanningBackendsRejected(t *testing.T) {
	g, _, _ := testGateway(t)

	_, err := g.SubscribeData(context.Background(), []string{"engine/rpm", "trans/gear"}, 10)
	if sovd.ErrKind(err) != sovd.KindInvalidRequest {
		t.Fatalf("cross-backend subscription: %v", err)
	}

	stream, err := g.SubscribeData(context.Background(), []string{"engine/rpm"}, 10)
	if err != nil {
		t.Fatalf("single-backend subscription: %v", err)
	}
	stream.Close()
}

func TestGatewaySubEntities(t *testing.T) {
	g, _, _ := testGateway(t)

	entities, err := g.ListSubEntities(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entities) != 2 || entities[0].ID != "engine" || entities[1].ID != "trans" {
		t.Fatalf("entities %+v", entities)
	}

	child, err := g.SubEntity("engine")
	if err != nil || child.EntityInfo().ID != "engine" {
		t.Fatalf("sub entity: %v", err)
	}
	if _, err := g.SubEntity("brakes"); sovd.ErrKind(err) != sovd.KindEntityNotFound {
		t.Fatalf("missing child: %v", err)
	}
}

func TestGatewayNesting(t *testing.T) {
	g, _, _ := testGateway(t)

	outer := New("fleet", "Fleet Gateway", "")
	outer.Register(g)

	// Nested addressing: fleet -> vehicle -> engine.
	values, err := outer.ReadData(context.Background(), []string{"vehicle/engine/rpm"})
	if err != nil {
		t.Fatalf("nested read: %v", err)
	}
	if values[0].Error != "" || values[0].Value != int64(1800) {
		t.Fatalf("nested value %+v", values[0])
	}
	if values[0].ID != "vehicle/engine/rpm" {
		t.Fatalf("nested id %s", values[0].ID)
	}
}

func TestGatewayFaultsCarryChildPrefix(t *testing.T) {
	engineMock := transport.NewMock(transport.MockConfig{})
	engineMock.On([]byte{0x19, 0x02}, []byte{0x59, 0x02, 0xFF, 0x01, 0x23, 0x45, 0x09})
	transMock := transport.NewMock(transport.MockConfig{})
	transMock.On([]byte{0x19, 0x02}, []byte{0x59, 0x02, 0xFF})

	engine := childBackend(t, "engine", engineMock, nil)
	trans := childBackend(t, "trans", transMock, nil)
	g := New("vehicle", "Vehicle Gateway", "")
	g.Register(engine)
	g.Register(trans)

	result, err := g.Faults(context.Background(), nil)
	if err != nil {
		t.Fatalf("faults: %v", err)
	}
	if len(result.Faults) != 1 || result.Faults[0].ID != "engine/012345" {
		t.Fatalf("faults %+v", result.Faults)
	}
}

func TestGatewayOperationRouting(t *testing.T) {
	engineMock := transport.NewMock(transport.MockConfig{})
	engineMock.On([]byte{0x31, 0x01, 0xFF, 0x00}, []byte{0x71, 0x01, 0xFF, 0x00, 0xAB})

	engine, err := ecu.NewWithTransport(ecu.Config{
		ID: "engine", P2Ms: 50, P2StarMs: 200,
		Operations: []ecu.OperationConfig{{ID: "self_test", RID: "0xFF00"}},
	}, engineMock)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(engine.Close)

	g := New("vehicle", "Vehicle Gateway", "")
	g.Register(engine)

	execution, err := g.StartOperation(context.Background(), "engine/self_test", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if execution.OperationID != "engine/self_test" {
		t.Fatalf("operation id %s", execution.OperationID)
	}
	if execution.Result != "ab" {
		t.Fatalf("result %s", execution.Result)
	}

	status, err := g.OperationStatus(context.Background(), execution.ExecutionID)
	if err != nil || status.Status != sovd.OperationCompleted {
		t.Fatalf("status: %v %v", status, err)
	}
}

func TestGatewayUnsupportedOperationsStillExplicit(t *testing.T) {
	g := New("vehicle", "Vehicle Gateway", "")

	// Flash against the gateway itself is not a thing; the shared default
	// must report NotSupported rather than silently succeeding.
	if _, err := g.StartFlash(context.Background(), "pkg"); sovd.ErrKind(err) != sovd.KindNotSupported {
		t.Fatalf("start flash on gateway: %v", err)
	}
	if _, err := g.GetSessionMode(context.Background()); sovd.ErrKind(err) != sovd.KindNotSupported {
		t.Fatalf("session mode on gateway: %v", err)
	}
}
