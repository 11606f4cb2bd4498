// Package transport provides the byte-oriented request/response transports
// the UDS layer runs over: ISO-TP over SocketCAN, ISO-TP over an SLCAN
// serial adapter, DoIP over TCP, and a mock for tests.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrClosed is returned by operations on a closed or disconnected transport.
var ErrClosed = errors.New("transport closed")

// ErrTimeout is returned when no response arrived within the caller's
// timeout budget.
var ErrTimeout = errors.New("transport timeout")

// Transport delivers opaque UDS request/response payloads to one ECU.
// Implementations are half-duplex from the tester's point of view; callers
// serialise access (the UDS layer owns the request gate).
type Transport interface {
	// SendReceive sends a request and waits up to timeout for the response.
	SendReceive(ctx context.Context, request []byte, timeout time.Duration) ([]byte, error)
	// Send transmits without waiting for a response (suppressed tester
	// present, functional broadcasts).
	Send(ctx context.Context, request []byte) error
	// Receive waits for a further response without sending anything.
	// The UDS layer uses it to await the real response after a
	// response-pending (0x7F..0x78) negative response, and to read past
	// stale responses left over from an earlier exchange.
	Receive(ctx context.Context, timeout time.Duration) ([]byte, error)
	// Connected reports whether the transport currently has a link.
	Connected() bool
	// Reconnect re-establishes the link after a failure.
	Reconnect(ctx context.Context) error
	Close() error
}

// Config selects and parameterises a transport.
type Config struct {
	Type string `yaml:"type"` // "mock", "isotp", "slcan", "doip"

	Mock  MockConfig  `yaml:"mock,omitempty"`
	IsoTp IsoTpConfig `yaml:"isotp,omitempty"`
	Slcan SlcanConfig `yaml:"slcan,omitempty"`
	DoIP  DoIPConfig  `yaml:"doip,omitempty"`
}

// IsoTpConfig is the addressing and flow-control configuration for ISO-TP
// over SocketCAN.
type IsoTpConfig struct {
	Interface string `yaml:"interface"` // e.g. "can0"
	TxID      uint32 `yaml:"tx_id"`     // tester -> ECU CAN id
	RxID      uint32 `yaml:"rx_id"`     // ECU -> tester CAN id
	Extended  bool   `yaml:"extended"`  // 29-bit identifiers
	Padding   byte   `yaml:"padding"`   // fill byte, typically 0xCC or 0xAA
	BlockSize uint8  `yaml:"block_size"`
	StMinUs   uint32 `yaml:"st_min_us"`
}

// SlcanConfig runs the same ISO-TP engine over a serial SLCAN adapter.
type SlcanConfig struct {
	Port     string `yaml:"port"` // e.g. /dev/ttyACM0
	BaudRate int    `yaml:"baud_rate"`
	IsoTp    IsoTpConfig `yaml:"isotp"`
}

// DoIPConfig is the ISO 13400 transport configuration.
type DoIPConfig struct {
	GatewayHost         string `yaml:"gateway_host"`
	GatewayPort         uint16 `yaml:"gateway_port"`
	SourceAddress       uint16 `yaml:"source_address"`
	TargetAddress       uint16 `yaml:"target_address"`
	ActivationType      byte   `yaml:"activation_type"`
	ConnectTimeoutMs    uint64 `yaml:"connect_timeout_ms"`
	ActivationTimeoutMs uint64 `yaml:"activation_timeout_ms"`
	KeepaliveSecs       uint64 `yaml:"keepalive_secs"`
	TLS                 bool   `yaml:"tls"`
	// AutoDiscover finds the gateway via UDP vehicle identification when
	// no host is configured.
	AutoDiscover  bool   `yaml:"auto_discover,omitempty"`
	DiscoveryPort uint16 `yaml:"discovery_port,omitempty"`
}

// MockConfig parameterises the test transport.
type MockConfig struct {
	LatencyMs uint64 `yaml:"latency_ms"`
}

// New creates a transport from configuration.
func New(ctx context.Context, cfg Config) (Transport, error) {
	switch cfg.Type {
	case "", "mock":
		return NewMock(cfg.Mock), nil
	case "isotp":
		return NewSocketCan(ctx, cfg.IsoTp)
	case "slcan":
		return NewSlcan(ctx, cfg.Slcan)
	case "doip":
		return NewDoIP(ctx, cfg.DoIP)
	}
	return nil, fmt.Errorf("unknown transport type %q", cfg.Type)
}
