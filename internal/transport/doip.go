package transport

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	log "github.com/sirupsen/logrus"
)

// DoIP (ISO 13400) transport: UDS over TCP to a vehicle gateway, with the
// routing-activation handshake, alive-check handling, and automatic
// reconnection.

const (
	doipProtocolVersion = 0x02

	payloadGenericNack       = 0x0000
	payloadVehicleIdentReq   = 0x0001
	payloadVehicleAnnounce   = 0x0004
	payloadRoutingActivation = 0x0005
	payloadRoutingResponse   = 0x0006
	payloadAliveCheckReq     = 0x0007
	payloadAliveCheckResp    = 0x0008
	payloadDiagMessage       = 0x8001
	payloadDiagPositiveAck   = 0x8002
	payloadDiagNegativeAck   = 0x8003

	activationSuccess              = 0x10
	activationConfirmationRequired = 0x11

	defaultDoIPPort = 13400

	reconnectAttempts = 3
)

type doipMessage struct {
	payloadType uint16
	payload     []byte
}

// DoIP implements Transport over a TCP (optionally TLS) connection to a
// DoIP gateway.
type DoIP struct {
	cfg DoIPConfig

	mu        sync.Mutex
	conn      net.Conn
	connected bool
	closed    bool
	incoming  chan doipMessage
	pumpDone  chan struct{}
}

// NewDoIP connects to the gateway and performs routing activation.
func NewDoIP(ctx context.Context, cfg DoIPConfig) (*DoIP, error) {
	if cfg.GatewayPort == 0 {
		cfg.GatewayPort = defaultDoIPPort
	}
	if cfg.ConnectTimeoutMs == 0 {
		cfg.ConnectTimeoutMs = 5000
	}
	if cfg.ActivationTimeoutMs == 0 {
		cfg.ActivationTimeoutMs = 2000
	}

	if cfg.GatewayHost == "" && cfg.AutoDiscover {
		announcements, err := DiscoverVehicles(ctx, cfg.DiscoveryPort, 2*time.Second)
		if err != nil {
			return nil, err
		}
		if len(announcements) == 0 {
			return nil, fmt.Errorf("doip: no vehicle announced during discovery")
		}
		host, _, err := net.SplitHostPort(announcements[0].Source.String())
		if err != nil {
			return nil, fmt.Errorf("doip: discovery source address: %w", err)
		}
		cfg.GatewayHost = host
		log.Infof("[doip] discovered vehicle %s at %s", announcements[0].VIN, host)
	}

	d := &DoIP{cfg: cfg}
	if err := d.connectWithRetry(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *DoIP) connectWithRetry(ctx context.Context) error {
	return retry.Do(
		func() error { return d.connect(ctx) },
		retry.Context(ctx),
		retry.Attempts(reconnectAttempts),
		retry.Delay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.OnRetry(func(n uint, err error) {
			log.Warnf("[doip] connect attempt %d failed: %v", n+1, err)
		}),
	)
}

func (d *DoIP) connect(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", d.cfg.GatewayHost, d.cfg.GatewayPort)
	dialer := net.Dialer{Timeout: time.Duration(d.cfg.ConnectTimeoutMs) * time.Millisecond}

	var conn net.Conn
	var err error
	if d.cfg.TLS {
		conn, err = tls.DialWithDialer(&dialer, "tcp", addr, &tls.Config{ServerName: d.cfg.GatewayHost})
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("doip: connect %s: %w", addr, err)
	}

	d.mu.Lock()
	d.conn = conn
	d.incoming = make(chan doipMessage, 64)
	d.pumpDone = make(chan struct{})
	d.connected = true
	d.mu.Unlock()

	go d.pump(conn, d.incoming, d.pumpDone)

	if err := d.routingActivation(ctx); err != nil {
		d.teardown()
		return err
	}
	log.Infof("[doip] connected to %s (tls=%v)", addr, d.cfg.TLS)
	return nil
}

// routingActivation performs the ISO 13400 handshake that binds our tester
// logical address to this socket.
func (d *DoIP) routingActivation(ctx context.Context) error {
	payload := make([]byte, 7)
	binary.BigEndian.PutUint16(payload[0:2], d.cfg.SourceAddress)
	payload[2] = d.cfg.ActivationType
	// Bytes 3..6 are the reserved OEM field.

	if err := d.writeMessage(payloadRoutingActivation, payload); err != nil {
		return err
	}

	timeout := time.Duration(d.cfg.ActivationTimeoutMs) * time.Millisecond
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("doip: routing activation timeout")
		case msg, ok := <-d.incoming:
			if !ok {
				return ErrClosed
			}
			switch msg.payloadType {
			case payloadRoutingResponse:
				if len(msg.payload) < 5 {
					return fmt.Errorf("doip: short routing activation response")
				}
				code := msg.payload[4]
				if code == activationSuccess || code == activationConfirmationRequired {
					return nil
				}
				return fmt.Errorf("doip: routing activation denied: code 0x%02X", code)
			case payloadGenericNack:
				return fmt.Errorf("doip: generic NACK during activation")
			}
		}
	}
}

// pump reads messages off the socket, answers alive checks inline, and
// forwards everything else to the incoming channel.
func (d *DoIP) pump(conn net.Conn, incoming chan doipMessage, done chan struct{}) {
	defer close(done)
	defer close(incoming)
	for {
		msg, err := readDoIPMessage(conn)
		if err != nil {
			if err != io.EOF {
				log.Errorf("[doip] receive: %v", err)
			}
			d.mu.Lock()
			if d.conn == conn {
				d.connected = false
			}
			d.mu.Unlock()
			return
		}
		if msg.payloadType == payloadAliveCheckReq {
			resp := make([]byte, 2)
			binary.BigEndian.PutUint16(resp, d.cfg.SourceAddress)
			if err := writeDoIPMessage(conn, payloadAliveCheckResp, resp); err != nil {
				log.Warnf("[doip] alive check response: %v", err)
			}
			continue
		}
		select {
		case incoming <- msg:
		default:
			// Drop the oldest pending message on overflow.
			select {
			case <-incoming:
			default:
			}
			incoming <- msg
		}
	}
}

func (d *DoIP) SendReceive(ctx context.Context, request []byte, timeout time.Duration) ([]byte, error) {
	// A dropped link is redialled (with backoff) before the request goes out.
	if !d.Connected() {
		if err := d.Reconnect(ctx); err != nil {
			return nil, err
		}
	}
	if err := d.sendDiagnostic(request); err != nil {
		return nil, err
	}

	d.mu.Lock()
	incoming := d.incoming
	d.mu.Unlock()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrTimeout
		case msg, ok := <-incoming:
			if !ok {
				return nil, ErrClosed
			}
			switch msg.payloadType {
			case payloadDiagMessage:
				if len(msg.payload) < 4 {
					continue
				}
				source := binary.BigEndian.Uint16(msg.payload[0:2])
				if source != d.cfg.TargetAddress {
					continue
				}
				return append([]byte(nil), msg.payload[4:]...), nil
			case payloadDiagPositiveAck:
				// Gateway routed the request; keep waiting for the
				// ECU response.
				continue
			case payloadDiagNegativeAck:
				code := byte(0)
				if len(msg.payload) >= 5 {
					code = msg.payload[4]
				}
				return nil, fmt.Errorf("doip: diagnostic message NACK 0x%02X", code)
			}
		}
	}
}

func (d *DoIP) Send(_ context.Context, request []byte) error {
	return d.sendDiagnostic(request)
}

// Receive waits for one further diagnostic message from the target ECU.
func (d *DoIP) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	d.mu.Lock()
	incoming := d.incoming
	d.mu.Unlock()
	if incoming == nil {
		return nil, ErrClosed
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrTimeout
		case msg, ok := <-incoming:
			if !ok {
				return nil, ErrClosed
			}
			if msg.payloadType != payloadDiagMessage || len(msg.payload) < 4 {
				continue
			}
			if binary.BigEndian.Uint16(msg.payload[0:2]) != d.cfg.TargetAddress {
				continue
			}
			return append([]byte(nil), msg.payload[4:]...), nil
		}
	}
}

func (d *DoIP) sendDiagnostic(request []byte) error {
	payload := make([]byte, 4+len(request))
	binary.BigEndian.PutUint16(payload[0:2], d.cfg.SourceAddress)
	binary.BigEndian.PutUint16(payload[2:4], d.cfg.TargetAddress)
	copy(payload[4:], request)
	return d.writeMessage(payloadDiagMessage, payload)
}

func (d *DoIP) writeMessage(payloadType uint16, payload []byte) error {
	d.mu.Lock()
	conn := d.conn
	connected := d.connected
	d.mu.Unlock()
	if !connected || conn == nil {
		return ErrClosed
	}
	return writeDoIPMessage(conn, payloadType, payload)
}

func (d *DoIP) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// Reconnect tears the connection down and redials with backoff.
func (d *DoIP) Reconnect(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.mu.Unlock()
	d.teardown()
	return d.connectWithRetry(ctx)
}

func (d *DoIP) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.teardown()
	return nil
}

func (d *DoIP) teardown() {
	d.mu.Lock()
	conn := d.conn
	d.conn = nil
	d.connected = false
	d.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// writeDoIPMessage frames and writes one DoIP message.
func writeDoIPMessage(w io.Writer, payloadType uint16, payload []byte) error {
	header := make([]byte, 8)
	header[0] = doipProtocolVersion
	header[1] = ^byte(doipProtocolVersion)
	binary.BigEndian.PutUint16(header[2:4], payloadType)
	binary.BigEndian.PutUint32(header[4:8], uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readDoIPMessage reads one framed DoIP message.
func readDoIPMessage(r io.Reader) (doipMessage, error) {
	header := make([]byte, 8)
	if _, err := io.ReadFull(r, header); err != nil {
		return doipMessage{}, err
	}
	if header[0] != doipProtocolVersion || header[1] != ^byte(doipProtocolVersion) {
		return doipMessage{}, fmt.Errorf("doip: bad protocol version %02X %02X", header[0], header[1])
	}
	payloadType := binary.BigEndian.Uint16(header[2:4])
	length := binary.BigEndian.Uint32(header[4:8])
	if length > 1<<24 {
		return doipMessage{}, fmt.Errorf("doip: implausible payload length %d", length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return doipMessage{}, err
	}
	return doipMessage{payloadType: payloadType, payload: payload}, nil
}
