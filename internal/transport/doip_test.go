package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"
)

// fakeGateway is a minimal in-process DoIP gateway: it accepts one
// connection, acks routing activation, and answers diagnostic messages
// through the handler.
type fakeGateway struct {
	listener net.Listener
	handler  func(request []byte) [][]byte // returns UDS payloads to send back
}

func newFakeGateway(t *testing.T, handler func([]byte) [][]byte) *fakeGateway {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	g := &fakeGateway{listener: l, handler: handler}
	go g.serve()
	t.Cleanup(func() { l.Close() })
	return g
}

func (g *fakeGateway) addr() (string, uint16) {
	addr := g.listener.Addr().(*net.TCPAddr)
	return "127.0.0.1", uint16(addr.Port)
}

func (g *fakeGateway) serve() {
	conn, err := g.listener.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	for {
		msg, err := readDoIPMessage(conn)
		if err != nil {
			return
		}
		switch msg.payloadType {
		case payloadRoutingActivation:
			tester := binary.BigEndian.Uint16(msg.payload[0:2])
			resp := make([]byte, 9)
			binary.BigEndian.PutUint16(resp[0:2], tester)
			binary.BigEndian.PutUint16(resp[2:4], 0x0010) // entity address
			resp[4] = activationSuccess
			writeDoIPMessage(conn, payloadRoutingResponse, resp)
		case payloadDiagMessage:
			source := binary.BigEndian.Uint16(msg.payload[0:2])
			target := binary.BigEndian.Uint16(msg.payload[2:4])
			uds := msg.payload[4:]
			for _, reply := range g.handler(uds) {
				out := make([]byte, 4+len(reply))
				binary.BigEndian.PutUint16(out[0:2], target)
				binary.BigEndian.PutUint16(out[2:4], source)
				copy(out[4:], reply)
				writeDoIPMessage(conn, payloadDiagMessage, out)
			}
		case payloadAliveCheckResp:
			// ignore
		}
	}
}

func doipConfigFor(g *fakeGateway) DoIPConfig {
	host, port := g.addr()
	return DoIPConfig{
		GatewayHost:   host,
		GatewayPort:   port,
		SourceAddress: 0x0E80,
		TargetAddress: 0x0010,
	}
}

func TestDoIPActivationAndExchange(t *testing.T) {
	g := newFakeGateway(t, func(request []byte) [][]byte {
		if bytes.Equal(request, []byte{0x22, 0xF4, 0x05}) {
			return [][]byte{{0x62, 0xF4, 0x05, 0x84}}
		}
		return [][]byte{{0x7F, request[0], 0x11}}
	})

	d, err := NewDoIP(context.Background(), doipConfigFor(g))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer d.Close()

	if !d.Connected() {
		t.Fatal("not connected after activation")
	}

	resp, err := d.SendReceive(context.Background(), []byte{0x22, 0xF4, 0x05}, time.Second)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !bytes.Equal(resp, []byte{0x62, 0xF4, 0x05, 0x84}) {
		t.Fatalf("response % X", resp)
	}
}

func TestDoIPNegativeResponsePassedThrough(t *testing.T) {
	// Response-pending handling belongs to the UDS layer: the transport
	// must hand 0x7F..0x78 up, not swallow it.
	g := newFakeGateway(t, func(request []byte) [][]byte {
		return [][]byte{{0x7F, request[0], 0x78}}
	})

	d, err := NewDoIP(context.Background(), doipConfigFor(g))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer d.Close()

	resp, err := d.SendReceive(context.Background(), []byte{0x31, 0x01, 0xFF, 0x00}, time.Second)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !bytes.Equal(resp, []byte{0x7F, 0x31, 0x78}) {
		t.Fatalf("response % X", resp)
	}
}

func TestDoIPFrameCodec(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte{0x0E, 0x80, 0x00, 0x10, 0x3E, 0x00}
	if err := writeDoIPMessage(&buf, payloadDiagMessage, payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	header := buf.Bytes()[:8]
	if header[0] != 0x02 || header[1] != 0xFD {
		t.Fatalf("version bytes % X", header[:2])
	}
	if binary.BigEndian.Uint16(header[2:4]) != payloadDiagMessage {
		t.Fatalf("payload type % X", header[2:4])
	}
	if binary.BigEndian.Uint32(header[4:8]) != uint32(len(payload)) {
		t.Fatalf("length % X", header[4:8])
	}

	msg, err := readDoIPMessage(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.payloadType != payloadDiagMessage || !bytes.Equal(msg.payload, payload) {
		t.Fatalf("round trip %v", msg)
	}

	// Corrupt inverse version byte is rejected.
	bad := []byte{0x02, 0x02, 0x80, 0x01, 0, 0, 0, 0}
	if _, err := readDoIPMessage(bytes.NewReader(bad)); err == nil {
		t.Fatal("expected version error")
	}
}
