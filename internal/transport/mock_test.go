package transport

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestMockExactAndPrefixMatch(t *testing.T) {
	m := NewMock(MockConfig{})
	m.On([]byte{0x22, 0xF4, 0x05}, []byte{0x62, 0xF4, 0x05, 0x84})
	m.On([]byte{0x19}, []byte{0x59, 0x02, 0xFF})

	resp, err := m.SendReceive(context.Background(), []byte{0x22, 0xF4, 0x05}, time.Second)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !bytes.Equal(resp, []byte{0x62, 0xF4, 0x05, 0x84}) {
		t.Fatalf("exact match response % X", resp)
	}

	resp, err = m.SendReceive(context.Background(), []byte{0x19, 0x02, 0xFF}, time.Second)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp[0] != 0x59 {
		t.Fatalf("prefix match response % X", resp)
	}
}

func TestMockQueueTakesPriority(t *testing.T) {
	m := NewMock(MockConfig{})
	m.On([]byte{0x27}, []byte{0x67, 0x01})
	m.Queue([]byte{0x7F, 0x27, 0x78}, []byte{0x67, 0x01, 0xAA, 0xBB})

	resp, _ := m.SendReceive(context.Background(), []byte{0x27, 0x01}, time.Second)
	if !bytes.Equal(resp, []byte{0x7F, 0x27, 0x78}) {
		t.Fatalf("first queued response % X", resp)
	}
	resp, _ = m.SendReceive(context.Background(), []byte{0x27, 0x01}, time.Second)
	if !bytes.Equal(resp, []byte{0x67, 0x01, 0xAA, 0xBB}) {
		t.Fatalf("second queued response % X", resp)
	}
	// Queue drained: falls back to the table.
	resp, _ = m.SendReceive(context.Background(), []byte{0x27, 0x01}, time.Second)
	if !bytes.Equal(resp, []byte{0x67, 0x01}) {
		t.Fatalf("table response % X", resp)
	}
}

func TestMockDisconnected(t *testing.T) {
	m := NewMock(MockConfig{})
	m.SetConnected(false)

	if _, err := m.SendReceive(context.Background(), []byte{0x3E, 0x00}, time.Second); err != ErrClosed {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
	if err := m.Reconnect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if !m.Connected() {
		t.Fatal("not connected after reconnect")
	}
}

func TestMockRecordsRequests(t *testing.T) {
	m := NewMock(MockConfig{})
	m.Send(context.Background(), []byte{0x3E, 0x80})
	m.SendReceive(context.Background(), []byte{0x10, 0x03}, time.Second)

	reqs := m.Requests()
	if len(reqs) != 2 {
		t.Fatalf("recorded %d requests", len(reqs))
	}
	if !bytes.Equal(reqs[0], []byte{0x3E, 0x80}) {
		t.Fatalf("first request % X", reqs[0])
	}
}

func TestSlcanFrameCodec(t *testing.T) {
	id, data, ok := parseSlcanFrame("t7E8462F40584")
	if !ok || id != 0x7E8 {
		t.Fatalf("parse standard: %v %X", ok, id)
	}
	if !bytes.Equal(data, []byte{0x62, 0xF4, 0x05, 0x84}) {
		t.Fatalf("data % X", data)
	}

	id, data, ok = parseSlcanFrame("T18DB33F123E00")
	if !ok || id != 0x18DB33F1 {
		t.Fatalf("parse extended: %v %X", ok, id)
	}
	if !bytes.Equal(data, []byte{0x3E, 0x00}) {
		t.Fatalf("data % X", data)
	}

	if _, _, ok := parseSlcanFrame("garbage"); ok {
		t.Fatal("parsed garbage")
	}

	line := formatSlcanFrame(0x7E0, false, []byte{0x02, 0x10, 0x03})
	if line != "t7E03021003" {
		t.Fatalf("formatted %q", line)
	}
}
