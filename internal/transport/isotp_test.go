package transport

import (
	"bytes"
	"context"
	"testing"
	"time"
)

// fakeBus scripts a CAN exchange: written frames are recorded, reads are
// served from a queue. A hook can enqueue responses when a frame is written.
type fakeBus struct {
	written [][]byte
	reads   chan rawFrame
	onWrite func(id uint32, data []byte)
}

func newFakeBus() *fakeBus {
	return &fakeBus{reads: make(chan rawFrame, 32)}
}

func (b *fakeBus) WriteFrame(_ context.Context, id uint32, _ bool, data []byte) error {
	b.written = append(b.written, append([]byte(nil), data...))
	if b.onWrite != nil {
		b.onWrite(id, data)
	}
	return nil
}

func (b *fakeBus) ReadFrame(ctx context.Context) (uint32, []byte, error) {
	select {
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case f := <-b.reads:
		return f.id, f.data, nil
	}
}

func (b *fakeBus) Close() error { return nil }

func (b *fakeBus) push(id uint32, data []byte) {
	b.reads <- rawFrame{id: id, data: data}
}

func testConfig() IsoTpConfig {
	return IsoTpConfig{TxID: 0x7E0, RxID: 0x7E8, Padding: 0xCC}
}

func TestIsoTpSingleFrameExchange(t *testing.T) {
	bus := newFakeBus()
	tp := newIsoTp(testConfig(), bus)

	bus.onWrite = func(_ uint32, _ []byte) {
		// Single-frame response: 0x62 F4 05 84.
		bus.push(0x7E8, []byte{0x04, 0x62, 0xF4, 0x05, 0x84, 0xCC, 0xCC, 0xCC})
	}

	resp, err := tp.SendReceive(context.Background(), []byte{0x22, 0xF4, 0x05}, time.Second)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !bytes.Equal(resp, []byte{0x62, 0xF4, 0x05, 0x84}) {
		t.Fatalf("response % X", resp)
	}

	want := []byte{0x03, 0x22, 0xF4, 0x05, 0xCC, 0xCC, 0xCC, 0xCC}
	if !bytes.Equal(bus.written[0], want) {
		t.Fatalf("request frame % X, want % X", bus.written[0], want)
	}
}

func TestIsoTpSegmentedTransmit(t *testing.T) {
	bus := newFakeBus()
	tp := newIsoTp(testConfig(), bus)

	payload := make([]byte, 20)
	for i := range payload {
		payload[i] = byte(i)
	}

	firstSeen := false
	bus.onWrite = func(_ uint32, data []byte) {
		if data[0]>>4 == frameFirst && !firstSeen {
			firstSeen = true
			// Flow control: continue, BS=0, STmin=0.
			bus.push(0x7E8, []byte{0x30, 0x00, 0x00, 0xCC, 0xCC, 0xCC, 0xCC, 0xCC})
		}
		if data[0]>>4 == frameConsecutive && data[0]&0x0F == 2 {
			// Ack after the last consecutive frame.
			bus.push(0x7E8, []byte{0x02, 0x76, 0x01, 0xCC, 0xCC, 0xCC, 0xCC, 0xCC})
		}
	}

	resp, err := tp.SendReceive(context.Background(), payload, time.Second)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !bytes.Equal(resp, []byte{0x76, 0x01}) {
		t.Fatalf("response % X", resp)
	}

	// First frame + 2 consecutive frames.
	if len(bus.written) != 3 {
		t.Fatalf("wrote %d frames, want 3", len(bus.written))
	}
	ff := bus.written[0]
	if ff[0] != 0x10 || ff[1] != 20 {
		t.Fatalf("first frame % X", ff)
	}
	if !bytes.Equal(ff[2:8], payload[:6]) {
		t.Fatalf("first frame data % X", ff[2:8])
	}
	cf1 := bus.written[1]
	if cf1[0] != 0x21 || !bytes.Equal(cf1[1:8], payload[6:13]) {
		t.Fatalf("cf1 % X", cf1)
	}
	cf2 := bus.written[2]
	if cf2[0] != 0x22 || !bytes.Equal(cf2[1:8], payload[13:20]) {
		t.Fatalf("cf2 % X", cf2)
	}
}

func TestIsoTpSegmentedReceive(t *testing.T) {
	bus := newFakeBus()
	tp := newIsoTp(testConfig(), bus)

	// 12-byte response split into FF + CF.
	full := []byte{0x62, 0xF1, 0x90, 'V', 'I', 'N', '0', '1', '2', '3', '4', '5'}
	bus.onWrite = func(_ uint32, data []byte) {
		switch {
		case data[0]>>4 == frameSingle:
			bus.push(0x7E8, append([]byte{0x10, byte(len(full))}, full[:6]...))
		case data[0]>>4 == frameFlowControl:
			bus.push(0x7E8, append([]byte{0x21}, full[6:12]...))
		}
	}

	resp, err := tp.SendReceive(context.Background(), []byte{0x22, 0xF1, 0x90}, time.Second)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !bytes.Equal(resp, full) {
		t.Fatalf("response % X, want % X", resp, full)
	}
}

func TestIsoTpSequenceError(t *testing.T) {
	bus := newFakeBus()
	tp := newIsoTp(testConfig(), bus)

	full := make([]byte, 14)
	bus.onWrite = func(_ uint32, data []byte) {
		switch {
		case data[0]>>4 == frameSingle:
			bus.push(0x7E8, append([]byte{0x10, byte(len(full))}, full[:6]...))
		case data[0]>>4 == frameFlowControl:
			// Wrong sequence number: 2 instead of 1.
			bus.push(0x7E8, append([]byte{0x22}, full[6:13]...))
		}
	}

	_, err := tp.SendReceive(context.Background(), []byte{0x22, 0xF1, 0x90}, time.Second)
	if err == nil {
		t.Fatal("expected sequence error")
	}
}

func TestIsoTpIgnoresForeignIDs(t *testing.T) {
	bus := newFakeBus()
	tp := newIsoTp(testConfig(), bus)

	bus.onWrite = func(_ uint32, _ []byte) {
		bus.push(0x123, []byte{0x02, 0xAA, 0xBB}) // unrelated traffic
		bus.push(0x7E8, []byte{0x02, 0x50, 0x03, 0xCC, 0xCC, 0xCC, 0xCC, 0xCC})
	}

	resp, err := tp.SendReceive(context.Background(), []byte{0x10, 0x03}, time.Second)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !bytes.Equal(resp, []byte{0x50, 0x03}) {
		t.Fatalf("response % X", resp)
	}
}

func TestIsoTpTimeout(t *testing.T) {
	bus := newFakeBus()
	tp := newIsoTp(testConfig(), bus)

	_, err := tp.SendReceive(context.Background(), []byte{0x3E, 0x00}, 30*time.Millisecond)
	if err != ErrTimeout {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestStMinCodec(t *testing.T) {
	cases := []struct {
		b    byte
		want time.Duration
	}{
		{0x00, 0},
		{0x05, 5 * time.Millisecond},
		{0x7F, 127 * time.Millisecond},
		{0xF1, 100 * time.Microsecond},
		{0xF9, 900 * time.Microsecond},
		{0x80, 0}, // reserved
	}
	for _, tc := range cases {
		if got := decodeStMin(tc.b); got != tc.want {
			t.Errorf("decodeStMin(0x%02X) = %v, want %v", tc.b, got, tc.want)
		}
	}

	if encodeStMin(0) != 0 {
		t.Error("encodeStMin(0)")
	}
	if encodeStMin(500) != 0xF5 {
		t.Errorf("encodeStMin(500) = 0x%02X", encodeStMin(500))
	}
	if encodeStMin(5000) != 0x05 {
		t.Errorf("encodeStMin(5000) = 0x%02X", encodeStMin(5000))
	}
}
