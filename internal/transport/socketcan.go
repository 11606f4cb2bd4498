package transport

import (
	"context"
	"fmt"

	"go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"
)

// NewSocketCan opens an ISO-TP transport over a Linux SocketCAN interface.
func NewSocketCan(ctx context.Context, cfg IsoTpConfig) (Transport, error) {
	if cfg.Interface == "" {
		return nil, fmt.Errorf("isotp: missing CAN interface name")
	}
	conn, err := socketcan.DialContext(ctx, "can", cfg.Interface)
	if err != nil {
		return nil, fmt.Errorf("isotp: open %s: %w", cfg.Interface, err)
	}
	bus := &socketCanBus{
		conn:   conn,
		tx:     socketcan.NewTransmitter(conn),
		rx:     socketcan.NewReceiver(conn),
		frames: make(chan rawFrame, 64),
		done:   make(chan struct{}),
	}
	go bus.pump()
	return newIsoTp(cfg, bus), nil
}

type rawFrame struct {
	id   uint32
	data []byte
}

type socketCanBus struct {
	conn   interface{ Close() error }
	tx     *socketcan.Transmitter
	rx     *socketcan.Receiver
	frames chan rawFrame
	done   chan struct{}
}

// pump drains the socket into a buffered channel so reads never lose frames
// to caller-side cancellation. Oldest frames are dropped when the buffer
// fills; stale frames are harmless because the ISO-TP layer filters by id
// and frame type.
func (b *socketCanBus) pump() {
	defer close(b.done)
	for b.rx.Receive() {
		frame := b.rx.Frame()
		data := make([]byte, frame.Length)
		copy(data, frame.Data[:frame.Length])
		select {
		case b.frames <- rawFrame{id: frame.ID, data: data}:
		default:
			select {
			case <-b.frames:
			default:
			}
			b.frames <- rawFrame{id: frame.ID, data: data}
		}
	}
}

func (b *socketCanBus) WriteFrame(ctx context.Context, id uint32, extended bool, data []byte) error {
	var frame can.Frame
	frame.ID = id
	frame.IsExtended = extended
	frame.Length = uint8(len(data))
	copy(frame.Data[:], data)
	return b.tx.TransmitFrame(ctx, frame)
}

func (b *socketCanBus) ReadFrame(ctx context.Context) (uint32, []byte, error) {
	select {
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case <-b.done:
		return 0, nil, fmt.Errorf("socketcan receive: %w", b.rx.Err())
	case f := <-b.frames:
		return f.id, f.data, nil
	}
}

func (b *socketCanBus) Close() error {
	return b.conn.Close()
}
