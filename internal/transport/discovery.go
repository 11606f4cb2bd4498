package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"time"
)

// VehicleAnnouncement is a DoIP vehicle identification response received
// during UDP discovery.
type VehicleAnnouncement struct {
	VIN            string
	LogicalAddress uint16
	EID            [6]byte
	GID            [6]byte
	Source         net.Addr
}

// DiscoverVehicles broadcasts a DoIP vehicle identification request on the
// given UDP port and collects announcements until the context expires.
func DiscoverVehicles(ctx context.Context, port uint16, wait time.Duration) ([]VehicleAnnouncement, error) {
	if port == 0 {
		port = defaultDoIPPort
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("doip discovery: %w", err)
	}
	defer conn.Close()

	header := make([]byte, 8)
	header[0] = doipProtocolVersion
	header[1] = ^byte(doipProtocolVersion)
	binary.BigEndian.PutUint16(header[2:4], payloadVehicleIdentReq)

	broadcast := &net.UDPAddr{IP: net.IPv4bcast, Port: int(port)}
	if _, err := conn.WriteToUDP(header, broadcast); err != nil {
		return nil, fmt.Errorf("doip discovery: send: %w", err)
	}

	deadline := time.Now().Add(wait)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	conn.SetReadDeadline(deadline)

	var announcements []VehicleAnnouncement
	buf := make([]byte, 1500)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			// Deadline expiry ends collection.
			return announcements, nil
		}
		if n < 8 {
			continue
		}
		if binary.BigEndian.Uint16(buf[2:4]) != payloadVehicleAnnounce {
			continue
		}
		payload := buf[8:n]
		if len(payload) < 32 {
			continue
		}
		var a VehicleAnnouncement
		a.VIN = strings.TrimRight(string(payload[0:17]), "\x00 ")
		a.LogicalAddress = binary.BigEndian.Uint16(payload[17:19])
		copy(a.EID[:], payload[19:25])
		copy(a.GID[:], payload[25:31])
		a.Source = addr
		announcements = append(announcements, a)
	}
}
