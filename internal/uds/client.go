package uds

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sdv-playground/sovdd/internal/sovd"
	"github.com/sdv-playground/sovdd/internal/transport"
)

const (
	// DefaultP2 is the normal response budget per ISO 14229.
	DefaultP2 = 50 * time.Millisecond
	// DefaultP2Star is the extended budget after a response-pending frame.
	DefaultP2Star = 5 * time.Second
	// defaultGateDepth bounds how many callers may queue on the request
	// gate before new requests fail Busy.
	defaultGateDepth = 8
	// responsePendingBudget bounds the total time spent following a chain
	// of 0x78 frames.
	responsePendingBudget = 30 * time.Second
)

// Client is the UDS service layer for a single ECU. All requests are
// serialised through the in-flight request gate: the transport is
// half-duplex from the tester's point of view.
type Client struct {
	tr  transport.Transport
	svc ServiceIDs

	P2     time.Duration
	P2Star time.Duration

	gate      chan struct{}
	gateDepth int32
	waiters   atomic.Int32
}

// NewClient creates a service layer over a transport using the standard
// service identifiers.
func NewClient(tr transport.Transport) *Client {
	return NewClientWithServiceIDs(tr, DefaultServiceIDs())
}

// NewClientWithServiceIDs creates a service layer with an OEM-resolved
// service table.
func NewClientWithServiceIDs(tr transport.Transport, svc ServiceIDs) *Client {
	return &Client{
		tr:        tr,
		svc:       svc,
		P2:        DefaultP2,
		P2Star:    DefaultP2Star,
		gate:      make(chan struct{}, 1),
		gateDepth: defaultGateDepth,
	}
}

// ServiceIDs returns the resolved service table.
func (c *Client) ServiceIDs() ServiceIDs { return c.svc }

// Transport returns the underlying transport.
func (c *Client) Transport() transport.Transport { return c.tr }

// acquireGate claims the in-flight request slot. Callers beyond the queue
// depth fail fast with Busy instead of piling up.
func (c *Client) acquireGate(ctx context.Context) error {
	if c.waiters.Add(1) > c.gateDepth+1 {
		c.waiters.Add(-1)
		return sovd.Busyf("request gate queue full")
	}
	select {
	case c.gate <- struct{}{}:
		return nil
	case <-ctx.Done():
		c.waiters.Add(-1)
		return sovd.Timeout("waiting for request gate")
	}
}

func (c *Client) releaseGate() {
	<-c.gate
	c.waiters.Add(-1)
}

// Request sends one UDS request and returns the positive response bytes
// (including the response SID). Negative responses become structured
// errors; response-pending frames are absorbed with the extended P2*
// budget; stale frames left over from earlier exchanges are drained rather
// than mismatched.
func (c *Client) Request(ctx context.Context, request []byte) ([]byte, error) {
	if len(request) == 0 {
		return nil, sovd.Internalf("empty UDS request")
	}
	if err := c.acquireGate(ctx); err != nil {
		return nil, err
	}
	defer c.releaseGate()
	return c.exchange(ctx, request)
}

func (c *Client) exchange(ctx context.Context, request []byte) ([]byte, error) {
	sid := request[0]
	expected := sid + positiveResponseOffset
	start := time.Now()

	resp, err := c.tr.SendReceive(ctx, request, c.P2)
	for {
		if err != nil {
			return nil, c.transportError(err)
		}
		if len(resp) == 0 {
			return nil, sovd.Protocolf("empty response to SID 0x%02X", sid)
		}

		if resp[0] == c.svc.NegativeResponse {
			if len(resp) < 3 {
				return nil, sovd.Protocolf("negative response too short: % X", resp)
			}
			if resp[1] != sid {
				// Late response to an earlier request; drain it.
				log.Debugf("[uds] draining stale negative response for SID 0x%02X", resp[1])
				resp, err = c.tr.Receive(ctx, c.P2)
				continue
			}
			nrc := resp[2]
			if nrc == NRCResponsePending {
				if time.Since(start) > responsePendingBudget {
					return nil, sovd.Timeout(fmt.Sprintf("response pending beyond budget for SID 0x%02X", sid))
				}
				resp, err = c.tr.Receive(ctx, c.P2Star)
				continue
			}
			log.Warnf("[uds] negative response: SID 0x%02X NRC 0x%02X (%s)", sid, nrc, NRCName(nrc))
			return nil, c.nrcError(sid, nrc)
		}

		if resp[0] != expected {
			// Positive response to some earlier request; drain it.
			log.Debugf("[uds] draining stale response 0x%02X, expecting 0x%02X", resp[0], expected)
			resp, err = c.tr.Receive(ctx, c.P2)
			continue
		}
		return resp, nil
	}
}

// fireAndForget transmits without awaiting a response (suppressed tester
// present). It still claims the request gate so the frame cannot interleave
// with another exchange.
func (c *Client) fireAndForget(ctx context.Context, request []byte) error {
	if err := c.acquireGate(ctx); err != nil {
		return err
	}
	defer c.releaseGate()
	if err := c.tr.Send(ctx, request); err != nil {
		return c.transportError(err)
	}
	return nil
}

func (c *Client) transportError(err error) error {
	if errors.Is(err, transport.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return sovd.Timeout("no response from ECU")
	}
	log.Errorf("[uds] transport failure: %v", err)
	return sovd.TransportErr(err)
}

func (c *Client) nrcError(sid, nrc byte) error {
	switch {
	case SessionDropNRC(nrc):
		return sovd.SessionRequired("", nrc, sid)
	case nrc == NRCSecurityAccessDenied:
		return sovd.SecurityRequired(0)
	}
	return sovd.EcuError(nrc, sid, NRCName(nrc))
}

// =========================================================================
// Session and reset services
// =========================================================================

// SessionTiming is the server timing echoed by a session control response.
type SessionTiming struct {
	P2     uint16 // milliseconds
	P2Star uint32 // milliseconds
}

// SessionControl switches the diagnostic session (0x10) and returns the
// echoed timing parameters.
func (c *Client) SessionControl(ctx context.Context, session byte) (SessionTiming, error) {
	resp, err := c.Request(ctx, []byte{c.svc.DiagnosticSessionControl, session})
	if err != nil {
		return SessionTiming{}, err
	}
	if len(resp) < 2 || resp[1] != session {
		return SessionTiming{}, sovd.Protocolf("session control echo mismatch: % X", resp)
	}
	var timing SessionTiming
	if len(resp) >= 6 {
		timing.P2 = binary.BigEndian.Uint16(resp[2:4])
		// P2* is carried in 10 ms resolution.
		timing.P2Star = uint32(binary.BigEndian.Uint16(resp[4:6])) * 10
	}
	return timing, nil
}

// EcuReset requests an ECU reset (0x11). The ECU may reboot before
// answering, so a timeout or transport failure counts as success. Returns
// the optional power-down time.
func (c *Client) EcuReset(ctx context.Context, resetType byte) (powerDownTime byte, err error) {
	resp, err := c.Request(ctx, []byte{c.svc.EcuReset, resetType})
	if err != nil {
		kind := sovd.ErrKind(err)
		if kind == sovd.KindTimeout || kind == sovd.KindTransport {
			log.Infof("[uds] no reset response, ECU likely rebooting")
			return 0, nil
		}
		return 0, err
	}
	if len(resp) >= 3 {
		return resp[2], nil
	}
	return 0, nil
}

// TesterPresent sends the keepalive heartbeat (0x3E). With suppress set the
// positive response is suppressed and nothing is awaited.
func (c *Client) TesterPresent(ctx context.Context, suppress bool) error {
	if suppress {
		return c.fireAndForget(ctx, []byte{c.svc.TesterPresent, 0x80})
	}
	_, err := c.Request(ctx, []byte{c.svc.TesterPresent, 0x00})
	return err
}

// =========================================================================
// Data services
// =========================================================================

// ReadDID reads one data identifier (0x22) and returns the data bytes with
// the echo validated and stripped.
func (c *Client) ReadDID(ctx context.Context, did uint16) ([]byte, error) {
	req := []byte{c.svc.ReadDataByID, byte(did >> 8), byte(did)}
	resp, err := c.Request(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp) < 3 {
		return nil, sovd.Protocolf("read DID 0x%04X: response too short", did)
	}
	if binary.BigEndian.Uint16(resp[1:3]) != did {
		return nil, sovd.Protocolf("read DID 0x%04X: echo mismatch % X", did, resp[1:3])
	}
	return append([]byte(nil), resp[3:]...), nil
}

// WriteDID writes one data identifier (0x2E).
func (c *Client) WriteDID(ctx context.Context, did uint16, data []byte) error {
	req := make([]byte, 3+len(data))
	req[0] = c.svc.WriteDataByID
	binary.BigEndian.PutUint16(req[1:3], did)
	copy(req[3:], data)

	resp, err := c.Request(ctx, req)
	if err != nil {
		return err
	}
	if len(resp) < 3 || binary.BigEndian.Uint16(resp[1:3]) != did {
		return sovd.Protocolf("write DID 0x%04X: echo mismatch % X", did, resp)
	}
	return nil
}

// DefineDataIdentifier composes a dynamically defined identifier from
// source DID slices (0x2C sub-function defineByIdentifier).
func (c *Client) DefineDataIdentifier(ctx context.Context, ddid uint16, sources []sovd.DDIDSource) error {
	req := make([]byte, 0, 4+4*len(sources))
	req = append(req, c.svc.DynamicallyDefineDataID, DDIDDefineByIdentifier,
		byte(ddid>>8), byte(ddid))
	for _, s := range sources {
		req = append(req, byte(s.SourceDID>>8), byte(s.SourceDID), s.Position, s.Size)
	}
	_, err := c.Request(ctx, req)
	return err
}

// ClearDataIdentifier clears a dynamically defined identifier (0x2C
// sub-function clear).
func (c *Client) ClearDataIdentifier(ctx context.Context, ddid uint16) error {
	_, err := c.Request(ctx, []byte{
		c.svc.DynamicallyDefineDataID, DDIDClear, byte(ddid >> 8), byte(ddid),
	})
	return err
}

// =========================================================================
// Security access
// =========================================================================

// SecurityRequestSeed requests the seed for a security level (0x27, odd
// sub-function). The raw seed is returned untouched; a zero seed is the
// caller's signal that the level is already unlocked on some ECUs and an
// error on others, so interpretation stays out of the service layer.
func (c *Client) SecurityRequestSeed(ctx context.Context, level uint8) ([]byte, error) {
	sub := level*2 - 1
	resp, err := c.Request(ctx, []byte{c.svc.SecurityAccess, sub})
	if err != nil {
		return nil, err
	}
	if len(resp) < 2 || resp[1] != sub {
		return nil, sovd.Protocolf("security access: sub-function echo mismatch % X", resp)
	}
	return append([]byte(nil), resp[2:]...), nil
}

// SecuritySendKey sends the derived key (0x27, even sub-function).
func (c *Client) SecuritySendKey(ctx context.Context, level uint8, key []byte) error {
	sub := level * 2
	req := append([]byte{c.svc.SecurityAccess, sub}, key...)
	resp, err := c.Request(ctx, req)
	if err != nil {
		return err
	}
	if len(resp) < 2 || resp[1] != sub {
		return sovd.Protocolf("security access: sub-function echo mismatch % X", resp)
	}
	return nil
}

// =========================================================================
// Routine control
// =========================================================================

func (c *Client) routineControl(ctx context.Context, sub byte, rid uint16, params []byte) ([]byte, error) {
	req := make([]byte, 4+len(params))
	req[0] = c.svc.RoutineControl
	req[1] = sub
	binary.BigEndian.PutUint16(req[2:4], rid)
	copy(req[4:], params)

	resp, err := c.Request(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp) < 4 {
		return nil, sovd.Protocolf("routine 0x%04X: response too short", rid)
	}
	if resp[1] != sub || binary.BigEndian.Uint16(resp[2:4]) != rid {
		return nil, sovd.Protocolf("routine 0x%04X: echo mismatch % X", rid, resp[1:4])
	}
	return append([]byte(nil), resp[4:]...), nil
}

// RoutineStart starts a routine (0x31 0x01) and returns the status record.
func (c *Client) RoutineStart(ctx context.Context, rid uint16, params []byte) ([]byte, error) {
	return c.routineControl(ctx, RoutineStart, rid, params)
}

// RoutineStop stops a routine (0x31 0x02).
func (c *Client) RoutineStop(ctx context.Context, rid uint16) ([]byte, error) {
	return c.routineControl(ctx, RoutineStop, rid, nil)
}

// RoutineResult requests routine results (0x31 0x03).
func (c *Client) RoutineResult(ctx context.Context, rid uint16) ([]byte, error) {
	return c.routineControl(ctx, RoutineRequestResult, rid, nil)
}

// =========================================================================
// I/O control
// =========================================================================

// IoControl issues an InputOutputControlByIdentifier request (0x2F) and
// returns the controlStatusRecord.
func (c *Client) IoControl(ctx context.Context, ioid uint16, option byte, state []byte) ([]byte, error) {
	req := make([]byte, 4+len(state))
	req[0] = c.svc.IoControlByID
	binary.BigEndian.PutUint16(req[1:3], ioid)
	req[3] = option
	copy(req[4:], state)

	resp, err := c.Request(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp) < 4 {
		return nil, sovd.Protocolf("io control 0x%04X: response too short", ioid)
	}
	if binary.BigEndian.Uint16(resp[1:3]) != ioid {
		return nil, sovd.Protocolf("io control 0x%04X: echo mismatch % X", ioid, resp[1:3])
	}
	return append([]byte(nil), resp[4:]...), nil
}

// =========================================================================
// Link control
// =========================================================================

// LinkControlVerifyFixed verifies a fixed baud rate identifier (0x87 0x01).
func (c *Client) LinkControlVerifyFixed(ctx context.Context, baudID byte) error {
	_, err := c.Request(ctx, []byte{c.svc.LinkControl, LinkVerifyFixed, baudID})
	return err
}

// LinkControlVerifySpecific verifies an explicit baud rate (0x87 0x02); the
// rate is carried as a 24-bit value.
func (c *Client) LinkControlVerifySpecific(ctx context.Context, baud uint32) error {
	_, err := c.Request(ctx, []byte{
		c.svc.LinkControl, LinkVerifySpecific,
		byte(baud >> 16), byte(baud >> 8), byte(baud),
	})
	return err
}

// LinkControlTransition transitions to the verified baud rate (0x87 0x03).
func (c *Client) LinkControlTransition(ctx context.Context) error {
	_, err := c.Request(ctx, []byte{c.svc.LinkControl, LinkTransition})
	return err
}

// =========================================================================
// Transfer services
// =========================================================================

// RequestDownload initiates a download (0x34) with the configured address
// and length format, and returns the maxNumberOfBlockLength the ECU grants.
func (c *Client) RequestDownload(ctx context.Context, dataFormat byte, address, size []byte) (uint32, error) {
	if len(address) == 0 || len(address) > 8 || len(size) == 0 || len(size) > 8 {
		return 0, sovd.InvalidRequestf("request download: address/size must be 1..8 bytes")
	}
	alfid := byte(len(size)<<4 | len(address))
	req := make([]byte, 0, 3+len(address)+len(size))
	req = append(req, c.svc.RequestDownload, dataFormat, alfid)
	req = append(req, address...)
	req = append(req, size...)

	resp, err := c.Request(ctx, req)
	if err != nil {
		return 0, err
	}
	return parseMaxBlockLength(resp)
}

// RequestUpload initiates an upload (0x35), the read-back mirror of
// RequestDownload.
func (c *Client) RequestUpload(ctx context.Context, dataFormat byte, address, size []byte) (uint32, error) {
	if len(address) == 0 || len(address) > 8 || len(size) == 0 || len(size) > 8 {
		return 0, sovd.InvalidRequestf("request upload: address/size must be 1..8 bytes")
	}
	alfid := byte(len(size)<<4 | len(address))
	req := make([]byte, 0, 3+len(address)+len(size))
	req = append(req, c.svc.RequestUpload, dataFormat, alfid)
	req = append(req, address...)
	req = append(req, size...)

	resp, err := c.Request(ctx, req)
	if err != nil {
		return 0, err
	}
	return parseMaxBlockLength(resp)
}

func parseMaxBlockLength(resp []byte) (uint32, error) {
	if len(resp) < 2 {
		return 0, sovd.Protocolf("transfer setup: response too short")
	}
	n := int(resp[1] >> 4)
	if n == 0 || len(resp) < 2+n {
		return 0, sovd.Protocolf("transfer setup: missing maxNumberOfBlockLength")
	}
	var maxLen uint32
	for i := 0; i < n; i++ {
		maxLen = maxLen<<8 | uint32(resp[2+i])
	}
	if maxLen == 0 {
		return 0, sovd.Protocolf("transfer setup: zero maxNumberOfBlockLength")
	}
	return maxLen, nil
}

// TransferData sends one download block (0x36) and validates the echoed
// block counter.
func (c *Client) TransferData(ctx context.Context, blockCounter byte, data []byte) error {
	req := make([]byte, 2+len(data))
	req[0] = c.svc.TransferData
	req[1] = blockCounter
	copy(req[2:], data)

	resp, err := c.Request(ctx, req)
	if err != nil {
		return err
	}
	if len(resp) < 2 {
		return sovd.Protocolf("transfer data: response too short")
	}
	if resp[1] != blockCounter {
		return sovd.Protocolf("transfer data: block counter echo 0x%02X, want 0x%02X", resp[1], blockCounter)
	}
	return nil
}

// TransferDataUpload requests one upload block (0x36) and returns its data.
func (c *Client) TransferDataUpload(ctx context.Context, blockCounter byte) ([]byte, error) {
	resp, err := c.Request(ctx, []byte{c.svc.TransferData, blockCounter})
	if err != nil {
		return nil, err
	}
	if len(resp) < 2 {
		return nil, sovd.Protocolf("transfer data: response too short")
	}
	if resp[1] != blockCounter {
		return nil, sovd.Protocolf("transfer data: block counter echo 0x%02X, want 0x%02X", resp[1], blockCounter)
	}
	return append([]byte(nil), resp[2:]...), nil
}

// RequestTransferExit completes a transfer (0x37).
func (c *Client) RequestTransferExit(ctx context.Context, params []byte) ([]byte, error) {
	req := append([]byte{c.svc.RequestTransferExit}, params...)
	resp, err := c.Request(ctx, req)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), resp[1:]...), nil
}
