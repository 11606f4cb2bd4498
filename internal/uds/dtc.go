package uds

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/sdv-playground/sovdd/internal/sovd"
)

// ReadDTCInformation (0x19) sub-functions.
const (
	DTCReportCountByStatusMask    = 0x01
	DTCReportByStatusMask         = 0x02
	DTCReportSnapshotByDTCNumber  = 0x04
	DTCReportExtendedByDTCNumber  = 0x06
)

// DTC status byte bits per ISO 14229-1.
const (
	DTCStatusTestFailed            = 0x01
	DTCStatusTestFailedThisCycle   = 0x02
	DTCStatusPending               = 0x04
	DTCStatusConfirmed             = 0x08
	DTCStatusTestNotCompletedClear = 0x10
	DTCStatusTestFailedSinceClear  = 0x20
	DTCStatusTestNotCompletedCycle = 0x40
	DTCStatusWarningIndicator      = 0x80

	// DTCStatusActiveMask selects currently active faults.
	DTCStatusActiveMask = DTCStatusTestFailed | DTCStatusConfirmed
)

// DTC group addresses for ClearDiagnosticInformation (0x14).
const (
	DTCGroupAll        = 0xFFFFFF
	DTCGroupPowertrain = 0x000000
	DTCGroupChassis    = 0x400000
	DTCGroupBody       = 0x800000
	DTCGroupNetwork    = 0xC00000
)

// DTC is a parsed 3-byte trouble code with its status byte.
type DTC struct {
	Number [3]byte
	Status byte
}

// NewDTC builds a DTC from its wire bytes.
func NewDTC(high, mid, low, status byte) DTC {
	return DTC{Number: [3]byte{high, mid, low}, Status: status}
}

// Category derives the code family from the top bits of the first byte.
func (d DTC) Category() string {
	switch (d.Number[0] >> 6) & 0x03 {
	case 0:
		return "powertrain"
	case 1:
		return "chassis"
	case 2:
		return "body"
	}
	return "network"
}

// CodeString renders the standard code (P0101, C0420, B1234, U0100).
func (d DTC) CodeString() string {
	var prefix byte
	switch (d.Number[0] >> 6) & 0x03 {
	case 0:
		prefix = 'P'
	case 1:
		prefix = 'C'
	case 2:
		prefix = 'B'
	default:
		prefix = 'U'
	}
	return fmt.Sprintf("%c%01X%01X%01X%01X",
		prefix,
		(d.Number[0]>>4)&0x03,
		d.Number[0]&0x0F,
		(d.Number[1]>>4)&0x0F,
		d.Number[1]&0x0F)
}

// ID is the hex form of the 3-byte number, used as the API fault id.
func (d DTC) ID() string {
	return fmt.Sprintf("%02X%02X%02X", d.Number[0], d.Number[1], d.Number[2])
}

// Active reports whether the fault currently fails and is confirmed.
func (d DTC) Active() bool {
	return d.Status&DTCStatusTestFailed != 0 && d.Status&DTCStatusConfirmed != 0
}

// ParseDTCID parses a 6-hex-digit fault id back into its 3 bytes.
func ParseDTCID(id string) ([3]byte, bool) {
	if len(id) != 6 {
		return [3]byte{}, false
	}
	b, err := hex.DecodeString(strings.ToLower(id))
	if err != nil || len(b) != 3 {
		return [3]byte{}, false
	}
	return [3]byte{b[0], b[1], b[2]}, true
}

// FaultStatus expands the raw status byte into the API representation.
func (d DTC) FaultStatus() sovd.FaultStatus {
	return sovd.FaultStatus{
		Raw:                   fmt.Sprintf("0x%02X", d.Status),
		TestFailed:            d.Status&DTCStatusTestFailed != 0,
		TestFailedThisCycle:   d.Status&DTCStatusTestFailedThisCycle != 0,
		Pending:               d.Status&DTCStatusPending != 0,
		Confirmed:             d.Status&DTCStatusConfirmed != 0,
		TestNotCompletedClear: d.Status&DTCStatusTestNotCompletedClear != 0,
		TestFailedSinceClear:  d.Status&DTCStatusTestFailedSinceClear != 0,
		TestNotCompletedCycle: d.Status&DTCStatusTestNotCompletedCycle != 0,
		WarningIndicator:      d.Status&DTCStatusWarningIndicator != 0,
	}
}

// DTCCount is the result of the count sub-function.
type DTCCount struct {
	StatusAvailabilityMask byte
	FormatIdentifier       byte
	Count                  uint16
}

// ReadDTCCount reads the number of DTCs matching a status mask (0x19 0x01).
func (c *Client) ReadDTCCount(ctx context.Context, statusMask byte) (DTCCount, error) {
	resp, err := c.Request(ctx, []byte{c.svc.ReadDTCInfo, DTCReportCountByStatusMask, statusMask})
	if err != nil {
		return DTCCount{}, err
	}
	if len(resp) < 6 || resp[1] != DTCReportCountByStatusMask {
		return DTCCount{}, sovd.Protocolf("DTC count: malformed response % X", resp)
	}
	return DTCCount{
		StatusAvailabilityMask: resp[2],
		FormatIdentifier:       resp[3],
		Count:                  binary.BigEndian.Uint16(resp[4:6]),
	}, nil
}

// ReadDTCByStatusMask lists DTCs matching a status mask (0x19 0x02) and
// returns the ECU's status availability mask alongside the codes.
func (c *Client) ReadDTCByStatusMask(ctx context.Context, statusMask byte) (byte, []DTC, error) {
	resp, err := c.Request(ctx, []byte{c.svc.ReadDTCInfo, DTCReportByStatusMask, statusMask})
	if err != nil {
		return 0, nil, err
	}
	if len(resp) < 3 || resp[1] != DTCReportByStatusMask {
		return 0, nil, sovd.Protocolf("DTC list: malformed response % X", resp)
	}
	mask := resp[2]
	records := resp[3:]
	dtcs := make([]DTC, 0, len(records)/4)
	for i := 0; i+4 <= len(records); i += 4 {
		dtcs = append(dtcs, NewDTC(records[i], records[i+1], records[i+2], records[i+3]))
	}
	return mask, dtcs, nil
}

// ReadDTCSnapshot reads a snapshot record for one DTC (0x19 0x04). The
// record content depends on OEM DID tables, so the payload is returned raw.
func (c *Client) ReadDTCSnapshot(ctx context.Context, number [3]byte, record byte) ([]byte, error) {
	resp, err := c.Request(ctx, []byte{
		c.svc.ReadDTCInfo, DTCReportSnapshotByDTCNumber,
		number[0], number[1], number[2], record,
	})
	if err != nil {
		return nil, err
	}
	if len(resp) < 6 || resp[1] != DTCReportSnapshotByDTCNumber {
		return nil, sovd.Protocolf("DTC snapshot: malformed response % X", resp)
	}
	return append([]byte(nil), resp[6:]...), nil
}

// ReadDTCExtendedData reads an extended data record for one DTC (0x19 0x06).
func (c *Client) ReadDTCExtendedData(ctx context.Context, number [3]byte, record byte) ([]byte, error) {
	resp, err := c.Request(ctx, []byte{
		c.svc.ReadDTCInfo, DTCReportExtendedByDTCNumber,
		number[0], number[1], number[2], record,
	})
	if err != nil {
		return nil, err
	}
	if len(resp) < 6 || resp[1] != DTCReportExtendedByDTCNumber {
		return nil, sovd.Protocolf("DTC extended data: malformed response % X", resp)
	}
	return append([]byte(nil), resp[6:]...), nil
}

// ClearDTC clears diagnostic information for a 3-byte group (0x14).
func (c *Client) ClearDTC(ctx context.Context, group uint32) error {
	_, err := c.Request(ctx, []byte{
		c.svc.ClearDiagnosticInfo,
		byte(group >> 16), byte(group >> 8), byte(group),
	})
	return err
}
