package ecu

import (
	"context"
	"encoding/hex"

	"github.com/sdv-playground/sovdd/internal/sovd"
	"github.com/sdv-playground/sovdd/internal/uds"
)

func (b *Backend) faultFromDTC(d uds.DTC) sovd.Fault {
	severity := "warning"
	switch {
	case d.Status&uds.DTCStatusWarningIndicator != 0:
		severity = "critical"
	case d.Status&uds.DTCStatusConfirmed != 0:
		severity = "error"
	}
	return sovd.Fault{
		ID:       d.ID(),
		Code:     d.CodeString(),
		Message:  d.CodeString() + " (" + d.Category() + ")",
		Severity: severity,
		Category: d.Category(),
		Active:   d.Active(),
		Status:   d.FaultStatus(),
		Href:     b.entity.Href + "/faults/" + d.ID(),
	}
}

// Faults lists DTCs filtered by status mask and category.
func (b *Backend) Faults(ctx context.Context, filter *sovd.FaultFilter) (*sovd.FaultsResult, error) {
	statusMask := byte(0xFF)
	if filter != nil && filter.StatusMask != 0 {
		statusMask = filter.StatusMask
	}

	availability, dtcs, err := b.client.ReadDTCByStatusMask(ctx, statusMask)
	if err != nil {
		return nil, err
	}

	faults := make([]sovd.Fault, 0, len(dtcs))
	for _, d := range dtcs {
		f := b.faultFromDTC(d)
		if filter != nil {
			if filter.Category != "" && f.Category != filter.Category {
				continue
			}
			if filter.ActiveOnly && !f.Active {
				continue
			}
		}
		faults = append(faults, f)
	}

	return &sovd.FaultsResult{
		Faults:                 faults,
		StatusAvailabilityMask: availability,
	}, nil
}

// FaultDetail returns one fault with its snapshot and extended data
// records. Missing records are not an error; ECUs frequently store neither.
func (b *Backend) FaultDetail(ctx context.Context, faultID string) (*sovd.FaultDetail, error) {
	number, ok := uds.ParseDTCID(faultID)
	if !ok {
		return nil, sovd.EntityNotFound("fault " + faultID)
	}

	result, err := b.Faults(ctx, nil)
	if err != nil {
		return nil, err
	}
	var fault *sovd.Fault
	for i := range result.Faults {
		if result.Faults[i].ID == faultID {
			fault = &result.Faults[i]
			break
		}
	}
	if fault == nil {
		return nil, sovd.EntityNotFound("fault " + faultID)
	}

	detail := &sovd.FaultDetail{Fault: *fault}
	if snapshot, err := b.client.ReadDTCSnapshot(ctx, number, 0x01); err == nil {
		detail.Snapshot = hex.EncodeToString(snapshot)
	}
	if extended, err := b.client.ReadDTCExtendedData(ctx, number, 0x01); err == nil {
		detail.Extended = hex.EncodeToString(extended)
	}
	return detail, nil
}

// ClearFaults clears a DTC group; zero means all.
func (b *Backend) ClearFaults(ctx context.Context, group uint32) (*sovd.ClearFaultsResult, error) {
	if group == 0 {
		group = uds.DTCGroupAll
	}

	// The cleared count is not reported by the ECU; count matching DTCs
	// first so the result is meaningful.
	cleared := 0
	if count, err := b.client.ReadDTCCount(ctx, 0xFF); err == nil {
		cleared = int(count.Count)
	}

	if err := b.client.ClearDTC(ctx, group); err != nil {
		return nil, err
	}
	return &sovd.ClearFaultsResult{
		Success: true,
		Cleared: cleared,
		Message: "cleared DTC group",
	}, nil
}
