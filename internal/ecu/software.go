package ecu

import (
	"context"
	"strings"

	"github.com/sdv-playground/sovdd/internal/sovd"
	"github.com/sdv-playground/sovdd/internal/uds"
)

// GetSoftwareInfo assembles the entity's software identity from the
// standard identification DIDs. Unsupported DIDs are simply skipped; most
// ECUs implement only a handful.
func (b *Backend) GetSoftwareInfo(ctx context.Context) (*sovd.SoftwareInfo, error) {
	details := make(map[string]string)
	for _, id := range uds.IdentificationDIDs {
		data, err := b.client.ReadDID(ctx, id.DID)
		if err != nil {
			continue
		}
		value := strings.TrimSpace(strings.TrimRight(string(data), "\x00"))
		if value != "" {
			details[id.Key] = value
		}
	}

	info := &sovd.SoftwareInfo{Details: details}
	if v, ok := details["sw_version"]; ok {
		info.Version = v
	} else {
		info.Version = "unknown"
	}
	if activation := b.engine.Activation(); activation.PreviousVersion != "" {
		info.PreviousVersion = activation.PreviousVersion
	}
	return info, nil
}
