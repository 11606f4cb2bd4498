package ecu

import (
	"context"
	"encoding/hex"

	"github.com/sdv-playground/sovdd/internal/conv"
	"github.com/sdv-playground/sovdd/internal/sovd"
)

// ListOutputs returns the configured I/O-controllable outputs.
func (b *Backend) ListOutputs(context.Context) ([]sovd.OutputInfo, error) {
	out := make([]sovd.OutputInfo, 0, len(b.cfg.Outputs))
	for _, o := range b.cfg.Outputs {
		out = append(out, b.outputInfo(o))
	}
	return out, nil
}

func (b *Backend) outputInfo(o OutputConfig) sovd.OutputInfo {
	info := sovd.OutputInfo{
		ID:               o.ID,
		Name:             o.Name,
		OutputID:         o.IOID,
		RequiresSecurity: o.SecurityLevel > 0,
		SecurityLevel:    o.SecurityLevel,
		Href:             b.entity.Href + "/outputs/" + o.ID,
	}
	if o.Definition != nil {
		info.DataType = string(o.Definition.EffectiveType())
		info.Unit = o.Definition.Unit
	}
	return info
}

func (b *Backend) findOutput(outputID string) (OutputConfig, uint16, error) {
	for _, o := range b.cfg.Outputs {
		if o.ID == outputID {
			ioid, err := conv.ParseDID(o.IOID)
			if err != nil {
				return OutputConfig{}, 0, sovd.Internalf("output %s has invalid IOID %q", o.ID, o.IOID)
			}
			return o, ioid, nil
		}
	}
	return OutputConfig{}, 0, sovd.OutputNotFound(outputID)
}

// GetOutput reads the output's current value with a plain 0x22 — a pure
// read. A 0x2F ReturnControlToECU would release active tester overrides,
// which is wrong for a read.
func (b *Backend) GetOutput(ctx context.Context, outputID string) (*sovd.OutputDetail, error) {
	o, ioid, err := b.findOutput(outputID)
	if err != nil {
		return nil, err
	}

	currentValue := o.DefaultValue
	if raw, err := b.client.ReadDID(ctx, ioid); err == nil {
		currentValue = hex.EncodeToString(raw)
	}
	if currentValue == "" {
		currentValue = "00"
	}
	defaultValue := o.DefaultValue
	if defaultValue == "" {
		defaultValue = "00"
	}

	detail := &sovd.OutputDetail{
		OutputInfo:   b.outputInfo(o),
		CurrentValue: currentValue,
		DefaultValue: defaultValue,
	}
	if o.Definition != nil {
		detail.Min = o.Definition.Min
		detail.Max = o.Definition.Max
		if raw, err := hex.DecodeString(currentValue); err == nil {
			if v, err := conv.Decode(o.Definition, raw); err == nil {
				detail.Value = v
			}
		}
		if raw, err := hex.DecodeString(defaultValue); err == nil {
			if v, err := conv.Decode(o.Definition, raw); err == nil {
				detail.Default = v
			}
		}
	}

	b.ioMu.Lock()
	switch b.ioStates[ioid] {
	case ioTesterControlled:
		detail.ControlledByTester = true
	case ioFrozen:
		detail.ControlledByTester = true
		detail.Frozen = true
	}
	b.ioMu.Unlock()

	return detail, nil
}

// ControlOutput issues an I/O control action. ShortTermAdjust encodes the
// provided value through the output's definition (or accepts raw hex).
func (b *Backend) ControlOutput(ctx context.Context, outputID string, action sovd.IoControlAction, value any) (*sovd.IoControlResult, error) {
	o, ioid, err := b.findOutput(outputID)
	if err != nil {
		return nil, err
	}
	if o.SecurityLevel > 0 && !b.sessions.Unlocked(o.SecurityLevel) {
		return nil, sovd.SecurityRequired(o.SecurityLevel)
	}

	option, ok := action.UdsOption()
	if !ok {
		return nil, sovd.InvalidRequestf("unknown I/O control action %q", action)
	}

	var state []byte
	if action == sovd.IoShortTermAdjust {
		if value == nil {
			return nil, sovd.InvalidRequestf("short_term_adjust needs a value")
		}
		if o.Definition != nil {
			state, err = conv.Encode(o.Definition, value)
		} else if s, isString := value.(string); isString {
			state, err = hex.DecodeString(s)
		} else {
			err = sovd.InvalidRequestf("output %s has no definition: send a hex string", outputID)
		}
		if err != nil {
			return nil, sovd.InvalidRequestf("output %s: %v", outputID, err)
		}
	}

	record, err := b.client.IoControl(ctx, ioid, option, state)
	result := &sovd.IoControlResult{
		OutputID: outputID,
		Action:   string(action),
	}
	if err != nil {
		result.Error = err.Error()
		return result, nil
	}

	var ioState ioControlState
	switch action {
	case sovd.IoReturnToEcu:
		ioState = ioEcuControlled
	case sovd.IoResetToDefault:
		ioState = ioDefaultReset
	case sovd.IoFreeze:
		ioState = ioFrozen
	case sovd.IoShortTermAdjust:
		ioState = ioTesterControlled
	}
	b.ioMu.Lock()
	b.ioStates[ioid] = ioState
	b.ioMu.Unlock()

	result.Success = true
	result.ControlledByTester = ioState == ioTesterControlled || ioState == ioFrozen
	result.Frozen = ioState == ioFrozen
	if len(record) > 0 {
		result.NewValue = hex.EncodeToString(record)
		if o.Definition != nil {
			if v, err := conv.Decode(o.Definition, record); err == nil {
				result.Value = v
			}
		}
	}
	return result, nil
}
