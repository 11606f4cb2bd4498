package ecu

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	log "github.com/sirupsen/logrus"

	"github.com/sdv-playground/sovdd/internal/conv"
	"github.com/sdv-playground/sovdd/internal/flash"
	"github.com/sdv-playground/sovdd/internal/security"
	"github.com/sdv-playground/sovdd/internal/session"
	"github.com/sdv-playground/sovdd/internal/sovd"
	"github.com/sdv-playground/sovdd/internal/subscription"
	"github.com/sdv-playground/sovdd/internal/transport"
	"github.com/sdv-playground/sovdd/internal/uds"
)

// executionTTL bounds how long finished operation executions stay
// queryable.
const executionTTL = 10 * time.Minute

// ioControlState is the tester-side bookkeeping for one output. ISO 14229
// offers no way to query which outputs the tester controls, so the backend
// tracks its own last successful 0x2F per IOID. Cleared on session change.
type ioControlState int

const (
	ioEcuControlled ioControlState = iota
	ioTesterControlled
	ioFrozen
	ioDefaultReset
)

// Backend is the diagnostic backend for one UDS ECU.
type Backend struct {
	sovd.Unsupported

	cfg    Config
	entity sovd.EntityInfo
	caps   sovd.Capabilities

	tr       transport.Transport
	client   *uds.Client
	sessions *session.Manager
	store    *conv.Store
	engine   *flash.Engine
	subs     *subscription.Manager

	// params maps parameter id -> config entry for the declared handles.
	params map[string]ParameterConfig
	// paramOrder preserves the config declaration order for listings.
	paramOrder []string

	executions *ttlcache.Cache[string, sovd.OperationExecution]

	ioMu     sync.Mutex
	ioStates map[uint16]ioControlState
}

// New builds a backend from configuration, opening the transport.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	tr, err := transport.New(ctx, cfg.Transport)
	if err != nil {
		return nil, fmt.Errorf("ecu %s: %w", cfg.ID, err)
	}
	return NewWithTransport(cfg, tr)
}

// NewWithTransport builds a backend over an existing transport. Tests and
// the gateway wiring use this to inject mocks.
func NewWithTransport(cfg Config, tr transport.Transport) (*Backend, error) {
	client := uds.NewClientWithServiceIDs(tr, cfg.ServiceOverrides.Resolve())
	if cfg.P2Ms != 0 {
		client.P2 = time.Duration(cfg.P2Ms) * time.Millisecond
	}
	if cfg.P2StarMs != 0 {
		client.P2Star = time.Duration(cfg.P2StarMs) * time.Millisecond
	}

	sessions := session.NewManager(client, cfg.Sessions)

	store := conv.NewStore()
	for _, path := range cfg.DefinitionFiles {
		if err := store.LoadFile(path); err != nil {
			return nil, fmt.Errorf("ecu %s: definitions: %w", cfg.ID, err)
		}
	}

	params := make(map[string]ParameterConfig, len(cfg.Parameters))
	order := make([]string, 0, len(cfg.Parameters))
	for _, p := range cfg.Parameters {
		did, err := conv.ParseDID(p.DID)
		if err != nil {
			return nil, fmt.Errorf("ecu %s: parameter %s: %w", cfg.ID, p.ID, err)
		}
		if _, dup := params[p.ID]; dup {
			return nil, fmt.Errorf("ecu %s: duplicate parameter id %s", cfg.ID, p.ID)
		}
		params[p.ID] = p
		order = append(order, p.ID)
		if p.Definition != nil {
			def := *p.Definition
			def.ID = p.ID
			if def.Name == "" {
				def.Name = p.Name
			}
			def.Writable = def.Writable || p.Writable
			store.Register(did, &def)
		}
	}

	var helper security.Helper
	if cfg.Security.Level > 0 {
		secret, err := hex.DecodeString(cfg.Security.Secret)
		if err != nil {
			return nil, fmt.Errorf("ecu %s: security secret: %w", cfg.ID, err)
		}
		helper, err = security.FromConfig(cfg.Security.Algorithm, secret)
		if err != nil {
			return nil, fmt.Errorf("ecu %s: %w", cfg.ID, err)
		}
	}

	flashCfg := cfg.Flash
	if flashCfg.SecurityLevel == 0 {
		flashCfg.SecurityLevel = cfg.Security.Level
	}
	engine := flash.NewEngine(client, sessions, helper, flash.NewPackageStore(), flashCfg)

	b := &Backend{
		cfg: cfg,
		entity: sovd.EntityInfo{
			ID:          cfg.ID,
			Name:        cfg.Name,
			Type:        "ecu",
			Description: cfg.Description,
			Href:        "/vehicle/v1/components/" + cfg.ID,
			Status:      "connected",
		},
		caps:       sovd.UdsEcuCapabilities(),
		tr:         tr,
		client:     client,
		sessions:   sessions,
		store:      store,
		engine:     engine,
		params:     params,
		paramOrder: order,
		executions: ttlcache.New[string, sovd.OperationExecution](
			ttlcache.WithTTL[string, sovd.OperationExecution](executionTTL),
		),
		ioStates: make(map[uint16]ioControlState),
	}
	b.subs = subscription.NewManager(b.readForSubscription, cfg.Subscriptions)
	sessions.OnSessionDrop(func() {
		log.Warnf("[ecu %s] session dropped, security relocked", cfg.ID)
	})

	go b.executions.Start()
	return b, nil
}

// Close releases the background tasks and the transport.
func (b *Backend) Close() {
	b.subs.Close()
	b.sessions.Close()
	b.executions.Stop()
	b.tr.Close()
}

// Store exposes the conversion store (runtime definition management).
func (b *Backend) Store() *conv.Store { return b.store }

func (b *Backend) EntityInfo() sovd.EntityInfo     { return b.entity }
func (b *Backend) Capabilities() sovd.Capabilities { return b.caps }
func (b *Backend) Sessions() *session.Manager      { return b.sessions }

// resolveParam maps a client parameter id to its DID and definition.
func (b *Backend) resolveParam(paramID string) (uint16, *conv.Definition, error) {
	if p, ok := b.params[paramID]; ok {
		did, err := conv.ParseDID(p.DID)
		if err != nil {
			return 0, nil, sovd.Internalf("parameter %s has invalid DID %q", paramID, p.DID)
		}
		def, _ := b.store.Get(did)
		return did, def, nil
	}
	if did, def, ok := b.store.Resolve(paramID); ok {
		return did, def, nil
	}
	// Bare DID addressing is allowed for raw access.
	if did, err := conv.ParseDID(paramID); err == nil {
		def, _ := b.store.Get(did)
		return did, def, nil
	}
	return 0, nil, sovd.ParameterNotFound(paramID)
}

// ListParameters returns the declared parameters plus any definitions that
// arrived at runtime through the conversion store.
func (b *Backend) ListParameters(context.Context) ([]sovd.ParameterInfo, error) {
	out := make([]sovd.ParameterInfo, 0, len(b.paramOrder))
	seen := make(map[uint16]bool)

	for _, id := range b.paramOrder {
		p := b.params[id]
		did, _ := conv.ParseDID(p.DID)
		seen[did] = true
		info := sovd.ParameterInfo{
			ID:          p.ID,
			Name:        p.Name,
			Description: p.Description,
			ReadOnly:    !p.Writable,
			DID:         fmt.Sprintf("%04X", did),
			Href:        b.entity.Href + "/data/" + p.ID,
		}
		if def, ok := b.store.Get(did); ok {
			info.Unit = def.Unit
			info.DataType = string(def.EffectiveType())
			if def.Writable {
				info.ReadOnly = false
			}
		}
		out = append(out, info)
	}

	for _, did := range b.store.List() {
		if seen[did] {
			continue
		}
		def, _ := b.store.Get(did)
		if def.ID == "" {
			continue
		}
		out = append(out, sovd.ParameterInfo{
			ID:       def.ID,
			Name:     def.Name,
			Unit:     def.Unit,
			DataType: string(def.EffectiveType()),
			ReadOnly: !def.Writable,
			DID:      fmt.Sprintf("%04X", did),
			Href:     b.entity.Href + "/data/" + def.ID,
		})
	}
	return out, nil
}

// ReadData reads and decodes a batch of parameters. Failures surface
// per-item so one bad parameter does not void the batch.
func (b *Backend) ReadData(ctx context.Context, paramIDs []string) ([]sovd.DataValue, error) {
	values := make([]sovd.DataValue, 0, len(paramIDs))
	for _, id := range paramIDs {
		values = append(values, b.readOne(ctx, id))
	}
	return values, nil
}

func (b *Backend) readOne(ctx context.Context, paramID string) sovd.DataValue {
	value := sovd.DataValue{ID: paramID, Name: paramID, Timestamp: time.Now()}

	did, def, err := b.resolveParam(paramID)
	if err != nil {
		value.Error = err.Error()
		return value
	}
	value.DID = fmt.Sprintf("%04X", did)
	if def != nil && def.Name != "" {
		value.Name = def.Name
	}

	raw, err := b.client.ReadDID(ctx, did)
	if err != nil {
		value.Error = err.Error()
		return value
	}
	value.Raw = hex.EncodeToString(raw)
	value.Length = len(raw)

	decoded, err := b.store.Decode(did, raw)
	if err != nil {
		// Conversion trouble still leaves the raw bytes usable.
		value.Value = value.Raw
		value.Error = fmt.Sprintf("decode: %v", err)
		return value
	}
	value.Value = decoded
	if def != nil {
		value.Unit = def.Unit
	}
	return value
}

// readForSubscription is the coalesced batch read behind the subscription
// manager. Unlike ReadData it fails the whole batch, so a dead interval is
// skipped as one unit.
func (b *Backend) readForSubscription(ctx context.Context, paramIDs []string) (map[string]any, error) {
	out := make(map[string]any, len(paramIDs))
	for _, id := range paramIDs {
		did, _, err := b.resolveParam(id)
		if err != nil {
			return nil, err
		}
		raw, err := b.client.ReadDID(ctx, did)
		if err != nil {
			return nil, err
		}
		decoded, err := b.store.Decode(did, raw)
		if err != nil {
			decoded = hex.EncodeToString(raw)
		}
		out[id] = decoded
	}
	return out, nil
}

// WriteData encodes a value through the parameter's definition and writes
// its DID.
func (b *Backend) WriteData(ctx context.Context, paramID string, value any) error {
	did, def, err := b.resolveParam(paramID)
	if err != nil {
		return err
	}

	var data []byte
	if def == nil {
		// Raw write: the value must be a hex string.
		s, ok := value.(string)
		if !ok {
			return sovd.InvalidRequestf("parameter %s has no definition: write a hex string", paramID)
		}
		data, err = hex.DecodeString(s)
		if err != nil {
			return sovd.InvalidRequestf("parameter %s: invalid hex value", paramID)
		}
	} else {
		if !def.Writable {
			return sovd.InvalidRequestf("parameter %s is not writable", paramID)
		}
		data, err = conv.Encode(def, value)
		if err != nil {
			return sovd.InvalidRequestf("parameter %s: %v", paramID, err)
		}
	}
	return b.client.WriteDID(ctx, did, data)
}

// ReadRawDID reads a DID without conversion.
func (b *Backend) ReadRawDID(ctx context.Context, did uint16) ([]byte, error) {
	return b.client.ReadDID(ctx, did)
}

// WriteRawDID writes raw bytes to a DID.
func (b *Backend) WriteRawDID(ctx context.Context, did uint16, data []byte) error {
	return b.client.WriteDID(ctx, did, data)
}

// DefineDataIdentifier composes a DDID on the ECU.
func (b *Backend) DefineDataIdentifier(ctx context.Context, ddid uint16, sources []sovd.DDIDSource) error {
	if len(sources) == 0 {
		return sovd.InvalidRequestf("DDID needs at least one source")
	}
	return b.client.DefineDataIdentifier(ctx, ddid, sources)
}

// ClearDataIdentifier removes a DDID on the ECU.
func (b *Backend) ClearDataIdentifier(ctx context.Context, ddid uint16) error {
	return b.client.ClearDataIdentifier(ctx, ddid)
}

// SubscribeData starts periodic delivery of the given parameters.
func (b *Backend) SubscribeData(_ context.Context, paramIDs []string, rateHz float64) (*sovd.Stream, error) {
	for _, id := range paramIDs {
		if _, _, err := b.resolveParam(id); err != nil {
			return nil, err
		}
	}
	return b.subs.Subscribe(paramIDs, rateHz, 0)
}

// Subscriptions exposes the subscription registry.
func (b *Backend) Subscriptions() *subscription.Manager { return b.subs }

// EcuReset resets the ECU. Session falls back to default with security
// locked, and a transfer awaiting reset becomes activated.
func (b *Backend) EcuReset(ctx context.Context, resetType byte) error {
	if _, err := b.client.EcuReset(ctx, resetType); err != nil {
		return err
	}
	b.sessions.NotifyReset()
	b.clearIoStates()
	b.engine.NotifyReset(ctx)
	return nil
}

func (b *Backend) clearIoStates() {
	b.ioMu.Lock()
	defer b.ioMu.Unlock()
	if len(b.ioStates) > 0 {
		log.Debugf("[ecu %s] cleared %d I/O control states", b.cfg.ID, len(b.ioStates))
	}
	b.ioStates = make(map[uint16]ioControlState)
}
