package flash

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/mod/semver"

	"github.com/sdv-playground/sovdd/internal/security"
	"github.com/sdv-playground/sovdd/internal/session"
	"github.com/sdv-playground/sovdd/internal/sovd"
	"github.com/sdv-playground/sovdd/internal/uds"
)

// Config parameterises the flash procedure for one ECU.
type Config struct {
	// EraseRoutine, CommitRoutine, RollbackRoutine are hex RIDs
	// (e.g. "0xFF00"). Erase runs during Preparing; commit/rollback gate
	// the activation flow.
	EraseRoutine    string `yaml:"erase_routine,omitempty"`
	CommitRoutine   string `yaml:"commit_routine,omitempty"`
	RollbackRoutine string `yaml:"rollback_routine,omitempty"`

	SupportsRollback bool `yaml:"supports_rollback"`

	// OriginAddress is the download base address used when the package
	// does not declare one.
	OriginAddress uint32 `yaml:"origin_address"`
	// AddressLength/SizeLength select the RequestDownload address-and-
	// length format; both default to 4.
	AddressLength int  `yaml:"address_length,omitempty"`
	SizeLength    int  `yaml:"size_length,omitempty"`
	DataFormat    byte `yaml:"data_format,omitempty"`

	// BlockCounterStart is the first TransferData counter (0 or 1).
	// BlockCounterWrap is the value used after 0xFF; OEMs disagree on
	// whether the counter wraps to 0 or back to the start, so both are
	// knobs. An unset wrap follows the start value.
	BlockCounterStart *uint8 `yaml:"block_counter_start,omitempty"`
	BlockCounterWrap  *uint8 `yaml:"block_counter_wrap,omitempty"`

	// SecurityLevel must be unlocked before flashing; 0 disables the
	// security step.
	SecurityLevel uint8 `yaml:"security_level,omitempty"`

	// VersionDID is read to snapshot versions and detect reboot
	// (default 0xF189, ECU software version).
	VersionDID uint16 `yaml:"version_did,omitempty"`

	BlockTimeoutMs   uint64 `yaml:"block_timeout_ms,omitempty"`
	OverallTimeoutMs uint64 `yaml:"overall_timeout_ms,omitempty"`
}

func (c Config) blockCounterStart() uint8 {
	if c.BlockCounterStart != nil {
		return *c.BlockCounterStart
	}
	return 1
}

func (c Config) blockCounterWrap() uint8 {
	if c.BlockCounterWrap != nil {
		return *c.BlockCounterWrap
	}
	return c.blockCounterStart()
}

func (c Config) versionDID() uint16 {
	if c.VersionDID != 0 {
		return c.VersionDID
	}
	return uds.DIDEcuSoftwareVersion
}

func (c Config) blockTimeout() time.Duration {
	if c.BlockTimeoutMs != 0 {
		return time.Duration(c.BlockTimeoutMs) * time.Millisecond
	}
	return 10 * time.Second
}

func (c Config) overallTimeout() time.Duration {
	if c.OverallTimeoutMs != 0 {
		return time.Duration(c.OverallTimeoutMs) * time.Millisecond
	}
	return 15 * time.Minute
}

// transfer is the internal record of one flash transfer. State only moves
// along the edges sovd.FlashState allows; every mutation goes through
// (*Engine).setState under the flash write lock.
type transfer struct {
	id        string
	packageID string
	state     sovd.FlashState
	progress  sovd.FlashProgress
	startedAt time.Time
	err       string
	cancel    context.CancelFunc
}

// Engine drives firmware transfers for one ECU.
//
// Locking: activation state and flash state have separate RWMutexes that
// are always acquired in the order activation, then flash. Observers taking
// only one of the locks are fine; anything taking both follows the order.
type Engine struct {
	client   *uds.Client
	sessions *session.Manager
	helper   security.Helper
	packages *PackageStore
	cfg      Config

	activationMu sync.RWMutex
	activation   sovd.ActivationState

	flashMu  sync.RWMutex
	transfer *transfer

	progressMu  sync.Mutex
	subscribers map[int]chan sovd.FlashProgress
	nextSub     int
}

// NewEngine creates a flash engine.
func NewEngine(client *uds.Client, sessions *session.Manager, helper security.Helper, packages *PackageStore, cfg Config) *Engine {
	return &Engine{
		client:   client,
		sessions: sessions,
		helper:   helper,
		packages: packages,
		cfg:      cfg,
		activation: sovd.ActivationState{
			SupportsRollback: cfg.SupportsRollback,
			State:            sovd.ActivationNone,
		},
		subscribers: make(map[int]chan sovd.FlashProgress),
	}
}

// Packages exposes the package store.
func (e *Engine) Packages() *PackageStore { return e.packages }

// DeletePackage removes a package unless a live transfer references it.
func (e *Engine) DeletePackage(id string) error {
	e.flashMu.RLock()
	inUse := e.transfer != nil && e.transfer.packageID == id && !e.transfer.state.Terminal()
	e.flashMu.RUnlock()
	if inUse {
		return sovd.Busyf("package %s is referenced by an active transfer", id)
	}
	return e.packages.Delete(id)
}

// SubscribeProgress returns a channel of progress updates. Slow consumers
// lose the oldest update rather than blocking the transfer.
func (e *Engine) SubscribeProgress() (<-chan sovd.FlashProgress, func()) {
	e.progressMu.Lock()
	defer e.progressMu.Unlock()
	id := e.nextSub
	e.nextSub++
	ch := make(chan sovd.FlashProgress, 16)
	e.subscribers[id] = ch
	return ch, func() {
		e.progressMu.Lock()
		defer e.progressMu.Unlock()
		if c, ok := e.subscribers[id]; ok {
			delete(e.subscribers, id)
			close(c)
		}
	}
}

func (e *Engine) publishProgress(p sovd.FlashProgress) {
	e.progressMu.Lock()
	defer e.progressMu.Unlock()
	for _, ch := range e.subscribers {
		select {
		case ch <- p:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- p
		}
	}
}

// Status returns the external record of the transfer with the given id.
func (e *Engine) Status(transferID string) (*sovd.FlashStatus, error) {
	e.flashMu.RLock()
	defer e.flashMu.RUnlock()
	if e.transfer == nil {
		return nil, sovd.EntityNotFound("no flash transfer")
	}
	if e.transfer.id != transferID {
		return nil, sovd.EntityNotFound(fmt.Sprintf("flash transfer %s", transferID))
	}
	s := e.transfer.status()
	return &s, nil
}

// List returns every known transfer (at most one per backend).
func (e *Engine) List() []sovd.FlashStatus {
	e.flashMu.RLock()
	defer e.flashMu.RUnlock()
	if e.transfer == nil {
		return []sovd.FlashStatus{}
	}
	return []sovd.FlashStatus{e.transfer.status()}
}

func (t *transfer) status() sovd.FlashStatus {
	return sovd.FlashStatus{
		TransferID: t.id,
		PackageID:  t.packageID,
		State:      t.state,
		Progress:   t.progress,
		StartedAt:  t.startedAt,
		Error:      t.err,
	}
}

// Activation returns the activation state.
func (e *Engine) Activation() sovd.ActivationState {
	e.activationMu.RLock()
	defer e.activationMu.RUnlock()
	return e.activation
}

// Start begins a flash transfer for a verified package and returns the
// transfer id. The block transfer runs as a background task; progress is
// observable through Status and SubscribeProgress.
func (e *Engine) Start(ctx context.Context, packageID string) (string, error) {
	// Lock order: activation before flash.
	e.activationMu.RLock()
	activated := e.activation.State == sovd.ActivationActivated
	e.activationMu.RUnlock()
	if activated {
		return "", sovd.FlashStatef("previous firmware is activated but neither committed nor rolled back")
	}

	e.flashMu.Lock()
	if e.transfer != nil && !e.transfer.state.Terminal() {
		id := e.transfer.id
		e.flashMu.Unlock()
		return "", sovd.FlashStatef("flash transfer %s already in progress", id)
	}
	e.flashMu.Unlock()

	pkg, ok := e.packages.Get(packageID)
	if !ok {
		return "", sovd.EntityNotFound(fmt.Sprintf("package %s", packageID))
	}
	if pkg.Status != sovd.PackageVerified {
		return "", sovd.InvalidRequestf("package %s must be verified before flashing", packageID)
	}

	// Snapshot the running version for reboot detection and rollback.
	if version, err := e.readVersion(ctx); err == nil {
		e.activationMu.Lock()
		e.activation.PreviousVersion = version
		e.activationMu.Unlock()
	} else {
		log.Warnf("[flash] could not snapshot version DID 0x%04X: %v", e.cfg.versionDID(), err)
	}

	if err := e.sessions.EnsureProgramming(ctx); err != nil {
		return "", err
	}
	if err := e.unlockSecurity(ctx); err != nil {
		return "", err
	}

	runCtx, cancel := context.WithTimeout(context.Background(), e.cfg.overallTimeout())
	t := &transfer{
		id:        sovd.NewID(),
		packageID: packageID,
		state:     sovd.FlashQueued,
		startedAt: time.Now(),
		progress:  sovd.FlashProgress{BytesTotal: uint64(len(pkg.Data))},
		cancel:    cancel,
	}

	e.flashMu.Lock()
	e.transfer = t
	e.flashMu.Unlock()

	go e.run(runCtx, t, pkg)

	log.Infof("[flash] transfer %s started: package %s, %d bytes", t.id, packageID, len(pkg.Data))
	return t.id, nil
}

// unlockSecurity performs the configured seed/key handshake ahead of the
// download. Keys never hit the logs.
func (e *Engine) unlockSecurity(ctx context.Context) error {
	if e.cfg.SecurityLevel == 0 || e.helper == nil {
		return nil
	}
	if e.sessions.Unlocked(e.cfg.SecurityLevel) {
		return nil
	}
	seed, err := e.sessions.RequestSeed(ctx, e.cfg.SecurityLevel)
	if err != nil {
		return err
	}
	if e.sessions.Unlocked(e.cfg.SecurityLevel) {
		// Zero seed: already unlocked.
		return nil
	}
	key, err := e.helper.DeriveKey(e.cfg.SecurityLevel, seed)
	if err != nil {
		return sovd.Internalf("seed-to-key derivation failed: %v", err)
	}
	return e.sessions.SendKey(ctx, e.cfg.SecurityLevel, key)
}

// setState advances the transfer along an allowed edge. Illegal edges are a
// programming error and fail the transfer loudly.
func (e *Engine) setState(t *transfer, next sovd.FlashState) bool {
	e.flashMu.Lock()
	defer e.flashMu.Unlock()
	if e.transfer != t {
		return false
	}
	if t.state == next {
		return true
	}
	if !t.state.CanTransition(next) {
		log.Errorf("[flash] illegal transition %s -> %s", t.state, next)
		t.err = fmt.Sprintf("illegal state transition %s -> %s", t.state, next)
		t.state = sovd.FlashFailed
		return false
	}
	t.state = next
	return true
}

func (e *Engine) failTransfer(t *transfer, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	e.flashMu.Lock()
	if e.transfer == t && !t.state.Terminal() {
		t.state = sovd.FlashFailed
		t.err = msg
	}
	e.flashMu.Unlock()
	log.Errorf("[flash] transfer %s failed: %s", t.id, msg)
}

// run executes Preparing through AwaitingExit.
func (e *Engine) run(ctx context.Context, t *transfer, pkg *Package) {
	defer t.cancel()

	if !e.setState(t, sovd.FlashPreparing) {
		return
	}

	// Erase first; response pending is routine here and absorbed by the
	// service layer with the extended budget.
	if e.cfg.EraseRoutine != "" {
		rid, err := ParseRID(e.cfg.EraseRoutine)
		if err != nil {
			e.failTransfer(t, "bad erase routine id: %v", err)
			return
		}
		if _, err := e.client.RoutineStart(ctx, rid, nil); err != nil {
			e.failTransfer(t, "erase routine failed: %v", err)
			return
		}
	}

	addrLen := e.cfg.AddressLength
	if addrLen == 0 {
		addrLen = 4
	}
	sizeLen := e.cfg.SizeLength
	if sizeLen == 0 {
		sizeLen = 4
	}
	origin := e.cfg.OriginAddress
	if pkg.HasOrigin {
		origin = pkg.Origin
	}

	maxBlockLen, err := e.client.RequestDownload(ctx, e.cfg.DataFormat,
		encodeUint(uint64(origin), addrLen), encodeUint(uint64(len(pkg.Data)), sizeLen))
	if err != nil {
		e.failTransfer(t, "request download failed: %v", err)
		return
	}
	if maxBlockLen <= 2 {
		e.failTransfer(t, "ECU granted unusable block length %d", maxBlockLen)
		return
	}

	if !e.setState(t, sovd.FlashTransferring) {
		return
	}

	// maxNumberOfBlockLength counts SID and counter; the data share per
	// block is two less. The residue rides on the final block instead of
	// a short trailing block, matching flasher convention.
	dataPerBlock := int(maxBlockLen) - 2
	totalBlocks := len(pkg.Data) / dataPerBlock
	if totalBlocks == 0 {
		totalBlocks = 1
	}

	e.flashMu.Lock()
	t.progress.BlocksTotal = uint32(totalBlocks)
	e.flashMu.Unlock()

	counter := e.cfg.blockCounterStart()
	sent := 0
	for block := 0; block < totalBlocks; block++ {
		size := dataPerBlock
		if block == totalBlocks-1 {
			size = len(pkg.Data) - sent
		}
		chunk := pkg.Data[sent : sent+size]

		blockCtx, cancel := context.WithTimeout(ctx, e.cfg.blockTimeout())
		err := e.client.TransferData(blockCtx, counter, chunk)
		cancel()
		if err != nil {
			// A sequence error (NRC 0x24) is never retried at an
			// arbitrary index: the transfer fails and the operator
			// restarts from a clean state.
			e.failTransfer(t, "transfer data block %d failed: %v", block, err)
			return
		}

		sent += size
		var progress sovd.FlashProgress
		e.flashMu.Lock()
		t.progress.BytesSent = uint64(sent)
		t.progress.BlocksSent = uint32(block + 1)
		t.progress.Percent = float64(sent) / float64(len(pkg.Data)) * 100
		progress = t.progress
		e.flashMu.Unlock()
		e.publishProgress(progress)

		if counter == 0xFF {
			counter = e.cfg.blockCounterWrap()
		} else {
			counter++
		}

		select {
		case <-ctx.Done():
			e.failTransfer(t, "transfer cancelled: %v", ctx.Err())
			return
		default:
		}
	}

	if !e.setState(t, sovd.FlashAwaitingExit) {
		return
	}
	log.Infof("[flash] transfer %s: %d bytes in %d blocks sent, awaiting finalize", t.id, sent, totalBlocks)
}

// Finalize issues RequestTransferExit (0x37). Valid only in AwaitingExit;
// afterwards the firmware is written and the ECU must reboot before
// commit or rollback.
func (e *Engine) Finalize(ctx context.Context) error {
	e.flashMu.RLock()
	t := e.transfer
	var state sovd.FlashState
	if t != nil {
		state = t.state
	}
	e.flashMu.RUnlock()

	if t == nil {
		return sovd.EntityNotFound("no flash transfer")
	}
	if state != sovd.FlashAwaitingExit {
		return sovd.FlashStatef("cannot finalize transfer in state %s", state)
	}

	if _, err := e.client.RequestTransferExit(ctx, nil); err != nil {
		return err
	}

	// Lock order: activation before flash.
	e.activationMu.Lock()
	e.activation.State = sovd.ActivationNone
	e.activationMu.Unlock()

	e.setState(t, sovd.FlashAwaitingReset)
	log.Infof("[flash] transfer %s finalized, awaiting ECU reset", t.id)
	return nil
}

// Abort cancels a transfer in any abortable state, best-effort clears the
// ECU's download state, drops back to the default session, and marks the
// transfer Failed. A subsequent Start must succeed.
func (e *Engine) Abort(ctx context.Context, transferID string) error {
	e.flashMu.Lock()
	t := e.transfer
	if t == nil {
		e.flashMu.Unlock()
		return sovd.EntityNotFound("no flash transfer")
	}
	if t.id != transferID {
		e.flashMu.Unlock()
		return sovd.EntityNotFound(fmt.Sprintf("flash transfer %s", transferID))
	}
	if !t.state.Abortable() {
		state := t.state
		e.flashMu.Unlock()
		return sovd.FlashStatef("cannot abort transfer in state %s", state)
	}
	t.state = sovd.FlashFailed
	t.err = "aborted by client"
	cancel := t.cancel
	e.flashMu.Unlock()

	if cancel != nil {
		cancel()
	}

	// Give the cancelled task a moment to drain its in-flight exchange so
	// the cleanup below does not interleave with it on the bus.
	time.Sleep(50 * time.Millisecond)

	if _, err := e.client.RequestTransferExit(ctx, nil); err != nil {
		log.Warnf("[flash] abort cleanup: transfer exit: %v", err)
	}
	if err := e.sessions.EnsureDefault(ctx); err != nil {
		log.Warnf("[flash] abort cleanup: default session: %v", err)
	}

	log.Warnf("[flash] transfer %s aborted", transferID)
	return nil
}

// NotifyReset tells the engine the ECU has been reset. In AwaitingReset the
// firmware is now live: the transfer and activation move to Activated and
// the new version is captured on the next read.
func (e *Engine) NotifyReset(ctx context.Context) {
	// Lock order: activation before flash.
	e.activationMu.Lock()
	e.flashMu.Lock()
	pending := e.transfer != nil && e.transfer.state == sovd.FlashAwaitingReset
	if pending {
		e.transfer.state = sovd.FlashActivated
		e.activation.State = sovd.ActivationActivated
	}
	e.flashMu.Unlock()
	e.activationMu.Unlock()

	if !pending {
		return
	}
	if version, err := e.readVersion(ctx); err == nil {
		e.activationMu.Lock()
		e.activation.ActiveVersion = version
		e.activationMu.Unlock()
	}
	log.Infof("[flash] ECU reset observed, firmware activated")
}

// CheckActivation polls the version DID and, when a transfer awaits reset
// and the version changed, transitions to Activated. It covers external
// power cycles that never pass through EcuReset. Returns the version read.
func (e *Engine) CheckActivation(ctx context.Context) string {
	version, err := e.readVersion(ctx)
	if err != nil {
		return ""
	}

	e.activationMu.Lock()
	previous := e.activation.PreviousVersion
	e.activationMu.Unlock()

	e.flashMu.RLock()
	awaiting := e.transfer != nil && e.transfer.state == sovd.FlashAwaitingReset
	e.flashMu.RUnlock()

	if awaiting && previous != "" && versionChanged(previous, version) {
		e.activationMu.Lock()
		e.flashMu.Lock()
		if e.transfer != nil && e.transfer.state == sovd.FlashAwaitingReset {
			e.transfer.state = sovd.FlashActivated
			e.activation.State = sovd.ActivationActivated
			e.activation.ActiveVersion = version
		}
		e.flashMu.Unlock()
		e.activationMu.Unlock()

		// The reboot also dropped the session and relocked security.
		e.sessions.NotifyReset()
		log.Infof("[flash] version changed %q -> %q, firmware activated", previous, version)
	}
	return version
}

// Commit makes activated firmware permanent via the configured routine.
func (e *Engine) Commit(ctx context.Context) error {
	if !e.cfg.SupportsRollback {
		return sovd.NotSupported("commit_flash")
	}
	e.CheckActivation(ctx)

	e.activationMu.RLock()
	state := e.activation.State
	e.activationMu.RUnlock()
	if state != sovd.ActivationActivated {
		return sovd.FlashStatef("cannot commit: firmware is not activated (state %s)", state)
	}

	rid, err := ParseRID(e.cfg.CommitRoutine)
	if err != nil {
		return sovd.InvalidRequestf("no usable commit routine configured: %v", err)
	}
	if _, err := e.client.RoutineStart(ctx, rid, nil); err != nil {
		return err
	}

	e.activationMu.Lock()
	e.flashMu.Lock()
	e.activation.State = sovd.ActivationCommitted
	if e.transfer != nil && e.transfer.state == sovd.FlashActivated {
		e.transfer.state = sovd.FlashCommitted
	}
	e.flashMu.Unlock()
	e.activationMu.Unlock()

	log.Infof("[flash] firmware committed")
	return nil
}

// Rollback reverts activated firmware via the configured routine.
func (e *Engine) Rollback(ctx context.Context) error {
	if !e.cfg.SupportsRollback {
		return sovd.NotSupported("rollback_flash")
	}
	e.CheckActivation(ctx)

	e.activationMu.RLock()
	state := e.activation.State
	e.activationMu.RUnlock()
	if state != sovd.ActivationActivated {
		return sovd.FlashStatef("cannot rollback: firmware is not activated (state %s)", state)
	}

	rid, err := ParseRID(e.cfg.RollbackRoutine)
	if err != nil {
		return sovd.InvalidRequestf("no usable rollback routine configured: %v", err)
	}
	if _, err := e.client.RoutineStart(ctx, rid, nil); err != nil {
		return err
	}

	e.activationMu.Lock()
	e.flashMu.Lock()
	e.activation.State = sovd.ActivationRolledBack
	if e.transfer != nil && e.transfer.state == sovd.FlashActivated {
		e.transfer.state = sovd.FlashRolledBack
	}
	e.flashMu.Unlock()
	e.activationMu.Unlock()

	log.Infof("[flash] firmware rolled back")
	return nil
}

func (e *Engine) readVersion(ctx context.Context) (string, error) {
	data, err := e.client.ReadDID(ctx, e.cfg.versionDID())
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(strings.TrimRight(string(data), "\x00")), nil
}

// versionChanged compares two version strings, semver-aware when both
// parse, byte comparison otherwise.
func versionChanged(previous, current string) bool {
	p, c := "v"+strings.TrimPrefix(previous, "v"), "v"+strings.TrimPrefix(current, "v")
	if semver.IsValid(p) && semver.IsValid(c) {
		return semver.Compare(p, c) != 0
	}
	return previous != current
}

// ParseRID parses a routine identifier from hex notation.
func ParseRID(s string) (uint16, error) {
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"))
	if s == "" {
		return 0, fmt.Errorf("empty routine id")
	}
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid routine id %q", s)
	}
	return uint16(v), nil
}

func encodeUint(v uint64, length int) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, v)
	return out[8-length:]
}
