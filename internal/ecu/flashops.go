package ecu

import (
	"context"

	"github.com/sdv-playground/sovdd/internal/sovd"
)

// Package management and flash transfer delegate to the flash engine; the
// backend adds nothing but ownership.

func (b *Backend) ReceivePackage(_ context.Context, data []byte) (string, error) {
	return b.engine.Packages().Receive(data)
}

func (b *Backend) ListPackages(context.Context) ([]sovd.PackageInfo, error) {
	return b.engine.Packages().List(), nil
}

func (b *Backend) GetPackage(_ context.Context, packageID string) (*sovd.PackageInfo, error) {
	info, err := b.engine.Packages().Info(packageID)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func (b *Backend) VerifyPackage(_ context.Context, packageID string) (*sovd.VerifyResult, error) {
	return b.engine.Packages().Verify(packageID)
}

func (b *Backend) DeletePackage(_ context.Context, packageID string) error {
	return b.engine.DeletePackage(packageID)
}

func (b *Backend) StartFlash(ctx context.Context, packageID string) (string, error) {
	return b.engine.Start(ctx, packageID)
}

func (b *Backend) GetFlashStatus(_ context.Context, transferID string) (*sovd.FlashStatus, error) {
	return b.engine.Status(transferID)
}

func (b *Backend) ListFlashTransfers(context.Context) ([]sovd.FlashStatus, error) {
	return b.engine.List(), nil
}

func (b *Backend) AbortFlash(ctx context.Context, transferID string) error {
	return b.engine.Abort(ctx, transferID)
}

func (b *Backend) FinalizeFlash(ctx context.Context) error {
	return b.engine.Finalize(ctx)
}

func (b *Backend) CommitFlash(ctx context.Context) error {
	return b.engine.Commit(ctx)
}

func (b *Backend) RollbackFlash(ctx context.Context) error {
	return b.engine.Rollback(ctx)
}

func (b *Backend) GetActivationState(ctx context.Context) (*sovd.ActivationState, error) {
	// Polling the version DID here catches external power cycles that
	// never passed through EcuReset.
	b.engine.CheckActivation(ctx)
	state := b.engine.Activation()
	return &state, nil
}

// FlashProgress subscribes to transfer progress updates.
func (b *Backend) FlashProgress() (<-chan sovd.FlashProgress, func()) {
	return b.engine.SubscribeProgress()
}
