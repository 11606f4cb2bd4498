package ecu

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/sdv-playground/sovdd/internal/flash"
	"github.com/sdv-playground/sovdd/internal/sovd"
	"github.com/sdv-playground/sovdd/internal/uds"
)

// ListOperations returns the configured routine-backed operations.
func (b *Backend) ListOperations(context.Context) ([]sovd.OperationInfo, error) {
	out := make([]sovd.OperationInfo, 0, len(b.cfg.Operations))
	for _, op := range b.cfg.Operations {
		out = append(out, sovd.OperationInfo{
			ID:               op.ID,
			Name:             op.Name,
			Description:      op.Description,
			RequiresSecurity: op.SecurityLevel > 0,
			SecurityLevel:    op.SecurityLevel,
			RequiredSession:  op.RequiredSession,
			Href:             b.entity.Href + "/operations/" + op.ID,
		})
	}
	return out, nil
}

func (b *Backend) findOperation(operationID string) (OperationConfig, error) {
	for _, op := range b.cfg.Operations {
		if op.ID == operationID {
			return op, nil
		}
	}
	return OperationConfig{}, sovd.OperationNotFound(operationID)
}

// checkOperationGates validates the session and security preconditions of
// an operation without changing either: recovery is the caller's job.
func (b *Backend) checkOperationGates(op OperationConfig) error {
	if op.RequiredSession != "" {
		required, err := b.sessions.ParseSessionName(op.RequiredSession)
		if err != nil {
			return sovd.Internalf("operation %s has invalid required session %q", op.ID, op.RequiredSession)
		}
		if b.sessions.CurrentSessionID() != required {
			return sovd.SessionRequired(op.RequiredSession, 0, 0)
		}
	}
	if op.SecurityLevel > 0 && !b.sessions.Unlocked(op.SecurityLevel) {
		return sovd.SecurityRequired(op.SecurityLevel)
	}
	return nil
}

// StartOperation executes a routine. The first param byte may select the
// sub-function (start/stop/result), defaulting to start; the rest is the
// routine parameter record.
func (b *Backend) StartOperation(ctx context.Context, operationID string, params []byte) (*sovd.OperationExecution, error) {
	op, err := b.findOperation(operationID)
	if err != nil {
		return nil, err
	}
	if err := b.checkOperationGates(op); err != nil {
		return nil, err
	}

	rid, err := flash.ParseRID(op.RID)
	if err != nil {
		return nil, sovd.Internalf("operation %s has invalid RID %q", op.ID, op.RID)
	}

	sub := byte(uds.RoutineStart)
	routineParams := params
	if len(params) > 0 && params[0] >= uds.RoutineStart && params[0] <= uds.RoutineRequestResult {
		sub = params[0]
		routineParams = params[1:]
	}

	var record []byte
	switch sub {
	case uds.RoutineStart:
		record, err = b.client.RoutineStart(ctx, rid, routineParams)
	case uds.RoutineStop:
		record, err = b.client.RoutineStop(ctx, rid)
	case uds.RoutineRequestResult:
		record, err = b.client.RoutineResult(ctx, rid)
	}

	execution := sovd.OperationExecution{
		ExecutionID: sovd.NewID(),
		OperationID: operationID,
		StartedAt:   time.Now(),
	}
	if err != nil {
		now := time.Now()
		execution.Status = sovd.OperationFailed
		execution.Error = err.Error()
		execution.CompletedAt = &now
		b.executions.Set(execution.ExecutionID, execution, ttlcache.DefaultTTL)
		return nil, err
	}

	now := time.Now()
	execution.Status = sovd.OperationCompleted
	execution.Result = hex.EncodeToString(record)
	execution.CompletedAt = &now
	b.executions.Set(execution.ExecutionID, execution, ttlcache.DefaultTTL)
	return &execution, nil
}

// OperationStatus returns a tracked execution.
func (b *Backend) OperationStatus(_ context.Context, executionID string) (*sovd.OperationExecution, error) {
	item := b.executions.Get(executionID)
	if item == nil {
		return nil, sovd.EntityNotFound("execution " + executionID)
	}
	execution := item.Value()
	return &execution, nil
}

// StopOperation issues the routine's stop sub-function and marks the
// execution stopped.
func (b *Backend) StopOperation(ctx context.Context, executionID string) (*sovd.OperationExecution, error) {
	item := b.executions.Get(executionID)
	if item == nil {
		return nil, sovd.EntityNotFound("execution " + executionID)
	}
	execution := item.Value()

	op, err := b.findOperation(execution.OperationID)
	if err != nil {
		return nil, err
	}
	rid, err := flash.ParseRID(op.RID)
	if err != nil {
		return nil, sovd.Internalf("operation %s has invalid RID %q", op.ID, op.RID)
	}

	record, err := b.client.RoutineStop(ctx, rid)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	execution.Status = sovd.OperationStopped
	execution.Result = hex.EncodeToString(record)
	execution.CompletedAt = &now
	b.executions.Set(executionID, execution, ttlcache.DefaultTTL)
	return &execution, nil
}
