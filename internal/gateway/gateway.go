// Package gateway composes child diagnostic backends behind one entity.
// Resources are addressed as "child_id/local_id"; capabilities are the
// union of the children. Gateways nest freely — a gateway is itself a
// backend and may be registered as a child of another.
package gateway

import (
	"context"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sdv-playground/sovdd/internal/sovd"
)

// Config declares a gateway backend.
type Config struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description,omitempty"`
	Children    []string `yaml:"children"`
}

// Gateway multiplexes N child backends behind a prefixed identifier scheme.
type Gateway struct {
	sovd.Unsupported

	entity sovd.EntityInfo

	mu       sync.RWMutex
	children map[string]sovd.Backend
}

// New creates an empty gateway; children are registered afterwards.
func New(id, name, description string) *Gateway {
	return &Gateway{
		entity: sovd.EntityInfo{
			ID:          id,
			Name:        name,
			Type:        "gateway",
			Description: description,
			Href:        "/vehicle/v1/components/" + id,
			Status:      "operational",
		},
		children: make(map[string]sovd.Backend),
	}
}

// Register adds a child backend keyed by its entity id.
func (g *Gateway) Register(child sovd.Backend) {
	id := child.EntityInfo().ID
	g.mu.Lock()
	g.children[id] = child
	g.mu.Unlock()
	log.Infof("[gateway %s] registered child %s", g.entity.ID, id)
}

// Unregister removes a child backend.
func (g *Gateway) Unregister(id string) (sovd.Backend, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	child, ok := g.children[id]
	if ok {
		delete(g.children, id)
	}
	return child, ok
}

func (g *Gateway) child(id string) (sovd.Backend, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	child, ok := g.children[id]
	if !ok {
		return nil, sovd.EntityNotFound(id)
	}
	return child, nil
}

// sortedChildren returns (id, backend) pairs in id order for deterministic
// listings.
func (g *Gateway) sortedChildren() []struct {
	id      string
	backend sovd.Backend
} {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]struct {
		id      string
		backend sovd.Backend
	}, 0, len(g.children))
	for id, backend := range g.children {
		out = append(out, struct {
			id      string
			backend sovd.Backend
		}{id, backend})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (g *Gateway) EntityInfo() sovd.EntityInfo { return g.entity }

// Capabilities is the bitwise OR of the children, plus sub_entities.
func (g *Gateway) Capabilities() sovd.Capabilities {
	caps := sovd.Capabilities{SubEntities: true}
	for _, c := range g.sortedChildren() {
		caps = caps.Union(c.backend.Capabilities())
	}
	caps.SubEntities = true
	return caps
}

// ListParameters concatenates the children's parameters with id rewriting.
func (g *Gateway) ListParameters(ctx context.Context) ([]sovd.ParameterInfo, error) {
	var all []sovd.ParameterInfo
	for _, c := range g.sortedChildren() {
		params, err := c.backend.ListParameters(ctx)
		if err != nil {
			log.Warnf("[gateway %s] list parameters from %s: %v", g.entity.ID, c.id, err)
			continue
		}
		for _, p := range params {
			p.ID = sovd.PrefixedID(p.ID, c.id)
			p.Href = g.entity.Href + "/data/" + p.ID
			all = append(all, p)
		}
	}
	return all, nil
}

// ReadData groups parameter ids by child and reads each group in parallel.
// A failing child yields per-item errors for its parameters only.
func (g *Gateway) ReadData(ctx context.Context, paramIDs []string) ([]sovd.DataValue, error) {
	groups := make(map[string][]string)
	order := make(map[string][]int) // child -> result indexes
	results := make([]sovd.DataValue, len(paramIDs))

	for i, id := range paramIDs {
		childID, localID, ok := sovd.SplitEntityPrefix(id)
		if !ok {
			results[i] = sovd.DataValue{ID: id, Name: id,
				Error: sovd.ParameterNotFound("parameter id must be prefixed with a child id: " + id).Error()}
			continue
		}
		groups[childID] = append(groups[childID], localID)
		order[childID] = append(order[childID], i)
	}

	var eg errgroup.Group
	var mu sync.Mutex
	for childID, localIDs := range groups {
		childID, localIDs := childID, localIDs
		eg.Go(func() error {
			indexes := order[childID]
			child, err := g.child(childID)
			if err != nil {
				mu.Lock()
				for n, idx := range indexes {
					results[idx] = sovd.DataValue{
						ID: paramIDs[idx], Name: localIDs[n], Error: err.Error(),
					}
				}
				mu.Unlock()
				return nil
			}
			values, err := child.ReadData(ctx, localIDs)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				for n, idx := range indexes {
					results[idx] = sovd.DataValue{
						ID: paramIDs[idx], Name: localIDs[n], Error: err.Error(),
					}
				}
				return nil
			}
			for n, idx := range indexes {
				if n < len(values) {
					v := values[n]
					v.ID = sovd.PrefixedID(v.ID, childID)
					results[idx] = v
				}
			}
			return nil
		})
	}
	_ = eg.Wait()

	return results, nil
}

// WriteData routes a write to the owning child.
func (g *Gateway) WriteData(ctx context.Context, paramID string, value any) error {
	childID, localID, ok := sovd.SplitEntityPrefix(paramID)
	if !ok {
		return sovd.ParameterNotFound("parameter id must be prefixed with a child id: " + paramID)
	}
	child, err := g.child(childID)
	if err != nil {
		return err
	}
	return child.WriteData(ctx, localID, value)
}

// SubscribeData requires every parameter to target the same child; the
// subscription itself lives on that child.
func (g *Gateway) SubscribeData(ctx context.Context, paramIDs []string, rateHz float64) (*sovd.Stream, error) {
	if len(paramIDs) == 0 {
		return nil, sovd.InvalidRequestf("subscription needs at least one parameter")
	}
	var childID string
	localIDs := make([]string, 0, len(paramIDs))
	for _, id := range paramIDs {
		cid, lid, ok := sovd.SplitEntityPrefix(id)
		if !ok {
			return nil, sovd.InvalidRequestf("parameter id must be prefixed with a child id: %s", id)
		}
		if childID == "" {
			childID = cid
		} else if childID != cid {
			return nil, sovd.InvalidRequestf("subscription spans multiple backends (%s and %s)", childID, cid)
		}
		localIDs = append(localIDs, lid)
	}
	child, err := g.child(childID)
	if err != nil {
		return nil, err
	}
	return child.SubscribeData(ctx, localIDs, rateHz)
}

// Faults concatenates child faults with id rewriting; a failing child does
// not affect the others.
func (g *Gateway) Faults(ctx context.Context, filter *sovd.FaultFilter) (*sovd.FaultsResult, error) {
	var all []sovd.Fault
	for _, c := range g.sortedChildren() {
		result, err := c.backend.Faults(ctx, filter)
		if err != nil {
			log.Warnf("[gateway %s] faults from %s: %v", g.entity.ID, c.id, err)
			continue
		}
		for _, f := range result.Faults {
			f.ID = sovd.PrefixedID(f.ID, c.id)
			f.Href = g.entity.Href + "/faults/" + f.ID
			all = append(all, f)
		}
	}
	// No single availability mask exists across children.
	return &sovd.FaultsResult{Faults: all}, nil
}

// FaultDetail routes to the owning child.
func (g *Gateway) FaultDetail(ctx context.Context, faultID string) (*sovd.FaultDetail, error) {
	childID, localID, ok := sovd.SplitEntityPrefix(faultID)
	if !ok {
		return nil, sovd.EntityNotFound("fault id must be prefixed with a child id: " + faultID)
	}
	child, err := g.child(childID)
	if err != nil {
		return nil, err
	}
	detail, err := child.FaultDetail(ctx, localID)
	if err != nil {
		return nil, err
	}
	detail.ID = sovd.PrefixedID(detail.ID, childID)
	return detail, nil
}

// ClearFaults fans out to every child that supports it.
func (g *Gateway) ClearFaults(ctx context.Context, group uint32) (*sovd.ClearFaultsResult, error) {
	result := &sovd.ClearFaultsResult{}
	for _, c := range g.sortedChildren() {
		r, err := c.backend.ClearFaults(ctx, group)
		if err != nil {
			if sovd.ErrKind(err) == sovd.KindNotSupported {
				continue
			}
			log.Warnf("[gateway %s] clear faults on %s: %v", g.entity.ID, c.id, err)
			continue
		}
		result.Success = result.Success || r.Success
		result.Cleared += r.Cleared
	}
	return result, nil
}

// ListOperations concatenates child operations with id rewriting.
func (g *Gateway) ListOperations(ctx context.Context) ([]sovd.OperationInfo, error) {
	var all []sovd.OperationInfo
	for _, c := range g.sortedChildren() {
		ops, err := c.backend.ListOperations(ctx)
		if err != nil {
			continue
		}
		for _, op := range ops {
			op.ID = sovd.PrefixedID(op.ID, c.id)
			op.Href = g.entity.Href + "/operations/" + op.ID
			all = append(all, op)
		}
	}
	return all, nil
}

// StartOperation routes to the owning child and rewrites the handles.
func (g *Gateway) StartOperation(ctx context.Context, operationID string, params []byte) (*sovd.OperationExecution, error) {
	childID, localID, ok := sovd.SplitEntityPrefix(operationID)
	if !ok {
		return nil, sovd.OperationNotFound("operation id must be prefixed with a child id: " + operationID)
	}
	child, err := g.child(childID)
	if err != nil {
		return nil, err
	}
	execution, err := child.StartOperation(ctx, localID, params)
	if err != nil {
		return nil, err
	}
	execution.ExecutionID = sovd.PrefixedID(execution.ExecutionID, childID)
	execution.OperationID = sovd.PrefixedID(execution.OperationID, childID)
	return execution, nil
}

// OperationStatus routes to the owning child.
func (g *Gateway) OperationStatus(ctx context.Context, executionID string) (*sovd.OperationExecution, error) {
	childID, localID, ok := sovd.SplitEntityPrefix(executionID)
	if !ok {
		return nil, sovd.EntityNotFound("execution id must be prefixed with a child id: " + executionID)
	}
	child, err := g.child(childID)
	if err != nil {
		return nil, err
	}
	execution, err := child.OperationStatus(ctx, localID)
	if err != nil {
		return nil, err
	}
	execution.ExecutionID = sovd.PrefixedID(execution.ExecutionID, childID)
	execution.OperationID = sovd.PrefixedID(execution.OperationID, childID)
	return execution, nil
}

// StopOperation routes to the owning child.
func (g *Gateway) StopOperation(ctx context.Context, executionID string) (*sovd.OperationExecution, error) {
	childID, localID, ok := sovd.SplitEntityPrefix(executionID)
	if !ok {
		return nil, sovd.EntityNotFound("execution id must be prefixed with a child id: " + executionID)
	}
	child, err := g.child(childID)
	if err != nil {
		return nil, err
	}
	execution, err := child.StopOperation(ctx, localID)
	if err != nil {
		return nil, err
	}
	execution.ExecutionID = sovd.PrefixedID(execution.ExecutionID, childID)
	execution.OperationID = sovd.PrefixedID(execution.OperationID, childID)
	return execution, nil
}

// ListOutputs concatenates child outputs with id rewriting.
func (g *Gateway) ListOutputs(ctx context.Context) ([]sovd.OutputInfo, error) {
	var all []sovd.OutputInfo
	for _, c := range g.sortedChildren() {
		outputs, err := c.backend.ListOutputs(ctx)
		if err != nil {
			continue
		}
		for _, o := range outputs {
			o.ID = sovd.PrefixedID(o.ID, c.id)
			o.Href = g.entity.Href + "/outputs/" + o.ID
			all = append(all, o)
		}
	}
	return all, nil
}

// GetOutput routes to the owning child.
func (g *Gateway) GetOutput(ctx context.Context, outputID string) (*sovd.OutputDetail, error) {
	childID, localID, ok := sovd.SplitEntityPrefix(outputID)
	if !ok {
		return nil, sovd.OutputNotFound("output id must be prefixed with a child id: " + outputID)
	}
	child, err := g.child(childID)
	if err != nil {
		return nil, err
	}
	return child.GetOutput(ctx, localID)
}

// ControlOutput routes to the owning child.
func (g *Gateway) ControlOutput(ctx context.Context, outputID string, action sovd.IoControlAction, value any) (*sovd.IoControlResult, error) {
	childID, localID, ok := sovd.SplitEntityPrefix(outputID)
	if !ok {
		return nil, sovd.OutputNotFound("output id must be prefixed with a child id: " + outputID)
	}
	child, err := g.child(childID)
	if err != nil {
		return nil, err
	}
	return child.ControlOutput(ctx, localID, action, value)
}

// ListSubEntities exposes the children as first-class entities.
func (g *Gateway) ListSubEntities(context.Context) ([]sovd.EntityInfo, error) {
	children := g.sortedChildren()
	out := make([]sovd.EntityInfo, 0, len(children))
	for _, c := range children {
		info := c.backend.EntityInfo()
		info.Href = g.entity.Href + "/" + info.ID
		out = append(out, info)
	}
	return out, nil
}

// SubEntity returns a child backend by id.
func (g *Gateway) SubEntity(id string) (sovd.Backend, error) {
	return g.child(id)
}

// GetSoftwareInfo aggregates the children's software versions.
func (g *Gateway) GetSoftwareInfo(ctx context.Context) (*sovd.SoftwareInfo, error) {
	details := make(map[string]string)
	for _, c := range g.sortedChildren() {
		info, err := c.backend.GetSoftwareInfo(ctx)
		if err != nil {
			details[c.id] = "unknown"
			continue
		}
		details[c.id] = info.Version
	}
	return &sovd.SoftwareInfo{Version: "gateway", Details: details}, nil
}
