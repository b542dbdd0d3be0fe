package mvcc

import (
	"context"
	"fmt"

	"github.com/systemshift/memex-mvcc/internal/backend"
	"github.com/systemshift/memex-mvcc/internal/dag"
)

// Allocator issues document and commit identifiers from durable backend
// counters. Each call is one atomic increment, so identifiers are unique
// across processes sharing a backend and CIDs follow allocation order.
type Allocator struct {
	be backend.Backend
}

// NewAllocator creates an Allocator over be.
func NewAllocator(be backend.Backend) *Allocator {
	return &Allocator{be: be}
}

// NextUID returns a fresh document identifier.
func (a *Allocator) NextUID(ctx context.Context) (dag.UID, error) {
	v, err := a.next(ctx, backend.CounterUID)
	return dag.UID(v), err
}

// NextCID returns a fresh commit identifier, greater than every CID issued before.
func (a *Allocator) NextCID(ctx context.Context) (dag.CID, error) {
	v, err := a.next(ctx, backend.CounterCID)
	return dag.CID(v), err
}

// CIDWatermark returns the greatest CID issued so far.
func (a *Allocator) CIDWatermark(ctx context.Context) (dag.CID, error) {
	v, err := a.be.ReadCounter(ctx, backend.CounterCID)
	if err != nil {
		return dag.NoCID, storageErr("read cid counter", err)
	}
	return dag.CID(v), nil
}

func (a *Allocator) next(ctx context.Context, name string) (uint64, error) {
	v, err := a.be.AllocateCounter(ctx, name)
	if err != nil {
		return 0, storageErr("allocate "+name, err)
	}
	if v == 0 {
		return 0, fmt.Errorf("%w: %s counter returned zero", ErrStorageUnavailable, name)
	}
	return v, nil
}
