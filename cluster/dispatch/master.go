// Package dispatch implements the master side of the cluster dispatch
// protocol (C8): it serialises instructions and array metadata,
// broadcasts them over a grid.Grid, and scatters each new distributed
// array's host bytes out to the ranks that will compute over it.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/bohrium-go/bhcore/bherrors"
	"github.com/bohrium-go/bhcore/cluster/grid"
	"github.com/bohrium-go/bhcore/cluster/wire"
	"github.com/bohrium-go/bhcore/instr"
	"github.com/bohrium-go/bhcore/refexec"
	"github.com/bohrium-go/bhcore/registry"
)

// Master drives a grid's rank-0 side of the dispatch protocol. It
// tracks which base array ids have already been introduced to the
// slaves so that EXEC only ever carries the records they have not
// seen yet.
type Master struct {
	g   grid.Grid
	reg *registry.Registry

	mu    sync.Mutex
	known map[int64]bool
}

// NewMaster builds a Master driving g, resolving array metadata
// through reg (the master's own, unpartitioned registry).
func NewMaster(g grid.Grid, reg *registry.Registry) *Master {
	return &Master{g: g, reg: reg, known: make(map[int64]bool)}
}

// Init broadcasts the INIT message naming the downstream execution
// component every slave should construct.
func (m *Master) Init(ctx context.Context, executorName string) error {
	return m.broadcast(ctx, &wire.InitMsg{ExecutorName: executorName})
}

// RegisterUserFunc broadcasts a UFUNC message binding name to id.
func (m *Master) RegisterUserFunc(ctx context.Context, id int64, name string) error {
	return m.broadcast(ctx, &wire.UfuncMsg{ID: id, Name: name})
}

// Shutdown broadcasts SHUTDOWN, telling every slave to flush, release
// its arrays, and return cleanly.
func (m *Master) Shutdown(ctx context.Context) error {
	return m.broadcast(ctx, &wire.ShutdownMsg{})
}

// Exec broadcasts an EXEC message carrying list plus the records for
// any base array it references that no slave has seen before, then
// scatters each such base's host bytes out to the ranks. No rank
// processes EXEC(n) before EXEC(n-1) has locally completed, since
// Broadcast/Scatter only return once every rank has received its
// share (§5, cluster ordering).
func (m *Master) Exec(ctx context.Context, list []instr.Instruction) error {
	m.mu.Lock()
	newArrays, err := m.newArrayRecords(list)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	wireInsts := make([]wire.WireInstruction, len(list))
	for i, in := range list {
		wireInsts[i] = toWireInstruction(in)
	}
	msg := &wire.ExecMsg{Instructions: wireInsts, NewArrays: newArrays}
	if err := m.broadcast(ctx, msg); err != nil {
		return err
	}

	for _, rec := range newArrays {
		base, ok := m.reg.Get(rec.ID)
		if !ok {
			continue
		}
		elemSize := base.ElemType.Size()
		counts, displs := wire.BytePartition(base.NumElements(), int64(m.g.WorldSize()), elemSize)
		if _, err := m.g.Scatter(ctx, base.Data, counts, displs); err != nil {
			cerr := bherrors.Wrap("dispatch.Master.Exec", bherrors.ErrCodeCollectiveFailed, err)
			return m.g.Abort(cerr)
		}
	}

	m.mu.Lock()
	for _, rec := range newArrays {
		m.known[rec.ID] = true
	}
	m.mu.Unlock()
	return nil
}

// ExecLocal is Exec plus local execution against the master's own
// registry, valid only when the grid's world_size is 1. With a single
// rank the master's "shard" of every base is the whole base, so the
// instruction list needs no id rewiring: this is the degenerate case
// the cluster/GPU equivalence property names directly (world_size=1
// on the master must match the GPU path byte-for-byte).
func (m *Master) ExecLocal(ctx context.Context, list []instr.Instruction) error {
	if m.g.WorldSize() != 1 {
		return fmt.Errorf("dispatch: ExecLocal requires world_size=1, got %d", m.g.WorldSize())
	}
	if err := m.Exec(ctx, list); err != nil {
		return err
	}
	return refexec.Run(m.reg, list)
}

// newArrayRecords collects the WireDescriptor+Partition records for
// every base array list references that this Master has not already
// introduced to the slaves. Must be called with mu held.
func (m *Master) newArrayRecords(list []instr.Instruction) ([]wire.DistributedArrayRecord, error) {
	seenBase := make(map[int64]bool)
	var recs []wire.DistributedArrayRecord
	for _, in := range list {
		for _, op := range in.Operands() {
			if op.Kind != instr.OperandArray {
				continue
			}
			d, ok := m.reg.Get(op.ArrayID)
			if !ok {
				return nil, fmt.Errorf("dispatch: exec references unknown array id %d", op.ArrayID)
			}
			base, ok := m.reg.ResolveBase(d)
			if !ok {
				return nil, fmt.Errorf("dispatch: unresolved base for array id %d", op.ArrayID)
			}
			if seenBase[base.ID] || m.known[base.ID] {
				continue
			}
			seenBase[base.ID] = true
			recs = append(recs, wire.DistributedArrayRecord{
				ID:         base.ID,
				Descriptor: toWireDescriptor(base),
				Part:       wire.ElementPartition(base.NumElements(), int64(m.g.WorldSize()), 0),
			})
		}
	}
	// m.known is only updated by Exec itself, once the broadcast and
	// every record's scatter have actually succeeded.
	return recs, nil
}

func (m *Master) broadcast(ctx context.Context, msg interface{}) error {
	data, err := wire.Marshal(msg)
	if err != nil {
		return err
	}
	if _, err := m.g.Broadcast(ctx, data); err != nil {
		cerr := bherrors.Wrap("dispatch.Master.broadcast", bherrors.ErrCodeCollectiveFailed, err)
		return m.g.Abort(cerr)
	}
	return nil
}

func toWireDescriptor(d *registry.Descriptor) wire.WireDescriptor {
	var baseID int64
	if d.Base != nil {
		baseID = *d.Base
	}
	return wire.WireDescriptor{
		ElemType: uint8(d.ElemType),
		BaseID:   baseID,
		Shape:    append([]int64(nil), d.Shape...),
		Stride:   append([]int64(nil), d.Stride...),
		Start:    d.Start,
	}
}

func toWireInstruction(in instr.Instruction) wire.WireInstruction {
	return wire.WireInstruction{
		Opcode:     in.Opcode,
		Out:        toWireOperand(in.Out),
		In1:        toWireOperand(in.In1),
		In2:        toWireOperand(in.In2),
		UserFuncID: in.UserFuncID,
	}
}

func toWireOperand(op instr.Operand) wire.WireOperand {
	return wire.WireOperand{Kind: wire.OperandKind(op.Kind), ArrayID: op.ArrayID, Imm: op.Imm}
}
