// Package slave implements the cluster slave loop (C9): after INIT, a
// slave services messages from the master on a single thread,
// rebinding the master's array ids to a local descriptor slab before
// handing instructions to the downstream executor.
package slave

import (
	"context"
	"fmt"

	"github.com/bohrium-go/bhcore/bherrors"
	"github.com/bohrium-go/bhcore/cluster/grid"
	"github.com/bohrium-go/bhcore/cluster/wire"
	"github.com/bohrium-go/bhcore/instr"
	"github.com/bohrium-go/bhcore/refexec"
	"github.com/bohrium-go/bhcore/registry"
)

// Executor is the downstream execution component a slave drives once
// it has rewritten a message's array ids to local descriptors.
// *registry.Registry satisfies refexec.Resolver, so refexec.Run is the
// default Executor. The GPU path's test fake (gpu/compute/computetest)
// has its own interpreter with the same per-opcode arithmetic.
type Executor interface {
	Run(reg refexec.Resolver, list []instr.Instruction) error
}

// RefExecutor adapts refexec.Run to the Executor interface.
type RefExecutor struct{}

func (RefExecutor) Run(reg refexec.Resolver, list []instr.Instruction) error {
	return refexec.Run(reg, list)
}

// Loop is one slave rank's local state: its process grid handle, its
// local descriptor slab (keyed by locally allocated ids), its
// registered user functions, and the executor it hands rewritten
// instruction lists to.
type Loop struct {
	g    grid.Grid
	reg  *registry.Registry
	exec Executor

	ufuncs map[int64]string
	idSet  map[int64]struct{}
}

// New builds a Loop for the given grid rank, with a fresh local
// registry and the default reference executor.
func New(g grid.Grid) *Loop {
	return &Loop{
		g:      g,
		reg:    registry.New(),
		exec:   RefExecutor{},
		ufuncs: make(map[int64]string),
		idSet:  make(map[int64]struct{}),
	}
}

// Registry exposes the slave's local descriptor slab, for tests and
// for the root runtime's world_size=1 wiring.
func (l *Loop) Registry() *registry.Registry { return l.reg }

// WithExecutor overrides the default reference executor, e.g. with a
// GPU-backed one in a real deployment.
func (l *Loop) WithExecutor(exec Executor) *Loop {
	l.exec = exec
	return l
}

// Run services messages from recv until SHUTDOWN completes cleanly or
// an unrecoverable error aborts the world. recv blocks for the next
// message; callers typically wire it to the grid's Broadcast receive
// path (every broadcast a slave issues mirrors one the master sent).
func (l *Loop) Run(ctx context.Context, recv func(ctx context.Context) ([]byte, error)) error {
	for {
		data, err := recv(ctx)
		if err != nil {
			cerr := bherrors.Wrap("slave.Loop.Run", bherrors.ErrCodeCollectiveFailed, err)
			return l.g.Abort(cerr)
		}
		typ, msg, err := wire.Unmarshal(data)
		if err != nil {
			cerr := bherrors.Wrap("slave.Loop.Run", bherrors.ErrCodeUnknownMessage, err)
			return l.g.Abort(cerr)
		}
		done, err := l.dispatch(typ, msg)
		if err != nil {
			return l.g.Abort(err)
		}
		if done {
			return nil
		}
	}
}

// dispatch services a single decoded message. The returned bool is
// true once SHUTDOWN has completed, signalling Run to return.
func (l *Loop) dispatch(typ wire.MsgType, msg interface{}) (bool, error) {
	switch m := msg.(type) {
	case *wire.InitMsg:
		// Executor construction happens at Loop.New/WithExecutor time in
		// this implementation; INIT is accepted and otherwise a no-op.
		_ = m.ExecutorName
		return false, nil
	case *wire.UfuncMsg:
		l.ufuncs[m.ID] = m.Name
		return false, nil
	case *wire.ExecMsg:
		return false, l.handleExec(m)
	case *wire.ShutdownMsg:
		l.shutdown()
		return true, nil
	default:
		return false, bherrors.New("slave.Loop.dispatch", bherrors.ErrCodeUnknownMessage,
			fmt.Sprintf("unrecognised message type %v", typ))
	}
}

// handleExec allocates local descriptors for every new distributed
// array, rewires the instruction list's operand ids to them, and hands
// the rewritten list to the executor. Data for each new array arrives
// via a matching Scatter call keyed to the same order EXEC listed them
// in, since the master scatters each new base's bytes immediately
// after broadcasting EXEC.
func (l *Loop) handleExec(m *wire.ExecMsg) error {
	idMap := make(map[int64]int64, len(m.NewArrays))
	for _, rec := range m.NewArrays {
		local, err := l.allocateLocal(rec, idMap)
		if err != nil {
			return bherrors.Wrap("slave.handleExec", bherrors.ErrCodeUnknownMessage, err)
		}
		idMap[rec.ID] = local.ID

		rank := l.g.Rank()
		world := int64(l.g.WorldSize())
		n := local.NumElements()
		elemSize := local.ElemType.Size()
		counts, displs := wire.BytePartition(n, world, elemSize)
		part := wire.ElementPartition(n, world, int64(rank))
		shard, err := l.g.Scatter(context.Background(), nil, counts, displs)
		if err != nil {
			return bherrors.Wrap("slave.handleExec", bherrors.ErrCodeCollectiveFailed, err)
		}
		local.Data = shard
		local.Shape = shardShape(local.Shape, part.ElemCount)
	}

	list := make([]instr.Instruction, len(m.Instructions))
	for i, wi := range m.Instructions {
		list[i] = fromWireInstruction(wi, idMap)
	}
	return l.exec.Run(l.reg, list)
}

// allocateLocal inserts a local descriptor for rec, null-ing out the
// host buffer (it arrives via Scatter) and rewiring a view's base
// back-pointer through idMap per §4.9.
func (l *Loop) allocateLocal(rec wire.DistributedArrayRecord, idMap map[int64]int64) (*registry.Descriptor, error) {
	d := &registry.Descriptor{
		ID:       l.reg.NewID(),
		ElemType: registry.ElementType(rec.Descriptor.ElemType),
		Shape:    append([]int64(nil), rec.Descriptor.Shape...),
		Stride:   append([]int64(nil), rec.Descriptor.Stride...),
		Start:    rec.Descriptor.Start,
	}
	if rec.Descriptor.BaseID != 0 {
		localBase, ok := idMap[rec.Descriptor.BaseID]
		if !ok {
			return nil, fmt.Errorf("slave: view references base id %d not introduced in this EXEC", rec.Descriptor.BaseID)
		}
		d.Base = &localBase
	}
	l.reg.Insert(d)
	l.idSet[d.ID] = struct{}{}
	return d, nil
}

// shardShape replaces a full base's outermost axis with this rank's
// local element count, since a distributed base is split along its
// outermost axis by element count (§4.8 glossary: Distributed array).
func shardShape(full []int64, localOuter int64) []int64 {
	if len(full) == 0 {
		return full
	}
	shape := append([]int64(nil), full...)
	shape[0] = localOuter
	return shape
}

func fromWireInstruction(wi wire.WireInstruction, idMap map[int64]int64) instr.Instruction {
	return instr.Instruction{
		Opcode:     wi.Opcode,
		Out:        fromWireOperand(wi.Out, idMap),
		In1:        fromWireOperand(wi.In1, idMap),
		In2:        fromWireOperand(wi.In2, idMap),
		UserFuncID: wi.UserFuncID,
	}
}

func fromWireOperand(op wire.WireOperand, idMap map[int64]int64) instr.Operand {
	if op.Kind != wire.OperandArray {
		return instr.Operand{Kind: instr.OperandKind(op.Kind), Imm: op.Imm}
	}
	local, ok := idMap[op.ArrayID]
	if !ok {
		local = op.ArrayID // already a local id from an earlier EXEC
	}
	return instr.Operand{Kind: instr.OperandArray, ArrayID: local}
}

// shutdown flushes (a no-op here: refexec has no pending device state)
// and releases every locally held array. Registry has no iteration API
// by design (callers are expected to track their own ids), so Loop
// keeps its own id set for exactly this moment.
func (l *Loop) shutdown() {
	for id := range l.idSet {
		l.reg.Remove(id)
		delete(l.idSet, id)
	}
}
