// Package batch implements the GPU batch builder (C5): the in-flight
// batch that accumulates compatible consecutive instructions into one
// compiled-kernel launch, and rejects an instruction that would break
// shape compatibility or the write-lock discipline.
//
// Per the Design Note on exceptions-as-batch-closure-signal, rejection
// is modeled as a returned Outcome rather than a panic: Add reports
// accepted=false with a reason instead of throwing, and the scheduler
// reads that verdict to decide whether to flush and retry.
package batch

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"

	"github.com/bohrium-go/bhcore/bherrors"
	"github.com/bohrium-go/bhcore/gpu/compute"
	"github.com/bohrium-go/bhcore/gpu/datamgr"
	"github.com/bohrium-go/bhcore/instr"
	"github.com/bohrium-go/bhcore/registry"
)

// Outcome is the result of offering an instruction to a Batch.
type Outcome struct {
	Accepted bool
	Reason   error
}

// Batch is the single in-flight kernel under construction. A Batch is
// single-use: once Run has been called, start a fresh Batch for the
// next instruction.
type Batch struct {
	id    uint64
	shape []int64

	writeViews map[int64]int64 // base id -> the view id authorised to write it
	readSet    map[int64]bool  // base id -> touched read-only so far

	order    []int64       // base ids in first-touch order == buffer-arg positions
	argIndex map[int64]int // base id -> position in order

	instrs []resolvedInstr
}

type resolvedInstr struct {
	opcode   instr.Opcode
	outBase  int64
	in1Base  int64
	in1Imm   bool
	in1Val   float64
	in2Base  int64
	in2Imm   bool
	in2Val   float64
	hasIn2   bool
}

// New creates an empty Batch identified by id, a monotonic counter the
// scheduler owns so that every base the batch touches can record which
// batch will consume its pending write (gpu/datamgr.Manager.BatchEnd).
func New(id uint64) *Batch {
	return &Batch{
		id:         id,
		writeViews: make(map[int64]int64),
		readSet:    make(map[int64]bool),
		argIndex:   make(map[int64]int),
	}
}

// ID returns the batch's identity.
func (b *Batch) ID() uint64 { return b.id }

// IsEmpty reports whether the batch has accepted no instructions yet.
func (b *Batch) IsEmpty() bool { return len(b.instrs) == 0 }

// Writes reports whether the active batch already writes baseID.
func (b *Batch) Writes(baseID int64) bool {
	_, ok := b.writeViews[baseID]
	return ok
}

// Touches reports whether the active batch reads or writes baseID.
func (b *Batch) Touches(baseID int64) bool {
	return b.Writes(baseID) || b.readSet[baseID]
}

// WrittenBases returns the set of base ids the batch will write,
// unordered. The scheduler's SYNC/DISCARD handling checks membership
// of a single base, so the return type favors the checker over order.
func (b *Batch) WrittenBases() []int64 {
	out := make([]int64, 0, len(b.writeViews))
	for id := range b.writeViews {
		out = append(out, id)
	}
	return out
}

// Add offers in to the batch. It resolves in's operands against reg,
// checks shape compatibility and write-conflict rules, and -- only if
// both pass -- locks the operands with dm. Locking is attempted last
// so a rejection never leaves dm in a partially-updated state for this
// instruction.
func (b *Batch) Add(in instr.Instruction, reg *registry.Registry, dm *datamgr.Manager) Outcome {
	if !in.Opcode.IsComputational() {
		return Outcome{Accepted: false, Reason: bherrors.New("batch.Add", bherrors.ErrCodeUnsupportedOpcode, in.Opcode.String())}
	}

	outView, outBase, err := resolveArray(reg, in.Out)
	if err != nil {
		return Outcome{Accepted: false, Reason: err}
	}

	if !b.IsEmpty() && !shapesEqual(b.shape, outView.Shape) {
		return Outcome{Accepted: false, Reason: bherrors.New("batch.Add", bherrors.ErrCodeShapeMismatch,
			"output view's iteration shape does not match the batch's")}
	}

	if existing, ok := b.writeViews[outBase.ID]; ok && existing != outView.ID {
		return Outcome{Accepted: false, Reason: bherrors.New("batch.Add", bherrors.ErrCodeRWConflict,
			"base already written by a different view in this batch")}
	}
	if b.readSet[outBase.ID] {
		return Outcome{Accepted: false, Reason: bherrors.New("batch.Add", bherrors.ErrCodeRWConflict,
			"base already read as read-only in this batch, cannot now be written")}
	}

	ri := resolvedInstr{opcode: in.Opcode, outBase: outBase.ID}
	in1Desc, err := b.resolveInput(reg, in.In1, &ri.in1Base, &ri.in1Imm, &ri.in1Val)
	if err != nil {
		return Outcome{Accepted: false, Reason: err}
	}
	if err := b.checkCrossInstructionHazard(ri.in1Base, ri.in1Imm, outBase.ID, in1Desc); err != nil {
		return Outcome{Accepted: false, Reason: err}
	}
	var in2Desc *registry.Descriptor
	if in.In2.Kind != instr.OperandNone {
		ri.hasIn2 = true
		in2Desc, err = b.resolveInput(reg, in.In2, &ri.in2Base, &ri.in2Imm, &ri.in2Val)
		if err != nil {
			return Outcome{Accepted: false, Reason: err}
		}
		if err := b.checkCrossInstructionHazard(ri.in2Base, ri.in2Imm, outBase.ID, in2Desc); err != nil {
			return Outcome{Accepted: false, Reason: err}
		}
	}

	if err := dm.Lock(in, b.id); err != nil {
		return Outcome{Accepted: false, Reason: err}
	}

	if b.IsEmpty() {
		b.shape = append([]int64(nil), outView.Shape...)
	}
	b.writeViews[outBase.ID] = outView.ID
	b.touch(outBase.ID)
	if !ri.in1Imm {
		if !b.Writes(ri.in1Base) {
			b.readSet[ri.in1Base] = true
		}
		b.touch(ri.in1Base)
	}
	if ri.hasIn2 && !ri.in2Imm {
		if !b.Writes(ri.in2Base) {
			b.readSet[ri.in2Base] = true
		}
		b.touch(ri.in2Base)
	}
	b.instrs = append(b.instrs, ri)

	return Outcome{Accepted: true}
}

// checkCrossInstructionHazard rejects reading a base that a different,
// earlier instruction in this batch already writes. A single fused
// kernel executes every instruction's body in program order for the
// same element index, so a later instruction reading its own output
// (self-reference, e.g. x += y) is always safe; but letting one
// instruction read a plain array that another instruction in the same
// batch produced would require the two instructions' operands to be
// device-clean before the batch even starts, which only holds across
// batch boundaries, not within one. Compiler temporaries are exempt:
// they exist solely to chain a value between statements of the same
// kernel and are never observed outside it.
func (b *Batch) checkCrossInstructionHazard(baseID int64, isImm bool, outBaseID int64, desc *registry.Descriptor) error {
	if isImm || baseID == outBaseID {
		return nil
	}
	if b.Writes(baseID) && (desc == nil || !desc.IsTemp()) {
		return bherrors.New("batch.Add", bherrors.ErrCodeRWConflict,
			"cannot read a base already written by a different instruction in this batch")
	}
	return nil
}

func (b *Batch) resolveInput(reg *registry.Registry, op instr.Operand, base *int64, isImm *bool, val *float64) (*registry.Descriptor, error) {
	switch op.Kind {
	case instr.OperandImmediate:
		*isImm = true
		*val = op.Imm
		return nil, nil
	case instr.OperandArray:
		_, baseDesc, err := resolveArray(reg, op)
		if err != nil {
			return nil, err
		}
		*base = baseDesc.ID
		return baseDesc, nil
	default:
		return nil, bherrors.New("batch.Add", bherrors.ErrCodeGenericDevice, "missing required operand")
	}
}

func resolveArray(reg *registry.Registry, op instr.Operand) (*registry.Descriptor, *registry.Descriptor, error) {
	if op.Kind != instr.OperandArray {
		return nil, nil, bherrors.New("batch.Add", bherrors.ErrCodeGenericDevice, "expected array operand")
	}
	view, ok := reg.Get(op.ArrayID)
	if !ok {
		return nil, nil, bherrors.New("batch.Add", bherrors.ErrCodeGenericDevice, "unknown array id")
	}
	base, ok := reg.ResolveBase(view)
	if !ok {
		return nil, nil, bherrors.New("batch.Add", bherrors.ErrCodeGenericDevice, "unresolved base")
	}
	return view, base, nil
}

func (b *Batch) touch(baseID int64) {
	if _, ok := b.argIndex[baseID]; ok {
		return
	}
	b.argIndex[baseID] = len(b.order)
	b.order = append(b.order, baseID)
}

func shapesEqual(a, c []int64) bool {
	if len(a) != len(c) {
		return false
	}
	for i := range a {
		if a[i] != c[i] {
			return false
		}
	}
	return true
}

// source renders the batch's instructions into the shared toy kernel
// notation interpreted by gpu/compute/computetest.Fake. This notation
// is not OpenCL C: gpu/compute/opencl.Resources hands it to the OpenCL
// compiler, which rejects it with a build error. kernelName is derived from the source's own hash so batches
// with identical fused instruction sequences share one compiled
// kernel.
func (b *Batch) source() (kernelName, src string) {
	var sb strings.Builder
	sb.WriteString("kernel body\n")
	for _, ri := range b.instrs {
		sb.WriteString(ri.opcode.String())
		sb.WriteByte(' ')
		sb.WriteString(fmt.Sprintf("%d", b.argIndex[ri.outBase]))
		sb.WriteByte(' ')
		sb.WriteString(operandText(b.argIndex, ri.in1Base, ri.in1Imm, ri.in1Val))
		if ri.hasIn2 {
			sb.WriteByte(' ')
			sb.WriteString(operandText(b.argIndex, ri.in2Base, ri.in2Imm, ri.in2Val))
		}
		sb.WriteByte('\n')
	}
	sb.WriteString("end\n")

	h := fnv.New64a()
	h.Write([]byte(sb.String()))
	name := fmt.Sprintf("batch_%x", h.Sum64())
	return name, strings.Replace(sb.String(), "kernel body", "kernel "+name, 1)
}

func operandText(argIndex map[int64]int, base int64, isImm bool, val float64) string {
	if isImm {
		return fmt.Sprintf("IMM:%g", val)
	}
	return fmt.Sprintf("%d", argIndex[base])
}

// BuildCache memoizes compiled kernels by source hash so that batches
// with identical fused instruction sequences are compiled once.
type BuildCache struct {
	mu      sync.Mutex
	kernels map[string]compute.CompiledKernel
}

// NewBuildCache creates an empty BuildCache.
func NewBuildCache() *BuildCache {
	return &BuildCache{kernels: make(map[string]compute.CompiledKernel)}
}

// Run compiles (or reuses) the batch's kernel, dispatches it over the
// shape-derived NDRange, and records the launch event as the new
// source of truth for every base it writes. It blocks only on
// resolving buffer handles and issuing the enqueue calls -- the
// dispatch itself is non-blocking, matching §5's suspension-point
// rule.
func (b *Batch) Run(ctx context.Context, res compute.Resources, dm *datamgr.Manager, cache *BuildCache) (compute.Event, error) {
	if b.IsEmpty() {
		return nil, nil
	}

	name, src := b.source()

	cache.mu.Lock()
	kernel, cached := cache.kernels[name]
	cache.mu.Unlock()

	if !cached {
		kernels, log, err := res.Compile(src, []string{name})
		if err != nil {
			return nil, bherrors.New("batch.Run", bherrors.ErrCodeKernelBuildFailed, fmt.Sprintf("%v (log: %s)", err, log))
		}
		kernel = kernels[name]
		cache.mu.Lock()
		cache.kernels[name] = kernel
		cache.mu.Unlock()
	}

	args := make([]compute.Buffer, len(b.order))
	var waitFor []compute.Event
	for i, baseID := range b.order {
		buf, ok := dm.Buffer(baseID)
		if !ok {
			return nil, bherrors.New("batch.Run", bherrors.ErrCodeGenericDevice, "missing device buffer for a locked base")
		}
		args[i] = buf
		if ev, ok := dm.PendingEvent(baseID); ok {
			waitFor = append(waitFor, ev)
		}
	}

	global := []int{int(numElements(b.shape))}
	local := localShapeFor(res.Shapes(), len(b.shape))

	ev, err := res.EnqueueNDRange(kernel, args, global, local, waitFor)
	if err != nil {
		return nil, bherrors.Wrap("batch.Run", bherrors.ErrCodeGenericDevice, err)
	}

	for baseID := range b.writeViews {
		dm.MarkWritten(baseID, ev)
	}
	dm.BatchEnd(b.id)

	return ev, nil
}

func numElements(shape []int64) int64 {
	if len(shape) == 0 {
		return 1
	}
	n := int64(1)
	for _, s := range shape {
		n *= s
	}
	return n
}

func localShapeFor(shapes compute.Shapes, rank int) []int {
	switch {
	case rank <= 1:
		return []int{shapes.Local1D[0]}
	case rank == 2:
		return []int{shapes.Local2D[0], shapes.Local2D[1]}
	default:
		return []int{shapes.Local3D[0], shapes.Local3D[1], shapes.Local3D[2]}
	}
}
