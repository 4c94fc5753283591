package scheduler

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/bohrium-go/bhcore/bherrors"
	"github.com/bohrium-go/bhcore/gpu/compute/computetest"
	"github.com/bohrium-go/bhcore/instr"
	"github.com/bohrium-go/bhcore/registry"
)

func readFloat64(data []byte, i int) float64 {
	off := i * 8
	return math.Float64frombits(binary.LittleEndian.Uint64(data[off : off+8]))
}

// TestScalarAddFlushesOnSync reconstructs S1: a single ADD followed by
// a SYNC. No batch should be dispatched until the SYNC forces one, and
// the host buffer must reflect the result afterward.
func TestScalarAddFlushesOnSync(t *testing.T) {
	reg := registry.New()
	fake := computetest.New()
	s := New(fake, reg)
	a := reg.NewBase(registry.Float64, []int64{1})

	list := []instr.Instruction{
		instr.Add(instr.ArrayOperand(a.ID), instr.ArrayOperand(a.ID), instr.ImmOperand(3)),
		instr.Sync(a.ID),
	}
	surfaced, err := s.Schedule(context.Background(), list)
	if err != nil {
		t.Fatalf("Schedule() fatal error = %v", err)
	}
	if len(surfaced) != 0 {
		t.Fatalf("Schedule() surfaced = %v, want none", surfaced)
	}
	if got := readFloat64(a.Data, 0); got != 3 {
		t.Errorf("a[0] = %v, want 3 (0+3)", got)
	}
	if counts := fake.CallCounts(); counts["dispatch"] != 1 {
		t.Errorf("dispatch count = %d, want exactly 1", counts["dispatch"])
	}
}

// TestLazyEvaluationDoesNotDispatchWithoutSync covers Testable
// Property 2: a computational instruction with no following SYNC,
// DISCARD, or RELEASE must still be dispatched once Schedule's list is
// exhausted (the scheduler flushes any active batch at the end), but
// not before -- there is no observation point to dispatch early
// against.
func TestLazyEvaluationDispatchesAtEndOfList(t *testing.T) {
	reg := registry.New()
	fake := computetest.New()
	s := New(fake, reg)
	a := reg.NewBase(registry.Float64, []int64{1})

	list := []instr.Instruction{
		instr.Add(instr.ArrayOperand(a.ID), instr.ArrayOperand(a.ID), instr.ImmOperand(1)),
	}
	if _, err := s.Schedule(context.Background(), list); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	if counts := fake.CallCounts(); counts["dispatch"] != 1 {
		t.Errorf("dispatch count = %d, want 1 (end-of-list flush)", counts["dispatch"])
	}
}

// TestAtMostOneActiveBatch covers Testable Property 4: mid-way through
// a Schedule call that keeps feeding compatible instructions, the
// scheduler never holds more than one Batch at a time. We assert this
// indirectly: a long run of compatible ADDs against the same base
// fuses into a single dispatch.
func TestAtMostOneActiveBatch(t *testing.T) {
	reg := registry.New()
	fake := computetest.New()
	s := New(fake, reg)
	a := reg.NewBase(registry.Float64, []int64{1})

	var list []instr.Instruction
	for i := 0; i < 5; i++ {
		list = append(list, instr.Add(instr.ArrayOperand(a.ID), instr.ArrayOperand(a.ID), instr.ImmOperand(1)))
	}
	if s.HasActiveBatch() {
		t.Fatalf("HasActiveBatch() = true before any Schedule() call")
	}
	if _, err := s.Schedule(context.Background(), list); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	if s.HasActiveBatch() {
		t.Errorf("HasActiveBatch() = true after Schedule() flushed at end of list")
	}
	if counts := fake.CallCounts(); counts["compile"] != 1 {
		t.Errorf("compile count = %d, want 1 (all 5 ADDs fused into one kernel)", counts["compile"])
	}
}

// TestBatchBreaksOnConflictS2 reconstructs S2 and Testable Property 5:
// x += y; y += x cannot share a batch, since the second instruction
// both reads and writes a base (y) the batch has already established
// as read-only via the first instruction's input. This must close the
// first batch and open a second, producing exactly two dispatches.
func TestBatchBreaksOnConflictS2(t *testing.T) {
	reg := registry.New()
	fake := computetest.New()
	s := New(fake, reg)
	x := reg.NewBase(registry.Float64, []int64{1})
	y := reg.NewBase(registry.Float64, []int64{1})
	writeF64(x, 0, 1)
	writeF64(y, 0, 10)

	list := []instr.Instruction{
		instr.Add(instr.ArrayOperand(x.ID), instr.ArrayOperand(x.ID), instr.ArrayOperand(y.ID)), // x += y
		instr.Add(instr.ArrayOperand(y.ID), instr.ArrayOperand(y.ID), instr.ArrayOperand(x.ID)), // y += x
		instr.Sync(x.ID),
		instr.Sync(y.ID),
	}
	if _, err := s.Schedule(context.Background(), list); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	if counts := fake.CallCounts(); counts["dispatch"] != 2 {
		t.Errorf("dispatch count = %d, want 2 (batch must break between the two instructions)", counts["dispatch"])
	}
	if got := readFloat64(x.Data, 0); got != 11 {
		t.Errorf("x[0] = %v, want 11 (1+10)", got)
	}
	if got := readFloat64(y.Data, 0); got != 21 {
		t.Errorf("y[0] = %v, want 21 (10+11)", got)
	}
}

// TestBatchBreakScenarioS2 reconstructs S2 exactly: a += 1; b += 1;
// a += b. The first two instructions are independent and fuse into
// one kernel; the third reads b, which the batch already wrote via a
// different instruction, so it cannot join and opens a second batch.
func TestBatchBreakScenarioS2(t *testing.T) {
	reg := registry.New()
	fake := computetest.New()
	s := New(fake, reg)
	a := reg.NewBase(registry.Float64, []int64{4})
	b := reg.NewBase(registry.Float64, []int64{4})

	list := []instr.Instruction{
		instr.Add(instr.ArrayOperand(a.ID), instr.ArrayOperand(a.ID), instr.ImmOperand(1)),
		instr.Add(instr.ArrayOperand(b.ID), instr.ArrayOperand(b.ID), instr.ImmOperand(1)),
		instr.Add(instr.ArrayOperand(a.ID), instr.ArrayOperand(a.ID), instr.ArrayOperand(b.ID)),
		instr.Sync(a.ID),
		instr.Sync(b.ID),
	}
	if _, err := s.Schedule(context.Background(), list); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	if counts := fake.CallCounts(); counts["dispatch"] != 2 {
		t.Errorf("dispatch count = %d, want 2 ({a+=1,b+=1} then {a+=b})", counts["dispatch"])
	}
	for i := 0; i < 4; i++ {
		if got := readFloat64(a.Data, i); got != 2 {
			t.Errorf("a[%d] = %v, want 2 ((0+1)+1)", i, got)
		}
		if got := readFloat64(b.Data, i); got != 1 {
			t.Errorf("b[%d] = %v, want 1 (0+1)", i, got)
		}
	}
}

// TestShapeMismatchIsolatesS6 covers Testable Property 6: an
// instruction whose output shape differs from the active batch's
// established shape must not join it, and must not corrupt the
// instructions already accepted.
func TestShapeMismatchIsolatesS6(t *testing.T) {
	reg := registry.New()
	fake := computetest.New()
	s := New(fake, reg)
	a := reg.NewBase(registry.Float64, []int64{2})
	c := reg.NewBase(registry.Float64, []int64{4})
	writeF64(c, 0, 100)

	list := []instr.Instruction{
		instr.Add(instr.ArrayOperand(a.ID), instr.ArrayOperand(a.ID), instr.ImmOperand(1)),
		instr.Add(instr.ArrayOperand(c.ID), instr.ArrayOperand(c.ID), instr.ImmOperand(1)),
		instr.Sync(a.ID),
		instr.Sync(c.ID),
	}
	if _, err := s.Schedule(context.Background(), list); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	if counts := fake.CallCounts(); counts["dispatch"] != 2 {
		t.Errorf("dispatch count = %d, want 2 (differently-shaped outputs must not share a batch)", counts["dispatch"])
	}
	for i := 0; i < 2; i++ {
		if got := readFloat64(a.Data, i); got != 1 {
			t.Errorf("a[%d] = %v, want 1 (0+1)", i, got)
		}
	}
	if got := readFloat64(c.Data, 0); got != 101 {
		t.Errorf("c[0] = %v, want 101 (100+1)", got)
	}
}

// TestDiscardMidBatchFlushesS3 reconstructs S3: DISCARD on a base the
// active batch already touches must force a flush before the base is
// dropped from the registry, so the write is not silently lost.
func TestDiscardMidBatchFlushesS3(t *testing.T) {
	reg := registry.New()
	fake := computetest.New()
	s := New(fake, reg)
	a := reg.NewBase(registry.Float64, []int64{1})

	list := []instr.Instruction{
		instr.Add(instr.ArrayOperand(a.ID), instr.ArrayOperand(a.ID), instr.ImmOperand(9)),
		instr.Discard(a.ID),
	}
	if _, err := s.Schedule(context.Background(), list); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	if counts := fake.CallCounts(); counts["dispatch"] != 1 {
		t.Errorf("dispatch count = %d, want 1 (DISCARD must flush the batch touching it)", counts["dispatch"])
	}
	if _, ok := reg.Get(a.ID); ok {
		t.Errorf("Get(%d) found a descriptor after DISCARD, want it removed", a.ID)
	}
}

// TestUserFuncSurfacesUnsupported asserts USERFUNC is reported as a
// surfaced, non-fatal error rather than aborting the whole Schedule
// call -- user functions are out of scope for the core interpreter.
func TestUserFuncSurfacesUnsupported(t *testing.T) {
	reg := registry.New()
	fake := computetest.New()
	s := New(fake, reg)
	a := reg.NewBase(registry.Float64, []int64{1})

	list := []instr.Instruction{
		{Opcode: instr.USERFUNC, Out: instr.ArrayOperand(a.ID), UserFuncName: "my_reduce"},
		instr.Sync(a.ID),
	}
	surfaced, err := s.Schedule(context.Background(), list)
	if err != nil {
		t.Fatalf("Schedule() fatal error = %v, want USERFUNC to surface non-fatally", err)
	}
	if len(surfaced) != 1 {
		t.Fatalf("Schedule() surfaced = %v, want exactly one error", surfaced)
	}
	if bherrors.Code(surfaced[0]) != bherrors.ErrCodeUnsupportedUserFn {
		t.Errorf("Code(surfaced[0]) = %s, want %s", bherrors.Code(surfaced[0]), bherrors.ErrCodeUnsupportedUserFn)
	}
}

// TestForceFlushAfterScheduleSucceeds exercises ForceFlush directly:
// Schedule already flushes its active batch at the end of the list, so
// ForceFlush finds no active batch and returns nil.
func TestForceFlushAfterScheduleSucceeds(t *testing.T) {
	reg := registry.New()
	fake := computetest.New()
	s := New(fake, reg)
	a := reg.NewBase(registry.Float64, []int64{1})

	list := []instr.Instruction{
		instr.Add(instr.ArrayOperand(a.ID), instr.ArrayOperand(a.ID), instr.ImmOperand(4)),
	}
	surfaced, err := s.Schedule(context.Background(), list)
	if err != nil || len(surfaced) != 0 {
		t.Fatalf("Schedule() = %v, %v", surfaced, err)
	}
	if s.HasActiveBatch() {
		t.Fatalf("HasActiveBatch() = true, Schedule() should have flushed at end of list")
	}
	if err := s.ForceFlush(context.Background()); err != nil {
		t.Fatalf("ForceFlush() on an already-flushed scheduler error = %v", err)
	}
}

// TestKernelBuildFailureSurfacesS5 reconstructs S5: a batch whose
// kernel fails to compile surfaces KERNEL_BUILD_FAILED for that batch
// alone, while a later, unrelated instruction still dispatches and
// produces a correct result.
func TestKernelBuildFailureSurfacesS5(t *testing.T) {
	reg := registry.New()
	fake := computetest.New()
	s := New(fake, reg)
	a := reg.NewBase(registry.Float64, []int64{1})
	b := reg.NewBase(registry.Float64, []int64{1})

	fake.SetFailNextCompile(errors.New("synthetic build failure"))

	list := []instr.Instruction{
		instr.Add(instr.ArrayOperand(a.ID), instr.ArrayOperand(a.ID), instr.ImmOperand(1)),
		instr.Sync(a.ID), // forces the flush that hits the armed compile failure
		instr.Add(instr.ArrayOperand(b.ID), instr.ArrayOperand(b.ID), instr.ImmOperand(5)),
		instr.Sync(b.ID),
	}
	surfaced, err := s.Schedule(context.Background(), list)
	if err != nil {
		t.Fatalf("Schedule() fatal error = %v, want KERNEL_BUILD_FAILED to surface non-fatally", err)
	}
	if len(surfaced) != 1 {
		t.Fatalf("Schedule() surfaced = %v, want exactly one error", surfaced)
	}
	if bherrors.Code(surfaced[0]) != bherrors.ErrCodeKernelBuildFailed {
		t.Errorf("Code(surfaced[0]) = %s, want %s", bherrors.Code(surfaced[0]), bherrors.ErrCodeKernelBuildFailed)
	}
	if got := readFloat64(b.Data, 0); got != 5 {
		t.Errorf("b[0] = %v, want 5 (0+5, unaffected by a's build failure)", got)
	}
}

func writeF64(d *registry.Descriptor, i int, v float64) {
	binary.LittleEndian.PutUint64(d.Data[i*8:i*8+8], math.Float64bits(v))
}
