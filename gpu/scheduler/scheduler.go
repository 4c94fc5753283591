// Package scheduler implements the GPU instruction scheduler (C6): the
// front-line dispatcher that routes SYNC/DISCARD/RELEASE/USERFUNC and
// owns the single active batch, per the state machine of §4.6.
package scheduler

import (
	"context"
	"sync"

	"github.com/bohrium-go/bhcore/bherrors"
	"github.com/bohrium-go/bhcore/gpu/batch"
	"github.com/bohrium-go/bhcore/gpu/compute"
	"github.com/bohrium-go/bhcore/gpu/datamgr"
	"github.com/bohrium-go/bhcore/instr"
	"github.com/bohrium-go/bhcore/registry"
)

// Scheduler is the single-owner GPU scheduler: one process runs at
// most one Scheduler against one Resources/Registry pair, matching §5
// ("single-threaded cooperative per process").
type Scheduler struct {
	res   compute.Resources
	reg   *registry.Registry
	dm    *datamgr.Manager
	cache *batch.BuildCache

	mu        sync.Mutex
	active    *batch.Batch
	nextBatch uint64
}

// New builds a Scheduler bound to res and reg. It constructs its own
// gpu/datamgr.Manager and gpu/batch.BuildCache, since both are
// scoped to exactly one scheduling domain.
func New(res compute.Resources, reg *registry.Registry) *Scheduler {
	return &Scheduler{
		res:       res,
		reg:       reg,
		dm:        datamgr.New(res, reg),
		cache:     batch.NewBuildCache(),
		nextBatch: 1,
	}
}

// Schedule delivers an ordered, self-contained instruction list, per
// the Instruction-Queue-to-Scheduler interface of §6. It returns the
// non-fatal errors it surfaced (such as UNSUPPORTED_* or
// KERNEL_BUILD_FAILED) in instruction order; conflicts recovered
// locally by flush-and-retry are not among them. It also returns a separate fatal error if
// one terminated processing early -- per §7, a fatal error aborts the
// whole call; surfaced errors do not.
func (s *Scheduler) Schedule(ctx context.Context, list []instr.Instruction) ([]error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var surfaced []error
	for _, in := range list {
		switch {
		case in.Opcode == instr.NONE, in.Opcode == instr.FREE:
			// Ignored at this layer: FREE concerns host-side storage
			// ownership, which the registry/GC already reclaims: the
			// device-side release happens on DISCARD.

		case in.Opcode == instr.SYNC:
			if err := s.handleSync(ctx, in); err != nil {
				if bherrors.Code(err).Fatal() {
					return surfaced, err
				}
				surfaced = append(surfaced, err)
			}

		case in.Opcode == instr.DISCARD:
			if err := s.handleDiscard(in); err != nil {
				if bherrors.Code(err).Fatal() {
					return surfaced, err
				}
				surfaced = append(surfaced, err)
			}

		case in.Opcode == instr.RELEASE:
			if err := s.handleSync(ctx, in); err != nil && bherrors.Code(err).Fatal() {
				return surfaced, err
			} else if err != nil {
				surfaced = append(surfaced, err)
			}
			if err := s.handleDiscard(in); err != nil {
				if bherrors.Code(err).Fatal() {
					return surfaced, err
				}
				surfaced = append(surfaced, err)
			}

		case in.Opcode == instr.USERFUNC:
			surfaced = append(surfaced, bherrors.New("scheduler.Schedule", bherrors.ErrCodeUnsupportedUserFn, in.UserFuncName))

		case in.Opcode.IsComputational():
			if err := s.handleComputational(ctx, in); err != nil {
				if bherrors.Code(err).Fatal() {
					return surfaced, err
				}
				surfaced = append(surfaced, err)
			}

		default:
			surfaced = append(surfaced, bherrors.New("scheduler.Schedule", bherrors.ErrCodeUnsupportedOpcode, in.Opcode.String()))
		}
	}

	if err := s.flushLocked(ctx); err != nil {
		if bherrors.Code(err).Fatal() {
			return surfaced, err
		}
		surfaced = append(surfaced, err)
	}
	return surfaced, nil
}

// ForceFlush reconstructs InstructionScheduler::forceFlush() (empty,
// and thus underspecified, in the original source -- see the Design
// Notes): drain any active batch synchronously and block until its
// launch event completes, so that a caller observing "flushed" state
// afterwards is not racing the device.
func (s *Scheduler) ForceFlush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked(ctx)
}

func (s *Scheduler) handleSync(ctx context.Context, in instr.Instruction) error {
	baseID, base, err := s.resolveBase(in.Out)
	if err != nil {
		return err
	}
	if s.active != nil && s.active.Writes(baseID) {
		if err := s.flushLocked(ctx); err != nil {
			return err
		}
	}
	return s.dm.Sync(ctx, base)
}

func (s *Scheduler) handleDiscard(in instr.Instruction) error {
	baseID, _, err := s.resolveBase(in.Out)
	if err != nil {
		return err
	}
	if s.active != nil && s.active.Touches(baseID) {
		if err := s.flushLocked(context.Background()); err != nil {
			return err
		}
	}
	s.dm.Discard(baseID)
	s.reg.Remove(in.Out.ArrayID)
	return nil
}

func (s *Scheduler) handleComputational(ctx context.Context, in instr.Instruction) error {
	if s.active == nil {
		s.active = batch.New(s.nextBatch)
		s.nextBatch++
	}

	out := s.active.Add(in, s.reg, s.dm)
	if out.Accepted {
		return nil
	}

	if err := s.flushLocked(ctx); err != nil {
		return err
	}
	s.active = batch.New(s.nextBatch)
	s.nextBatch++
	retry := s.active.Add(in, s.reg, s.dm)
	if !retry.Accepted {
		return retry.Reason
	}
	return nil
}

// flushLocked runs the active batch (if any) to completion and clears
// it. Callers must hold s.mu.
func (s *Scheduler) flushLocked(ctx context.Context) error {
	if s.active == nil {
		return nil
	}
	b := s.active
	s.active = nil
	if b.IsEmpty() {
		return nil
	}
	ev, err := b.Run(ctx, s.res, s.dm, s.cache)
	if err != nil {
		return err
	}
	if ev != nil {
		return ev.Wait(ctx)
	}
	return nil
}

// HasActiveBatch reports whether the scheduler currently holds an
// active batch -- used by tests asserting Testable Property 4
// ("at-most-one batch").
func (s *Scheduler) HasActiveBatch() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

func (s *Scheduler) resolveBase(op instr.Operand) (int64, *registry.Descriptor, error) {
	if op.Kind != instr.OperandArray {
		return 0, nil, bherrors.New("scheduler", bherrors.ErrCodeGenericDevice, "expected array operand")
	}
	view, ok := s.reg.Get(op.ArrayID)
	if !ok {
		return 0, nil, bherrors.New("scheduler", bherrors.ErrCodeGenericDevice, "unknown array id")
	}
	base, ok := s.reg.ResolveBase(view)
	if !ok {
		return 0, nil, bherrors.New("scheduler", bherrors.ErrCodeGenericDevice, "unresolved base")
	}
	return base.ID, base, nil
}
