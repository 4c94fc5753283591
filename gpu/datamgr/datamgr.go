// Package datamgr implements the GPU data manager (C4): per-base
// device-buffer residency and the write-lock table that the batch
// builder consults while accepting instructions into the active
// batch.
package datamgr

import (
	"context"
	"sync"

	"github.com/bohrium-go/bhcore/bherrors"
	"github.com/bohrium-go/bhcore/gpu/compute"
	"github.com/bohrium-go/bhcore/instr"
	"github.com/bohrium-go/bhcore/registry"
)

// Residency is a base array's host/device buffer state.
type Residency int

const (
	HostOnly Residency = iota
	DeviceDirty
	DeviceClean
	DeviceAndHostClean
	// Poisoned is an optional fifth state (§7): the manager may set it
	// after a KERNEL_BUILD_FAILED on a dependent base, but no caller
	// is required to check for it.
	Poisoned
)

func (r Residency) String() string {
	switch r {
	case HostOnly:
		return "HOST_ONLY"
	case DeviceDirty:
		return "DEVICE_DIRTY"
	case DeviceClean:
		return "DEVICE_CLEAN"
	case DeviceAndHostClean:
		return "DEVICE_AND_HOST_CLEAN"
	case Poisoned:
		return "POISONED"
	default:
		return "UNKNOWN"
	}
}

// baseState is the manager's bookkeeping for one base array.
type baseState struct {
	buf           compute.Buffer
	residency     Residency
	writer        int64 // view id currently authorised to write this base; 0 = none
	consumerBatch uint64
	lastEvent     compute.Event
}

// Manager is the GPU data manager. It is parameterized over
// compute.Resources so it runs identically against the real OpenCL
// layer or the computetest fake.
type Manager struct {
	res compute.Resources
	reg *registry.Registry

	mu     sync.Mutex
	states map[int64]*baseState
}

// New builds a Manager bound to res and reg for the lifetime of one
// scheduling domain.
func New(res compute.Resources, reg *registry.Registry) *Manager {
	return &Manager{res: res, reg: reg, states: make(map[int64]*baseState)}
}

func (m *Manager) stateFor(baseID int64) *baseState {
	st, ok := m.states[baseID]
	if !ok {
		st = &baseState{residency: HostOnly}
		m.states[baseID] = st
	}
	return st
}

// Lock resolves in's operands to their bases, ensures each has a
// device buffer (creating and populating it from host data on first
// touch), and updates the write-lock table. It returns a
// *bherrors.Error with ErrCodeWriteConflict if in writes a base that
// another, different view is already authorised to write within the
// active batch -- the caller (the batch builder) closes the current
// batch and retries.
func (m *Manager) Lock(in instr.Instruction, batchID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if in.Out.Kind == instr.OperandArray {
		if err := m.lockOperand(in.Out, batchID, true); err != nil {
			return err
		}
	}
	for _, op := range []instr.Operand{in.In1, in.In2} {
		if op.Kind == instr.OperandArray {
			if err := m.lockOperand(op, batchID, false); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Manager) lockOperand(op instr.Operand, batchID uint64, write bool) error {
	view, ok := m.reg.Get(op.ArrayID)
	if !ok {
		return bherrors.New("datamgr.Lock", bherrors.ErrCodeGenericDevice, "unknown array id")
	}
	base, ok := m.reg.ResolveBase(view)
	if !ok {
		return bherrors.New("datamgr.Lock", bherrors.ErrCodeGenericDevice, "unresolved base")
	}

	if err := m.ensureBuffer(base); err != nil {
		return err
	}

	st := m.stateFor(base.ID)
	if write {
		if st.writer != 0 && st.writer != view.ID {
			return bherrors.New("datamgr.Lock", bherrors.ErrCodeWriteConflict,
				"base already has a different writing view in the active batch")
		}
		st.writer = view.ID
	}
	st.consumerBatch = batchID
	return nil
}

// ensureBuffer creates base's device buffer on first touch and
// schedules a host->device write if host data is present. Callers
// must hold m.mu.
func (m *Manager) ensureBuffer(base *registry.Descriptor) error {
	st := m.stateFor(base.ID)
	if st.buf != nil {
		return nil
	}
	size := int(base.NumElements()) * base.ElemType.Size()
	buf, err := m.res.CreateBuffer(size)
	if err != nil {
		return bherrors.Wrap("datamgr.ensureBuffer", bherrors.ErrCodeOutOfMemory, err)
	}
	st.buf = buf
	if base.Data != nil {
		ev, err := m.res.EnqueueWrite(buf, base.Data, nil)
		if err != nil {
			return bherrors.Wrap("datamgr.ensureBuffer", bherrors.ErrCodeGenericDevice, err)
		}
		st.lastEvent = ev
		st.residency = DeviceClean
	}
	return nil
}

// Buffer returns the device buffer backing baseID, if one has been
// created, for use by the batch builder's kernel dispatch.
func (m *Manager) Buffer(baseID int64) (compute.Buffer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[baseID]
	if !ok || st.buf == nil {
		return nil, false
	}
	return st.buf, true
}

// MarkWritten records that ev is the event producing baseID's latest
// device-side contents, advancing its residency to DEVICE_DIRTY. The
// batch runner calls this once per written base after launching.
func (m *Manager) MarkWritten(baseID int64, ev compute.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateFor(baseID)
	st.lastEvent = ev
	st.residency = DeviceDirty
}

// PendingEvent reports the event producing baseID's latest device-side
// write, if any is still recorded, so a caller that is about to enqueue
// work reading baseID can chain after it instead of racing it.
func (m *Manager) PendingEvent(baseID int64) (compute.Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[baseID]
	if !ok || st.lastEvent == nil {
		return nil, false
	}
	return st.lastEvent, true
}

// Release drops baseID's device residency without reading back.
func (m *Manager) Release(baseID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateFor(baseID)
	st.buf = nil
	st.lastEvent = nil
	st.residency = HostOnly
}

// Sync forces a device->host readback of baseID if it is not already
// host-clean, driving it to DEVICE_AND_HOST_CLEAN. The base descriptor
// must already own its host buffer (callers resolve via the registry
// before invoking Sync).
func (m *Manager) Sync(ctx context.Context, base *registry.Descriptor) error {
	m.mu.Lock()
	st, ok := m.states[base.ID]
	m.mu.Unlock()
	if !ok || st.buf == nil || st.residency == HostOnly || st.residency == DeviceAndHostClean {
		if ok {
			m.mu.Lock()
			if st.residency != HostOnly {
				st.residency = DeviceAndHostClean
			}
			m.mu.Unlock()
		}
		return nil
	}

	var waitFor []compute.Event
	if st.lastEvent != nil {
		waitFor = []compute.Event{st.lastEvent}
	}
	if err := m.res.EnqueueReadBlocking(ctx, st.buf, base.Data, waitFor); err != nil {
		return bherrors.Wrap("datamgr.Sync", bherrors.ErrCodeGenericDevice, err)
	}

	m.mu.Lock()
	st.residency = DeviceAndHostClean
	m.mu.Unlock()
	return nil
}

// Discard releases both host- and device-side bookkeeping for baseID.
func (m *Manager) Discard(baseID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, baseID)
}

// BatchEnd clears the write-lock and consumer entries owned by
// batchID. It does not change residency: a base written by the batch
// was already marked DEVICE_DIRTY by MarkWritten and stays so until a
// Sync.
func (m *Manager) BatchEnd(batchID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range m.states {
		if st.consumerBatch == batchID {
			st.writer = 0
			st.consumerBatch = 0
		}
	}
}

// ResidencyOf reports baseID's current residency state, HOST_ONLY if the
// manager has never touched it.
func (m *Manager) ResidencyOf(baseID int64) Residency {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[baseID]; ok {
		return st.residency
	}
	return HostOnly
}

// ConsumerBatch reports the batch id that will consume baseID's
// pending write, and whether one is currently recorded. The scheduler
// does not call it; it decides SYNC/DISCARD flushes from the active
// batch's own Writes/Touches.
func (m *Manager) ConsumerBatch(baseID int64) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[baseID]
	if !ok || st.consumerBatch == 0 {
		return 0, false
	}
	return st.consumerBatch, true
}
