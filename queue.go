package bhcore

import "github.com/bohrium-go/bhcore/instr"

// Queue is the instruction queue (C2): an append-only list of
// instructions plus the flush triggers of §4.2. It is the transport
// half of the teacher's Runner/Controller split -- Queue knows nothing
// about scheduling policy, only when to hand its buffered instructions
// to whatever policy Attach gave it.
type Queue struct {
	pending []instr.Instruction
	flush   func([]instr.Instruction) error
}

// NewQueue returns an empty, unattached Queue. Flush is a no-op until
// Attach is called.
func NewQueue() *Queue {
	return &Queue{}
}

// Attach wires the queue's flush trigger to fn -- ordinarily
// (*gpu/scheduler.Scheduler).Schedule wrapped to drop its surfaced-
// error slice, or a cluster/dispatch.Master's Exec/ExecLocal. A later
// call replaces the previous hook.
func (q *Queue) Attach(fn func([]instr.Instruction) error) {
	q.flush = fn
}

// Enqueue appends in to the pending instruction list. Per §4.2's flush
// triggers, a SYNC (or RELEASE, which is SYNC-then-DISCARD) targeting
// a real array immediately flushes the queue -- the caller is about to
// read a host buffer and cannot be allowed to race the device. Every
// other opcode is buffered without flushing; the queue offers no
// back-pressure.
func (q *Queue) Enqueue(in instr.Instruction) error {
	q.pending = append(q.pending, in)
	if (in.Opcode == instr.SYNC || in.Opcode == instr.RELEASE) && in.Out.IsArray() {
		return q.Flush()
	}
	return nil
}

// Len reports the number of instructions currently buffered.
func (q *Queue) Len() int {
	return len(q.pending)
}

// Flush hands every buffered instruction to the attached flush hook
// in order and clears the buffer, whether or not the hook succeeds --
// a failed batch is not retried by silently re-submitting the same
// instructions, per §7's propagation policy. Flush is a no-op if no
// hook has been attached yet (§6): the buffer is kept as it is.
func (q *Queue) Flush() error {
	if q.flush == nil {
		return nil
	}
	list := q.pending
	q.pending = nil
	if len(list) == 0 {
		return nil
	}
	return q.flush(list)
}
