package bhcore

import (
	"github.com/bohrium-go/bhcore/gpu/compute/computetest"
	"github.com/bohrium-go/bhcore/gpu/scheduler"
	"github.com/bohrium-go/bhcore/registry"
)

// TestRuntime is a Runtime wired to computetest.Fake instead of a real
// OpenCL device, for exercising Runtime/Queue behaviour in tests that
// cannot assume a GPU is present. It is the spiritual replacement for
// the teacher's MockBackend: where MockBackend let an io_uring-facing
// test swap in an in-memory Backend, TestRuntime lets a Runtime-facing
// test swap in an in-memory compute.Resources.
type TestRuntime struct {
	*Runtime
	Fake *computetest.Fake
}

// NewTestRuntime builds a Runtime whose GPU path runs entirely against
// an in-process computetest.Fake: no OpenCL platform, no cluster grid.
// Callers drive it exactly like a production Runtime (Queue().Enqueue,
// ForceFlush, Close) -- only the resource layer underneath differs.
func NewTestRuntime() *TestRuntime {
	fake := computetest.New()
	reg := registry.New()
	metrics := NewMetrics()

	rt := &Runtime{
		cfg:      DefaultConfig(),
		reg:      reg,
		q:        NewQueue(),
		res:      fake,
		sch:      scheduler.New(fake, reg),
		metrics:  metrics,
		observer: NewMetricsObserver(metrics),
	}
	rt.q.Attach(rt.flushGPU)

	return &TestRuntime{Runtime: rt, Fake: fake}
}
