package bhcore

import (
	"context"
	"encoding/binary"
	"math"
	"testing"

	"github.com/bohrium-go/bhcore/instr"
	"github.com/bohrium-go/bhcore/registry"
)

func writeF64(d *registry.Descriptor, vals []float64) {
	for i, v := range vals {
		binary.LittleEndian.PutUint64(d.Data[i*8:(i+1)*8], math.Float64bits(v))
	}
}

func readF64(d *registry.Descriptor, i int) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(d.Data[i*8 : (i+1)*8]))
}

func TestTestRuntimeLazyEvaluationThenSync(t *testing.T) {
	rt := NewTestRuntime()
	reg := rt.Registry()

	a := reg.NewBase(registry.Float64, []int64{4})
	writeF64(a, []float64{0, 0, 0, 0})

	rt.Queue().Enqueue(instr.Add(instr.ArrayOperand(a.ID), instr.ArrayOperand(a.ID), instr.ImmOperand(1)))
	rt.Queue().Enqueue(instr.Add(instr.ArrayOperand(a.ID), instr.ArrayOperand(a.ID), instr.ImmOperand(1)))

	// No SYNC yet: nothing has been dispatched to the fake device.
	if rt.Fake.CallCounts()["dispatch"] != 0 {
		t.Fatalf("dispatch ran before SYNC")
	}

	if err := rt.Queue().Enqueue(instr.Sync(a.ID)); err != nil {
		t.Fatalf("Enqueue(SYNC) error = %v", err)
	}

	for i, want := range []float64{2, 2, 2, 2} {
		if got := readF64(a, i); got != want {
			t.Errorf("a[%d] = %v, want %v", i, got, want)
		}
	}
}

func TestTestRuntimeCloseReleasesResources(t *testing.T) {
	rt := NewTestRuntime()
	if err := rt.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestDefaultConfigUsesUpstreamOCLDir(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.OCLDir != "/opt/bohrium/lib/ocl_source" {
		t.Errorf("OCLDir = %q, want the upstream default", cfg.OCLDir)
	}
	if len(cfg.Peers) != 0 {
		t.Errorf("DefaultConfig() should have no cluster peers")
	}
}
