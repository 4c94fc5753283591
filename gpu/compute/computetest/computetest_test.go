package computetest

import (
	"context"
	"testing"

	"github.com/bohrium-go/bhcore/gpu/compute"
)

func TestWriteReadRoundTrip(t *testing.T) {
	f := New()
	buf, err := f.CreateBuffer(3 * 8)
	if err != nil {
		t.Fatalf("CreateBuffer() error = %v", err)
	}
	host := make([]byte, 3*8)
	encodeLE(host[0:8], 1)
	encodeLE(host[8:16], 2)
	encodeLE(host[16:24], 3)

	if _, err := f.EnqueueWrite(buf, host, nil); err != nil {
		t.Fatalf("EnqueueWrite() error = %v", err)
	}

	out := make([]byte, 3*8)
	if err := f.EnqueueReadBlocking(context.Background(), buf, out, nil); err != nil {
		t.Fatalf("EnqueueReadBlocking() error = %v", err)
	}
	if decodeLE(out[0:8]) != 1 || decodeLE(out[8:16]) != 2 || decodeLE(out[16:24]) != 3 {
		t.Errorf("round trip mismatch: %v", out)
	}
}

func TestCompileAndDispatchAdd(t *testing.T) {
	f := New()
	source := "kernel add\nADD 2 0 1\nend\n"
	kernels, log, err := f.Compile(source, []string{"add"})
	if err != nil {
		t.Fatalf("Compile() error = %v (log: %s)", err, log)
	}
	k, ok := kernels["add"]
	if !ok {
		t.Fatalf("Compile() did not return the requested kernel")
	}

	a, _ := f.CreateBuffer(2 * 8)
	b, _ := f.CreateBuffer(2 * 8)
	out, _ := f.CreateBuffer(2 * 8)

	aHost := make([]byte, 16)
	encodeLE(aHost[0:8], 1)
	encodeLE(aHost[8:16], 2)
	bHost := make([]byte, 16)
	encodeLE(bHost[0:8], 10)
	encodeLE(bHost[8:16], 20)
	f.EnqueueWrite(a, aHost, nil)
	f.EnqueueWrite(b, bHost, nil)

	if _, err := f.EnqueueNDRange(k, []compute.Buffer{a, b, out}, []int{2}, nil, nil); err != nil {
		t.Fatalf("EnqueueNDRange() error = %v", err)
	}

	outHost := make([]byte, 16)
	f.EnqueueReadBlocking(context.Background(), out, outHost, nil)
	if decodeLE(outHost[0:8]) != 11 || decodeLE(outHost[8:16]) != 22 {
		t.Errorf("out = %v %v, want 11 22", decodeLE(outHost[0:8]), decodeLE(outHost[8:16]))
	}
}

func TestMultiStatementKernelFusesTwoInstructions(t *testing.T) {
	f := New()
	// arg 0 = a, arg 1 = temp (a*2), arg 2 = out (temp+1)
	source := "kernel fused\nMULTIPLY 1 0 IMM:2\nADD 2 1 IMM:1\nend\n"
	kernels, _, err := f.Compile(source, []string{"fused"})
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}

	a, _ := f.CreateBuffer(8)
	tmp, _ := f.CreateBuffer(8)
	out, _ := f.CreateBuffer(8)
	aHost := make([]byte, 8)
	encodeLE(aHost, 3)
	f.EnqueueWrite(a, aHost, nil)

	if _, err := f.EnqueueNDRange(kernels["fused"], []compute.Buffer{a, tmp, out}, []int{1}, nil, nil); err != nil {
		t.Fatalf("EnqueueNDRange() error = %v", err)
	}
	outHost := make([]byte, 8)
	f.EnqueueReadBlocking(context.Background(), out, outHost, nil)
	if got := decodeLE(outHost); got != 7 {
		t.Errorf("out = %v, want 7 ((3*2)+1)", got)
	}
}

func TestUnknownKernelNameFails(t *testing.T) {
	f := New()
	if _, _, err := f.Compile("kernel add\nADD 2 0 1\nend\n", []string{"missing"}); err == nil {
		t.Errorf("Compile() with an unregistered kernel name succeeded, want error")
	}
}

func TestCallCountsTracked(t *testing.T) {
	f := New()
	buf, _ := f.CreateBuffer(8)
	host := make([]byte, 8)
	f.EnqueueWrite(buf, host, nil)
	f.EnqueueReadBlocking(context.Background(), buf, host, nil)
	counts := f.CallCounts()
	if counts["write"] != 1 || counts["read"] != 1 {
		t.Errorf("CallCounts() = %+v, want write=1 read=1", counts)
	}
}
