// Package compute abstracts the GPU resource layer (C3): buffer
// allocation, host<->device transfer, kernel compilation, and NDRange
// dispatch, all addressed through opaque handles and non-blocking
// events rather than a concrete driver. The opencl subpackage backs
// this with github.com/jgillich/go-opencl/cl; the computetest
// subpackage backs it with an in-process interpreter for hardware-free
// tests.
package compute

import "context"

// Buffer is an opaque handle to device-resident storage. Its zero
// value never denotes a valid buffer.
type Buffer interface {
	// Bytes reports the buffer's capacity in bytes.
	Bytes() int
}

// Event is an opaque handle to a pending or completed device
// operation. Enqueue calls that depend on earlier work wait on Events
// rather than blocking the calling goroutine, matching the underlying
// OpenCL command-queue event model.
type Event interface {
	// Wait blocks until the operation this event denotes has completed.
	Wait(ctx context.Context) error
}

// CompiledKernel is an opaque handle to one compiled kernel entry
// point within a built program.
type CompiledKernel interface {
	Name() string
}

// DeviceLimits carries the subset of device capabilities the batch
// builder and work-group sizer need to make scheduling decisions. When
// Resources represents more than one physical device (a platform with
// several GPUs), Limits reports the elementwise intersection so a
// single dispatch plan is valid everywhere.
type DeviceLimits struct {
	MaxWorkGroupSize int
	MaxWorkItemSizes [3]int
	GlobalMemBytes   int64
	LocalMemBytes    int64
	SupportsFloat64  bool
	SupportsFloat16  bool
	MaxComputeUnits  int
}

// Shapes is the set of local (work-group) sizes to use for 1-D, 2-D,
// and 3-D NDRange dispatches, precomputed once from DeviceLimits.
type Shapes struct {
	Local1D [1]int
	Local2D [2]int
	Local3D [3]int
}

// Resources is the full GPU resource-layer surface the batch runner
// and data manager depend on. A Resources value is bound to one
// logical device (or device group) for its lifetime; there is no
// dynamic device re-selection.
type Resources interface {
	// Limits reports this Resources' (intersected) device limits.
	Limits() DeviceLimits

	// Shapes reports the precomputed local work-group sizes for this
	// Resources' device limits.
	Shapes() Shapes

	// CreateBuffer allocates a device buffer of the given size.
	CreateBuffer(sizeBytes int) (Buffer, error)

	// EnqueueWrite copies host into buf, device-side, after waitFor
	// has completed. It returns immediately with an Event for the
	// copy; it does not block on the copy itself.
	EnqueueWrite(buf Buffer, host []byte, waitFor []Event) (Event, error)

	// EnqueueReadBlocking copies buf into host, device-side, after
	// waitFor has completed, and blocks until the copy has finished.
	// Reads block because callers (SYNC handling) need the bytes
	// immediately; writes and kernel dispatches do not.
	EnqueueReadBlocking(ctx context.Context, buf Buffer, host []byte, waitFor []Event) error

	// Compile builds source (this Resources' kernel-source dialect)
	// and returns the requested entry points plus any compiler log.
	// A non-empty log with a nil error is a warning, not a failure.
	Compile(source string, kernelNames []string) (map[string]CompiledKernel, string, error)

	// EnqueueNDRange dispatches kernel over the given global/local work
	// sizes after waitFor has completed, and returns immediately with
	// an Event for the dispatch.
	EnqueueNDRange(kernel CompiledKernel, args []Buffer, global, local []int, waitFor []Event) (Event, error)

	// Release tears down device-side resources. Calling any other
	// method on Resources after Release is undefined.
	Release() error
}

// LocalShapes derives 1-D, 2-D, and 3-D local work-group sizes from
// device limits. It is pure and independent of any driver, so it is
// unit-tested without OpenCL: the GPU resource layer and the test fake
// both call it from their own Shapes() implementation.
func LocalShapes(limits DeviceLimits) Shapes {
	maxWG := limits.MaxWorkGroupSize
	if maxWG <= 0 {
		maxWG = 1
	}

	var s Shapes

	// 1-D: as large as the device allows, capped at 256.
	s.Local1D[0] = minInt(256, clampMin1(limits.MaxWorkItemSizes[0]))

	// 2-D: x capped at 32, y is clamped to the device's y-axis limit
	// first, then takes half of whatever remains.
	x2 := minInt(32, clampMin1(limits.MaxWorkItemSizes[0]))
	y2 := minInt(maxWG/x2, clampMin1(limits.MaxWorkItemSizes[1]))
	y2 /= 2
	s.Local2D[0] = x2
	s.Local2D[1] = clampMin1(y2)

	// 3-D: x capped at 16; y is the smallest power of two at least
	// sqrt(max_wg / x), clamped to the device's y-axis limit; z is
	// clamped to the device's z-axis limit first, then takes half of
	// whatever remains.
	x3 := minInt(16, clampMin1(limits.MaxWorkItemSizes[0]))
	y3 := nextPow2(isqrt(maxWG / x3))
	if y3*y3 < maxWG/x3 {
		y3 <<= 1
	}
	y3 = minInt(clampMin1(y3), clampMin1(limits.MaxWorkItemSizes[1]))
	z3 := minInt(maxWG/(x3*y3), clampMin1(limits.MaxWorkItemSizes[2]))
	z3 /= 2
	s.Local3D[0] = x3
	s.Local3D[1] = clampMin1(y3)
	s.Local3D[2] = clampMin1(z3)

	return s
}

func clampMin1(v int) int {
	if v < 1 {
		return 1
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// isqrt returns floor(sqrt(n)) for n >= 0 using integer arithmetic.
func isqrt(n int) int {
	if n <= 0 {
		return 0
	}
	x := n
	y := (x + 1) / 2
	for y < x {
		x = y
		y = (x + n/x) / 2
	}
	return x
}

// nextPow2 returns the smallest power of two >= n (minimum 1).
func nextPow2(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
