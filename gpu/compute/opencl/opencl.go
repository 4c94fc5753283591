// Package opencl implements compute.Resources over
// github.com/jgillich/go-opencl/cl. It probes the first GPU-typed
// platform/device pair at Open, builds an intersected DeviceLimits
// from it, and translates every compute.Resources call into the
// matching cl.Context/cl.CommandQueue/cl.Program call.
package opencl

import (
	"context"
	"fmt"
	"unsafe"

	"github.com/jgillich/go-opencl/cl"

	"github.com/bohrium-go/bhcore/gpu/compute"
)

// Resources is the OpenCL-backed compute.Resources implementation. It
// binds a single device for its lifetime.
type Resources struct {
	device  *cl.Device
	context *cl.Context
	queue   *cl.CommandQueue
	limits  compute.DeviceLimits
	shapes  compute.Shapes
}

// Open selects the first available GPU device (falling back to any
// device type if no GPU is present) across all platforms and opens an
// OpenCL context and command queue on it. Callers that require a GPU
// specifically should inspect the returned Resources' Limits and
// reject a CPU fallback themselves; Open never fails solely because
// only a CPU device was found, since cphVB's original behaviour was to
// run VE_GPU against whatever OpenCL device was configured.
func Open() (*Resources, error) {
	platforms, err := cl.GetPlatforms()
	if err != nil {
		return nil, fmt.Errorf("opencl: get platforms: %w", err)
	}
	if len(platforms) == 0 {
		return nil, fmt.Errorf("opencl: no platforms available")
	}

	device, err := firstDevice(platforms, cl.DeviceTypeGPU)
	if err != nil {
		device, err = firstDevice(platforms, cl.DeviceTypeAll)
		if err != nil {
			return nil, fmt.Errorf("opencl: no usable device: %w", err)
		}
	}

	ctx, err := cl.CreateContext([]*cl.Device{device})
	if err != nil {
		return nil, fmt.Errorf("opencl: create context: %w", err)
	}
	queue, err := ctx.CreateCommandQueue(device, 0)
	if err != nil {
		return nil, fmt.Errorf("opencl: create command queue: %w", err)
	}

	limits := deviceLimits(device)
	return &Resources{
		device:  device,
		context: ctx,
		queue:   queue,
		limits:  limits,
		shapes:  compute.LocalShapes(limits),
	}, nil
}

func firstDevice(platforms []*cl.Platform, t cl.DeviceType) (*cl.Device, error) {
	for _, p := range platforms {
		devices, err := p.GetDevices(t)
		if err != nil || len(devices) == 0 {
			continue
		}
		return devices[0], nil
	}
	return nil, fmt.Errorf("no device of type %v found on any platform", t)
}

func deviceLimits(d *cl.Device) compute.DeviceLimits {
	sizes := d.MaxWorkItemSizes()
	limits := compute.DeviceLimits{
		MaxWorkGroupSize: d.MaxWorkGroupSize(),
		GlobalMemBytes:   d.GlobalMemSize(),
		LocalMemBytes:    d.LocalMemSize(),
		MaxComputeUnits:  d.MaxComputeUnits(),
		SupportsFloat64:  hasExtension(d, "cl_khr_fp64"),
		SupportsFloat16:  hasExtension(d, "cl_khr_fp16"),
	}
	for i := 0; i < 3 && i < len(sizes); i++ {
		limits.MaxWorkItemSizes[i] = sizes[i]
	}
	return limits
}

func hasExtension(d *cl.Device, name string) bool {
	for _, ext := range d.Extensions() {
		if ext == name {
			return true
		}
	}
	return false
}

func (r *Resources) Limits() compute.DeviceLimits { return r.limits }
func (r *Resources) Shapes() compute.Shapes       { return r.shapes }

// Release tears down the command queue and context.
func (r *Resources) Release() error {
	r.queue.Release()
	r.context.Release()
	return nil
}

type buffer struct {
	clBuf *cl.MemObject
	size  int
}

func (b *buffer) Bytes() int { return b.size }

// CreateBuffer allocates a read-write device buffer.
func (r *Resources) CreateBuffer(sizeBytes int) (compute.Buffer, error) {
	clBuf, err := r.context.CreateEmptyBuffer(cl.MemReadWrite, sizeBytes)
	if err != nil {
		return nil, fmt.Errorf("opencl: create buffer: %w", err)
	}
	return &buffer{clBuf: clBuf, size: sizeBytes}, nil
}

type event struct {
	clEvent *cl.Event
}

func (e *event) Wait(ctx context.Context) error {
	if e.clEvent == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- e.clEvent.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func waitList(events []compute.Event) []*cl.Event {
	if len(events) == 0 {
		return nil
	}
	out := make([]*cl.Event, 0, len(events))
	for _, e := range events {
		if ce, ok := e.(*event); ok && ce.clEvent != nil {
			out = append(out, ce.clEvent)
		}
	}
	return out
}

// EnqueueWrite copies host into buf asynchronously.
func (r *Resources) EnqueueWrite(buf compute.Buffer, host []byte, waitFor []compute.Event) (compute.Event, error) {
	b := buf.(*buffer)
	if len(host) == 0 {
		return &event{}, nil
	}
	ptr := unsafe.Pointer(&host[0])
	clEvent, err := r.queue.EnqueueWriteBuffer(b.clBuf, false, 0, len(host), ptr, waitList(waitFor))
	if err != nil {
		return nil, fmt.Errorf("opencl: enqueue write: %w", err)
	}
	return &event{clEvent: clEvent}, nil
}

// EnqueueReadBlocking copies buf into host and blocks until complete.
func (r *Resources) EnqueueReadBlocking(ctx context.Context, buf compute.Buffer, host []byte, waitFor []compute.Event) error {
	b := buf.(*buffer)
	if len(host) == 0 {
		return nil
	}
	ptr := unsafe.Pointer(&host[0])
	_, err := r.queue.EnqueueReadBuffer(b.clBuf, true, 0, len(host), ptr, waitList(waitFor))
	if err != nil {
		return fmt.Errorf("opencl: enqueue read: %w", err)
	}
	return nil
}

type kernel struct {
	name   string
	clKern *cl.Kernel
}

func (k *kernel) Name() string { return k.name }

// Compile builds an OpenCL C program and returns the requested
// kernels. Kernel source text is out of scope for this runtime (see
// the Non-goals): callers supply complete, already-generated OpenCL C.
func (r *Resources) Compile(source string, kernelNames []string) (map[string]compute.CompiledKernel, string, error) {
	program, err := r.context.CreateProgramWithSource([]string{source})
	if err != nil {
		return nil, "", fmt.Errorf("opencl: create program: %w", err)
	}
	buildErr := program.BuildProgram([]*cl.Device{r.device}, "")
	log, _ := program.GetBuildLog(r.device)
	if buildErr != nil {
		return nil, log, fmt.Errorf("opencl: build program: %w", buildErr)
	}

	out := make(map[string]compute.CompiledKernel, len(kernelNames))
	for _, name := range kernelNames {
		k, err := program.CreateKernel(name)
		if err != nil {
			return nil, log, fmt.Errorf("opencl: create kernel %q: %w", name, err)
		}
		out[name] = &kernel{name: name, clKern: k}
	}
	return out, log, nil
}

// EnqueueNDRange binds args to kernel and dispatches it over global/local.
func (r *Resources) EnqueueNDRange(k compute.CompiledKernel, args []compute.Buffer, global, local []int, waitFor []compute.Event) (compute.Event, error) {
	ck := k.(*kernel)
	clArgs := make([]interface{}, len(args))
	for i, a := range args {
		clArgs[i] = a.(*buffer).clBuf
	}
	if err := ck.clKern.SetArgs(clArgs...); err != nil {
		return nil, fmt.Errorf("opencl: set kernel args for %q: %w", ck.name, err)
	}
	clEvent, err := r.queue.EnqueueNDRangeKernel(ck.clKern, nil, global, local, waitList(waitFor))
	if err != nil {
		return nil, fmt.Errorf("opencl: enqueue ndrange for %q: %w", ck.name, err)
	}
	return &event{clEvent: clEvent}, nil
}
