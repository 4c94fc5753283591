package bhcore

import (
	"context"
	"fmt"
	"net"

	"github.com/bohrium-go/bhcore/cluster/dispatch"
	"github.com/bohrium-go/bhcore/cluster/grid"
	"github.com/bohrium-go/bhcore/cluster/grid/tcpgrid"
	"github.com/bohrium-go/bhcore/cluster/slave"
	"github.com/bohrium-go/bhcore/gpu/compute"
	"github.com/bohrium-go/bhcore/gpu/compute/opencl"
	"github.com/bohrium-go/bhcore/gpu/scheduler"
	"github.com/bohrium-go/bhcore/instr"
	"github.com/bohrium-go/bhcore/internal/logging"
	"github.com/bohrium-go/bhcore/registry"
)

// Runtime is the top-level handle a caller holds: it owns the array
// registry, the instruction queue, and exactly one backend -- a GPU
// scheduler for single-process operation, or a cluster dispatch
// master for a multi-rank run -- per §5's single-active-backend
// model. Construction order follows the Design Notes' init sequence:
// resource layer, then registry, then queue, then backend; teardown
// happens in the reverse order.
type Runtime struct {
	cfg *Config
	reg *registry.Registry
	q   *Queue

	res compute.Resources // nil in cluster mode
	sch *scheduler.Scheduler // nil in cluster mode

	g      grid.Grid     // nil in single-process GPU mode
	master *dispatch.Master // nil unless this rank is the cluster master

	metrics  *Metrics
	observer Observer
	logger   *logging.Logger
}

// NewRuntime constructs a Runtime from cfg. In single-process mode
// (cfg.Peers and cfg.ListenAddr both empty) it opens a real OpenCL
// device via gpu/compute/opencl and wires a gpu/scheduler.Scheduler.
// In cluster mode it instead joins the process grid over TCP --
// dialing every peer and wiring a cluster/dispatch.Master if this
// process is rank 0 (cfg.Peers set), or accepting the master's
// connection and starting a cluster/slave.Loop if it is a peer
// (cfg.ListenAddr set). A nil cfg is replaced by DefaultConfig().
func NewRuntime(ctx context.Context, cfg *Config) (*Runtime, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	metrics := NewMetrics()
	observer := cfg.Observer
	if observer == nil {
		observer = NewMetricsObserver(metrics)
	}

	reg := registry.New()
	rt := &Runtime{
		cfg:      cfg,
		reg:      reg,
		q:        NewQueue(),
		metrics:  metrics,
		observer: observer,
		logger:   logger,
	}

	switch {
	case len(cfg.Peers) > 0:
		g, err := tcpgrid.DialPeers(ctx, cfg.Peers)
		if err != nil {
			return nil, Wrap("NewRuntime", ErrCodeCollectiveFailed, err)
		}
		rt.g = g
		rt.master = dispatch.NewMaster(g, reg)
		rt.q.Attach(rt.flushCluster)
		logger.Infof("bhcore: joined cluster as master, world_size=%d", g.WorldSize())

	case cfg.ListenAddr != "":
		ln, err := net.Listen("tcp", cfg.ListenAddr)
		if err != nil {
			return nil, Wrap("NewRuntime", ErrCodeCollectiveFailed, err)
		}
		defer ln.Close()
		g, err := tcpgrid.Accept(ln, cfg.Rank, cfg.WorldSize)
		if err != nil {
			return nil, Wrap("NewRuntime", ErrCodeCollectiveFailed, err)
		}
		rt.g = g
		logger.Infof("bhcore: joined cluster as rank %d/%d", cfg.Rank, cfg.WorldSize)
		loop := slave.New(g)
		go func() {
			if err := loop.Run(context.Background(), func(ctx context.Context) ([]byte, error) {
				return g.Broadcast(ctx, nil)
			}); err != nil {
				logger.Errorf("bhcore: slave loop exited: %v", err)
			}
		}()
		// A peer process has no queue of its own to drive -- it only
		// answers the master's broadcasts -- so NewRuntime returns
		// here without a scheduler or dispatch.Master attached.
		return rt, nil

	default:
		res, err := opencl.Open()
		if err != nil {
			return nil, Wrap("NewRuntime", ErrCodeNoGPUPlatform, err)
		}
		rt.res = res
		rt.sch = scheduler.New(res, reg)
		rt.q.Attach(rt.flushGPU)
	}

	return rt, nil
}

// Wrap wraps err as a *bherrors.Error under op/code, for constructors
// that need to translate a lower-layer failure (net.Dial, opencl.Open)
// into the closed ErrorCode enum before it ever reaches a caller.
func Wrap(op string, code ErrorCode, err error) error {
	return &Error{Op: op, Code: code, Msg: err.Error(), Inner: err}
}

func (rt *Runtime) flushGPU(list []instr.Instruction) error {
	surfaced, err := rt.sch.Schedule(context.Background(), list)
	for _, serr := range surfaced {
		rt.observer.ObserveError(Code(serr))
	}
	if err != nil {
		rt.observer.ObserveError(Code(err))
		return err
	}
	if len(surfaced) > 0 {
		return fmt.Errorf("bhcore: %d instruction(s) surfaced an error; first: %w", len(surfaced), surfaced[0])
	}
	return nil
}

func (rt *Runtime) flushCluster(list []instr.Instruction) error {
	ctx := context.Background()
	if rt.g.WorldSize() == 1 {
		return rt.master.ExecLocal(ctx, list)
	}
	return rt.master.Exec(ctx, list)
}

// Registry exposes the Runtime's array registry, e.g. so a front-end
// surface built on top of Runtime can allocate and resolve
// descriptors itself before enqueuing instructions.
func (rt *Runtime) Registry() *registry.Registry { return rt.reg }

// Queue exposes the Runtime's instruction queue.
func (rt *Runtime) Queue() *Queue { return rt.q }

// Metrics exposes the Runtime's built-in metrics, regardless of
// whether cfg.Observer replaced it as the active Observer.
func (rt *Runtime) Metrics() *Metrics { return rt.metrics }

// ForceFlush drains the queue and, in GPU mode, blocks until any
// active batch's launch event has completed (the reconstructed
// forceFlush contract of §9). In cluster mode it is equivalent to a
// plain Flush, since the master's Exec/ExecLocal calls are already
// synchronous with respect to the cluster's collectives.
func (rt *Runtime) ForceFlush(ctx context.Context) error {
	if err := rt.q.Flush(); err != nil {
		return err
	}
	if rt.sch != nil {
		return rt.sch.ForceFlush(ctx)
	}
	return nil
}

// Close tears the Runtime down in the reverse of its construction
// order: flush whatever is pending, then release the GPU resource
// layer or shut the cluster down. The registry is left as it is.
func (rt *Runtime) Close(ctx context.Context) error {
	defer rt.metrics.Stop()

	var ferr error
	if err := rt.q.Flush(); err != nil {
		ferr = err
	}

	switch {
	case rt.master != nil:
		if err := rt.master.Shutdown(ctx); err != nil && ferr == nil {
			ferr = err
		}
		if err := rt.g.Close(); err != nil && ferr == nil {
			ferr = err
		}
	case rt.res != nil:
		if err := rt.res.Release(); err != nil && ferr == nil {
			ferr = err
		}
	}

	return ferr
}
