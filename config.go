package bhcore

import "github.com/bohrium-go/bhcore/internal/logging"

// defaultOCLDir is Bohrium's upstream default kernel-source install
// path, carried over unchanged (§6) since nothing in this port has a
// reason to relocate it.
const defaultOCLDir = "/opt/bohrium/lib/ocl_source"

// Config carries the knobs a Runtime needs at construction time:
// where to find OpenCL kernel sources, which cluster peers (if any)
// to join, and where to send logs/metrics. It mirrors the teacher's
// Options/DeviceParams pattern -- a plain value built by DefaultConfig
// and mutated by the caller before use, rather than a functional-
// options API.
type Config struct {
	// OCLDir is the directory the GPU resource layer looks in for
	// precompiled kernel source fragments. Kernel source bodies
	// themselves are out of scope for this runtime; OCLDir exists so
	// a real deployment can point at wherever Bohrium's own kernel
	// library was installed.
	OCLDir string

	// Peers lists the other ranks' dial addresses for cluster mode.
	// An empty Peers means single-process GPU-only operation: no
	// cluster/dispatch.Master or cluster/slave.Loop is constructed.
	// A non-empty Peers gives a world size of len(Peers)+1, so the
	// master path always runs with at least two ranks.
	Peers []string

	// ListenAddr is the address this process accepts its master's
	// connection on when it is joining as a cluster peer rather than
	// dialing out as the master (Peers is only consulted by rank 0;
	// every other rank sets ListenAddr instead).
	ListenAddr string

	// Rank and WorldSize identify this process within the cluster
	// when joining via ListenAddr. They are meaningless (and ignored)
	// on the master, whose rank is always 0 and whose world size is
	// derived from len(Peers)+1.
	Rank      int
	WorldSize int

	// Logger receives the runtime's own diagnostic output. Defaults
	// to the package's shared Default() logger if nil.
	Logger *logging.Logger

	// Observer receives the runtime's performance counters as it
	// runs. Defaults to a *Metrics-backed MetricsObserver if nil.
	Observer Observer
}

// DefaultConfig returns a Config for single-process GPU-only
// operation: no cluster peers, Bohrium's upstream kernel-source
// directory, and default logging/metrics.
func DefaultConfig() *Config {
	return &Config{
		OCLDir: defaultOCLDir,
	}
}
