// Command bhcore-demo exercises a Runtime end to end: it allocates an
// array, enqueues a few lazily-scheduled instructions, forces a SYNC,
// and prints the result -- either against a local OpenCL device, or,
// with -peers/-listen, as one rank of a cluster.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/bohrium-go/bhcore"
	"github.com/bohrium-go/bhcore/instr"
	"github.com/bohrium-go/bhcore/internal/logging"
	"github.com/bohrium-go/bhcore/registry"
)

func main() {
	var (
		sizeStr = flag.String("size", "8", "Number of elements in the demo array")
		verbose = flag.Bool("v", false, "Verbose output")
		peers   = flag.String("peers", "", "Comma-separated peer addresses; this process becomes the cluster master")
		listen  = flag.String("listen", "", "Address to accept the master's connection on; this process becomes a cluster peer")
		rank    = flag.Int("rank", 0, "This process's rank, when -listen is set")
		world   = flag.Int("world", 1, "Total world size, when -listen is set")
	)
	flag.Parse()

	n, err := strconv.Atoi(*sizeStr)
	if err != nil || n <= 0 {
		log.Fatalf("invalid -size %q: %v", *sizeStr, err)
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	cfg := bhcore.DefaultConfig()
	cfg.Logger = logger
	if *peers != "" {
		cfg.Peers = strings.Split(*peers, ",")
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
		cfg.Rank = *rank
		cfg.WorldSize = *world
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := bhcore.NewRuntime(ctx, cfg)
	if err != nil {
		logger.Error("failed to start runtime", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := rt.Close(context.Background()); err != nil {
			logger.Error("error closing runtime", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if *listen != "" {
		logger.Info("running as cluster peer", "rank", *rank, "world_size", *world)
		fmt.Printf("Peer rank %d/%d running; press Ctrl+C to stop...\n", *rank, *world)
		<-sigCh
		logger.Info("received shutdown signal")
		return
	}

	reg := rt.Registry()
	a := reg.NewBase(registry.Float64, []int64{int64(n)})
	writeF64(a, make([]float64, n)) // zeroed, explicit for readability

	for i := 0; i < 3; i++ {
		rt.Queue().Enqueue(instr.Add(instr.ArrayOperand(a.ID), instr.ArrayOperand(a.ID), instr.ImmOperand(1)))
	}
	if err := rt.Queue().Enqueue(instr.Sync(a.ID)); err != nil {
		logger.Error("sync failed", "error", err)
		os.Exit(1)
	}

	fmt.Printf("a = %v (expected all %d.0)\n", readF64Slice(a), 3)

	snap := rt.Metrics().Snapshot()
	fmt.Printf("batches dispatched: %d, kernels compiled: %d, kernels cached: %d\n",
		snap.BatchesDispatched, snap.KernelsCompiled, snap.KernelsCached)

	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
	default:
	}
}

func writeF64(d *registry.Descriptor, vals []float64) {
	for i, v := range vals {
		binary.LittleEndian.PutUint64(d.Data[i*8:(i+1)*8], math.Float64bits(v))
	}
}

func readF64Slice(d *registry.Descriptor) []float64 {
	n := len(d.Data) / 8
	out := make([]float64, n)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(d.Data[i*8 : (i+1)*8]))
	}
	return out
}
