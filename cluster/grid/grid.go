// Package grid defines the cluster process grid (C7): the thin
// collective-operations interface every rank joins on startup, and
// which the dispatch/slave layers drive without caring whether peers
// are in-process goroutines (localgrid) or real network peers
// (tcpgrid).
package grid

import "context"

// Grid is the process grid every rank joins on startup. Rank 0 is
// always the master. An error from any collective is fatal to the
// whole grid (§4.7): callers surface it to bherrors.ErrCodeCollectiveFailed
// and, on the master, call Abort.
type Grid interface {
	Rank() int
	WorldSize() int

	// Scatter splits buf across ranks according to counts/displs (in
	// bytes, one entry per rank) and returns this rank's slice. Called
	// on every rank; buf is only meaningful on the master (rank 0).
	Scatter(ctx context.Context, buf []byte, counts, displs []int64) ([]byte, error)

	// Gather is the inverse of Scatter: every rank contributes local,
	// and the master's return value is the concatenation in rank
	// order. Non-master ranks get a nil slice back.
	Gather(ctx context.Context, local []byte, counts, displs []int64) ([]byte, error)

	// Broadcast sends buf (meaningful only on the master) to every
	// rank and returns the value every rank, including the master,
	// should use from that point on.
	Broadcast(ctx context.Context, buf []byte) ([]byte, error)

	// Abort gives up on the grid because of err: it releases whatever
	// connections the implementation owns and returns err, which the
	// caller surfaces as fatal, per the propagation policy for
	// ErrCodeCollectiveFailed (§7).
	Abort(err error) error

	// Close releases any grid-owned resources (sockets, goroutines).
	Close() error
}
