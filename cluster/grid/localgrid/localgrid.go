// Package localgrid implements an in-process grid.Grid: every rank is
// a goroutine in the same process, and collectives rendezvous through
// a shared hub instead of a network. It is meant for tests and the
// `world_size = 1` cluster-equivalence property, not production use.
package localgrid

import (
	"context"
	"fmt"
	"sync"
)

// Hub is the shared rendezvous point every rank's Grid handle joins.
// Each collective call blocks until every rank has arrived for the
// current generation, then all unblock together with their
// per-rank share of the result.
type Hub struct {
	world int

	mu      sync.Mutex
	cond    *sync.Cond
	gen     int
	arrived int
	contrib [][]byte
	result  [][]byte
	err     error
}

// New builds a Hub for world ranks and returns a grid.Grid handle for
// each one, indexed by rank.
func New(world int) []*Grid {
	h := &Hub{world: world, contrib: make([][]byte, world)}
	h.cond = sync.NewCond(&h.mu)
	grids := make([]*Grid, world)
	for i := range grids {
		grids[i] = &Grid{hub: h, rank: i}
	}
	return grids
}

// Grid is one rank's handle onto a shared Hub.
type Grid struct {
	hub  *Hub
	rank int
}

func (g *Grid) Rank() int      { return g.rank }
func (g *Grid) WorldSize() int { return g.hub.world }

func (g *Grid) Scatter(ctx context.Context, buf []byte, counts, displs []int64) ([]byte, error) {
	return g.hub.barrier(g.rank, buf, func(contrib [][]byte) ([][]byte, error) {
		master := contrib[0]
		out := make([][]byte, g.hub.world)
		for i, c := range counts {
			start := displs[i]
			if start+c > int64(len(master)) {
				return nil, fmt.Errorf("localgrid: scatter slice [%d:%d] overflows %d-byte buffer", start, start+c, len(master))
			}
			out[i] = master[start : start+c]
		}
		return out, nil
	})
}

func (g *Grid) Gather(ctx context.Context, local []byte, counts, displs []int64) ([]byte, error) {
	return g.hub.barrier(g.rank, local, func(contrib [][]byte) ([][]byte, error) {
		var total int64
		for _, c := range counts {
			total += c
		}
		combined := make([]byte, total)
		for i, c := range counts {
			copy(combined[displs[i]:displs[i]+c], contrib[i])
		}
		out := make([][]byte, g.hub.world)
		out[0] = combined
		return out, nil
	})
}

func (g *Grid) Broadcast(ctx context.Context, buf []byte) ([]byte, error) {
	return g.hub.barrier(g.rank, buf, func(contrib [][]byte) ([][]byte, error) {
		v := contrib[0]
		out := make([][]byte, g.hub.world)
		for i := range out {
			out[i] = v
		}
		return out, nil
	})
}

func (g *Grid) Abort(err error) error { return err }
func (g *Grid) Close() error          { return nil }

// barrier submits this rank's contribution for the current
// generation and blocks until every rank has arrived, at which point
// the last arrival invokes combine over all world contributions and
// everyone wakes with their own share of its result.
func (h *Hub) barrier(rank int, contribution []byte, combine func([][]byte) ([][]byte, error)) ([]byte, error) {
	h.mu.Lock()
	myGen := h.gen
	h.contrib[rank] = contribution
	h.arrived++
	if h.arrived == h.world {
		res, err := combine(h.contrib)
		h.result = res
		h.err = err
		h.gen++
		h.arrived = 0
		h.contrib = make([][]byte, h.world)
		h.cond.Broadcast()
	} else {
		for h.gen == myGen {
			h.cond.Wait()
		}
	}
	err := h.err
	var out []byte
	if err == nil && h.result != nil {
		out = h.result[rank]
	}
	h.mu.Unlock()
	return out, err
}
