// Package tcpgrid implements grid.Grid over plain TCP connections: the
// master dials every peer once at startup and keeps the connection
// open for the lifetime of the grid, fanning collectives out and back
// concurrently with golang.org/x/sync/errgroup the way bigmachine fans
// out work across its machines.
package tcpgrid

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ErrGatherUnimplemented is returned by a non-master Gather call and
// by the master's Gather until a peer confirms reverse-direction
// framing is safe to rely on. The source this runtime was distilled
// from left comm_slaves2master entirely commented out, so whether
// gather mirrors scatter's counts/displs in reverse is unspecified;
// tcpgrid does not guess at wire-compatible semantics for an
// unobserved code path (see the Open Questions). localgrid implements
// Gather for tests and the world_size=1 equivalence property; a real
// multi-process Gather is future work.
var ErrGatherUnimplemented = errors.New("tcpgrid: Gather is not implemented; see ErrGatherUnimplemented doc comment")

// Grid is a grid.Grid over TCP. The master (rank 0) holds one
// connection per peer; every other rank holds its single connection
// back to the master.
type Grid struct {
	rank  int
	world int

	mu    sync.Mutex
	peers []net.Conn // master-only: peers[i] is the connection to rank i (i>0); nil for rank 0
	up    net.Conn   // non-master: connection back to the master
}

// DialPeers is the master-side constructor: it dials every address in
// peerAddrs (indexed 1..world-1) and returns a Grid of the given
// world size once every peer accepts.
func DialPeers(ctx context.Context, peerAddrs []string) (*Grid, error) {
	world := len(peerAddrs) + 1
	g := &Grid{rank: 0, world: world, peers: make([]net.Conn, world)}

	var d net.Dialer
	for i, addr := range peerAddrs {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			g.Close()
			return nil, fmt.Errorf("tcpgrid: dial peer %d (%s): %w", i+1, addr, err)
		}
		g.peers[i+1] = conn
	}
	return g, nil
}

// Accept is the peer-side constructor: it accepts the master's
// connection on ln. The rank and world size are the caller's own
// values; nothing is read from the connection here. Each peer listens
// for exactly one inbound connection, from the master.
func Accept(ln net.Listener, rank, world int) (*Grid, error) {
	conn, err := ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("tcpgrid: accept from master: %w", err)
	}
	return &Grid{rank: rank, world: world, up: conn}, nil
}

func (g *Grid) Rank() int      { return g.rank }
func (g *Grid) WorldSize() int { return g.world }

// Scatter fans byte ranges out to every peer concurrently. On the
// master, buf/counts/displs describe the full transfer; each peer
// connection receives exactly its own counts[i]-byte slice. Non-master
// ranks read their slice off the single upstream connection.
func (g *Grid) Scatter(ctx context.Context, buf []byte, counts, displs []int64) ([]byte, error) {
	if g.rank != 0 {
		return readFramed(g.up)
	}

	eg, _ := errgroup.WithContext(ctx)
	out := make([]byte, counts[0])
	copy(out, buf[displs[0]:displs[0]+counts[0]])
	for i := 1; i < g.world; i++ {
		i := i
		eg.Go(func() error {
			slice := buf[displs[i] : displs[i]+counts[i]]
			return writeFramed(g.peers[i], slice)
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, fmt.Errorf("tcpgrid: scatter: %w", err)
	}
	return out, nil
}

// Gather is intentionally unimplemented; see ErrGatherUnimplemented.
func (g *Grid) Gather(ctx context.Context, local []byte, counts, displs []int64) ([]byte, error) {
	return nil, ErrGatherUnimplemented
}

// Broadcast sends buf to every peer concurrently and returns it
// unchanged on the master; non-master ranks read it off the upstream
// connection.
func (g *Grid) Broadcast(ctx context.Context, buf []byte) ([]byte, error) {
	if g.rank != 0 {
		return readFramed(g.up)
	}

	eg, _ := errgroup.WithContext(ctx)
	for i := 1; i < g.world; i++ {
		i := i
		eg.Go(func() error {
			return writeFramed(g.peers[i], buf)
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, fmt.Errorf("tcpgrid: broadcast: %w", err)
	}
	return buf, nil
}

// Abort closes every connection; the caller (dispatch.Master or
// slave.Loop) is responsible for surfacing err as fatal.
func (g *Grid) Abort(err error) error {
	g.Close()
	return err
}

func (g *Grid) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	var firstErr error
	if g.up != nil {
		firstErr = g.up.Close()
	}
	for _, p := range g.peers {
		if p != nil {
			if err := p.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// writeFramed writes a 4-byte little-endian length prefix followed by
// payload. wire.Marshal output carries no overall length of its own,
// so this prefix is what delimits one message on the stream.
func writeFramed(conn net.Conn, payload []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := conn.Write(payload)
	return err
}

func readFramed(conn net.Conn) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
