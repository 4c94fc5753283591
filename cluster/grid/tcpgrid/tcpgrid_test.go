package tcpgrid

import (
	"context"
	"net"
	"sync"
	"testing"

	"github.com/bohrium-go/bhcore/cluster/wire"
)

// newPipeGrid builds a world-rank tcpgrid using in-process net.Pipe
// connections instead of real sockets, so the framing and fan-out
// logic is exercised without binding ports.
func newPipeGrid(t *testing.T, world int) []*Grid {
	t.Helper()
	master := &Grid{rank: 0, world: world, peers: make([]net.Conn, world)}
	grids := make([]*Grid, world)
	grids[0] = master
	for i := 1; i < world; i++ {
		masterSide, peerSide := net.Pipe()
		master.peers[i] = masterSide
		grids[i] = &Grid{rank: i, world: world, up: peerSide}
	}
	return grids
}

func TestScatterDistributesSlicesOverPipes(t *testing.T) {
	grids := newPipeGrid(t, 3)
	defer func() {
		for _, g := range grids {
			g.Close()
		}
	}()

	masterBuf := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	counts, displs := wire.BytePartition(10, 3, 1)

	var wg sync.WaitGroup
	got := make([][]byte, 3)
	for i, g := range grids {
		wg.Add(1)
		go func(i int, g *Grid) {
			defer wg.Done()
			var buf []byte
			if i == 0 {
				buf = masterBuf
			}
			out, err := g.Scatter(context.Background(), buf, counts, displs)
			if err != nil {
				t.Errorf("rank %d: Scatter() error = %v", i, err)
				return
			}
			got[i] = out
		}(i, g)
	}
	wg.Wait()

	want := [][]byte{{0, 1, 2}, {3, 4, 5}, {6, 7, 8, 9}}
	for i := range want {
		if string(got[i]) != string(want[i]) {
			t.Errorf("rank %d slice = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestBroadcastDeliversSameValueOverPipes(t *testing.T) {
	grids := newPipeGrid(t, 3)
	defer func() {
		for _, g := range grids {
			g.Close()
		}
	}()

	payload := []byte("init-msg")

	var wg sync.WaitGroup
	results := make([][]byte, 3)
	for i, g := range grids {
		wg.Add(1)
		go func(i int, g *Grid) {
			defer wg.Done()
			var buf []byte
			if i == 0 {
				buf = payload
			}
			out, err := g.Broadcast(context.Background(), buf)
			if err != nil {
				t.Errorf("rank %d: Broadcast() error = %v", i, err)
				return
			}
			results[i] = out
		}(i, g)
	}
	wg.Wait()

	for i, r := range results {
		if string(r) != string(payload) {
			t.Errorf("rank %d broadcast result = %q, want %q", i, r, payload)
		}
	}
}

func TestGatherIsUnimplementedOnMasterAndPeers(t *testing.T) {
	grids := newPipeGrid(t, 2)
	defer func() {
		for _, g := range grids {
			g.Close()
		}
	}()

	for _, g := range grids {
		if _, err := g.Gather(context.Background(), nil, nil, nil); err != ErrGatherUnimplemented {
			t.Errorf("rank %d: Gather() error = %v, want ErrGatherUnimplemented", g.Rank(), err)
		}
	}
}

func TestRankAndWorldSize(t *testing.T) {
	grids := newPipeGrid(t, 4)
	defer func() {
		for _, g := range grids {
			g.Close()
		}
	}()
	for i, g := range grids {
		if g.Rank() != i {
			t.Errorf("Rank() = %d, want %d", g.Rank(), i)
		}
		if g.WorldSize() != 4 {
			t.Errorf("WorldSize() = %d, want 4", g.WorldSize())
		}
	}
}

func TestAbortClosesConnections(t *testing.T) {
	grids := newPipeGrid(t, 2)
	peer := grids[1]

	wantErr := ErrGatherUnimplemented // any sentinel works as the aborting cause
	if err := grids[0].Abort(wantErr); err != wantErr {
		t.Errorf("Abort() = %v, want %v", err, wantErr)
	}

	// Reading on the peer side should now fail since the master's end
	// of the pipe was closed by Abort.
	if _, err := peer.Broadcast(context.Background(), nil); err == nil {
		t.Errorf("Broadcast() on a peer whose master aborted succeeded, want error")
	}
}
