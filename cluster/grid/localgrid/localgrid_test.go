package localgrid

import (
	"context"
	"sync"
	"testing"

	"github.com/bohrium-go/bhcore/cluster/wire"
)

func TestScatterDistributesSlices(t *testing.T) {
	grids := New(3)
	master := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	counts, displs := wire.BytePartition(10, 3, 1)

	var wg sync.WaitGroup
	got := make([][]byte, 3)
	for i, g := range grids {
		wg.Add(1)
		go func(i int, g *Grid) {
			defer wg.Done()
			var buf []byte
			if i == 0 {
				buf = master
			}
			out, err := g.Scatter(context.Background(), buf, counts, displs)
			if err != nil {
				t.Errorf("rank %d: Scatter() error = %v", i, err)
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

func TestGatherConcatenatesInRankOrder(t *testing.T) {
	grids := New(3)
	locals := [][]byte{{10}, {20, 21}, {30, 31, 32}}
	counts := []int64{1, 2, 3}
	displs := []int64{0, 1, 3}

	var wg sync.WaitGroup
	results := make([][]byte, 3)
	for i, g := range grids {
		wg.Add(1)
		go func(i int, g *Grid) {
			defer wg.Done()
			out, err := g.Gather(context.Background(), locals[i], counts, displs)
			if err != nil {
				t.Errorf("rank %d: Gather() error = %v", i, err)
			}
			results[i] = out
		}(i, g)
	}
	wg.Wait()

	want := []byte{10, 20, 21, 30, 31, 32}
	if string(results[0]) != string(want) {
		t.Errorf("master gather result = %v, want %v", results[0], want)
	}
	for i := 1; i < 3; i++ {
		if results[i] != nil {
			t.Errorf("rank %d gather result = %v, want nil on non-master ranks", i, results[i])
		}
	}
}

func TestBroadcastDeliversSameValueToAllRanks(t *testing.T) {
	grids := New(4)
	payload := []byte("init-msg")

	var wg sync.WaitGroup
	results := make([][]byte, 4)
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

func TestWorldSizeOneCompletesWithoutBlocking(t *testing.T) {
	grids := New(1)
	out, err := grids[0].Scatter(context.Background(), []byte{1, 2, 3, 4}, []int64{4}, []int64{0})
	if err != nil {
		t.Fatalf("Scatter() error = %v", err)
	}
	if string(out) != string([]byte{1, 2, 3, 4}) {
		t.Errorf("out = %v, want [1 2 3 4]", out)
	}
}

func TestRankAndWorldSize(t *testing.T) {
	grids := New(3)
	for i, g := range grids {
		if g.Rank() != i {
			t.Errorf("Rank() = %d, want %d", g.Rank(), i)
		}
		if g.WorldSize() != 3 {
			t.Errorf("WorldSize() = %d, want 3", g.WorldSize())
		}
	}
}
