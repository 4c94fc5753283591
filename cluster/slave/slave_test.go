package slave

import (
	"context"
	"errors"
	"testing"

	"github.com/bohrium-go/bhcore/cluster/grid/localgrid"
	"github.com/bohrium-go/bhcore/cluster/wire"
	"github.com/bohrium-go/bhcore/registry"
)

func TestDispatchRegistersUserFunc(t *testing.T) {
	grids := localgrid.New(1)
	l := New(grids[0])

	done, err := l.dispatch(wire.MsgUfunc, &wire.UfuncMsg{ID: 5, Name: "my_reduce"})
	if err != nil {
		t.Fatalf("dispatch() error = %v", err)
	}
	if done {
		t.Fatalf("dispatch() done = true for UFUNC, want false")
	}
	if l.ufuncs[5] != "my_reduce" {
		t.Errorf("ufuncs[5] = %q, want my_reduce", l.ufuncs[5])
	}
}

func TestDispatchShutdownDrainsRegistry(t *testing.T) {
	grids := localgrid.New(1)
	l := New(grids[0])
	d1 := l.reg.NewBase(registry.Float64, []int64{2})
	d2 := l.reg.NewBase(registry.Float64, []int64{2})
	l.idSet[d1.ID] = struct{}{}
	l.idSet[d2.ID] = struct{}{}

	done, err := l.dispatch(wire.MsgShutdown, &wire.ShutdownMsg{})
	if err != nil {
		t.Fatalf("dispatch() error = %v", err)
	}
	if !done {
		t.Fatalf("dispatch() done = false for SHUTDOWN, want true")
	}
	if l.reg.Len() != 0 {
		t.Errorf("reg.Len() = %d after SHUTDOWN, want 0", l.reg.Len())
	}
}

func TestDispatchUnknownMessageIsFatal(t *testing.T) {
	grids := localgrid.New(1)
	l := New(grids[0])

	_, err := l.dispatch(wire.MsgType(255), "not a known message")
	if err == nil {
		t.Fatalf("dispatch() error = nil, want an unknown-message error")
	}
}

func TestRunAbortsOnRecvError(t *testing.T) {
	grids := localgrid.New(1)
	l := New(grids[0])

	wantErr := errors.New("connection reset")
	recv := func(ctx context.Context) ([]byte, error) { return nil, wantErr }

	err := l.Run(context.Background(), recv)
	if err == nil {
		t.Fatalf("Run() error = nil, want a wrapped recv error")
	}
}
