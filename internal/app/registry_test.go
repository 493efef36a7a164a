package app

import (
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/dkeye/Spatial/internal/core"
	"github.com/dkeye/Spatial/internal/domain"
)

func newTestRegistry(t *testing.T) (*Registry, map[domain.PeerID]*fakeConn) {
	t.Helper()
	conns := make(map[domain.PeerID]*fakeConn)
	reg := NewRegistry(func(state domain.PeerState, role domain.Role) (*PeerSession, error) {
		c := &fakeConn{}
		conns[state.ID] = c
		return NewPeerSession(state, role, c, SessionConfig{Sender: &fakeSender{}}), nil
	})
	t.Cleanup(reg.Close)
	return reg, conns
}

func TestRegistryCreateLookupRemove(t *testing.T) {
	reg, conns := newTestRegistry(t)
	ctx := t.Context()

	sess, err := reg.Create(ctx, domain.PeerState{ID: 3}, domain.Polite)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got, err := reg.Lookup(3); err != nil || got != sess {
		t.Fatalf("lookup = %v, %v", got, err)
	}
	if got := sess.Phase(); got != domain.Stable {
		t.Fatalf("new session phase = %v", got)
	}

	if _, err := reg.Create(ctx, domain.PeerState{ID: 3}, domain.Impolite); !errors.Is(err, core.ErrAlreadyExists) {
		t.Fatalf("duplicate create = %v", err)
	}
	if got, _ := reg.Lookup(3); got.Role() != domain.Polite {
		t.Fatal("duplicate create replaced the original session")
	}

	if !reg.Remove(3) {
		t.Fatal("remove returned false")
	}
	if !conns[3].snapshot().closed {
		t.Fatal("connection not closed on remove")
	}
	if _, err := reg.Lookup(3); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("lookup after remove = %v", err)
	}
	if reg.Remove(3) {
		t.Fatal("second remove returned true")
	}
}

func TestRegistryRemoveSessionIgnoresReplacement(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := t.Context()

	old, _ := reg.Create(ctx, domain.PeerState{ID: 1}, domain.Impolite)
	reg.Remove(1)
	fresh, err := reg.Create(ctx, domain.PeerState{ID: 1}, domain.Impolite)
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if reg.RemoveSession(old) {
		t.Fatal("removed a replacement session")
	}
	if got, _ := reg.Lookup(1); got != fresh {
		t.Fatal("replacement lost")
	}
}

func TestRegistryOperationsCommute(t *testing.T) {
	type op struct {
		create bool
		id     domain.PeerID
	}
	rng := rand.New(rand.NewPCG(1, 2))

	for round := 0; round < 50; round++ {
		var ops []op
		for i := 0; i < 20; i++ {
			ops = append(ops, op{create: rng.IntN(2) == 0, id: domain.PeerID(rng.IntN(5) + 1)})
		}

		// Operations on distinct ids commute: replaying them grouped by id
		// must leave the same set of live sessions.
		apply := func(order []op) []domain.PeerID {
			reg, _ := newTestRegistry(t)
			for _, o := range order {
				if o.create {
					_, _ = reg.Create(t.Context(), domain.PeerState{ID: o.id}, domain.Polite)
				} else {
					reg.Remove(o.id)
				}
			}
			return reg.IDs()
		}

		grouped := make([]op, 0, len(ops))
		for id := domain.PeerID(5); id >= 1; id-- {
			for _, o := range ops {
				if o.id == id {
					grouped = append(grouped, o)
				}
			}
		}

		a, b := apply(ops), apply(grouped)
		if len(a) != len(b) {
			t.Fatalf("round %d: %v vs %v", round, a, b)
		}
		for i := range a {
			if a[i] != b[i] {
				t.Fatalf("round %d: %v vs %v", round, a, b)
			}
		}
	}
}

func TestRegistrySnapshotSorted(t *testing.T) {
	reg, _ := newTestRegistry(t)
	for _, id := range []domain.PeerID{9, 2, 5} {
		if _, err := reg.Create(t.Context(), domain.PeerState{ID: id, Pos: domain.Position{X: float64(id)}}, domain.Impolite); err != nil {
			t.Fatalf("create %d: %v", id, err)
		}
	}
	snap := reg.Snapshot()
	if len(snap) != 3 || snap[0].ID != 2 || snap[1].ID != 5 || snap[2].ID != 9 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap[2].Pos.X != 9 || snap[2].Role != domain.Impolite {
		t.Fatalf("snapshot entry = %+v", snap[2])
	}

	reg.Close()
	if reg.Len() != 0 {
		t.Fatalf("len after close = %d", reg.Len())
	}
}
