package session

import (
	"testing"
	"time"

	"tanklog/internal/core"
)

func TestGateCurrentUserRoundTrip(t *testing.T) {
	g := NewGate(NewMemoryStore())

	if _, err := g.CurrentUser(); err != ErrNotLoggedIn {
		t.Fatalf("empty gate: got %v, want ErrNotLoggedIn", err)
	}

	u := core.User{ID: 1, Username: "driver", DisplayName: "Driver One", PreferredCurrencyID: 2}
	if err := g.SetCurrentUser(u); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := g.CurrentUser()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != u {
		t.Fatalf("got %+v, want %+v", got, u)
	}
}

func TestGateCorruptedUserReadsAsLoggedOut(t *testing.T) {
	store := NewMemoryStore()
	store.Set(KeyCurrentUser, "{not json")
	g := NewGate(store)
	if _, err := g.CurrentUser(); err != ErrNotLoggedIn {
		t.Fatalf("got %v, want ErrNotLoggedIn", err)
	}
}

func TestUpdateCurrentUserMerges(t *testing.T) {
	g := NewGate(NewMemoryStore())
	g.SetCurrentUser(core.User{ID: 1, Username: "driver", Email: "d@example.com", PreferredCurrencyID: 2})

	got, err := g.UpdateCurrentUser(func(u core.User) core.User {
		u.PrimaryCarID = 5
		return u
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.PrimaryCarID != 5 {
		t.Fatalf("merge lost the new field: %+v", got)
	}
	if got.Email != "d@example.com" || got.PreferredCurrencyID != 2 {
		t.Fatalf("merge dropped untouched fields: %+v", got)
	}
}

func TestUpdateCurrentUserRequiresLogin(t *testing.T) {
	g := NewGate(NewMemoryStore())
	if _, err := g.UpdateCurrentUser(func(u core.User) core.User { return u }); err != ErrNotLoggedIn {
		t.Fatalf("got %v, want ErrNotLoggedIn", err)
	}
}

func TestMapLogsStash(t *testing.T) {
	g := NewGate(NewMemoryStore())

	if logs := g.MapLogs(); len(logs) != 0 {
		t.Fatalf("empty stash: got %v", logs)
	}

	in := []core.RefuelLog{{ID: 1, CarID: 2, Date: "2024-03-15"}}
	if err := g.StashMapLogs(in); err != nil {
		t.Fatalf("stash: %v", err)
	}
	got := g.MapLogs()
	if len(got) != 1 || got[0].ID != 1 {
		t.Fatalf("got %v", got)
	}
}

func TestClearWipesBothSlots(t *testing.T) {
	g := NewGate(NewMemoryStore())
	g.SetCurrentUser(core.User{ID: 1, Username: "driver"})
	g.StashMapLogs([]core.RefuelLog{{ID: 1}})

	g.Clear()

	if _, err := g.CurrentUser(); err != ErrNotLoggedIn {
		t.Fatal("user survived clear")
	}
	if logs := g.MapLogs(); len(logs) != 0 {
		t.Fatal("map logs survived clear")
	}
}

func TestManagerLifecycle(t *testing.T) {
	m := NewManager(time.Hour)

	token, gate, err := m.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if token == "" || gate == nil {
		t.Fatal("empty session")
	}

	gate.SetCurrentUser(core.User{ID: 1, Username: "driver"})

	again, err := m.Gate(token)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if u, err := again.CurrentUser(); err != nil || u.ID != 1 {
		t.Fatalf("state not shared: %v %v", u, err)
	}

	m.End(token)
	if _, err := m.Gate(token); err != ErrNoSession {
		t.Fatalf("got %v, want ErrNoSession", err)
	}
}

func TestManagerDistinctTokens(t *testing.T) {
	m := NewManager(time.Hour)
	t1, g1, _ := m.Begin()
	t2, g2, _ := m.Begin()
	if t1 == t2 {
		t.Fatal("tokens must be unique")
	}
	g1.SetCurrentUser(core.User{ID: 1, Username: "a"})
	if _, err := g2.CurrentUser(); err != ErrNotLoggedIn {
		t.Fatal("sessions must be isolated")
	}
}

func TestManagerReapsIdleSessions(t *testing.T) {
	m := NewManager(10 * time.Millisecond)
	token, _, _ := m.Begin()

	time.Sleep(20 * time.Millisecond)

	if n := m.Reap(); n != 1 {
		t.Fatalf("reaped %d, want 1", n)
	}
	if _, err := m.Gate(token); err != ErrNoSession {
		t.Fatalf("got %v, want ErrNoSession", err)
	}
}
