package bond

import (
	"testing"
	"time"
)

func TestLossPercent(t *testing.T) {
	for _, c := range []struct {
		sent, recv uint64
		exp        float64
	}{
		{0, 0, 0},
		{10, 10, 0},
		{10, 5, 50},
		{4, 0, 100},
		{3, 2, 100.0 / 3},
	} {
		s := LinkStats{ProbesSent: c.sent, ProbesReceived: c.recv}
		if g := s.LossPercent(); g != c.exp {
			t.Errorf("loss(%d, %d): expected %g, got %g", c.sent, c.recv, c.exp, g)
		}
	}
}

func TestActiveLinksUnique(t *testing.T) {
	var a ActiveLinks
	w0, w1 := Link{Name: "wan0"}, Link{Name: "wan1"}

	// arbitrary interleaving of up/down transitions must never produce a
	// duplicate entry
	for _, op := range []struct {
		add  bool
		link Link
	}{
		{true, w0}, {true, w0}, {true, w1},
		{false, w0}, {true, w0}, {true, w0},
		{false, w1}, {false, w1}, {true, w1}, {true, w1},
	} {
		if op.add {
			a.Add(op.link)
		} else {
			a.Remove(op.link.Name)
		}

		seen := map[string]int{}
		for _, l := range a.Snapshot() {
			seen[l.Name]++
		}
		for n, c := range seen {
			if c > 1 {
				t.Fatalf("link %q appears %d times in active set", n, c)
			}
		}
	}

	if a.Len() != 2 {
		t.Errorf("expected 2 active links, got %d", a.Len())
	}
}

func TestActiveLinksRemoveMissing(t *testing.T) {
	var a ActiveLinks
	a.Add(Link{Name: "wan0"})
	a.Remove("wan9")
	if a.Len() != 1 {
		t.Errorf("expected 1 active link, got %d", a.Len())
	}
}

func TestStatsSnapshotSorted(t *testing.T) {
	s := NewStats([]string{"wan1", "wan0", "wan2"})
	s.With("wan2", func(ls *LinkStats) {
		ls.Status = StatusUp
		ls.RTT = 30 * time.Millisecond
		ls.ProbesSent = 10
		ls.ProbesReceived = 9
	})

	rs := s.Snapshot()
	if len(rs) != 3 {
		t.Fatalf("expected 3 reports, got %d", len(rs))
	}
	for i, exp := range []string{"wan0", "wan1", "wan2"} {
		if rs[i].Name != exp {
			t.Errorf("report %d: expected %q, got %q", i, exp, rs[i].Name)
		}
	}
	if rs[2].Status != StatusUp || rs[2].RTT != 30*time.Millisecond || rs[2].LossPercent != 10 {
		t.Errorf("unexpected wan2 report %+v", rs[2])
	}
	if rs[0].Status != StatusUnknown {
		t.Errorf("expected wan0 unknown, got %v", rs[0].Status)
	}
}

func TestStatsWithUnknownName(t *testing.T) {
	s := NewStats([]string{"wan0"})
	called := false
	s.With("wan9", func(*LinkStats) { called = true })
	if called {
		t.Error("With ran fn for an unknown link")
	}
}
