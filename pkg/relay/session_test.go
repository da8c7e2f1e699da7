package relay

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"net/netip"
	"sync"
	"testing"

	"github.com/abdshomad/onebox-rs/pkg/wire"
)

// packetLog records writes as discrete packets.
type packetLog struct {
	pkts [][]byte
	err  error
}

func (l *packetLog) Write(p []byte) (int, error) {
	if l.err != nil {
		return 0, l.err
	}
	l.pkts = append(l.pkts, append([]byte(nil), p...))
	return len(p), nil
}

func newSession() *Session {
	t := NewTable()
	return t.Upsert(wire.ClientID{1}, netip.MustParseAddrPort("192.0.2.1:1000"))
}

func TestReorderTotalOrder(t *testing.T) {
	var wmu sync.Mutex

	// with the base sequence arriving first, any permutation of the rest
	// must come out complete and in order
	for trial := 0; trial < 50; trial++ {
		rng := rand.New(rand.NewSource(int64(trial)))
		start := rng.Uint64()
		n := 1 + rng.Intn(32)

		order := append([]int{0}, shifted(rng.Perm(n-1))...)
		s := newSession()
		var w packetLog

		for _, i := range order {
			seq := start + uint64(i)
			payload := []byte(fmt.Sprintf("pkt-%d", i))
			if _, err := s.pushData(seq, payload, &w, &wmu, 0); err != nil {
				t.Fatalf("trial %d: push: %v", trial, err)
			}
		}

		if len(w.pkts) != n {
			t.Fatalf("trial %d: expected %d writes, got %d", trial, n, len(w.pkts))
		}
		for i, p := range w.pkts {
			if exp := fmt.Sprintf("pkt-%d", i); string(p) != exp {
				t.Fatalf("trial %d: write %d: expected %q, got %q", trial, i, exp, p)
			}
		}
		if s.Buffered() != 0 {
			t.Fatalf("trial %d: %d payloads left buffered", trial, s.Buffered())
		}
	}
}

// shifted maps a permutation of [0,n) to a permutation of [1,n].
func shifted(p []int) []int {
	for i := range p {
		p[i]++
	}
	return p
}

func TestReorderStrictlyIncreasing(t *testing.T) {
	var wmu sync.Mutex

	// however datagrams arrive, once a sequence is written no earlier one
	// ever is
	for trial := 0; trial < 50; trial++ {
		rng := rand.New(rand.NewSource(int64(1000 + trial)))
		n := 2 + rng.Intn(32)

		s := newSession()
		var w packetLog

		for _, i := range rng.Perm(n) {
			if _, err := s.pushData(uint64(i), []byte(fmt.Sprintf("pkt-%d", i)), &w, &wmu, 0); err != nil {
				t.Fatalf("trial %d: push: %v", trial, err)
			}
		}

		last := -1
		for _, p := range w.pkts {
			var i int
			if _, err := fmt.Sscanf(string(p), "pkt-%d", &i); err != nil {
				t.Fatalf("trial %d: bad payload %q", trial, p)
			}
			if i <= last {
				t.Fatalf("trial %d: wrote %d after %d", trial, i, last)
			}
			last = i
		}
	}
}

func TestReorderBlocksOnGap(t *testing.T) {
	var wmu sync.Mutex
	s := newSession()
	var w packetLog

	// 10 arrives first and establishes the base; 12 is held behind missing 11
	s.pushData(10, []byte("ten"), &w, &wmu, 0)
	s.pushData(12, []byte("twelve"), &w, &wmu, 0)

	if len(w.pkts) != 1 || string(w.pkts[0]) != "ten" {
		t.Fatalf("unexpected writes %q", w.pkts)
	}
	if s.Buffered() != 1 {
		t.Fatalf("expected 1 buffered, got %d", s.Buffered())
	}

	s.pushData(11, []byte("eleven"), &w, &wmu, 0)
	if len(w.pkts) != 3 || string(w.pkts[1]) != "eleven" || string(w.pkts[2]) != "twelve" {
		t.Fatalf("unexpected writes %q", w.pkts)
	}
}

func TestReorderGapAdvance(t *testing.T) {
	var wmu sync.Mutex
	s := newSession()
	var w packetLog

	s.pushData(0, []byte("zero"), &w, &wmu, 3)

	// sequence 1 never arrives; once the buffer exceeds the cap, delivery
	// advances to the smallest buffered key
	var gapped bool
	for seq := uint64(2); seq <= 5; seq++ {
		g, err := s.pushData(seq, []byte(fmt.Sprintf("pkt-%d", seq)), &w, &wmu, 3)
		if err != nil {
			t.Fatal(err)
		}
		gapped = gapped || g
	}

	if !gapped {
		t.Fatal("expected a gap advance")
	}
	want := [][]byte{[]byte("zero"), []byte("pkt-2"), []byte("pkt-3"), []byte("pkt-4"), []byte("pkt-5")}
	if len(w.pkts) != len(want) {
		t.Fatalf("expected %d writes, got %d: %q", len(want), len(w.pkts), w.pkts)
	}
	for i := range want {
		if !bytes.Equal(w.pkts[i], want[i]) {
			t.Errorf("write %d: expected %q, got %q", i, want[i], w.pkts[i])
		}
	}
}

func TestReorderWriteErrorKeepsPayload(t *testing.T) {
	var wmu sync.Mutex
	s := newSession()
	w := packetLog{err: errors.New("tun gone")}

	if _, err := s.pushData(0, []byte("zero"), &w, &wmu, 0); err == nil {
		t.Fatal("expected error")
	}
	if s.Buffered() != 1 {
		t.Fatalf("failed payload not kept: %d buffered", s.Buffered())
	}

	// retry after the writer recovers: nothing lost, order preserved
	w.err = nil
	s.pushData(1, []byte("one"), &w, &wmu, 0)
	if len(w.pkts) != 2 || string(w.pkts[0]) != "zero" || string(w.pkts[1]) != "one" {
		t.Fatalf("unexpected writes %q", w.pkts)
	}
}

func TestReorderWrapAround(t *testing.T) {
	var wmu sync.Mutex
	s := newSession()
	var w packetLog

	max := ^uint64(0)
	s.pushData(max, []byte("last"), &w, &wmu, 0)
	s.pushData(0, []byte("wrapped"), &w, &wmu, 0)

	if len(w.pkts) != 2 || string(w.pkts[0]) != "last" || string(w.pkts[1]) != "wrapped" {
		t.Fatalf("unexpected writes %q", w.pkts)
	}
}

func TestTableUpsert(t *testing.T) {
	tbl := NewTable()
	id := wire.ClientID{7}
	a1 := netip.MustParseAddrPort("192.0.2.1:1000")
	a2 := netip.MustParseAddrPort("198.51.100.9:2000")

	s1 := tbl.Upsert(id, a1)
	if s1.Authenticated() {
		t.Error("new session is not pending")
	}
	if s1.LastSeen() != a1 {
		t.Errorf("last seen %v", s1.LastSeen())
	}

	// every datagram updates the address; the session object is stable
	s2 := tbl.Upsert(id, a2)
	if s1 != s2 {
		t.Error("upsert created a duplicate session")
	}
	if s2.LastSeen() != a2 {
		t.Errorf("last seen not updated: %v", s2.LastSeen())
	}
	if tbl.Len() != 1 {
		t.Errorf("expected 1 session, got %d", tbl.Len())
	}
}

func TestAuthenticateIdempotent(t *testing.T) {
	s := newSession()
	if !s.Authenticate() {
		t.Error("first authenticate did not report transition")
	}
	if s.Authenticate() {
		t.Error("re-authenticate reported transition")
	}
	if !s.Authenticated() {
		t.Error("session not authenticated")
	}
}

func TestFirstAuthenticated(t *testing.T) {
	tbl := NewTable()
	addr := netip.MustParseAddrPort("192.0.2.1:1000")

	if _, _, ok := tbl.FirstAuthenticated(); ok {
		t.Fatal("empty table returned a session")
	}

	tbl.Upsert(wire.ClientID{1}, addr)
	if _, _, ok := tbl.FirstAuthenticated(); ok {
		t.Fatal("pending session returned")
	}

	id := wire.ClientID{2}
	tbl.Upsert(id, addr).Authenticate()
	s, gid, ok := tbl.FirstAuthenticated()
	if !ok || gid != id || !s.Authenticated() {
		t.Fatalf("expected session %v, got %v ok=%v", id, gid, ok)
	}
}

func TestSnapshotDirty(t *testing.T) {
	tbl := NewTable()
	addr := netip.MustParseAddrPort("192.0.2.1:1000")
	s := tbl.Upsert(wire.ClientID{3}, addr)

	if rs := tbl.SnapshotDirty(false); len(rs) != 0 {
		t.Fatalf("clean session snapshotted: %+v", rs)
	}

	s.Authenticate()
	rs := tbl.SnapshotDirty(false)
	if len(rs) != 1 || !rs[0].Authenticated || rs[0].AuthCount != 1 {
		t.Fatalf("unexpected snapshot %+v", rs)
	}

	// dirty flag cleared by the flush
	if rs := tbl.SnapshotDirty(false); len(rs) != 0 {
		t.Fatalf("session still dirty after flush: %+v", rs)
	}
	if rs := tbl.SnapshotDirty(true); len(rs) != 1 {
		t.Fatalf("full snapshot missing session: %+v", rs)
	}
}
