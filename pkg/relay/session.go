package relay

import (
	"io"
	"net/netip"
	"sync"
	"time"

	"github.com/abdshomad/onebox-rs/pkg/wire"
)

// AuthStatus is the authentication state of a client session.
type AuthStatus int

const (
	AuthPending AuthStatus = iota
	AuthAuthenticated
)

func (a AuthStatus) String() string {
	if a == AuthAuthenticated {
		return "authenticated"
	}
	return "pending"
}

// Session is the per-client state kept by the server. Sessions are created on
// first sight of a client id and never evicted.
type Session struct {
	mu       sync.Mutex
	auth     AuthStatus
	lastSeen netip.AddrPort

	// reorder buffer: decrypted payloads keyed by sequence number
	buf      map[uint64][]byte
	next     uint64
	haveNext bool

	// accounting
	firstSeenAt time.Time
	lastSeenAt  time.Time
	authCount   uint64
	dataUp      uint64
	bytesUp     uint64
	dataDown    uint64
	bytesDown   uint64
	dirty       bool
}

// Authenticate marks the session authenticated, reporting whether this was
// the transition from pending.
func (s *Session) Authenticate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authCount++
	s.dirty = true
	if s.auth == AuthAuthenticated {
		return false
	}
	s.auth = AuthAuthenticated
	return true
}

// Authenticated reports whether the session has completed the handshake.
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auth == AuthAuthenticated
}

// LastSeen returns the source address of the most recent datagram from this
// client.
func (s *Session) LastSeen() netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

func (s *Session) touch(peer netip.AddrPort, now time.Time) {
	s.mu.Lock()
	s.lastSeen = peer
	s.lastSeenAt = now
	s.mu.Unlock()
}

// noteDownstream records one emitted downstream datagram.
func (s *Session) noteDownstream(n int) {
	s.mu.Lock()
	s.dataDown++
	s.bytesDown += uint64(n)
	s.dirty = true
	s.mu.Unlock()
}

// pushData inserts a decrypted payload into the reorder buffer and drains
// every in-order payload to w, serializing writes through wmu. Payloads reach
// w strictly in increasing sequence order with no gaps; a missing sequence
// blocks delivery of later ones until it arrives.
//
// max bounds the buffer as a local safety policy: when exceeded, delivery
// advances to the smallest buffered sequence and the gap is reported via the
// return value. A write error leaves the failed payload buffered and stops
// draining; it is fatal for the caller.
func (s *Session) pushData(seq uint64, payload []byte, w io.Writer, wmu *sync.Mutex, max int) (gapped bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dataUp++
	s.bytesUp += uint64(len(payload))
	s.dirty = true
	s.buf[seq] = payload

	if !s.haveNext {
		s.next = s.smallestBuffered()
		s.haveNext = true
	}

	if err = s.drainLocked(w, wmu); err != nil {
		return false, err
	}

	if max > 0 && len(s.buf) > max {
		s.next = s.smallestBuffered()
		gapped = true
		if err = s.drainLocked(w, wmu); err != nil {
			return gapped, err
		}
	}
	return gapped, nil
}

func (s *Session) drainLocked(w io.Writer, wmu *sync.Mutex) error {
	for {
		p, ok := s.buf[s.next]
		if !ok {
			return nil
		}
		wmu.Lock()
		_, err := w.Write(p)
		wmu.Unlock()
		if err != nil {
			// the payload stays buffered at next so nothing is lost
			return err
		}
		delete(s.buf, s.next)
		s.next++ // wraps
	}
}

func (s *Session) smallestBuffered() uint64 {
	var min uint64
	first := true
	for q := range s.buf {
		if first || q < min {
			min = q
			first = false
		}
	}
	return min
}

// Buffered returns the number of payloads waiting in the reorder buffer.
func (s *Session) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Table is the server's session table, keyed by client id and guarded by a
// single coarse mutex. Contention is low: entries are few and keyed lookups
// are cheap.
type Table struct {
	mu sync.Mutex
	m  map[wire.ClientID]*Session
}

// NewTable creates an empty session table.
func NewTable() *Table {
	return &Table{m: make(map[wire.ClientID]*Session)}
}

// Upsert returns the session for id, creating a pending one on first sight,
// and records peer as the client's most recent source address.
func (t *Table) Upsert(id wire.ClientID, peer netip.AddrPort) *Session {
	now := time.Now()

	t.mu.Lock()
	s, ok := t.m[id]
	if !ok {
		s = &Session{
			buf:         make(map[uint64][]byte),
			firstSeenAt: now,
		}
		t.m[id] = s
	}
	t.mu.Unlock()

	s.touch(peer, now)
	return s
}

// FirstAuthenticated returns an authenticated session, if any. Iteration
// order is unspecified; the tunnel assumes a single client.
func (t *Table) FirstAuthenticated() (*Session, wire.ClientID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, s := range t.m {
		if s.Authenticated() {
			return s, id, true
		}
	}
	return nil, wire.ClientID{}, false
}

// Len returns the number of known sessions.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}

// ClientRecord is a point-in-time accounting snapshot of one session.
type ClientRecord struct {
	ID            wire.ClientID
	FirstSeen     time.Time
	LastSeen      time.Time
	LastAddr      netip.AddrPort
	Authenticated bool
	AuthCount     uint64
	DataUp        uint64
	BytesUp       uint64
	DataDown      uint64
	BytesDown     uint64
}

// SnapshotDirty copies accounting records for sessions whose counters
// (authentications, upstream or downstream data) changed since the last
// dirty-only snapshot, and marks them clean. Creating a session or updating its
// last-seen address does not mark it. Pass all to snapshot every session
// regardless; a full snapshot leaves the dirty flags unchanged.
func (t *Table) SnapshotDirty(all bool) []ClientRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	var rs []ClientRecord
	for id, s := range t.m {
		s.mu.Lock()
		if s.dirty || all {
			rs = append(rs, ClientRecord{
				ID:            id,
				FirstSeen:     s.firstSeenAt,
				LastSeen:      s.lastSeenAt,
				LastAddr:      s.lastSeen,
				Authenticated: s.auth == AuthAuthenticated,
				AuthCount:     s.authCount,
				DataUp:        s.dataUp,
				BytesUp:       s.bytesUp,
				DataDown:      s.dataDown,
				BytesDown:     s.bytesDown,
			})
			if !all {
				s.dirty = false
			}
		}
		s.mu.Unlock()
	}
	return rs
}
