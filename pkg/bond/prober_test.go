package bond

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/abdshomad/onebox-rs/pkg/wire"
	"github.com/rs/zerolog"
)

func testEngine(t *testing.T, links ...Link) *Engine {
	t.Helper()
	c := wire.NewCipher(wire.DeriveKey("prober-test-psk"))
	return NewEngine(zerolog.Nop(), c, wire.NewClientID(), nil, 1400, links)
}

// discardConn is a datagram sink for tick tests.
type discardConn struct {
	net.Conn
	err error
}

func (d discardConn) Write(p []byte) (int, error) {
	if d.err != nil {
		return 0, d.err
	}
	return len(p), nil
}

func TestProbeTickEmits(t *testing.T) {
	l := Link{Name: "wan0", Conn: discardConn{}}
	e := testEngine(t, l)

	now := time.Now()
	e.probeTick(l, make([]byte, wire.MinDatagramSize), now, zerolog.Nop())
	e.probeTick(l, make([]byte, wire.MinDatagramSize), now, zerolog.Nop())

	e.stats.With("wan0", func(s *LinkStats) {
		if s.ProbesSent != 2 {
			t.Errorf("expected 2 probes sent, got %d", s.ProbesSent)
		}
		if s.NextProbeSeq != 2 {
			t.Errorf("expected next seq 2, got %d", s.NextProbeSeq)
		}
		if len(s.InFlight) != 2 {
			t.Errorf("expected 2 in flight, got %d", len(s.InFlight))
		}
	})
}

func TestProbeTickSendFailure(t *testing.T) {
	l := Link{Name: "wan0", Conn: discardConn{err: io.ErrClosedPipe}}
	e := testEngine(t, l)

	now := time.Now()
	e.probeTick(l, make([]byte, wire.MinDatagramSize), now, zerolog.Nop())

	e.stats.With("wan0", func(s *LinkStats) {
		if s.ProbesSent != 0 {
			t.Errorf("expected 0 probes sent, got %d", s.ProbesSent)
		}
		if s.ConsecutiveFailures != 1 {
			t.Errorf("expected 1 failure, got %d", s.ConsecutiveFailures)
		}
		if len(s.InFlight) != 0 {
			t.Errorf("expected nothing in flight, got %d", len(s.InFlight))
		}
	})
}

func TestProbeTimeoutTransitionsDown(t *testing.T) {
	l := Link{Name: "wan0", Conn: discardConn{}}
	e := testEngine(t, l)
	e.active.Add(l)
	e.stats.With("wan0", func(s *LinkStats) {
		s.Status = StatusUp
	})

	// each tick emits one probe; aging every tick past the timeout reaps
	// them one by one until the failure threshold trips
	now := time.Now()
	buf := make([]byte, wire.MinDatagramSize)
	for i := 0; i < failureThreshold+1; i++ {
		e.probeTick(l, buf, now, zerolog.Nop())
		now = now.Add(probeTimeout + time.Second)
	}

	e.stats.With("wan0", func(s *LinkStats) {
		if s.Status != StatusDown {
			t.Errorf("expected status down, got %v", s.Status)
		}
		if s.ConsecutiveFailures < failureThreshold {
			t.Errorf("expected at least %d failures, got %d", failureThreshold, s.ConsecutiveFailures)
		}
	})
	if e.active.Len() != 0 {
		t.Error("link still in active set after going down")
	}
}

func TestProbeEchoRecovers(t *testing.T) {
	l := Link{Name: "wan0", Conn: discardConn{}}
	e := testEngine(t, l)

	sent := time.Now()
	e.stats.With("wan0", func(s *LinkStats) {
		s.Status = StatusDown
		s.ConsecutiveFailures = 7
		s.ProbesSent = 9
		s.InFlight[41] = sent
	})

	e.handleProbeEcho("wan0", 41, sent.Add(25*time.Millisecond))

	e.stats.With("wan0", func(s *LinkStats) {
		if s.Status != StatusUp {
			t.Errorf("expected status up, got %v", s.Status)
		}
		if s.ConsecutiveFailures != 0 {
			t.Errorf("expected failures reset, got %d", s.ConsecutiveFailures)
		}
		if s.RTT != 25*time.Millisecond {
			t.Errorf("expected rtt 25ms, got %v", s.RTT)
		}
		if s.ProbesReceived != 1 {
			t.Errorf("expected 1 received, got %d", s.ProbesReceived)
		}
		if len(s.InFlight) != 0 {
			t.Errorf("in-flight entry not reclaimed")
		}
	})
	if e.active.Len() != 1 {
		t.Error("recovered link not added back to active set")
	}

	// a second echo for the same seq has no in-flight entry anymore
	e.handleProbeEcho("wan0", 41, time.Now())
	e.stats.With("wan0", func(s *LinkStats) {
		if s.ProbesReceived != 1 {
			t.Errorf("duplicate echo counted: %d", s.ProbesReceived)
		}
	})
}

func TestStrayProbeEchoDoesNotMarkUp(t *testing.T) {
	l := Link{Name: "wan0", Conn: discardConn{}}
	e := testEngine(t, l)

	e.handleProbeEcho("wan0", 999, time.Now())

	e.stats.With("wan0", func(s *LinkStats) {
		if s.Status != StatusUnknown {
			t.Errorf("stray echo changed status to %v", s.Status)
		}
		if s.ProbesReceived != 0 {
			t.Errorf("stray echo counted as received")
		}
	})
	if e.active.Len() != 0 {
		t.Error("stray echo added link to active set")
	}
}

func TestProbeEchoIdempotentActiveSet(t *testing.T) {
	l := Link{Name: "wan0", Conn: discardConn{}}
	e := testEngine(t, l)
	e.active.Add(l)

	sent := time.Now()
	e.stats.With("wan0", func(s *LinkStats) {
		s.Status = StatusUp
		s.InFlight[1] = sent
		s.InFlight[2] = sent
	})
	e.handleProbeEcho("wan0", 1, time.Now())
	e.handleProbeEcho("wan0", 2, time.Now())

	if e.active.Len() != 1 {
		t.Errorf("expected 1 active link, got %d", e.active.Len())
	}
}
