package bond

import (
	"context"
	"time"

	"github.com/abdshomad/onebox-rs/pkg/wire"
	"github.com/rs/zerolog"
)

const (
	// probeInterval is the prober tick period.
	probeInterval = 500 * time.Millisecond

	// probeTimeout is how long a probe may stay in flight before it counts
	// as a failure.
	probeTimeout = 2 * time.Second

	// failureThreshold is the number of consecutive probe failures that
	// transitions a link Up (or Unknown) to Down.
	failureThreshold = 4
)

// runProber emits health probes on one link every probeInterval until ctx is
// cancelled. Echo handling happens on the receive path, not here.
func (e *Engine) runProber(ctx context.Context, l Link) {
	log := e.Logger.With().Str("component", "prober").Str("link", l.Name).Logger()

	buf := make([]byte, wire.MinDatagramSize)
	tk := time.NewTicker(probeInterval)
	defer tk.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
			e.probeTick(l, buf, time.Now(), log)
		}
	}
}

func (e *Engine) probeTick(l Link, buf []byte, now time.Time, log zerolog.Logger) {
	var (
		seq      uint64
		wentDown bool
		failures int
	)
	e.stats.With(l.Name, func(s *LinkStats) {
		for q, at := range s.InFlight {
			if now.Sub(at) > probeTimeout {
				delete(s.InFlight, q)
				s.ConsecutiveFailures++
			}
		}
		if s.ConsecutiveFailures >= failureThreshold && s.Status != StatusDown {
			s.Status = StatusDown
			wentDown = true
		}
		failures = s.ConsecutiveFailures
		seq = s.NextProbeSeq
		s.NextProbeSeq++ // wraps
	})

	if wentDown {
		e.active.Remove(l.Name)
		log.Warn().Int("consecutive_failures", failures).Msg("link down, removed from active set")
	}

	h := wire.Header{
		Seq:       seq,
		Type:      wire.TypeProbe,
		Timestamp: uint64(now.UnixMilli()),
		ClientID:  e.ClientID,
	}
	n := e.Cipher.SealDatagram(buf, h, 0)

	if _, err := l.Conn.Write(buf[:n]); err != nil {
		e.metrics.tx_err_count.Add(1)
		log.Warn().Err(err).Msg("probe send failed")
		e.stats.With(l.Name, func(s *LinkStats) {
			s.ConsecutiveFailures++
		})
		return
	}
	e.metrics.tx_count.probe.Add(1)
	e.metrics.tx_bytes.probe.Add(uint64(n))
	e.stats.With(l.Name, func(s *LinkStats) {
		s.InFlight[seq] = now
		s.ProbesSent++
	})
}

// handleProbeEcho routes a probe echo received on the named link back into
// its stats. An echo with no matching in-flight entry cannot authenticate the
// round-trip (it may be a delayed duplicate), so it never marks the link Up.
func (e *Engine) handleProbeEcho(name string, seq uint64, now time.Time) {
	var (
		matched bool
		cameUp  bool
		rtt     time.Duration
	)
	e.stats.With(name, func(s *LinkStats) {
		at, ok := s.InFlight[seq]
		if !ok {
			return
		}
		matched = true
		delete(s.InFlight, seq)
		s.RTT = now.Sub(at)
		rtt = s.RTT
		s.ConsecutiveFailures = 0
		s.ProbesReceived++
		if s.Status != StatusUp {
			s.Status = StatusUp
			cameUp = true
		}
	})

	if !matched {
		e.metrics.rx_drop_count.stray_probe.Add(1)
		e.Logger.Debug().Str("link", name).Uint64("seq", seq).Msg("probe echo with no in-flight entry")
		return
	}
	if cameUp {
		if l, ok := e.byName[name]; ok {
			e.active.Add(l)
		}
		e.Logger.Info().Str("link", name).Dur("rtt", rtt).Msg("link up, added to active set")
	}
}
