// Package bond implements the client side of the bonded tunnel: health
// probing, the active-link set, the upstream dispatcher, and the downstream
// receivers and demultiplexer.
package bond

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/abdshomad/onebox-rs/pkg/wire"
	"github.com/rs/zerolog"
)

// Engine runs the client data plane over a set of bound WAN links.
type Engine struct {
	Logger   zerolog.Logger
	Cipher   *wire.Cipher
	ClientID wire.ClientID
	TUN      io.ReadWriter
	MTU      int

	stats  *Stats
	active *ActiveLinks
	byName map[string]Link
	rxq    chan rxPacket

	tunMu       sync.Mutex
	upstreamSeq atomic.Uint64
	rr          atomic.Uint64

	metrics struct {
		tx_count struct {
			data  atomic.Uint64
			probe atomic.Uint64
		}
		tx_bytes struct {
			data  atomic.Uint64
			probe atomic.Uint64
		}
		tx_err_count atomic.Uint64
		rx_count     struct {
			data  atomic.Uint64
			probe atomic.Uint64
			other atomic.Uint64
		}
		rx_bytes struct {
			data atomic.Uint64
		}
		rx_drop_count struct {
			invalid     atomic.Uint64
			auth        atomic.Uint64
			overflow    atomic.Uint64
			oversized   atomic.Uint64
			stray_probe atomic.Uint64
		}
	}
}

// NewEngine creates an engine for the given links. The active set starts
// empty; links join it when their first probe echo arrives.
func NewEngine(logger zerolog.Logger, c *wire.Cipher, id wire.ClientID, tun io.ReadWriter, mtu int, links []Link) *Engine {
	e := &Engine{
		Logger:   logger,
		Cipher:   c,
		ClientID: id,
		TUN:      tun,
		MTU:      mtu,
		active:   &ActiveLinks{},
		byName:   make(map[string]Link, len(links)),
		rxq:      make(chan rxPacket, rxQueueSize),
	}
	names := make([]string, 0, len(links))
	for _, l := range links {
		names = append(names, l.Name)
		e.byName[l.Name] = l
	}
	e.stats = NewStats(names)
	return e
}

// Run starts the data-plane tasks and blocks until one of them fails or ctx
// is cancelled. The caller owns the sockets and the tun; closing them after
// Run returns unblocks any receivers still parked in a read.
func (e *Engine) Run(ctx context.Context) error {
	if len(e.byName) == 0 {
		return fmt.Errorf("no links to run on")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errch := make(chan error, 2)
	go func() { errch <- e.runUpstream(ctx) }()
	go func() { errch <- e.runDemux(ctx) }()

	for _, l := range e.byName {
		l := l
		go e.runReceiver(ctx, l)
		go e.runProber(ctx, l)
	}

	// receivers and the upstream dispatcher may still be parked in a read
	// when this returns; closing the sockets and the tun unblocks them
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errch:
		e.Logger.Err(err).Msg("data-plane task failed, shutting down")
		return err
	}
}

// StatsSnapshot returns a point-in-time copy of every link's health.
func (e *Engine) StatsSnapshot() []LinkReport {
	return e.stats.Snapshot()
}

// WritePrometheus writes prometheus text metrics to w.
func (e *Engine) WritePrometheus(w io.Writer) {
	fmt.Fprintln(w, `onebox_bond_tx_count{type="data"}`, e.metrics.tx_count.data.Load())
	fmt.Fprintln(w, `onebox_bond_tx_count{type="probe"}`, e.metrics.tx_count.probe.Load())
	fmt.Fprintln(w, `onebox_bond_tx_bytes{type="data"}`, e.metrics.tx_bytes.data.Load())
	fmt.Fprintln(w, `onebox_bond_tx_bytes{type="probe"}`, e.metrics.tx_bytes.probe.Load())
	fmt.Fprintln(w, `onebox_bond_tx_err_count`, e.metrics.tx_err_count.Load())
	fmt.Fprintln(w, `onebox_bond_rx_count{type="data"}`, e.metrics.rx_count.data.Load())
	fmt.Fprintln(w, `onebox_bond_rx_count{type="probe"}`, e.metrics.rx_count.probe.Load())
	fmt.Fprintln(w, `onebox_bond_rx_count{type="other"}`, e.metrics.rx_count.other.Load())
	fmt.Fprintln(w, `onebox_bond_rx_bytes{type="data"}`, e.metrics.rx_bytes.data.Load())
	fmt.Fprintln(w, `onebox_bond_rx_drop_count{cause="invalid"}`, e.metrics.rx_drop_count.invalid.Load())
	fmt.Fprintln(w, `onebox_bond_rx_drop_count{cause="auth"}`, e.metrics.rx_drop_count.auth.Load())
	fmt.Fprintln(w, `onebox_bond_rx_drop_count{cause="overflow"}`, e.metrics.rx_drop_count.overflow.Load())
	fmt.Fprintln(w, `onebox_bond_rx_drop_count{cause="oversized"}`, e.metrics.rx_drop_count.oversized.Load())
	fmt.Fprintln(w, `onebox_bond_rx_drop_count{cause="stray_probe"}`, e.metrics.rx_drop_count.stray_probe.Load())
	fmt.Fprintln(w, `onebox_bond_active_links`, e.active.Len())
	for _, r := range e.stats.Snapshot() {
		var up int
		if r.Status == StatusUp {
			up = 1
		}
		fmt.Fprintf(w, "onebox_bond_link_up{link=%q} %d\n", r.Name, up)
		fmt.Fprintf(w, "onebox_bond_link_rtt_seconds{link=%q} %g\n", r.Name, r.RTT.Seconds())
		fmt.Fprintf(w, "onebox_bond_link_loss_percent{link=%q} %g\n", r.Name, r.LossPercent)
	}
}
