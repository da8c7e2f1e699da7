// Package relay implements the server side of the bonded tunnel: the UDP
// listener and worker pool, the per-client session table with its reordering
// engine, and the downstream emitter.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/abdshomad/onebox-rs/pkg/wire"
	"github.com/rs/zerolog"
)

// rxQueueSize bounds the dispatcher-to-worker queue.
const rxQueueSize = 1024

// authOK is the sealed payload of every AuthResponse.
var authOK = []byte("AUTH_OK")

// AccountingStore persists per-client accounting records. Implementations
// must tolerate repeated saves of the same client.
type AccountingStore interface {
	SaveClient(*ClientRecord) error
}

// packet is one received datagram with its source address.
type packet struct {
	data []byte
	peer netip.AddrPort
}

// Server runs the server data plane on a single UDP socket.
type Server struct {
	Logger     zerolog.Logger
	Cipher     *wire.Cipher
	TUN        io.ReadWriter
	Conn       *net.UDPConn
	MTU        int
	Workers    int // 0 means one per core
	ReorderMax int // 0 disables the reorder-buffer safety cap

	// Store, if set, receives accounting snapshots every FlushInterval and
	// once at shutdown.
	Store         AccountingStore
	FlushInterval time.Duration

	table *Table
	rxq   chan packet
	tunMu sync.Mutex

	downstreamSeq atomic.Uint64

	metrics struct {
		rx_count struct {
			data  atomic.Uint64
			probe atomic.Uint64
			auth  atomic.Uint64
			other atomic.Uint64
		}
		rx_drop_count struct {
			invalid   atomic.Uint64
			auth_fail atomic.Uint64
			unauth    atomic.Uint64
			overflow  atomic.Uint64
		}
		tx_count struct {
			data       atomic.Uint64
			probe_echo atomic.Uint64
			auth_resp  atomic.Uint64
		}
		tx_err_count      atomic.Uint64
		reorder_gap_count atomic.Uint64
	}
}

// New creates a server engine. The caller owns conn and tun; closing them
// after Run returns unblocks any tasks still parked in a read.
func New(logger zerolog.Logger, c *wire.Cipher, tun io.ReadWriter, conn *net.UDPConn, mtu int) *Server {
	return &Server{
		Logger: logger,
		Cipher: c,
		TUN:    tun,
		Conn:   conn,
		MTU:    mtu,
		table:  NewTable(),
		rxq:    make(chan packet, rxQueueSize),
	}
}

// Run starts the dispatcher, the worker pool, the downstream emitter, and the
// accounting flusher, and blocks until one of them fails or ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	workers := s.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	s.Logger.Info().
		Stringer("listen", s.Conn.LocalAddr()).
		Int("workers", workers).
		Msg("starting relay")

	errch := make(chan error, workers+2)
	go func() { errch <- s.runDispatcher(ctx) }()
	go func() { errch <- s.runDownstream(ctx) }()
	for i := 0; i < workers; i++ {
		go func() { errch <- s.runWorker(ctx) }()
	}
	var acct sync.WaitGroup
	if s.Store != nil {
		acct.Add(1)
		go func() {
			defer acct.Done()
			s.runAccounting(ctx)
		}()
	}

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case err = <-errch:
		s.Logger.Err(err).Msg("relay task failed, shutting down")
	}

	// make sure the final accounting flush lands before the caller closes
	// the store
	cancel()
	acct.Wait()
	return err
}

// runDispatcher owns the socket and funnels received datagrams into the
// worker queue.
func (s *Server) runDispatcher(ctx context.Context) error {
	log := s.Logger.With().Str("component", "dispatcher").Logger()

	buf := make([]byte, wire.HeaderSize+s.MTU+wire.TagSize+1)
	for {
		n, peer, err := s.Conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return ctx.Err()
			}
			return fmt.Errorf("udp receive: %w", err)
		}
		if n == len(buf) {
			s.metrics.rx_drop_count.invalid.Add(1)
			log.Debug().Int("len", n).Stringer("peer", peer).Msg("dropping oversized datagram")
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		select {
		case s.rxq <- packet{data: data, peer: netip.AddrPortFrom(peer.Addr().Unmap(), peer.Port())}:
		default:
			s.metrics.rx_drop_count.overflow.Add(1)
		}
	}
}

// runWorker dequeues datagrams and acts on them. Only a tun write error is
// fatal; everything else drops the one datagram.
func (s *Server) runWorker(ctx context.Context) error {
	log := s.Logger.With().Str("component", "worker").Logger()

	for {
		var p packet
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p = <-s.rxq:
		}
		if err := s.handle(p, log); err != nil {
			return err
		}
	}
}

func (s *Server) handle(p packet, log zerolog.Logger) error {
	h, err := wire.DecodeHeader(p.data)
	if err != nil {
		s.metrics.rx_drop_count.invalid.Add(1)
		log.Debug().Stringer("peer", p.peer).Int("len", len(p.data)).Msg("dropping malformed datagram")
		return nil
	}

	sess := s.table.Upsert(h.ClientID, p.peer)

	switch h.Type {
	case wire.TypeAuthRequest:
		s.metrics.rx_count.auth.Add(1)
		if _, err := s.Cipher.Open(h.Seq, p.data[wire.HeaderSize:]); err != nil {
			s.metrics.rx_drop_count.auth_fail.Add(1)
			log.Warn().Stringer("peer", p.peer).Stringer("client", h.ClientID).Msg("auth request failed to authenticate")
			return nil
		}
		if sess.Authenticate() {
			log.Info().Stringer("peer", p.peer).Stringer("client", h.ClientID).Msg("client authenticated")
		} else {
			log.Debug().Stringer("peer", p.peer).Stringer("client", h.ClientID).Msg("re-authenticated")
		}

		resp := make([]byte, wire.HeaderSize+len(authOK)+wire.TagSize)
		copy(resp[wire.HeaderSize:], authOK)
		rh := wire.Header{
			Seq:       0,
			Type:      wire.TypeAuthResponse,
			Timestamp: uint64(time.Now().UnixMilli()),
			ClientID:  h.ClientID,
		}
		rn := s.Cipher.SealDatagram(resp, rh, len(authOK))
		if _, err := s.Conn.WriteToUDPAddrPort(resp[:rn], p.peer); err != nil {
			s.metrics.tx_err_count.Add(1)
			log.Warn().Err(err).Stringer("peer", p.peer).Msg("auth response send failed")
		} else {
			s.metrics.tx_count.auth_resp.Add(1)
		}

	case wire.TypeData:
		if !sess.Authenticated() {
			s.metrics.rx_drop_count.unauth.Add(1)
			return nil
		}
		_, pt, err := s.Cipher.OpenDatagram(p.data)
		if err != nil {
			s.metrics.rx_drop_count.auth_fail.Add(1)
			log.Warn().Stringer("peer", p.peer).Uint64("seq", h.Seq).Msg("dropping data datagram that failed authentication")
			return nil
		}
		s.metrics.rx_count.data.Add(1)

		gapped, err := sess.pushData(h.Seq, pt, s.TUN, &s.tunMu, s.ReorderMax)
		if gapped {
			s.metrics.reorder_gap_count.Add(1)
			log.Warn().Stringer("client", h.ClientID).Msg("reorder buffer over cap, advancing past gap")
		}
		if err != nil {
			return fmt.Errorf("tun write: %w", err)
		}

	case wire.TypeProbe:
		if !sess.Authenticated() {
			s.metrics.rx_drop_count.unauth.Add(1)
			return nil
		}
		if _, err := s.Cipher.Open(h.Seq, p.data[wire.HeaderSize:]); err != nil {
			s.metrics.rx_drop_count.auth_fail.Add(1)
			log.Warn().Stringer("peer", p.peer).Uint64("seq", h.Seq).Msg("dropping probe that failed authentication")
			return nil
		}
		s.metrics.rx_count.probe.Add(1)

		// echo the received bytes back verbatim; the client matches the
		// sequence against its in-flight table to measure the round trip
		if _, err := s.Conn.WriteToUDPAddrPort(p.data, p.peer); err != nil {
			s.metrics.tx_err_count.Add(1)
			log.Warn().Err(err).Stringer("peer", p.peer).Msg("probe echo send failed")
		} else {
			s.metrics.tx_count.probe_echo.Add(1)
		}

	default:
		s.metrics.rx_count.other.Add(1)
	}
	return nil
}

// runDownstream reads packets from the tun and sends them to the first
// authenticated client's last-seen address. A send error terminates the task.
func (s *Server) runDownstream(ctx context.Context) error {
	buf := make([]byte, wire.HeaderSize+s.MTU+wire.TagSize)
	for {
		n, err := s.TUN.Read(buf[wire.HeaderSize : wire.HeaderSize+s.MTU])
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("tun read: %w", err)
		}
		if n == 0 {
			continue
		}

		sess, id, ok := s.table.FirstAuthenticated()
		if !ok {
			// nowhere to send yet
			continue
		}

		h := wire.Header{
			Seq:       s.downstreamSeq.Add(1) - 1,
			Type:      wire.TypeData,
			Timestamp: uint64(time.Now().UnixMilli()),
			ClientID:  id,
		}
		dn := s.Cipher.SealDatagram(buf, h, n)

		if _, err := s.Conn.WriteToUDPAddrPort(buf[:dn], sess.LastSeen()); err != nil {
			s.metrics.tx_err_count.Add(1)
			return fmt.Errorf("downstream send: %w", err)
		}
		s.metrics.tx_count.data.Add(1)
		sess.noteDownstream(dn)
	}
}

// runAccounting flushes dirty session records to the store periodically and
// once more at shutdown. Store errors are logged, never fatal.
func (s *Server) runAccounting(ctx context.Context) {
	log := s.Logger.With().Str("component", "accounting").Logger()

	interval := s.FlushInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	tk := time.NewTicker(interval)
	defer tk.Stop()

	flush := func(all bool) {
		for _, r := range s.table.SnapshotDirty(all) {
			r := r
			if err := s.Store.SaveClient(&r); err != nil {
				log.Warn().Err(err).Stringer("client", r.ID).Msg("failed to save accounting record")
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush(true)
			return
		case <-tk.C:
			flush(false)
		}
	}
}

// Sessions exposes the session table read-only for reporting.
func (s *Server) Sessions() []ClientRecord {
	return s.table.SnapshotDirty(true)
}

// WritePrometheus writes prometheus text metrics to w.
func (s *Server) WritePrometheus(w io.Writer) {
	fmt.Fprintln(w, `onebox_relay_rx_count{type="data"}`, s.metrics.rx_count.data.Load())
	fmt.Fprintln(w, `onebox_relay_rx_count{type="probe"}`, s.metrics.rx_count.probe.Load())
	fmt.Fprintln(w, `onebox_relay_rx_count{type="auth"}`, s.metrics.rx_count.auth.Load())
	fmt.Fprintln(w, `onebox_relay_rx_count{type="other"}`, s.metrics.rx_count.other.Load())
	fmt.Fprintln(w, `onebox_relay_rx_drop_count{cause="invalid"}`, s.metrics.rx_drop_count.invalid.Load())
	fmt.Fprintln(w, `onebox_relay_rx_drop_count{cause="auth_fail"}`, s.metrics.rx_drop_count.auth_fail.Load())
	fmt.Fprintln(w, `onebox_relay_rx_drop_count{cause="unauth"}`, s.metrics.rx_drop_count.unauth.Load())
	fmt.Fprintln(w, `onebox_relay_rx_drop_count{cause="overflow"}`, s.metrics.rx_drop_count.overflow.Load())
	fmt.Fprintln(w, `onebox_relay_tx_count{type="data"}`, s.metrics.tx_count.data.Load())
	fmt.Fprintln(w, `onebox_relay_tx_count{type="probe_echo"}`, s.metrics.tx_count.probe_echo.Load())
	fmt.Fprintln(w, `onebox_relay_tx_count{type="auth_resp"}`, s.metrics.tx_count.auth_resp.Load())
	fmt.Fprintln(w, `onebox_relay_tx_err_count`, s.metrics.tx_err_count.Load())
	fmt.Fprintln(w, `onebox_relay_reorder_gap_count`, s.metrics.reorder_gap_count.Load())
	fmt.Fprintln(w, `onebox_relay_sessions`, s.table.Len())
}
