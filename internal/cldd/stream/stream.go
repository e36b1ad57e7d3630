// Package stream implements the per-client UDP telemetry side-channel
// (spec.md §3 Stream, §4.4). Each Stream owns one connected datagram socket
// and a periodic sender goroutine; it never touches the Server's registry or
// any other client's state.
package stream

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brarjsingh/cldd/internal/logging"
)

// Stream is the per-client UDP sender. open==true iff the sender goroutine
// is running and conn is valid; that invariant is maintained entirely by
// Open/Close.
type Stream struct {
	peerHost string
	port     uint16
	tick     time.Duration
	log      *logging.Logger

	conn      net.Conn
	open      atomic.Bool
	bytesSent atomic.Uint64

	mu   sync.Mutex // guards start/stop of the sender goroutine only
	stop chan struct{}
	done chan struct{}
}

// New constructs a Stream bound to peerHost:port. It does not open the
// socket; call Open for that.
func New(peerHost string, port uint16, tick time.Duration, log *logging.Logger) *Stream {
	return &Stream{
		peerHost: peerHost,
		port:     port,
		tick:     tick,
		log:      log,
	}
}

// Port returns the port this Stream was assigned. It is stable for the
// Stream's lifetime even if Open failed (SSU then reports port 0 is handled
// by the caller checking IsOpen, not by Stream itself returning 0).
func (s *Stream) Port() uint16 { return s.port }

// IsOpen reports whether the sender goroutine is currently running.
func (s *Stream) IsOpen() bool { return s.open.Load() }

// BytesSent returns the running total of fully-written bytes. Safe to call
// concurrently with the sender goroutine; it is the only other goroutine
// allowed to touch this Stream's state.
func (s *Stream) BytesSent() uint64 { return s.bytesSent.Load() }

// Open resolves (peerHost, port) as a UDP destination, connects a datagram
// socket, and starts the periodic sender. On failure it returns a
// ResolveError or SocketError-shaped error and leaves open=false; the caller
// (the connection manager) must still register the Client so DIS/PNG keep
// working, per spec §7.
func (s *Stream) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	addrStr := net.JoinHostPort(s.peerHost, strconv.Itoa(int(s.port)))
	udpAddr, err := net.ResolveUDPAddr("udp", addrStr)
	if err != nil {
		return fmt.Errorf("stream: resolve %s: %w", addrStr, err)
	}

	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return fmt.Errorf("stream: socket %s: %w", addrStr, err)
	}

	s.conn = conn
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.open.Store(true)

	go s.run()

	return nil
}

// Close stops the sender goroutine, waits for it to exit, then closes the
// socket. Calling it on a Stream that is not open (never opened, Open
// failed, or already closed) is a no-op; the connection manager and server
// shutdown path each close a given Stream once (spec §3 Lifecycle).
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open.Load() {
		return
	}
	s.open.Store(false)
	close(s.stop)
	<-s.done
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

// run is the sender goroutine: waits for a fixed tick, then writes one
// telemetry frame with full-write semantics. It never touches Server state
// or data_lock (spec §4.4).
func (s *Stream) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			frame := frameAt(now)
			n, err := s.conn.Write(frame)
			if err != nil {
				s.log.Warningf("stream write error to port %d: %v", s.port, err)
				continue
			}
			if n != len(frame) {
				s.log.Warningf("stream short write to port %d: %d != %d", s.port, n, len(frame))
				continue
			}
			s.bytesSent.Add(uint64(n))
		}
	}
}

// frameAt formats one telemetry frame: $HH:MM:SS.mmm&0|0.000,1|0.000,2|0.000\n
// The channel/value payload is content-defined per spec §6; zero placeholders
// are explicitly allowed, so only the timestamp varies per tick.
func frameAt(t time.Time) []byte {
	return []byte(fmt.Sprintf("$%s&0|0.000,1|0.000,2|0.000\n", t.Format("15:04:05.000")))
}
