// Package registry implements the Server/Registry component (spec.md §3
// Server, §4.1, C3): the listening socket, the epoll readiness set, the live
// Client set, aggregate counters, the next free stream port, and the lock
// guarding all of that shared mutable state.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/brarjsingh/cldd/internal/cldd/client"
	"github.com/brarjsingh/cldd/internal/logging"
)

// Backlog is the TCP listen backlog (spec §4.1).
const Backlog = 1024

// maxStreamPort is the counter value at which allocation stops (spec §4.1
// wrap policy): it is never handed out, so the last assignable stream port
// is maxStreamPort-1.
const maxStreamPort = 65535

// ErrPortExhausted is returned by AllocateStreamPort once next_stream_port
// has reached 65535.
var ErrPortExhausted = errors.New("registry: stream port space exhausted")

// readinessEvents is the event mask armed for every client fd: readable,
// error, hangup, peer-half-close, and out-of-band/urgent data.
const readinessEvents = unix.EPOLLIN | unix.EPOLLERR | unix.EPOLLHUP | unix.EPOLLRDHUP | unix.EPOLLPRI | unix.EPOLLET

// Server owns the listening socket, the epoll set, and all shared mutable
// bookkeeping. Every exported method that touches clients/counters/
// nextStreamPort acquires mu; none of them perform blocking I/O to a client
// socket, an accept, or a Stream open/close while holding it (spec §5).
type Server struct {
	mu sync.Mutex

	ListenFD int
	EpollFD  int

	clients        map[int]*client.Client // keyed by mgmt_fd
	nClients       int
	nMaxConnected  int
	nextStreamPort uint16

	bytesSentTotal uint64
	txRateKBps     float64

	log *logging.Logger
}

// New creates a Server with an empty registry and the given stream port
// base (spec: next_stream_port initialized to STREAM_PORT_BASE).
func New(streamPortBase uint16, log *logging.Logger) *Server {
	return &Server{
		clients:        make(map[int]*client.Client),
		nextStreamPort: streamPortBase,
		log:            log,
	}
}

// BindAndListen creates a non-blocking TCP listening socket with address
// reuse enabled, bound to INADDR_ANY:port, and an epoll instance watching
// it. Fails with a wrapped BindError/ListenError/MultiplexInitError, all
// fatal at startup per spec §7.
func (s *Server) BindAndListen(port uint16) error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return fmt.Errorf("registry: BindError: socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("registry: BindError: setsockopt SO_REUSEADDR: %w", err)
	}

	addr := &unix.SockaddrInet4{Port: int(port)}
	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("registry: BindError: bind :%d: %w", port, err)
	}

	if err := unix.Listen(fd, Backlog); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("registry: ListenError: listen: %w", err)
	}

	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("registry: MultiplexInitError: epoll_create1: %w", err)
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLET, Fd: int32(fd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		_ = unix.Close(epfd)
		_ = unix.Close(fd)
		return fmt.Errorf("registry: MultiplexInitError: epoll_ctl listen fd: %w", err)
	}

	s.ListenFD = fd
	s.EpollFD = epfd

	return nil
}

// Register inserts c into the live client set and arms its fd for
// readable+error+hangup events. Done under mu so a Client can never become
// visible in the registry without also being armed in epoll, and vice versa
// for Unregister (spec §5).
func (s *Server) Register(c *client.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev := unix.EpollEvent{
		Events: readinessEvents,
		Fd:     int32(c.FD),
	}
	if err := unix.EpollCtl(s.EpollFD, unix.EPOLL_CTL_ADD, c.FD, &ev); err != nil {
		return fmt.Errorf("registry: epoll_ctl add fd=%d: %w", c.FD, err)
	}

	s.clients[c.FD] = c
	s.nClients++
	if s.nClients > s.nMaxConnected {
		s.nMaxConnected = s.nClients
	}

	return nil
}

// Unregister removes c from the live set and disarms its fd. It does not
// close the fd; the caller (the connection manager) owns that (spec §4.1).
func (s *Server) Unregister(c *client.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[c.FD]; !ok {
		return
	}

	_ = unix.EpollCtl(s.EpollFD, unix.EPOLL_CTL_DEL, c.FD, nil)
	delete(s.clients, c.FD)
	s.nClients--
}

// AllocateStreamPort returns the next free stream port and advances the
// counter. Once the counter has reached 65535 it returns ErrPortExhausted
// without mutating state further (spec §4.1 wrap policy, §8 boundary
// property: "wrap triggers PortExhausted exactly once per overflow without
// corrupting state").
func (s *Server) AllocateStreamPort() (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.nextStreamPort >= maxStreamPort {
		return 0, ErrPortExhausted
	}

	p := s.nextStreamPort
	s.nextStreamPort++
	return p, nil
}

// FindByFD returns the Client registered under fd, or nil if none (spec
// §4.1: linear scan acceptable; map lookup here is at least as good).
func (s *Server) FindByFD(fd int) *client.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clients[fd]
}

// Counts returns (live clients, high-water mark) under the lock.
func (s *Server) Counts() (n, max int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nClients, s.nMaxConnected
}

// NextStreamPort returns the next port that would be allocated, for tests
// and diagnostics. It does not mutate state.
func (s *Server) NextStreamPort() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStreamPort
}

// AggregateStreamBytes sums stream.BytesSent() across every live client,
// updates bytesSentTotal/txRateKBps, and returns the new total. This is the
// Logger's once-per-second aggregation tick (spec §4.5); on its other ticks
// the Logger reads the last results through Totals, and on every tick it
// reads Counts. None of these performs I/O while mu is held.
func (s *Server) AggregateStreamBytes() (total uint64, rateKBps float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sum uint64
	for _, c := range s.clients {
		if c.Stream != nil {
			sum += c.Stream.BytesSent()
		}
	}

	prev := s.bytesSentTotal
	s.bytesSentTotal = sum
	s.txRateKBps = float64(sum-prev) / 1024.0

	return s.bytesSentTotal, s.txRateKBps
}

// Totals returns the last values computed by AggregateStreamBytes without
// recomputing them, for the telemetry logger's non-aggregation ticks.
func (s *Server) Totals() (total uint64, rateKBps float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesSentTotal, s.txRateKBps
}

// Clients returns a snapshot slice of the currently live clients, for
// callers (like CloseAll) that must iterate without holding mu across I/O.
func (s *Server) Clients() []*client.Client {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*client.Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out
}

// CloseAll closes every Client's Stream and mgmt fd, then empties the
// registry (spec §4.1). Streams are closed outside the lock since Stream
//.Close() joins a goroutine and must never block while mu is held.
func (s *Server) CloseAll() {
	snapshot := s.Clients()

	for _, c := range snapshot {
		if c.Stream != nil {
			c.Stream.Close()
		}
		_ = unix.Close(c.FD)
	}

	s.mu.Lock()
	s.clients = make(map[int]*client.Client)
	s.nClients = 0
	s.mu.Unlock()
}

// CloseListener closes the listening socket and the epoll instance.
func (s *Server) CloseListener() {
	if s.ListenFD != 0 {
		_ = unix.Close(s.ListenFD)
	}
	if s.EpollFD != 0 {
		_ = unix.Close(s.EpollFD)
	}
}

// ListenPort returns the actual bound port of the listening socket, useful
// when BindAndListen was called with port 0 (tests, ephemeral binding).
func (s *Server) ListenPort() (int, error) {
	sa, err := unix.Getsockname(s.ListenFD)
	if err != nil {
		return 0, err
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return a.Port, nil
	case *unix.SockaddrInet6:
		return a.Port, nil
	default:
		return 0, fmt.Errorf("registry: unexpected sockaddr type %T", sa)
	}
}
