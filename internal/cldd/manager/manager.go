// Package manager implements the Connection Manager event loop (spec.md
// §4.2, C4): a single goroutine blocking on an edge-triggered epoll
// readiness set, accepting new Clients, dispatching command events, and
// tearing down quit-marked Clients.
package manager

import (
	"errors"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/brarjsingh/cldd/internal/cldd/client"
	"github.com/brarjsingh/cldd/internal/cldd/dispatch"
	"github.com/brarjsingh/cldd/internal/cldd/registry"
	"github.com/brarjsingh/cldd/internal/cldd/stream"
	"github.com/brarjsingh/cldd/internal/logging"
)

// EpollQueueLen mirrors the original's EPOLL_QUEUE_LEN (cldd.h): the number
// of events drained from epoll_wait per call.
const EpollQueueLen = 256

const hangupMask = unix.EPOLLERR | unix.EPOLLHUP | unix.EPOLLRDHUP

// Manager is the single connection-manager actor. It is not safe to call
// Run from more than one goroutine; that would violate the spec's "only the
// connection manager adds/removes multiplexer fds" invariant.
type Manager struct {
	srv        *registry.Server
	dispatcher *dispatch.Dispatcher
	log        *logging.Logger

	streamTick time.Duration
	muxTimeout time.Duration

	running atomic.Bool
	wakeFD  int

	sigCh chan os.Signal
}

// New builds a Manager over an already-constructed Server and Dispatcher.
func New(srv *registry.Server, d *dispatch.Dispatcher, log *logging.Logger, streamTick, muxTimeout time.Duration) *Manager {
	return &Manager{
		srv:        srv,
		dispatcher: d,
		log:        log,
		streamTick: streamTick,
		muxTimeout: muxTimeout,
	}
}

// Start arms the wake eventfd and the OS signal watcher. Call once before
// Run.
func (m *Manager) Start() error {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return err
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(m.srv.EpollFD, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		_ = unix.Close(fd)
		return err
	}

	m.wakeFD = fd
	m.running.Store(true)

	m.sigCh = make(chan os.Signal, 4)
	signal.Notify(m.sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go m.watchSignals()

	return nil
}

// watchSignals turns SIGHUP into a bare wake (the loop re-checks running and
// continues) and SIGINT/SIGTERM/SIGQUIT (treated as SIGTERM, spec §6) into a
// graceful-shutdown request.
func (m *Manager) watchSignals() {
	for sig := range m.sigCh {
		switch sig {
		case syscall.SIGHUP:
			m.log.Infof("SIGHUP received, waking readiness wait")
			m.wake()
		case syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT:
			m.log.Infof("%v received, requesting graceful shutdown", sig)
			m.running.Store(false)
			m.wake()
			return
		}
	}
}

// RequestShutdown lets an external caller (e.g. tests, or a non-signal
// control path) stop the manager cooperatively, same as a SIGTERM would.
func (m *Manager) RequestShutdown() {
	m.running.Store(false)
	m.wake()
}

func (m *Manager) wake() {
	if m.wakeFD == 0 {
		return
	}
	var one [8]byte
	one[0] = 1
	_, _ = unix.Write(m.wakeFD, one[:])
}

func (m *Manager) drainWake() {
	var b [8]byte
	_, _ = unix.Read(m.wakeFD, b[:])
}

// Run is the event loop. It returns nil once running has been set false and
// the shutdown sequence (close all clients, close listener) has completed.
// If EpollWait fails with anything other than EINTR, Run returns that error
// at once, without running the shutdown sequence.
func (m *Manager) Run() error {
	events := make([]unix.EpollEvent, EpollQueueLen)

	for m.running.Load() {
		n, err := unix.EpollWait(m.srv.EpollFD, events, int(m.muxTimeout.Milliseconds()))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			switch fd {
			case m.wakeFD:
				m.drainWake()
			case m.srv.ListenFD:
				m.acceptLoop()
			default:
				m.handleClientEvent(fd, events[i].Events)
			}
		}
	}

	m.shutdown()
	return nil
}

func (m *Manager) shutdown() {
	if m.sigCh != nil {
		signal.Stop(m.sigCh)
	}
	m.srv.CloseAll()
	m.srv.CloseListener()
	if m.wakeFD != 0 {
		_ = unix.Close(m.wakeFD)
	}
}

// acceptLoop drains the listening socket's backlog until accept would
// block, per spec §4.2/§9 (accept-until-EAGAIN, the correct policy for an
// edge-triggered mux).
func (m *Manager) acceptLoop() {
	for {
		nfd, sa, err := unix.Accept4(m.srv.ListenFD, unix.SOCK_NONBLOCK)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return
			}
			m.log.Warningf("accept error: %v", err)
			continue
		}
		m.handleNewConn(nfd, sa)
	}
}

func (m *Manager) handleNewConn(fd int, sa unix.Sockaddr) {
	host, service := peerStrings(sa)

	port, err := m.srv.AllocateStreamPort()
	if err != nil {
		m.log.Warningf("stream port exhausted, refusing fd=%d from %s:%s", fd, host, service)
		_ = unix.Close(fd)
		return
	}

	streamLog := m.log.Component("stream").With("port", port)
	st := stream.New(host, port, m.streamTick, streamLog)
	c := client.New(fd, host, service, st)

	if err := m.srv.Register(c); err != nil {
		m.log.Warningf("register fd=%d: %v", fd, err)
		_ = unix.Close(fd)
		return
	}

	if err := st.Open(); err != nil {
		// Stream stays closed; client is still registered so DIS/PNG keep
		// working and SSU reports port 0 (spec §7).
		m.log.Warningf("stream open failed for fd=%d (%s:%s): %v", fd, host, service, err)
		return
	}

	m.dispatcher.StreamReady(c)
}

// handleClientEvent processes one readiness event for an already-registered
// client fd, per the priority spec §4.2 lists: error/hangup first, then OOB,
// then readable.
func (m *Manager) handleClientEvent(fd int, mask uint32) {
	c := m.srv.FindByFD(fd)
	if c == nil {
		return
	}

	if mask&hangupMask != 0 {
		m.dropClient(c)
		return
	}

	if mask&unix.EPOLLPRI != 0 {
		m.consumeOOB(c)
	}

	if mask&unix.EPOLLIN != 0 {
		if m.readClient(c) {
			m.dropClient(c)
		}
	}
}

// readClient drains readable bytes, dispatching every complete line found.
// Returns true once DIS has set c.Quit, signalling the caller to tear the
// client down; no further bytes on that fd are processed after that point.
func (m *Manager) readClient(c *client.Client) bool {
	buf := make([]byte, client.MaxLine)

	for {
		n, err := unix.Read(c.FD, buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return false
			}
			m.log.Warningf("read error fd=%d: %v", c.FD, err)
			return false
		}
		if n == 0 {
			// spec §4.3/§7: a zero-length read is a no-op; the readiness
			// layer is responsible for delivering hangup separately.
			return false
		}

		line, ok := c.Feed(buf[:n])
		for ok {
			m.dispatcher.Dispatch(c, line)
			if c.Quit {
				return true
			}
			line, ok = c.Feed(nil)
		}
	}
}

func (m *Manager) dropClient(c *client.Client) {
	m.srv.Unregister(c)
	if c.Stream != nil {
		c.Stream.Close()
	}
	_ = unix.Close(c.FD)
}

// consumeOOB drains exactly one out-of-band byte and logs it. No broadcast
// is implemented (spec §9 Open Question, decided in DESIGN.md): this is
// purely drain-and-ignore so the edge-triggered mux doesn't keep re-firing
// EPOLLPRI for data nobody will read.
func (m *Manager) consumeOOB(c *client.Client) {
	var b [1]byte
	n, _, err := unix.Recvfrom(c.FD, b[:], unix.MSG_OOB)
	if err != nil {
		m.log.Debugf("oob read fd=%d: %v", c.FD, err)
		return
	}
	m.log.Debugf("oob byte (n=%d) on fd=%d ignored, no broadcast implemented", n, c.FD)
}

// RawWrite is the dispatch.Writer backing production replies: a direct
// non-blocking unix.Write. Short writes are surfaced to the caller, which
// logs them per spec §7; they are never retried here.
func RawWrite(fd int, p []byte) (int, error) {
	return unix.Write(fd, p)
}

func peerStrings(sa unix.Sockaddr) (host, service string) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		ip := net.IP(a.Addr[:])
		return ip.String(), strconv.Itoa(a.Port)
	case *unix.SockaddrInet6:
		ip := net.IP(a.Addr[:])
		return ip.String(), strconv.Itoa(a.Port)
	default:
		return "unknown", "0"
	}
}
