// Package client represents one connected management peer (spec.md §3
// Client, §4.2 state machine). A Client is exclusively owned by the
// connection manager goroutine; its counters are mutated only there, so no
// internal locking is needed beyond what Stream already does for its own
// byte counter.
package client

import (
	"github.com/brarjsingh/cldd/internal/cldd/stream"
)

// MaxLine is the hard limit on one line-reading record (spec.md §4.3): a
// 4095-byte payload plus its newline is accepted, a longer run of bytes
// before '\n' may be truncated but must never crash.
const MaxLine = 4096

// Client is one connected management peer.
type Client struct {
	FD      int // mgmt_fd: non-blocking TCP socket for commands
	Host    string
	Service string

	NReq int // advisory request counter, mutated only by the manager goroutine
	NTot int // advisory byte counter, mutated only by the manager goroutine

	Quit bool // set true by the dispatcher on DIS

	Stream *stream.Stream

	buf []byte // accumulates partial reads until a '\n' is found
}

// New constructs a Client for an accepted connection. The Stream is created
// but not opened; the caller opens it once a port has been allocated.
func New(fd int, host, service string, st *stream.Stream) *Client {
	return &Client{
		FD:      fd,
		Host:    host,
		Service: service,
		Stream:  st,
		buf:     make([]byte, 0, MaxLine),
	}
}

// Feed appends newly-read bytes to the client's line buffer and extracts at
// most one complete '\n'-terminated line (trailing '\n' and '\r' stripped).
// ok is false if no full line is present yet. If the accumulated buffer
// would exceed MaxLine before a newline appears, the buffer is truncated
// from the front so a single slow/hostile line can never grow unbounded.
func (c *Client) Feed(data []byte) (line string, ok bool) {
	c.buf = append(c.buf, data...)

	if idx := indexByte(c.buf, '\n'); idx >= 0 {
		raw := c.buf[:idx]
		rest := c.buf[idx+1:]
		// shift remainder to the front for the next Feed call
		c.buf = append(c.buf[:0], rest...)
		return chomp(raw), true
	}

	if len(c.buf) > MaxLine {
		// no newline within the limit: drop the oldest overflow rather than
		// growing forever or crashing (spec §8 boundary property).
		c.buf = c.buf[len(c.buf)-MaxLine:]
	}

	return "", false
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

// chomp strips a single trailing '\r' left over from CRLF line endings.
func chomp(b []byte) string {
	if len(b) > 0 && b[len(b)-1] == '\r' {
		b = b[:len(b)-1]
	}
	return string(b)
}
