// Package dispatch implements the command dispatcher (spec.md §4.3, C5): it
// parses one line against an injected command.Table and produces zero or
// one reply, updating the client's advisory counters.
package dispatch

import (
	"fmt"

	"github.com/brarjsingh/cldd/internal/cldd/client"
	"github.com/brarjsingh/cldd/internal/command"
	"github.com/brarjsingh/cldd/internal/logging"
)

// Writer writes a reply to a client's management fd. Injected so tests can
// observe replies without real sockets; production wires it to a raw
// non-blocking unix.Write loop (see manager.RawWrite).
type Writer func(fd int, p []byte) (int, error)

// Dispatcher holds the command table and reply writer.
type Dispatcher struct {
	table  command.Table
	write  Writer
	log    *logging.Logger
}

// New builds a Dispatcher over table, writing replies through write.
func New(table command.Table, write Writer, log *logging.Logger) *Dispatcher {
	return &Dispatcher{table: table, write: write, log: log}
}

// Dispatch processes one already-extracted line for c. It always adds 1 to
// c.NReq and len(line) to c.NTot; line arrives with its '\n' and any '\r'
// already stripped, so those terminator bytes are not counted in NTot. It
// sets c.Quit on DIS. Unknown lines are discarded silently.
func (d *Dispatcher) Dispatch(c *client.Client, line string) {
	n := len(line)
	c.NReq++
	c.NTot += n

	kind, ok := d.table.Match(line)
	if !ok {
		return
	}

	switch kind {
	case command.ACK:
		// advisory only, no reply
	case command.SCH:
		// scheduling hint, no reply
	case command.DIS:
		c.Quit = true
	case command.PNG:
		reply := fmt.Sprintf("%s\n", d.table.Name(command.PNG))
		d.writeReply(c, reply)
	case command.SSU:
		port := uint16(0)
		if c.Stream != nil && c.Stream.IsOpen() {
			port = c.Stream.Port()
		}
		reply := fmt.Sprintf("port:%d\n", port)
		d.writeReply(c, reply)
	case command.AO, command.AI, command.DO, command.DI:
		// reserved, no reply
	}
}

func (d *Dispatcher) writeReply(c *client.Client, reply string) {
	p := []byte(reply)
	n, err := d.write(c.FD, p)
	if err != nil {
		d.log.Warningf("client fd=%d write error: %v", c.FD, err)
		return
	}
	if n != len(p) {
		d.log.Warningf("client fd=%d short write: %d != %d", c.FD, n, len(p))
	}
}

// StreamReady writes the literal stream-ready reply, sent once right after
// a successful accept + stream open (spec §4.2/§6).
func (d *Dispatcher) StreamReady(c *client.Client) {
	d.writeReply(c, fmt.Sprintf("%s\n", command.StreamReadyName))
}
