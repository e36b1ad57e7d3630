package manager

import (
	"bufio"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/brarjsingh/cldd/internal/cldd/dispatch"
	"github.com/brarjsingh/cldd/internal/cldd/registry"
	"github.com/brarjsingh/cldd/internal/command"
	"github.com/brarjsingh/cldd/internal/logging"
)

// newTestManager binds an ephemeral listener and wires up a Manager exactly
// as cmd/clddd/main.go does, returning the dialable address.
func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()

	log := logging.New(io.Discard, "error")
	srv := registry.New(20000, log)
	if err := srv.BindAndListen(0); err != nil {
		t.Fatalf("BindAndListen: %v", err)
	}

	port, err := srv.ListenPort()
	if err != nil {
		t.Fatalf("ListenPort: %v", err)
	}

	d := dispatch.New(command.Default(), RawWrite, log)
	m := New(srv, d, log, 10*time.Millisecond, 200*time.Millisecond)
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	return m, net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}

func TestManagerEndToEnd(t *testing.T) {
	m, addr := newTestManager(t)

	runDone := make(chan error, 1)
	go func() { runDone <- m.Run() }()

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	r := bufio.NewReader(conn)

	// Scenario 1: connect, receive SRY, then PNG/PNG round-trip.
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read SRY: %v", err)
	}
	if strings.TrimRight(line, "\r\n") != "SRY" {
		t.Fatalf("first line = %q, want SRY", line)
	}

	if _, err := conn.Write([]byte("PNG\n")); err != nil {
		t.Fatalf("write PNG: %v", err)
	}
	line, err = r.ReadString('\n')
	if err != nil {
		t.Fatalf("read PNG reply: %v", err)
	}
	if strings.TrimRight(line, "\r\n") != "PNG" {
		t.Fatalf("PNG reply = %q, want PNG", line)
	}

	// Scenario 2: SSU reports a nonzero stream port once the stream opened.
	if _, err := conn.Write([]byte("SSU\n")); err != nil {
		t.Fatalf("write SSU: %v", err)
	}
	line, err = r.ReadString('\n')
	if err != nil {
		t.Fatalf("read SSU reply: %v", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, "port:") {
		t.Fatalf("SSU reply = %q, want port:<n>", line)
	}
	if line == "port:0" {
		t.Fatalf("SSU reply = %q, want a nonzero stream port", line)
	}

	// Scenario: unknown command is silently discarded, connection stays up.
	if _, err := conn.Write([]byte("WAT\n")); err != nil {
		t.Fatalf("write WAT: %v", err)
	}
	if _, err := conn.Write([]byte("PNG\n")); err != nil {
		t.Fatalf("write PNG: %v", err)
	}
	line, err = r.ReadString('\n')
	if err != nil {
		t.Fatalf("read PNG reply after unknown line: %v", err)
	}
	if strings.TrimRight(line, "\r\n") != "PNG" {
		t.Fatalf("PNG reply after unknown = %q, want PNG", line)
	}

	// Scenario 6: DIS closes the connection from the server side.
	if _, err := conn.Write([]byte("DIS\n")); err != nil {
		t.Fatalf("write DIS: %v", err)
	}
	buf := make([]byte, 16)
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	n, err := conn.Read(buf)
	if n != 0 || err != io.EOF {
		t.Fatalf("expected EOF after DIS, got n=%d err=%v", n, err)
	}

	m.RequestShutdown()
	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after RequestShutdown")
	}
}
