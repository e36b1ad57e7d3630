package registry

import (
	"io"
	"testing"

	"github.com/brarjsingh/cldd/internal/cldd/client"
	"github.com/brarjsingh/cldd/internal/logging"
)

func newTestServer(t *testing.T, streamBase uint16) *Server {
	t.Helper()
	log := logging.New(io.Discard, "error")
	s := New(streamBase, log)
	if err := s.BindAndListen(0); err != nil {
		t.Fatalf("BindAndListen: %v", err)
	}
	t.Cleanup(s.CloseListener)
	return s
}

func TestAllocateStreamPortMonotone(t *testing.T) {
	s := newTestServer(t, 10500)

	p1, err := s.AllocateStreamPort()
	if err != nil {
		t.Fatalf("AllocateStreamPort: %v", err)
	}
	p2, err := s.AllocateStreamPort()
	if err != nil {
		t.Fatalf("AllocateStreamPort: %v", err)
	}

	if p1 != 10500 || p2 != 10501 {
		t.Fatalf("got ports %d, %d, want 10500, 10501", p1, p2)
	}
}

func TestAllocateStreamPortExhaustion(t *testing.T) {
	s := newTestServer(t, 65534)

	p1, err := s.AllocateStreamPort()
	if err != nil {
		t.Fatalf("first allocation should succeed: %v", err)
	}
	if p1 != 65534 {
		t.Fatalf("p1 = %d, want 65534", p1)
	}

	_, err = s.AllocateStreamPort()
	if err != ErrPortExhausted {
		t.Fatalf("second allocation error = %v, want ErrPortExhausted", err)
	}

	// must not corrupt state: repeated calls keep failing the same way.
	if _, err := s.AllocateStreamPort(); err != ErrPortExhausted {
		t.Fatalf("expected ErrPortExhausted to persist, got %v", err)
	}
}

func TestRegisterUnregisterCounts(t *testing.T) {
	s := newTestServer(t, 10500)

	r, w, err := pipeFDs()
	if err != nil {
		t.Fatalf("pipeFDs: %v", err)
	}
	defer closeFD(w)

	c := client.New(r, "127.0.0.1", "0", nil)
	if err := s.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}

	n, max := s.Counts()
	if n != 1 || max != 1 {
		t.Fatalf("Counts() = %d, %d, want 1, 1", n, max)
	}

	if got := s.FindByFD(r); got != c {
		t.Fatalf("FindByFD did not return the registered client")
	}

	s.Unregister(c)
	closeFD(r)

	n, max = s.Counts()
	if n != 0 || max != 1 {
		t.Fatalf("Counts() after unregister = %d, %d, want 0, 1 (high-water mark retained)", n, max)
	}
	if got := s.FindByFD(r); got != nil {
		t.Fatalf("FindByFD should return nil after unregister")
	}
}

func TestHighWaterMarkNeverDecreases(t *testing.T) {
	s := newTestServer(t, 10500)

	var fds []int
	for i := 0; i < 3; i++ {
		r, w, err := pipeFDs()
		if err != nil {
			t.Fatalf("pipeFDs: %v", err)
		}
		defer closeFD(w)
		fds = append(fds, r)

		c := client.New(r, "127.0.0.1", "0", nil)
		if err := s.Register(c); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	n, max := s.Counts()
	if n != 3 || max != 3 {
		t.Fatalf("Counts() = %d, %d, want 3, 3", n, max)
	}

	for _, fd := range fds {
		c := s.FindByFD(fd)
		s.Unregister(c)
		closeFD(fd)
	}

	n, max = s.Counts()
	if n != 0 || max != 3 {
		t.Fatalf("Counts() after draining = %d, %d, want 0, 3", n, max)
	}
}
