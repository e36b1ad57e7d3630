package telemetry

import (
	"bytes"
	"encoding/csv"
	"io"
	"testing"
	"time"

	"github.com/brarjsingh/cldd/internal/cldd/registry"
	"github.com/brarjsingh/cldd/internal/hoststat"
	"github.com/brarjsingh/cldd/internal/logging"
)

func TestLoggerWritesHeaderAndRows(t *testing.T) {
	log := logging.New(io.Discard, "error")
	srv := registry.New(20000, log)
	if err := srv.BindAndListen(0); err != nil {
		t.Fatalf("BindAndListen: %v", err)
	}
	defer srv.CloseListener()

	sampler := hoststat.New(log)

	var buf bytes.Buffer
	lg := New(srv, sampler, &buf, 5*time.Millisecond, log)

	lg.Start()
	time.Sleep(60 * time.Millisecond)
	lg.Stop()
	lg.Wait()

	r := csv.NewReader(&buf)
	records, err := r.ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(records) < 2 {
		t.Fatalf("got %d records, want header + at least one data row", len(records))
	}

	if len(records[0]) != len(header) {
		t.Fatalf("header has %d columns, want %d", len(records[0]), len(header))
	}
	for i, col := range header {
		if records[0][i] != col {
			t.Fatalf("header[%d] = %q, want %q", i, records[0][i], col)
		}
	}

	for _, row := range records[1:] {
		if len(row) != len(header) {
			t.Fatalf("data row has %d columns, want %d: %v", len(row), len(header), row)
		}
	}
}

func TestLoggerStopIsIdempotentAndStopsPromptly(t *testing.T) {
	log := logging.New(io.Discard, "error")
	srv := registry.New(20000, log)
	if err := srv.BindAndListen(0); err != nil {
		t.Fatalf("BindAndListen: %v", err)
	}
	defer srv.CloseListener()

	sampler := hoststat.New(log)

	var buf bytes.Buffer
	lg := New(srv, sampler, &buf, 5*time.Millisecond, log)

	lg.Start()
	lg.Stop()
	lg.Stop()

	done := make(chan struct{})
	go func() {
		lg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Wait() did not return after Stop()")
	}
}
