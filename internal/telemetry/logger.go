// Package telemetry implements the Telemetry Logger (spec.md §4.5, C6): a
// background task sampling host CPU/memory and per-client stream byte
// counters on a 100ms tick, appending one CSV row per tick to an injected
// sink.
package telemetry

import (
	"encoding/csv"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/brarjsingh/cldd/internal/cldd/registry"
	"github.com/brarjsingh/cldd/internal/hoststat"
	"github.com/brarjsingh/cldd/internal/logging"
)

// header is written exactly once, at the start of the log.
var header = []string{
	"t_seconds", "n_clients", "n_max_connected",
	"cpu_total", "cpu_user", "cpu_nice", "cpu_sys", "cpu_idle", "cpu_frequency",
	"mem_total_MB", "mem_used_MB", "mem_free_MB", "mem_shared_MB",
	"mem_buffered_MB", "mem_cached_MB", "mem_user_MB", "mem_locked_MB",
	"bytes_sent_total", "tx_rate_kbps",
}

const mib = 1024 * 1024

// aggregateEveryNTicks is "every 10th tick (~1s)" at a 100ms tick (spec
// §4.5).
const aggregateEveryNTicks = 10

// Logger is the background telemetry task. It owns no locks itself; all
// shared-state access goes through Server's own locked methods.
type Logger struct {
	srv     *registry.Server
	sampler *hoststat.Sampler
	sink    io.Writer
	tick    time.Duration
	log     *logging.Logger

	running atomic.Bool
	done    chan struct{}
}

// New builds a Logger writing CSV rows to sink on the given tick interval.
func New(srv *registry.Server, sampler *hoststat.Sampler, sink io.Writer, tick time.Duration, log *logging.Logger) *Logger {
	return &Logger{
		srv:     srv,
		sampler: sampler,
		sink:    sink,
		tick:    tick,
		log:     log,
	}
}

// Start launches the background goroutine. Call Stop to request exit and
// Wait to join it, mirroring the C original's setup_log_output /
// close_log_files pair (spec §4.5/§5 shutdown sequence).
func (l *Logger) Start() {
	l.running.Store(true)
	l.done = make(chan struct{})
	go l.run()
}

// Stop requests the background task to exit on its next tick boundary.
func (l *Logger) Stop() {
	l.running.Store(false)
}

// Wait blocks until the background task has exited.
func (l *Logger) Wait() {
	if l.done != nil {
		<-l.done
	}
}

func (l *Logger) run() {
	defer close(l.done)

	w := csv.NewWriter(l.sink)
	if err := w.Write(header); err != nil {
		l.log.Errorf("telemetry: write header: %v", err)
		return
	}
	w.Flush()

	ticker := time.NewTicker(l.tick)
	defer ticker.Stop()

	start := time.Now()
	tickNum := 0

	for l.running.Load() {
		<-ticker.C
		tickNum++

		nClients, nMax := l.srv.Counts()
		cpuSample := l.sampler.SampleCPU()
		memSample := l.sampler.SampleMemory()

		var bytesTotal uint64
		var rateKBps float64
		if tickNum%aggregateEveryNTicks == 0 {
			bytesTotal, rateKBps = l.srv.AggregateStreamBytes()
		} else {
			bytesTotal, rateKBps = l.srv.Totals()
		}

		row := []string{
			fmt.Sprintf("%.3f", time.Since(start).Seconds()),
			fmt.Sprintf("%d", nClients),
			fmt.Sprintf("%d", nMax),
			fmt.Sprintf("%.3f", cpuSample.Total),
			fmt.Sprintf("%.3f", cpuSample.User),
			fmt.Sprintf("%.3f", cpuSample.Nice),
			fmt.Sprintf("%.3f", cpuSample.Sys),
			fmt.Sprintf("%.3f", cpuSample.Idle),
			fmt.Sprintf("%.3f", cpuSample.Frequency),
			fmt.Sprintf("%d", memSample.Total/mib),
			fmt.Sprintf("%d", memSample.Used/mib),
			fmt.Sprintf("%d", memSample.Free/mib),
			fmt.Sprintf("%d", memSample.Shared/mib),
			fmt.Sprintf("%d", memSample.Buffered/mib),
			fmt.Sprintf("%d", memSample.Cached/mib),
			fmt.Sprintf("%d", memSample.User/mib),
			fmt.Sprintf("%d", memSample.Locked/mib),
			fmt.Sprintf("%d", bytesTotal),
			fmt.Sprintf("%.3f", rateKBps),
		}

		if err := w.Write(row); err != nil {
			l.log.Warningf("telemetry: write row: %v", err)
			continue
		}
		w.Flush()
	}
}
