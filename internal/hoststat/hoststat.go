// Package hoststat samples host CPU and memory counters for the telemetry
// logger (spec.md §4.5). The original cldd used glibtop_get_cpu/
// glibtop_get_mem; the portable ecosystem replacement wired here is
// shirou/gopsutil/v3, the host-stats library every gopsutil-using repo in
// the example pack (rclone, nabbar-golib) lists in its go.mod.
package hoststat

import (
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/brarjsingh/cldd/internal/logging"
)

// CPU mirrors glibtop_cpu's absolute counters: total, user, nice, sys, idle
// (seconds of CPU time accumulated since boot) and the current clock
// frequency in MHz.
type CPU struct {
	Total     float64
	User      float64
	Nice      float64
	Sys       float64
	Idle      float64
	Frequency float64
}

// Memory mirrors glibtop_mem's absolute counters, in bytes. User and Locked
// have no direct portable equivalent in gopsutil; User is derived as
// Used-Buffers-Cached (the same "non-reclaimable, non-kernel" approximation
// glibtop computes) and Locked is reported as 0 (see DESIGN.md).
type Memory struct {
	Total    uint64
	Used     uint64
	Free     uint64
	Shared   uint64
	Buffered uint64
	Cached   uint64
	User     uint64
	Locked   uint64
}

// Sampler takes one reading of host CPU/memory state. Failures are logged
// and return a zero-valued sample rather than propagating, since a single
// missed telemetry sample must never stop the logger (spec §7 policy of
// "log and continue" applied to this ambient concern too).
type Sampler struct {
	log *logging.Logger
}

// New builds a Sampler.
func New(log *logging.Logger) *Sampler {
	return &Sampler{log: log}
}

// SampleCPU reads aggregate (all-core) CPU time counters and current
// frequency.
func (s *Sampler) SampleCPU() CPU {
	var out CPU

	times, err := cpu.Times(false)
	if err != nil || len(times) == 0 {
		s.log.Warningf("cpu.Times: %v", err)
		return out
	}

	t := times[0]
	out.User = t.User
	out.Nice = t.Nice
	out.Sys = t.System
	out.Idle = t.Idle
	out.Total = t.User + t.System + t.Idle + t.Nice + t.Iowait + t.Irq + t.Softirq + t.Steal

	if info, err := cpu.Info(); err == nil && len(info) > 0 {
		out.Frequency = info[0].Mhz
	}

	return out
}

// SampleMemory reads virtual memory counters, in bytes.
func (s *Sampler) SampleMemory() Memory {
	var out Memory

	vm, err := mem.VirtualMemory()
	if err != nil {
		s.log.Warningf("mem.VirtualMemory: %v", err)
		return out
	}

	out.Total = vm.Total
	out.Used = vm.Used
	out.Free = vm.Free
	out.Shared = vm.Shared
	out.Buffered = vm.Buffers
	out.Cached = vm.Cached

	nonUser := out.Buffered + out.Cached
	if out.Used > nonUser {
		out.User = out.Used - nonUser
	}

	return out
}
