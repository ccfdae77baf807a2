// Package sysmon takes resource snapshots of the kernel process. The kernel logs one
// after every evaluation so descriptor leaks and stray children show up early.
package sysmon

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessInfo is a point-in-time view of one process
type ProcessInfo struct {
	PID        int32
	Name       string
	NumFDs     int32
	NumThreads int32
	MemoryMB   float64 // RSS in MB
	CPUPercent float64
	Children   int // live child processes
}

// Self returns a snapshot of the current process
func Self() (*ProcessInfo, error) {
	return Snapshot(int32(os.Getpid()))
}

// Snapshot returns a snapshot of the process with the given pid
func Snapshot(pid int32) (*ProcessInfo, error) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("process not found: %w", err)
	}

	info := &ProcessInfo{PID: pid}

	// Descriptor count is the one figure callers rely on
	numFDs, err := p.NumFDs()
	if err != nil {
		return nil, fmt.Errorf("failed to count descriptors: %w", err)
	}
	info.NumFDs = numFDs

	if name, err := p.Name(); err == nil {
		info.Name = name
	}
	if numThreads, err := p.NumThreads(); err == nil {
		info.NumThreads = numThreads
	}
	if memInfo, err := p.MemoryInfo(); err == nil {
		info.MemoryMB = float64(memInfo.RSS) / 1024 / 1024
	}
	if cpuPercent, err := p.CPUPercent(); err == nil {
		info.CPUPercent = cpuPercent
	}
	// Children fails with ErrorNoChildren when there are none
	if children, err := p.Children(); err == nil {
		info.Children = len(children)
	}

	return info, nil
}

// LogValue makes ProcessInfo render as a group in structured logs
func (p *ProcessInfo) LogValue() slog.Value {
	if p == nil {
		return slog.StringValue("unavailable")
	}
	return slog.GroupValue(
		slog.Int("pid", int(p.PID)),
		slog.Int("fds", int(p.NumFDs)),
		slog.Int("threads", int(p.NumThreads)),
		slog.Float64("rss_mb", p.MemoryMB),
		slog.Int("children", p.Children),
	)
}
