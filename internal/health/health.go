package health

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Snapshot is the gateway's health report. Process fields come from the
// probe; gateway fields (sessions, drops) are filled in by the caller.
type Snapshot struct {
	PID               int32   `json:"pid"`
	UptimeSeconds     float64 `json:"uptimeSeconds"`
	CPUPercent        float64 `json:"cpuPercent"`
	MemoryRSSBytes    uint64  `json:"memoryRssBytes"`
	Goroutines        int     `json:"goroutines"`
	Sessions          int     `json:"sessions"`
	RegisteredServers int     `json:"registeredServers"`
	DroppedFrames     uint64  `json:"droppedFrames"`
}

// Probe reads resource usage of the gateway's own process.
type Probe struct {
	proc    *process.Process
	started time.Time
}

func NewProbe() (*Probe, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("open own process: %w", err)
	}
	return &Probe{proc: proc, started: time.Now()}, nil
}

// Snapshot reports current process usage. Individual gopsutil failures
// leave the corresponding field zero rather than failing the whole
// report.
func (p *Probe) Snapshot() Snapshot {
	snap := Snapshot{
		PID:           p.proc.Pid,
		UptimeSeconds: time.Since(p.started).Seconds(),
		Goroutines:    runtime.NumGoroutine(),
	}
	if cpu, err := p.proc.CPUPercent(); err == nil {
		snap.CPUPercent = cpu
	}
	if mem, err := p.proc.MemoryInfo(); err == nil {
		snap.MemoryRSSBytes = mem.RSS
	}
	return snap
}
