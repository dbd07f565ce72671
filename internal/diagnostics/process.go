package diagnostics

import (
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// processProbe samples the current process through gopsutil.
type processProbe struct {
	proc    *process.Process
	started time.Time
}

func newProcessProbe(started time.Time) *processProbe {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		slog.Debug("Failed to create process handle", "error", err)
		proc = nil
	}
	return &processProbe{proc: proc, started: started}
}

func (p *processProbe) sample(now time.Time) *ProcessStats {
	st := &ProcessStats{
		PID:        int32(os.Getpid()),
		Goroutines: runtime.NumGoroutine(),
		Uptime:     now.Sub(p.started).Round(time.Second).String(),
	}
	if p.proc == nil {
		return st
	}
	// CPUPercent is averaged over the process lifetime
	if cpu, err := p.proc.CPUPercent(); err == nil {
		st.CPUPercent = cpu
	} else {
		slog.Debug("Failed to get CPU percent", "error", err)
	}
	if mem, err := p.proc.MemoryInfo(); err == nil {
		st.RSSMB = float64(mem.RSS) / 1024 / 1024
	} else {
		slog.Debug("Failed to get memory info", "error", err)
	}
	return st
}
