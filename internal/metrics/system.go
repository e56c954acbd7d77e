package metrics

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemSnapshot состояние процесса и хоста для /api/stats
type SystemSnapshot struct {
	Uptime        string  `json:"uptime"`
	UptimeSeconds int64   `json:"uptime_seconds"`
	ProcessCPU    float64 `json:"process_cpu_percent"`
	HostMemUsed   float64 `json:"host_mem_used_percent"`
	HeapAllocMB   float64 `json:"heap_alloc_mb"`
	SysMB         float64 `json:"sys_mb"`
	NumGC         uint32  `json:"num_gc"`
	Goroutines    int     `json:"goroutines"`
}

// System собирает метрики процесса
type System struct {
	start time.Time
	proc  *process.Process
}

// NewSystem фиксирует время старта
func NewSystem() *System {
	s := &System{start: time.Now()}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = p
	}
	return s
}

// Snapshot снимает текущие значения. Ошибки gopsutil дают нули.
func (s *System) Snapshot() SystemSnapshot {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	up := time.Since(s.start)
	snap := SystemSnapshot{
		Uptime:        formatUptime(up),
		UptimeSeconds: int64(up.Seconds()),
		HeapAllocMB:   float64(m.HeapAlloc) / 1024 / 1024,
		SysMB:         float64(m.Sys) / 1024 / 1024,
		NumGC:         m.NumGC,
		Goroutines:    runtime.NumGoroutine(),
	}
	snap.ProcessCPU = s.cpuPercent()
	if vm, err := mem.VirtualMemory(); err == nil {
		snap.HostMemUsed = vm.UsedPercent
	}
	return snap
}

func (s *System) cpuPercent() float64 {
	if s.proc != nil {
		if p, err := s.proc.CPUPercent(); err == nil {
			return p
		}
	}
	// Если метрика процесса недоступна, берём системную
	percents, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil || len(percents) == 0 {
		return 0
	}
	return percents[0]
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dд %dч %dм %dс", days, hours, minutes, seconds)
	case hours > 0:
		return fmt.Sprintf("%dч %dм %dс", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dм %dс", minutes, seconds)
	default:
		return fmt.Sprintf("%dс", seconds)
	}
}
