package metrics

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	processCPUPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "cpu_percent",
			Help:      "CPU usage percentage of the supervised process.",
		}, []string{"name"},
	)
	processMemoryMB = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "memory_mb",
			Help:      "Resident memory of the supervised process in MB.",
		}, []string{"name"},
	)
	processNumThreads = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "num_threads",
			Help:      "Number of threads of the supervised process.",
		}, []string{"name"},
	)
	processNumFDs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "num_fds",
			Help:      "Open file descriptors of the supervised process (Unix only).",
		}, []string{"name"},
	)
)

// ProcessSample holds CPU and memory figures for one process.
type ProcessSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Sample reads resource usage for pid.
func Sample(pid int32) (ProcessSample, error) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return ProcessSample{}, err
	}
	s := ProcessSample{PID: pid, Timestamp: time.Now()}
	if cpu, err := p.CPUPercent(); err == nil {
		s.CPUPercent = cpu
	}
	if mi, err := p.MemoryInfo(); err == nil && mi != nil {
		s.MemoryRSS = mi.RSS
		s.MemoryMB = float64(mi.RSS) / 1024 / 1024
	}
	if n, err := p.NumThreads(); err == nil {
		s.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := p.NumFDs(); err == nil {
			s.NumFDs = n
		}
	}
	return s, nil
}

// Sampler periodically samples the current supervised PID and exports gauges.
type Sampler struct {
	name     string
	interval time.Duration
	pid      func() int

	mu   sync.RWMutex
	last ProcessSample
}

func NewSampler(name string, interval time.Duration, pid func() int) *Sampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Sampler{name: name, interval: interval, pid: pid}
}

// Run samples until ctx is done.
func (s *Sampler) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.collect()
		}
	}
}

func (s *Sampler) collect() {
	pid := s.pid()
	if pid <= 0 {
		s.mu.Lock()
		s.last = ProcessSample{}
		s.mu.Unlock()
		return
	}
	sample, err := Sample(int32(pid))
	if err != nil {
		slog.Debug("process sample failed", "pid", pid, "error", err)
		return
	}
	s.mu.Lock()
	s.last = sample
	s.mu.Unlock()
	if regOK.Load() {
		processCPUPercent.WithLabelValues(s.name).Set(sample.CPUPercent)
		processMemoryMB.WithLabelValues(s.name).Set(sample.MemoryMB)
		processNumThreads.WithLabelValues(s.name).Set(float64(sample.NumThreads))
		processNumFDs.WithLabelValues(s.name).Set(float64(sample.NumFDs))
	}
}

// Last returns the most recent sample, zero if none.
func (s *Sampler) Last() ProcessSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}
