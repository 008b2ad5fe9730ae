package metrics

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ResourceConfig controls CPU/memory sampling of supervised servers.
type ResourceConfig struct {
	Enabled  bool          `mapstructure:"enabled" json:"enabled"`
	Interval time.Duration `mapstructure:"interval" json:"interval"`
}

// ResourceCollector samples CPU and memory of the supervised server
// processes and exports them as gauges. It keeps no history; the gauges
// always show the latest sample.
type ResourceCollector struct {
	enabled  bool
	interval time.Duration

	mu   sync.Mutex
	seen map[string]struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

func NewResourceCollector(cfg ResourceConfig) *ResourceCollector {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &ResourceCollector{
		enabled:  cfg.Enabled,
		interval: interval,
		seen:     make(map[string]struct{}),
		stopCh:   make(chan struct{}),
		cpuPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kodegend",
			Subsystem: "service",
			Name:      "cpu_percent",
			Help:      "CPU usage of a supervised server process.",
		}, []string{"service"}),
		memoryMB: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kodegend",
			Subsystem: "service",
			Name:      "memory_mb",
			Help:      "Resident memory of a supervised server process in MB.",
		}, []string{"service"}),
		numThreads: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kodegend",
			Subsystem: "service",
			Name:      "num_threads",
			Help:      "Thread count of a supervised server process.",
		}, []string{"service"}),
		numFDs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kodegend",
			Subsystem: "service",
			Name:      "num_fds",
			Help:      "Open file descriptors of a supervised server process (Unix only).",
		}, []string{"service"}),
	}
}

func (c *ResourceCollector) Register(r prometheus.Registerer) error {
	if !c.enabled {
		return nil
	}
	cs := []prometheus.Collector{c.cpuPercent, c.memoryMB, c.numThreads}
	if runtime.GOOS != "windows" {
		cs = append(cs, c.numFDs)
	}
	for _, col := range cs {
		if err := r.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples on every interval tick until ctx is done or Stop is called.
// getPIDs reports the live service name to pid mapping.
func (c *ResourceCollector) Start(ctx context.Context, getPIDs func() map[string]int32) {
	if !c.enabled {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.sample(getPIDs())
			}
		}
	}()
}

func (c *ResourceCollector) Stop() {
	if !c.enabled {
		return
	}
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *ResourceCollector) sample(pids map[string]int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, pid := range pids {
		if pid <= 0 {
			continue
		}
		proc, err := process.NewProcess(pid)
		if err != nil {
			slog.Debug("resource sample skipped", "service", name, "pid", pid, "error", err)
			continue
		}
		if cpu, err := proc.CPUPercent(); err == nil {
			c.cpuPercent.WithLabelValues(name).Set(cpu)
		}
		if mem, err := proc.MemoryInfo(); err == nil {
			c.memoryMB.WithLabelValues(name).Set(float64(mem.RSS) / 1024 / 1024)
		}
		if threads, err := proc.NumThreads(); err == nil {
			c.numThreads.WithLabelValues(name).Set(float64(threads))
		}
		if runtime.GOOS != "windows" {
			if fds, err := proc.NumFDs(); err == nil {
				c.numFDs.WithLabelValues(name).Set(float64(fds))
			}
		}
		c.seen[name] = struct{}{}
	}
	// drop gauges for services that no longer have a process
	for name := range c.seen {
		if _, ok := pids[name]; ok {
			continue
		}
		c.cpuPercent.DeleteLabelValues(name)
		c.memoryMB.DeleteLabelValues(name)
		c.numThreads.DeleteLabelValues(name)
		c.numFDs.DeleteLabelValues(name)
		delete(c.seen, name)
	}
}
