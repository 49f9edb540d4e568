// Package sensor watches the filesystem under the runtime path and the Go
// heap, logging once when a threshold is crossed and once on recovery.
package sensor

import (
	"runtime"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/csirtgadgets/verbose-robot/pkg/config"
	"github.com/csirtgadgets/verbose-robot/pkg/logger"
	"github.com/csirtgadgets/verbose-robot/pkg/metrics"
)

type Sensor struct {
	path     string
	config   MonitorConfig
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	mu       sync.Mutex

	diskAlert     bool
	memAlert      bool
	lastDiskAlert time.Time
	lastMemAlert  time.Time

	// overridable in tests
	now      func() time.Time
	diskUsed func(path string) (float64, error)
	memUsed  func() float64
}

type MonitorConfig struct {
	PollInterval   time.Duration
	DiskHighPct    int
	DiskLowPct     int
	MemHighPct     int
	RecoveryWindow time.Duration
}

// NewSensor watches the filesystem that holds path.
func NewSensor(path string, config MonitorConfig) *Sensor {
	if config.PollInterval <= 0 {
		config.PollInterval = 30 * time.Second
	}
	return &Sensor{
		path:     path,
		config:   config,
		stopCh:   make(chan struct{}),
		now:      time.Now,
		diskUsed: statfsUsedPct,
		memUsed:  heapUsedPct,
	}
}

func FromConfig(cfg *config.Config) *Sensor {
	sc := cfg.Sensor
	return NewSensor(cfg.RuntimePath, MonitorConfig{
		PollInterval:   sc.PollInterval.Duration(),
		DiskHighPct:    sc.DiskHighPct,
		DiskLowPct:     sc.DiskLowPct,
		MemHighPct:     sc.MemHighPct,
		RecoveryWindow: sc.RecoveryWindow.Duration(),
	})
}

func (s *Sensor) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop ends the poll loop and waits for it.
func (s *Sensor) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}

func (s *Sensor) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()
	s.Check()
	for {
		select {
		case <-ticker.C:
			s.Check()
		case <-s.stopCh:
			return
		}
	}
}

// Check samples once.
func (s *Sensor) Check() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	usedPct, err := s.diskUsed(s.path)
	if err != nil {
		logger.Error("sensor_disk_stat_failed", "path", s.path, "error", err)
	} else {
		metrics.DiskUsedPct.Set(usedPct)
		if usedPct > float64(s.config.DiskHighPct) {
			if !s.diskAlert {
				logger.Warn("disk_usage_high", "path", s.path, "usage_pct", usedPct, "threshold", s.config.DiskHighPct)
				s.diskAlert = true
				s.lastDiskAlert = now
			}
		} else if usedPct < float64(s.config.DiskLowPct) && s.diskAlert {
			if now.Sub(s.lastDiskAlert) >= s.config.RecoveryWindow {
				logger.Info("disk_usage_recovered", "path", s.path, "usage_pct", usedPct, "threshold", s.config.DiskLowPct)
				s.diskAlert = false
			}
		}
	}

	memUsedPct := s.memUsed()
	if memUsedPct > float64(s.config.MemHighPct) {
		if !s.memAlert {
			logger.Warn("memory_usage_high", "usage_pct", memUsedPct, "threshold", s.config.MemHighPct)
			s.memAlert = true
			s.lastMemAlert = now
		}
	} else if s.memAlert && now.Sub(s.lastMemAlert) >= s.config.RecoveryWindow {
		logger.Info("memory_usage_recovered", "usage_pct", memUsedPct, "threshold", s.config.MemHighPct)
		s.memAlert = false
	}
}

// Alerting reports the current disk and memory alert state.
func (s *Sensor) Alerting() (disk, mem bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.diskAlert, s.memAlert
}

func statfsUsedPct(path string) (float64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, err
	}
	available := stat.Bavail * uint64(stat.Bsize)
	total := stat.Blocks * uint64(stat.Bsize)
	if total == 0 {
		return 0, nil
	}
	return float64(total-available) / float64(total) * 100, nil
}

func heapUsedPct() float64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	if m.HeapSys == 0 {
		return 0
	}
	return float64(m.HeapInuse) / float64(m.HeapSys) * 100
}
