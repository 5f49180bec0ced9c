// Package sysmonitor implements the system monitor: a periodic sampler
// of process CPU/RSS and (when present) GPU utilization/memory, feeding
// the metrics aggregator under fixed metric names, plus the opt-in GPU
// memory cap and GC hook.
package sysmonitor

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/procfs"

	"github.com/grps-serving/grps/pkg/apperror"
	"github.com/grps-serving/grps/pkg/config"
	"github.com/grps-serving/grps/pkg/grpslog"
	"github.com/grps-serving/grps/pkg/metrics"
)

// GPUSampler abstracts per-device utilization/memory sampling and the
// memory-limit/GC hooks. No NVML or vendor GPU binding is linked into
// this build, so the only concrete implementation shipped here is NoGPU;
// a real deployment supplies one backed by its framework's own binding.
type GPUSampler interface {
	DeviceCount() int
	Utilization(device int) (percent float64, err error)
	MemoryUsedMiB(device int) (mib float64, err error)
	SetMemoryLimit(device int, limitMiB int) error
	GC(device int) error
}

// NoGPU is the zero-device GPUSampler New falls back to when it is given
// no sampler.
type NoGPU struct{}

func (NoGPU) DeviceCount() int                 { return 0 }
func (NoGPU) Utilization(int) (float64, error) { return 0, nil }
func (NoGPU) MemoryUsedMiB(int) (float64, error) {
	return 0, nil
}
func (NoGPU) SetMemoryLimit(int, int) error { return nil }
func (NoGPU) GC(int) error                  { return nil }

// Monitor owns the periodic sampler and the GPU cap/GC hooks.
type Monitor struct {
	aggregator *metrics.Aggregator
	gpu        GPUSampler
	cfg        *config.GPUConfig
	statStep   time.Duration

	proc          procfs.Proc
	lastCPU       float64
	lastWall      time.Time
	totalMemBytes float64

	// devices[logical] = physical device index, built from
	// CUDA_VISIBLE_DEVICES.
	devices []int

	logger *grpslog.Loggers
}

// New builds a Monitor bound to the current process. gpu may be nil, in
// which case NoGPU is used.
func New(aggregator *metrics.Aggregator, gpu GPUSampler, cfg *config.GPUConfig, statStep time.Duration, logger *grpslog.Loggers) (*Monitor, error) {
	if gpu == nil {
		gpu = NoGPU{}
	}
	if statStep <= 0 {
		statStep = time.Second
	}

	proc, err := procfs.NewProc(os.Getpid())
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeInternal, "sysmonitor: open /proc for self")
	}

	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeInternal, "sysmonitor: open /proc")
	}
	meminfo, err := fs.Meminfo()
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeInternal, "sysmonitor: read /proc/meminfo")
	}
	var totalBytes float64
	if meminfo.MemTotal != nil {
		totalBytes = float64(*meminfo.MemTotal) * 1024
	}

	m := &Monitor{
		aggregator:    aggregator,
		gpu:           gpu,
		cfg:           cfg,
		statStep:      statStep,
		proc:          proc,
		lastWall:      time.Now(),
		totalMemBytes: totalBytes,
		devices:       remapDevices(os.Getenv("CUDA_VISIBLE_DEVICES"), gpu.DeviceCount()),
		logger:        logger,
	}

	m.seedMetricNames()
	return m, nil
}

func remapDevices(cudaVisible string, deviceCount int) []int {
	if cudaVisible == "" {
		devices := make([]int, deviceCount)
		for i := range devices {
			devices[i] = i
		}
		return devices
	}
	parts := strings.Split(cudaVisible, ",")
	devices := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		idx, err := strconv.Atoi(p)
		if err != nil {
			continue
		}
		devices = append(devices, idx)
	}
	return devices
}

func (m *Monitor) seedMetricNames() {
	m.aggregator.Register(MetricCPUUsage, metrics.KindAvg)
	m.aggregator.Register(MetricMemUsage, metrics.KindAvg)
	for logical := range m.devices {
		m.aggregator.Register(gpuUsageName(logical), metrics.KindAvg)
		m.aggregator.Register(gpuMemName(logical), metrics.KindAvg)
	}
}

// Fixed metric names the sampler publishes; the leading asterisk groups the
// built-in series apart from user metrics on the monitor dashboard.
const (
	MetricCPUUsage = "*cpu_usage(%)"
	MetricMemUsage = "*mem_usage(%)"
)

func gpuUsageName(logical int) string { return "*gpu" + strconv.Itoa(logical) + "_usage(%)" }
func gpuMemName(logical int) string   { return "*gpu" + strconv.Itoa(logical) + "_mem_usage(MIB)" }

// Start installs the opt-in GPU memory cap, then runs the sampling loop
// (and, if enabled, the GC loop) until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) error {
	if m.gpuManaged() {
		for logical, physical := range m.devices {
			if err := m.gpu.SetMemoryLimit(physical, m.cfg.MemLimitMiB); err != nil {
				return apperror.Wrap(err, apperror.CodeInternal, "sysmonitor: set GPU memory limit").
					WithDetails("device", logical)
			}
		}
	}

	go m.sampleLoop(ctx)
	if m.cfg != nil && m.cfg.MemGCEnable {
		go m.gcLoop(ctx)
	}
	return nil
}

func (m *Monitor) gpuManaged() bool {
	return m.cfg != nil && m.cfg.MemManagerType != "" && m.cfg.MemManagerType != "none" && m.cfg.MemLimitMiB != -1
}

func (m *Monitor) sampleLoop(ctx context.Context) {
	ticker := time.NewTicker(m.statStep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sampleOnce()
		}
	}
}

func (m *Monitor) sampleOnce() {
	stat, err := m.proc.Stat()
	if err != nil {
		if m.logger != nil {
			m.logger.Framework.Error("sysmonitor: read process stat", "error", err)
		}
		return
	}

	now := time.Now()
	cpuTime := stat.CPUTime()
	if wallDelta := now.Sub(m.lastWall).Seconds(); wallDelta > 0 {
		cpuPercent := ((cpuTime - m.lastCPU) / wallDelta) * 100
		m.aggregator.Put(MetricCPUUsage, metrics.KindAvg, cpuPercent)
	}
	m.lastCPU = cpuTime
	m.lastWall = now

	if m.totalMemBytes > 0 {
		memPercent := float64(stat.ResidentMemory()) / m.totalMemBytes * 100
		m.aggregator.Put(MetricMemUsage, metrics.KindAvg, memPercent)
	}

	for logical, physical := range m.devices {
		if util, err := m.gpu.Utilization(physical); err == nil {
			m.aggregator.Put(gpuUsageName(logical), metrics.KindAvg, util)
		}
		if mib, err := m.gpu.MemoryUsedMiB(physical); err == nil {
			m.aggregator.Put(gpuMemName(logical), metrics.KindAvg, mib)
		}
	}
}

func (m *Monitor) gcLoop(ctx context.Context) {
	interval := time.Duration(m.cfg.MemGCInterval) * time.Second
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, physical := range m.devices {
				if err := m.gpu.GC(physical); err != nil && m.logger != nil {
					m.logger.Framework.Error("sysmonitor: GC hook failed", "device", physical, "error", err)
				}
			}
		}
	}
}
