// Package system reports host health for the doser: memory, the data
// partition, load and SoC temperature.
package system

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"

	"github.com/dsyorkd/pi-doser/internal/errors"
)

// HostInfo identifies the machine
type HostInfo struct {
	Hostname      string `json:"hostname"`
	OS            string `json:"os"`
	Platform      string `json:"platform"`
	KernelVersion string `json:"kernel_version"`
	Arch          string `json:"arch"`
	UptimeSeconds uint64 `json:"uptime_seconds"`
}

// CPUInfo is the overall utilisation over the sample window
type CPUInfo struct {
	Cores        int     `json:"cores"`
	UsagePercent float64 `json:"usage_percent"`
}

// MemoryInfo is virtual memory usage
type MemoryInfo struct {
	TotalBytes     uint64  `json:"total_bytes"`
	AvailableBytes uint64  `json:"available_bytes"`
	UsedBytes      uint64  `json:"used_bytes"`
	UsagePercent   float64 `json:"usage_percent"`
}

// DiskInfo is usage of the partition holding the data directory
type DiskInfo struct {
	Path         string  `json:"path"`
	TotalBytes   uint64  `json:"total_bytes"`
	FreeBytes    uint64  `json:"free_bytes"`
	UsagePercent float64 `json:"usage_percent"`
}

// LoadInfo holds the load averages
type LoadInfo struct {
	Load1  float64 `json:"load1"`
	Load5  float64 `json:"load5"`
	Load15 float64 `json:"load15"`
}

// Temperature is one thermal sensor
type Temperature struct {
	Sensor  string  `json:"sensor"`
	Celsius float64 `json:"celsius"`
	High    float64 `json:"high,omitempty"`
}

// Info is the body of GET /system/info. Sections that could not be read are nil.
type Info struct {
	Host         *HostInfo     `json:"host,omitempty"`
	CPU          *CPUInfo      `json:"cpu,omitempty"`
	Memory       *MemoryInfo   `json:"memory,omitempty"`
	Disk         *DiskInfo     `json:"disk,omitempty"`
	Load         *LoadInfo     `json:"load,omitempty"`
	Temperatures []Temperature `json:"temperatures,omitempty"`
	GoVersion    string        `json:"go_version"`
	Goroutines   int           `json:"goroutines"`
	Timestamp    time.Time     `json:"timestamp"`
}

// Collector gathers Info on demand
type Collector struct {
	dataDir string
	sample  time.Duration
	logger  *logrus.Entry
}

// NewCollector reports disk usage for dataDir. sample is the CPU measurement
// window; zero compares against the previous call.
func NewCollector(dataDir string, sample time.Duration, logger logrus.FieldLogger) *Collector {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if dataDir == "" {
		dataDir = "."
	}
	return &Collector{
		dataDir: dataDir,
		sample:  sample,
		logger:  logger.WithField("component", "system"),
	}
}

// Collect reads every section it can. It fails only when nothing could be read.
func (c *Collector) Collect(ctx context.Context) (*Info, error) {
	info := &Info{
		GoVersion:  runtime.Version(),
		Goroutines: runtime.NumGoroutine(),
		Timestamp:  time.Now(),
	}

	var errs []error
	note := func(section string, err error) {
		c.logger.WithError(err).WithField("section", section).Warn("Failed to collect system info")
		errs = append(errs, errors.Wrap(err, section))
	}

	if h, err := host.InfoWithContext(ctx); err != nil {
		note("host", err)
	} else {
		info.Host = &HostInfo{
			Hostname:      h.Hostname,
			OS:            h.OS,
			Platform:      h.Platform,
			KernelVersion: h.KernelVersion,
			Arch:          h.KernelArch,
			UptimeSeconds: h.Uptime,
		}
	}

	if cpuInfo, err := c.cpu(ctx); err != nil {
		note("cpu", err)
	} else {
		info.CPU = cpuInfo
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		note("memory", err)
	} else {
		info.Memory = &MemoryInfo{
			TotalBytes:     vm.Total,
			AvailableBytes: vm.Available,
			UsedBytes:      vm.Used,
			UsagePercent:   vm.UsedPercent,
		}
	}

	if usage, err := disk.UsageWithContext(ctx, c.dataDir); err != nil {
		note("disk", err)
	} else {
		info.Disk = &DiskInfo{
			Path:         c.dataDir,
			TotalBytes:   usage.Total,
			FreeBytes:    usage.Free,
			UsagePercent: usage.UsedPercent,
		}
	}

	if avg, err := load.AvgWithContext(ctx); err != nil {
		note("load", err)
	} else {
		info.Load = &LoadInfo{Load1: avg.Load1, Load5: avg.Load5, Load15: avg.Load15}
	}

	// Containers and some boards expose no thermal zones; that is not a failure.
	temps, err := host.SensorsTemperaturesWithContext(ctx)
	if err != nil && len(temps) == 0 {
		c.logger.WithError(err).Debug("No temperature sensors")
	}
	for _, t := range temps {
		info.Temperatures = append(info.Temperatures, Temperature{
			Sensor:  t.SensorKey,
			Celsius: t.Temperature,
			High:    t.High,
		})
	}

	if len(errs) == 5 {
		return nil, errors.Join(errs...)
	}
	return info, nil
}

func (c *Collector) cpu(ctx context.Context) (*CPUInfo, error) {
	percent, err := cpu.PercentWithContext(ctx, c.sample, false)
	if err != nil {
		return nil, err
	}
	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		cores = runtime.NumCPU()
	}

	out := &CPUInfo{Cores: cores}
	if len(percent) > 0 {
		out.UsagePercent = percent[0]
	}
	return out, nil
}
