// Package system reports resource usage of the exporter process and of the
// filesystem holding its cache file.
package system

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/process"

	"solana-validator-exporter/internal/metrics"
	"solana-validator-exporter/internal/modules/common"
)

type Collector struct {
	metrics   *metrics.Metrics
	cachePath string
	proc      *process.Process
}

// NewCollector watches the current process. cachePath may be empty, in
// which case filesystem stats are not collected.
func NewCollector(m *metrics.Metrics, cachePath string) (*Collector, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("failed to inspect own process: %w", err)
	}
	return &Collector{
		metrics:   m,
		cachePath: cachePath,
		proc:      proc,
	}, nil
}

func (c *Collector) Name() string {
	return "system"
}

func (c *Collector) Collect(ctx context.Context) error {
	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	collectors := []struct {
		enabled bool
		name    string
		collect func(context.Context) error
	}{
		{true, "CPU", c.collectCPUMetrics},
		{true, "Memory", c.collectMemoryMetrics},
		{true, "Process", c.collectProcessMetrics},
		{c.cachePath != "", "Disk", c.collectDiskMetrics},
	}

	for _, collector := range collectors {
		if !collector.enabled {
			continue
		}
		wg.Add(1)
		go func(name string, collect func(context.Context) error) {
			defer wg.Done()
			if err := collect(ctx); err != nil {
				errCh <- fmt.Errorf("%s metrics: %w", name, err)
			}
		}(collector.name, collector.collect)
	}

	wg.Wait()
	close(errCh)

	return common.HandleErrors(errCh)
}

// collectCPUMetrics reports CPU usage averaged over the process lifetime.
func (c *Collector) collectCPUMetrics(ctx context.Context) error {
	percent, err := c.proc.CPUPercentWithContext(ctx)
	if err != nil {
		return err
	}
	c.metrics.CPUUsage.Set(percent)
	return nil
}

func (c *Collector) collectMemoryMetrics(ctx context.Context) error {
	info, err := c.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return err
	}
	c.metrics.MemoryUsage.WithLabelValues("rss").Set(float64(info.RSS))
	c.metrics.MemoryUsage.WithLabelValues("vms").Set(float64(info.VMS))

	// Runtime memory stats
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	c.metrics.MemoryUsage.WithLabelValues("heap").Set(float64(m.HeapAlloc))
	c.metrics.MemoryUsage.WithLabelValues("stack").Set(float64(m.StackInuse))

	return nil
}

func (c *Collector) collectProcessMetrics(ctx context.Context) error {
	c.metrics.GoroutineCount.Set(float64(runtime.NumGoroutine()))

	fds, err := c.proc.NumFDsWithContext(ctx)
	if err != nil {
		return err
	}
	c.metrics.OpenFiles.Set(float64(fds))
	return nil
}

func (c *Collector) collectDiskMetrics(ctx context.Context) error {
	usage, err := disk.UsageWithContext(ctx, filepath.Dir(c.cachePath))
	if err != nil {
		return err
	}
	c.metrics.DiskUsage.WithLabelValues("total").Set(float64(usage.Total))
	c.metrics.DiskUsage.WithLabelValues("used").Set(float64(usage.Used))
	c.metrics.DiskUsage.WithLabelValues("free").Set(float64(usage.Free))

	info, err := os.Stat(c.cachePath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		c.metrics.CacheFileSize.Set(0)
	case err != nil:
		return err
	default:
		c.metrics.CacheFileSize.Set(float64(info.Size()))
	}
	return nil
}
