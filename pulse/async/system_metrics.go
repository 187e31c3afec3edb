package async

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/Dm1try555/banister-backend-sub001/errors"
)

// SystemMetrics tracks resource usage for dispatcher monitoring
type SystemMetrics struct {
	WorkersActive int         `json:"workers_active"`  // Jobs currently executing in this process
	WorkersTotal  int         `json:"workers_total"`   // MaxInflight
	MemoryUsedGB  float64     `json:"memory_used_gb"`  // Current memory usage in GB
	MemoryTotalGB float64     `json:"memory_total_gb"` // Total system memory in GB
	MemoryPercent float64     `json:"memory_percent"`  // Memory utilization percentage
	Jobs          *QueueStats `json:"jobs,omitempty"`  // Per-status counts, nil if the query failed
}

// getMemoryStats returns current memory usage in bytes
var getMemoryStats = func() (total uint64, available uint64, err error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to get memory stats")
	}
	return v.Total, v.Available, nil
}

// calculateSafeWorkerCount recommends a MaxInflight for the available memory.
// Each running export holds one page of records and one buffered CSV writer.
func calculateSafeWorkerCount(availableGB float64) int {
	const memoryPerExportWorker = 0.25 // GB per running export at MaxBatchSize
	const memoryBuffer = 1.0           // GB reserved for the rest of the host

	if availableGB < memoryBuffer {
		return 1 // Always allow at least 1 worker
	}

	recommended := int((availableGB - memoryBuffer) / memoryPerExportWorker)
	if recommended < 1 {
		return 1
	}
	if recommended > 64 {
		return 64
	}
	return recommended
}

// Metrics returns current worker occupancy, memory and job counts
func (d *Dispatcher) Metrics(ctx context.Context) SystemMetrics {
	total, available, err := getMemoryStats()

	var memUsedGB, memTotalGB, memPercent float64
	if err == nil && total > 0 {
		memTotalGB = float64(total) / 1024 / 1024 / 1024
		memUsedGB = float64(total-available) / 1024 / 1024 / 1024
		memPercent = (memUsedGB / memTotalGB) * 100
	}

	// Gracefully handle database errors - omit counts if query fails
	stats, err := d.queue.GetStats(ctx)
	if err != nil {
		stats = nil
	}

	return SystemMetrics{
		WorkersActive: d.Active(),
		WorkersTotal:  d.maxInflight,
		MemoryUsedGB:  memUsedGB,
		MemoryTotalGB: memTotalGB,
		MemoryPercent: memPercent,
		Jobs:          stats,
	}
}

// checkMemoryPressure validates MaxInflight against available memory.
// Returns a warning message if it may be too high, empty string if OK.
func (d *Dispatcher) checkMemoryPressure() string {
	total, available, err := getMemoryStats()
	if err != nil {
		return "" // Can't check, assume OK
	}

	availableGB := float64(available) / 1024 / 1024 / 1024
	totalGB := float64(total) / 1024 / 1024 / 1024
	recommended := calculateSafeWorkerCount(availableGB)

	if d.maxInflight > recommended {
		return fmt.Sprintf(
			"MaxInflight (%d) exceeds recommended (%d) for available memory (%.1f/%.1fGB). "+
				"Consider lowering dispatcher.max_inflight.",
			d.maxInflight, recommended, totalGB-availableGB, totalGB)
	}
	return ""
}
