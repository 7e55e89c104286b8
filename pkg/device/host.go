package device

import (
	"context"
	"runtime"
	"syscall"
)

// HostTelemetry reads what it can from the local host. Off-device there is
// no battery or thermal sensor to consult, so those fields report a healthy
// baseline; memory comes from the Go runtime and storage from statfs on the
// configured path.
type HostTelemetry struct {
	// StoragePath is the mount point probed for free space. Defaults to
	// the working directory when empty.
	StoragePath string

	// MemoryBudget caps the reported available memory. Zero means "use
	// the runtime's own view only".
	MemoryBudget uint64
}

// Poll implements Telemetry.
func (h *HostTelemetry) Poll(ctx context.Context) (RawReading, error) {
	if err := ctx.Err(); err != nil {
		return RawReading{}, err
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	available := mem.Sys - mem.HeapInuse
	if h.MemoryBudget > 0 {
		if mem.HeapInuse >= h.MemoryBudget {
			available = 0
		} else {
			available = h.MemoryBudget - mem.HeapInuse
		}
	}

	path := h.StoragePath
	if path == "" {
		path = "."
	}
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return RawReading{}, err
	}
	storage := stat.Bavail * uint64(stat.Bsize)

	return RawReading{
		Thermal:          ThermalNominal,
		BatteryLevel:     1.0,
		IsCharging:       true,
		AvailableMemory:  available,
		AvailableStorage: storage,
	}, nil
}
