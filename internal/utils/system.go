package utils

import (
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// CPUCount returns the number of logical CPUs, falling back to the Go runtime
// when gopsutil cannot read them.
func CPUCount() int {
	count, err := cpu.Counts(true)
	if err != nil || count <= 0 {
		return runtime.NumCPU()
	}
	return count
}

// MemorySnapshot describes host memory at one point in time
type MemorySnapshot struct {
	TotalMB     uint64
	AvailableMB uint64
	UsedPercent float64
}

// ReadMemory returns the current host memory usage
func ReadMemory() (MemorySnapshot, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return MemorySnapshot{}, err
	}
	return MemorySnapshot{
		TotalMB:     vm.Total / 1024 / 1024,
		AvailableMB: vm.Available / 1024 / 1024,
		UsedPercent: vm.UsedPercent,
	}, nil
}
