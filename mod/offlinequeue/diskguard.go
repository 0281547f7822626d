package offlinequeue

import (
	"fmt"

	"github.com/shirou/gopsutil/v4/disk"
)

// SpaceGuard decides whether a write of need bytes may proceed
type SpaceGuard interface {
	Check(need int) error
}

// DiskGuard refuses writes once the volume holding Path drops below
// MinFreeBytes of free space
type DiskGuard struct {
	Path         string
	MinFreeBytes uint64
}

// NewDiskGuard creates a guard for the volume holding path
func NewDiskGuard(path string, minFreeBytes uint64) *DiskGuard {
	return &DiskGuard{
		Path:         path,
		MinFreeBytes: minFreeBytes,
	}
}

// Check implements SpaceGuard
func (g *DiskGuard) Check(need int) error {
	if g.MinFreeBytes == 0 {
		return nil
	}

	usage, err := disk.Usage(g.Path)
	if err != nil {
		return fmt.Errorf("failed to read disk usage of %s: %w", g.Path, err)
	}

	if usage.Free < g.MinFreeBytes+uint64(need) {
		return fmt.Errorf("only %d bytes free on %s, %d required", usage.Free, g.Path, g.MinFreeBytes+uint64(need))
	}
	return nil
}
