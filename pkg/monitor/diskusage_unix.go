//go:build !windows

package monitor

import (
	"os"
	"syscall"
)

// diskUsage returns the allocated size of a file, which is smaller than
// its logical size for sparse files
func diskUsage(info os.FileInfo) int64 {
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		return stat.Blocks * 512
	}
	return info.Size()
}
