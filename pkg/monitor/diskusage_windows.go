//go:build windows

package monitor

import "os"

func diskUsage(info os.FileInfo) int64 {
	return info.Size()
}
