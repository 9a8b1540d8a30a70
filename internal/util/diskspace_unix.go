//go:build !windows

package util

import (
	"syscall"
)

func GetDiskSpace(path string) (DiskSpaceInfo, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return DiskSpaceInfo{}, err
	}
	availBytes := stat.Bavail * uint64(stat.Bsize)
	availGB := float64(availBytes) / (1024 * 1024 * 1024)
	totalGB := float64(stat.Blocks*uint64(stat.Bsize)) / (1024 * 1024 * 1024)
	return DiskSpaceInfo{
		AvailBytes: availBytes,
		AvailGB:    availGB,
		TotalGB:    totalGB,
		UsedGB:     totalGB - availGB,
	}, nil
}
