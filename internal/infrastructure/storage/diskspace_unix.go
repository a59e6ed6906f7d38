//go:build !windows

package storage

import "golang.org/x/sys/unix"

// freeDiskSpace 返回 path 所在文件系统对当前用户可用的字节数
func freeDiskSpace(path string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}
