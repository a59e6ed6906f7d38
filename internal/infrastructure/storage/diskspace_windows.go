//go:build windows

package storage

import "golang.org/x/sys/windows"

// freeDiskSpace 返回 path 所在卷对当前用户可用的字节数
func freeDiskSpace(path string) (uint64, error) {
	pathPtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, err
	}
	var freeBytes, totalBytes, totalFree uint64
	if err := windows.GetDiskFreeSpaceEx(pathPtr, &freeBytes, &totalBytes, &totalFree); err != nil {
		return 0, err
	}
	return freeBytes, nil
}
