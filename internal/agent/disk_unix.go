//go:build unix

package agent

import "golang.org/x/sys/unix"

// usableSpace returns the bytes available to unprivileged users on the
// filesystem holding path, or -1 when it cannot be determined.
func usableSpace(path string) int64 {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return -1
	}
	return int64(stat.Bavail) * int64(stat.Bsize)
}
