//go:build linux

package file

import "golang.org/x/sys/unix"

// AdviseSequential tells the kernel f will be read front to back once.
// Files without a descriptor (in-memory filesystems) are ignored.
func AdviseSequential(f any) {
	fd, ok := f.(interface{ Fd() uintptr })
	if !ok {
		return
	}
	_ = unix.Fadvise(int(fd.Fd()), 0, 0, unix.FADV_SEQUENTIAL)
	_ = unix.Fadvise(int(fd.Fd()), 0, 0, unix.FADV_WILLNEED)
}
