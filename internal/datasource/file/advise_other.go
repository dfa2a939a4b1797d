//go:build !linux

package file

// AdviseSequential is a no-op off linux.
func AdviseSequential(any) {}
