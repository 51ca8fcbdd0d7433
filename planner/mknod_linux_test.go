//go:build linux

package planner

import "golang.org/x/sys/unix"

// unixMknodChar creates a character device with rdev 0:0 at path, the
// overlay whiteout convention exercised by TestGeneratePlanWhiteoutProducesHideRule.
func unixMknodChar(path string) error {
	return unix.Mknod(path, unix.S_IFCHR|0666, 0)
}
