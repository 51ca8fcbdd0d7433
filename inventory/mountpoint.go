package inventory

import (
	"github.com/moby/sys/mountinfo"
)

// isMountpoint reports whether path is the mountpoint of some active
// mount, matching the reference implementation's is_mountpoint check
// against /proc/mounts.
func isMountpoint(path string) bool {
	mounted, err := mountinfo.Mounted(path)
	if err != nil {
		return false
	}
	return mounted
}
