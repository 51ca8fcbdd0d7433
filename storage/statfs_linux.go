//go:build linux

package storage

import "golang.org/x/sys/unix"

type statfsT struct {
	bsize  uint64
	blocks uint64
	bfree  uint64
}

func statfs(path string, out *statfsT) error {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return err
	}
	out.bsize = uint64(st.Bsize)
	out.blocks = st.Blocks
	out.bfree = st.Bfree
	return nil
}
