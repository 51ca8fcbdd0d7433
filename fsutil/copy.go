package fsutil

import (
	"os"
	"path/filepath"

	"github.com/containerd/continuity/fs"

	"github.com/hymo-project/hymofsd/domain"
)

// CopyTree recursively copies src onto dst, preserving file modes and
// any existing security.selinux xattr, then walks the result applying
// DefaultSELinuxContext to every entry that came out of the copy with
// no context of its own. Grounded in the original implementation's
// native_cp_r/sync_dir, adapted to lean on continuity/fs for the
// copy itself rather than a hand-rolled directory walk.
func CopyTree(src, dst string) error {
	if !domain.FileExists(src) {
		return nil
	}
	if err := os.MkdirAll(dst, 0755); err != nil {
		return domain.Errorf(domain.ErrSyncFailed, "mkdir(%s)", dst, err)
	}

	if err := fs.CopyDir(dst, src); err != nil {
		return domain.Errorf(domain.ErrSyncFailed, "copy(%s -> %s)", src, dst, err)
	}

	return applyDefaultContexts(dst)
}

// applyDefaultContexts walks root and sets DefaultSELinuxContext on
// every entry that has no security.selinux xattr of its own, matching
// native_cp_r's unconditional lsetfilecon call.
func applyDefaultContexts(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if GetContext(path) == "" {
			_ = SetContext(path, DefaultSELinuxContext)
		}
		return nil
	})
}
