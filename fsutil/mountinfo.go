package fsutil

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/moby/sys/mountinfo"

	"github.com/hymo-project/hymofsd/domain"
)

// MirrorBase is the well-known parent directory under which mirror
// bind-mounts of partition roots are created, matching the original
// implementation's hardcoded "/dev/hymo_mirror".
const MirrorBase = "/dev/hymo_mirror"

// MirrorPath returns the mirror bind-mount location for targetRoot,
// replacing path separators with underscores exactly as the original
// implementation's get_mirror_path does.
func MirrorPath(targetRoot string) string {
	clean := strings.ReplaceAll(targetRoot, "/", "_")
	return filepath.Join(MirrorBase, clean)
}

// EnsureMirrorBase creates MirrorBase and the per-target mirror
// directory under it, returning the mirror path.
func EnsureMirrorBase(targetRoot string) (string, error) {
	if err := os.MkdirAll(MirrorBase, 0755); err != nil {
		return "", domain.Errorf(domain.ErrMountFailed, "mkdir(%s)", MirrorBase, err)
	}
	mirror := MirrorPath(targetRoot)
	if err := os.MkdirAll(mirror, 0755); err != nil {
		return "", domain.Errorf(domain.ErrMountFailed, "mkdir(%s)", mirror, err)
	}
	return mirror, nil
}

// ChildMounts returns every mountpoint strictly under targetRoot,
// sorted and deduplicated, matching the original implementation's
// get_child_mounts (there implemented as a hand-rolled
// /proc/self/mountinfo scan; here delegated to moby/sys/mountinfo).
func ChildMounts(targetRoot string) ([]string, error) {
	infos, err := mountinfo.GetMounts(nil)
	if err != nil {
		return nil, domain.Errorf(domain.ErrMountFailed, "mountinfo scan", err)
	}

	clean := strings.TrimRight(targetRoot, "/")
	seen := make(map[string]struct{})
	for _, info := range infos {
		mp := info.Mountpoint
		if mp == clean {
			continue
		}
		if strings.HasPrefix(mp, clean+"/") {
			seen[mp] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for mp := range seen {
		out = append(out, mp)
	}
	sort.Strings(out)
	return out, nil
}
