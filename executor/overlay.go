package executor

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/hymo-project/hymofsd/domain"
	"github.com/hymo-project/hymofsd/fsutil"
)

// applyOverlayOp realizes a single OverlayOp via the mirror strategy
// of §4.7: mirror the target, compose lowerdirs with the mirror last,
// mount, then restore whatever child mounts and partition symlinks
// the mirror's recursive bind-mount swallowed.
func (s *Service) applyOverlayOp(op *domain.OverlayOp, cfg *domain.Config, kc domain.KernelClientIface) error {
	mirror, err := fsutil.EnsureMirrorBase(op.Target)
	if err != nil {
		return err
	}

	if err := fsutil.BindMount(op.Target, mirror); err != nil {
		return err
	}
	if err := fsutil.MakePrivate(mirror); err != nil {
		s.Log.WithError(err).WithField("mirror", mirror).Warn("executor: make-private on mirror failed")
	}

	preChildren, err := fsutil.ChildMounts(op.Target)
	if err != nil {
		s.Log.WithError(err).Warn("executor: child mount enumeration failed")
	}

	lowerdirs := append(append([]string{}, op.Lowerdirs...), mirror)
	opts := &fsutil.OverlayMountOpts{Lowerdirs: lowerdirs, Dest: op.Target}
	if op.HasUpper() {
		opts.Upperdir = op.Upperdir
		opts.Workdir = op.Workdir
	}

	if err := fsutil.MountOverlayModern(opts); err != nil {
		s.Log.WithError(err).WithField("target", op.Target).Debug("executor: modern overlay mount failed, trying legacy")
		if err := fsutil.MountOverlayLegacy(opts); err != nil {
			fsutil.Unmount(mirror, true)
			return err
		}
	}

	if kc != nil {
		if err := kc.HideOverlayXattrs(op.Target); err != nil {
			s.Log.WithError(err).WithField("target", op.Target).Warn("executor: hide_overlay_xattrs failed")
		}
	}
	registerUnmountable(kc, cfg, s.Log, op.Target)
	registerUnmountable(kc, cfg, s.Log, mirror)

	restored := s.restoreChildMounts(op, mirror, preChildren, kc, cfg)
	s.restorePartitionSymlinks(op, cfg, restored, kc)

	return nil
}

// restoreChildMounts re-establishes every mountpoint the recursive
// mirror bind captured, per §4.7 step 6. It returns the set of target
// paths it handled, so the partition-symlink pass can skip them.
func (s *Service) restoreChildMounts(op *domain.OverlayOp, mirror string, children []string, kc domain.KernelClientIface, cfg *domain.Config) map[string]bool {
	restored := make(map[string]bool, len(children))

	for _, m := range children {
		rel := strings.TrimPrefix(strings.TrimPrefix(m, op.Target), "/")
		mirrorPath := joinRel(mirror, rel)
		restored[m] = true

		moduleDirs, ok := modulesContainingRel(op, rel)
		if !ok {
			if err := fsutil.BindMount(mirrorPath, m); err != nil {
				s.Log.WithError(err).WithField("mount", m).Warn("executor: child mount bind restoration failed")
			}
			continue
		}

		lowerdirs := append(append([]string{}, moduleDirs...), mirrorPath)
		opts := &fsutil.OverlayMountOpts{Lowerdirs: lowerdirs, Dest: m}
		if err := fsutil.MountOverlayModern(opts); err != nil {
			if err := fsutil.MountOverlayLegacy(opts); err != nil {
				s.Log.WithError(err).WithField("mount", m).Warn("executor: child overlay restoration failed, binding mirror")
				fsutil.BindMount(mirrorPath, m)
				continue
			}
		}
		registerUnmountable(kc, cfg, s.Log, m)
	}

	return restored
}

// modulesContainingRel gathers, for every lowerdir in op (the mirror
// excluded, since it is appended separately), the subdirectory at
// rel, if any module has it. It reports ok=false if no module has
// anything at rel, or if any module has a non-directory there (both
// cases fall back to a plain mirror bind per §4.7 step 6).
func modulesContainingRel(op *domain.OverlayOp, rel string) (dirs []string, ok bool) {
	for _, lowerdir := range op.Lowerdirs {
		path := joinRel(lowerdir, rel)
		if !domain.FileExists(path) {
			continue
		}
		if !domain.IsDir(path) {
			return nil, false
		}
		dirs = append(dirs, path)
	}
	return dirs, len(dirs) > 0
}

// restorePartitionSymlinks implements §4.7 step 7: for every
// configured partition P, if the host root has a real /P directory
// and op.Target/P is a real (non-symlink) directory not already
// restored as a child mount, bind-mount /P onto it to preserve system
// symlink semantics (e.g. /system/vendor -> /vendor).
func (s *Service) restorePartitionSymlinks(op *domain.OverlayOp, cfg *domain.Config, restored map[string]bool, kc domain.KernelClientIface) {
	for _, part := range partitionList(cfg) {
		hostPart := "/" + part
		if !domain.IsDir(hostPart) {
			continue
		}

		targetPart := filepath.Join(op.Target, part)
		if restored[targetPart] {
			continue
		}

		fi, err := os.Lstat(targetPart)
		if err != nil || fi.Mode()&os.ModeSymlink != 0 || !fi.IsDir() {
			continue
		}

		if err := fsutil.BindMount(hostPart, targetPart); err != nil {
			s.Log.WithError(err).WithFields(logrus.Fields{
				"source": hostPart,
				"target": targetPart,
			}).Warn("executor: partition symlink restoration failed")
			continue
		}
		registerUnmountable(kc, cfg, s.Log, targetPart)
	}
}
