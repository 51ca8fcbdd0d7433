// Package sync implements Synchronization: copying module content
// into the staging root, skipping modules that are empty or already
// up to date, pruning orphans, and repairing SELinux contexts after
// every copy.
package sync

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/hymo-project/hymofsd/domain"
	"github.com/hymo-project/hymofsd/fsutil"
)

// Service implements domain.SyncServiceIface. Directory probes go
// through an afero.Fs so emptiness/up-to-date checks are unit
// testable in-memory; the actual tree copy goes through fsutil, which
// needs a real filesystem for xattr preservation.
type Service struct {
	Fs  afero.Fs
	Log *logrus.Logger
}

// New returns a Service backed by the real OS filesystem.
func New(log *logrus.Logger) *Service {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{Fs: afero.NewOsFs(), Log: log}
}

var _ domain.SyncServiceIface = (*Service)(nil)

// Sync prunes orphaned storage directories, then for each module with
// real content for some partition, copies it into place if new or
// changed, and repairs SELinux contexts on the result. Grounded in
// Hymo's core/sync.cpp's perform_sync.
func (s *Service) Sync(root *domain.StagingRoot, modules []*domain.Module, cfg *domain.Config) error {
	s.Log.WithField("root", root.Path).Info("sync: starting module sync")

	allPartitions := append([]string{}, domain.BuiltinPartitions...)
	allPartitions = append(allPartitions, cfg.Partitions...)

	s.pruneOrphaned(modules, root.Path)

	for _, mod := range modules {
		dst := root.Path + "/" + mod.ID

		if !s.hasContent(mod.SourcePath, allPartitions) {
			s.Log.WithField("module", mod.ID).Debug("sync: skipping empty module")
			continue
		}

		if !s.shouldSync(mod.SourcePath, dst) {
			s.Log.WithField("module", mod.ID).Debug("sync: module up-to-date")
			continue
		}

		s.Log.WithField("module", mod.ID).Debug("sync: syncing module")
		if exists, _ := afero.DirExists(s.Fs, dst); exists {
			if err := s.Fs.RemoveAll(dst); err != nil {
				s.Log.WithError(err).Warn("sync: failed to clean target dir for " + mod.ID)
			}
		}

		if err := fsutil.CopyTree(mod.SourcePath, dst); err != nil {
			s.Log.WithError(err).Error("sync: failed to sync module " + mod.ID)
			continue
		}

		s.repairModuleContexts(dst, mod.ID, allPartitions)
	}

	s.Log.Info("sync: module sync completed")
	return nil
}

func (s *Service) hasContent(modulePath string, partitions []string) bool {
	for _, partition := range partitions {
		if hasFilesRecursive(s.Fs, modulePath+"/"+partition) {
			return true
		}
	}
	return false
}

func hasFilesRecursive(fs afero.Fs, path string) bool {
	isDir, err := afero.DirExists(fs, path)
	if err != nil || !isDir {
		return false
	}

	entries, err := afero.ReadDir(fs, path)
	if err != nil {
		return true
	}
	for _, entry := range entries {
		if entry.IsDir() {
			if hasFilesRecursive(fs, path+"/"+entry.Name()) {
				return true
			}
			continue
		}
		return true
	}
	return false
}

func (s *Service) shouldSync(src, dst string) bool {
	exists, err := afero.DirExists(s.Fs, dst)
	if err != nil || !exists {
		return true
	}

	srcProp, dstProp := src+"/"+domain.ModulePropFile, dst+"/"+domain.ModulePropFile
	srcOK, _ := afero.Exists(s.Fs, srcProp)
	dstOK, _ := afero.Exists(s.Fs, dstProp)
	if !srcOK || !dstOK {
		return true
	}

	srcContent, err := afero.ReadFile(s.Fs, srcProp)
	if err != nil {
		return true
	}
	dstContent, err := afero.ReadFile(s.Fs, dstProp)
	if err != nil {
		return true
	}
	return string(srcContent) != string(dstContent)
}

func (s *Service) pruneOrphaned(modules []*domain.Module, storageRoot string) {
	exists, _ := afero.DirExists(s.Fs, storageRoot)
	if !exists {
		return
	}

	active := make(map[string]bool, len(modules))
	for _, mod := range modules {
		active[mod.ID] = true
	}

	entries, err := afero.ReadDir(s.Fs, storageRoot)
	if err != nil {
		s.Log.WithError(err).Warn("sync: failed to prune orphaned modules")
		return
	}

	for _, entry := range entries {
		name := entry.Name()
		if name == "lost+found" || name == "hymo" {
			continue
		}
		if active[name] {
			continue
		}
		s.Log.WithField("module", name).Info("sync: pruning orphaned module storage")
		if err := s.Fs.RemoveAll(storageRoot + "/" + name); err != nil {
			s.Log.WithError(err).Warn("sync: failed to remove orphan " + name)
		}
	}
}

func (s *Service) repairModuleContexts(moduleRoot, moduleID string, partitions []string) {
	s.Log.WithField("module", moduleID).Debug("sync: repairing selinux contexts")
	for _, partition := range partitions {
		partRoot := moduleRoot + "/" + partition
		isDir, err := afero.DirExists(s.Fs, partRoot)
		if err != nil || !isDir {
			continue
		}
		recursiveContextRepair(moduleRoot, partRoot)
	}
}

// recursiveContextRepair mirrors sync.cpp's recursive_context_repair:
// upperdir/workdir nodes inherit their parent's context (the overlay
// kernel code is picky about these two); every other node takes the
// context of its corresponding host path, when that host path exists.
func recursiveContextRepair(base, current string) {
	info, err := os.Lstat(current)
	if err != nil {
		return
	}

	name := info.Name()
	switch name {
	case "upperdir", "workdir":
		parent := parentOf(current)
		if ctx := fsutil.GetContext(parent); ctx != "" {
			_ = fsutil.SetContext(current, ctx)
		}
	default:
		systemPath := "/" + relativeTo(base, current)
		if domain.FileExists(systemPath) {
			_ = fsutil.CopyContext(systemPath, current)
		}
	}

	if info.IsDir() {
		entries, err := os.ReadDir(current)
		if err != nil {
			return
		}
		for _, entry := range entries {
			recursiveContextRepair(base, current+"/"+entry.Name())
		}
	}
}

func parentOf(path string) string {
	idx := lastSlash(path)
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}

func relativeTo(base, path string) string {
	if len(path) > len(base) && path[:len(base)] == base {
		rel := path[len(base):]
		for len(rel) > 0 && rel[0] == '/' {
			rel = rel[1:]
		}
		return rel
	}
	return path
}

func lastSlash(path string) int {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return i
		}
	}
	return -1
}
