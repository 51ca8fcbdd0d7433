package controller

import (
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/hymo-project/hymofsd/domain"
)

// AddModule installs kernel rules for every partition subtree module
// moduleID carries, directly against the running peer — no re-plan,
// no re-sync. Grounded in Hymo's main.cpp's "add" CLI
// command.
func (c *Controller) AddModule(cfg *domain.Config, moduleID string) error {
	modulePath := filepath.Join(cfg.ModuleDir, moduleID)
	if !domain.IsDir(modulePath) {
		return domain.Errorf(domain.ErrNotFound, "module %s not found under %s", moduleID, cfg.ModuleDir)
	}

	added := false
	for _, part := range allPartitions(cfg) {
		srcDir := filepath.Join(modulePath, part)
		if !domain.IsDir(srcDir) {
			continue
		}
		targetBase := "/" + part
		if err := AddRulesFromDirectory(c.KC, targetBase, srcDir); err != nil {
			c.Log.WithError(err).WithField("partition", part).Warn("controller: add_rules_from_directory failed")
			continue
		}
		added = true
	}

	if !added {
		return domain.Errorf(domain.ErrNotFound, "no content found to add for module %s", moduleID)
	}

	return c.recordModuleActive(cfg, moduleID)
}

// RemoveModule deletes kernel rules for every partition subtree
// moduleID carries, and drops it from RuntimeState.hymofs_module_ids.
// Grounded in Hymo's main.cpp's "delete" CLI command.
func (c *Controller) RemoveModule(cfg *domain.Config, moduleID string) error {
	modulePath := filepath.Join(cfg.ModuleDir, moduleID)

	removed := false
	for _, part := range allPartitions(cfg) {
		srcDir := filepath.Join(modulePath, part)
		if !domain.IsDir(srcDir) {
			continue
		}
		targetBase := "/" + part
		if err := RemoveRulesFromDirectory(c.KC, targetBase, srcDir); err != nil {
			c.Log.WithError(err).WithField("partition", part).Warn("controller: remove_rules_from_directory failed")
			continue
		}
		removed = true
	}

	if !removed {
		return domain.Errorf(domain.ErrNotFound, "no active rules found or removed for module %s", moduleID)
	}

	return c.recordModuleInactive(cfg, moduleID)
}

func (c *Controller) recordModuleActive(cfg *domain.Config, moduleID string) error {
	runtimeState, err := c.State.Load(cfg.StatePath)
	if err != nil {
		return err
	}
	for _, id := range runtimeState.HymofsModuleIds {
		if id == moduleID {
			return nil
		}
	}
	runtimeState.HymofsModuleIds = append(runtimeState.HymofsModuleIds, moduleID)
	return c.State.Save(cfg.StatePath, runtimeState)
}

func (c *Controller) recordModuleInactive(cfg *domain.Config, moduleID string) error {
	runtimeState, err := c.State.Load(cfg.StatePath)
	if err != nil {
		return err
	}
	runtimeState.HymofsModuleIds = removeID(runtimeState.HymofsModuleIds, moduleID)
	return c.State.Save(cfg.StatePath, runtimeState)
}

func removeID(ids []string, target string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

// allPartitions returns the union of the builtin partitions and any
// configured extras, deduplicated and sorted by name.
func allPartitions(cfg *domain.Config) []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range domain.BuiltinPartitions {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, p := range cfg.Partitions {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// AddRulesFromDirectory walks moduleDir recursively and, for every
// regular file or symlink, issues an AddRule redirecting
// targetBase/<relative path> to the file under moduleDir; for a
// whiteout character device it issues a HideRule instead. Grounded in
// Hymo's mount/hymofs.cpp's add_rules_from_directory.
func AddRulesFromDirectory(kc domain.KernelClientIface, targetBase, moduleDir string) error {
	if !domain.IsDir(moduleDir) {
		return domain.Errorf(domain.ErrNotFound, "module directory %s does not exist", moduleDir)
	}

	return filepath.Walk(moduleDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == moduleDir {
			return nil
		}

		rel, relErr := filepath.Rel(moduleDir, path)
		if relErr != nil {
			return relErr
		}
		targetPath := filepath.Join(targetBase, rel)

		switch {
		case info.Mode().IsRegular():
			return kc.Add(path, targetPath, domain.KindReg)
		case info.Mode()&os.ModeSymlink != 0:
			return kc.Add(path, targetPath, domain.KindLnk)
		case info.Mode()&os.ModeCharDevice != 0:
			if isWhiteout(info) {
				return kc.Hide(targetPath)
			}
		}
		return nil
	})
}

// RemoveRulesFromDirectory walks moduleDir recursively and deletes
// the kernel rule previously installed (by AddRulesFromDirectory) for
// every regular file, symlink, or whiteout character device it finds.
// Grounded in Hymo's mount/hymofs.cpp's
// remove_rules_from_directory.
func RemoveRulesFromDirectory(kc domain.KernelClientIface, targetBase, moduleDir string) error {
	if !domain.IsDir(moduleDir) {
		return domain.Errorf(domain.ErrNotFound, "module directory %s does not exist", moduleDir)
	}

	return filepath.Walk(moduleDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == moduleDir {
			return nil
		}

		rel, relErr := filepath.Rel(moduleDir, path)
		if relErr != nil {
			return relErr
		}
		targetPath := filepath.Join(targetBase, rel)

		switch {
		case info.Mode().IsRegular(), info.Mode()&os.ModeSymlink != 0:
			return kc.Delete(targetPath)
		case info.Mode()&os.ModeCharDevice != 0:
			if isWhiteout(info) {
				return kc.Delete(targetPath)
			}
		}
		return nil
	})
}

func isWhiteout(fi os.FileInfo) bool {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return false
	}
	return st.Rdev == 0
}
