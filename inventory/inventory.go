// Package inventory implements the Inventory: discovering installed
// modules under a module directory and the set of non-standard
// partitions a module tree suggests should be considered.
package inventory

import (
	"bufio"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/hymo-project/hymofsd/domain"
)

// ignoredModuleIDs are never treated as modules even though they are
// directories under the module root.
var ignoredModuleIDs = map[string]bool{
	"hymo":      true,
	"lost+found": true,
	".git":      true,
}

// ignoredPartitionNames are module subdirectories that are never
// inferred as extra partitions: the builtin partitions themselves and
// common module packaging metadata.
var ignoredPartitionNames = map[string]bool{
	"META-INF": true, "common": true, ".git": true, ".github": true,
	"lost+found": true,
	"system": true, "vendor": true, "product": true,
	"system_ext": true, "odm": true, "oem": true,
}

// Service implements domain.InventoryServiceIface against an afero
// filesystem, so tests can run against an in-memory tree without
// touching /data/adb.
type Service struct {
	Fs afero.Fs
}

// New returns a Service backed by the real OS filesystem.
func New() *Service {
	return &Service{Fs: afero.NewOsFs()}
}

var _ domain.InventoryServiceIface = (*Service)(nil)

// ScanModules enumerates every eligible module directory under
// cfg.ModuleDir, applying module.prop, hymo_rules.conf, and the
// config-file module-modes/module-rules overrides, then sorts by ID
// descending (Z->A) for overlay priority. Follows Hymo's
// core/inventory.cpp's scan_modules, except that config-file rules are
// appended after the on-disk hymo_rules.conf rules.
func (s *Service) ScanModules(cfg *domain.Config) ([]*domain.Module, error) {
	exists, err := afero.DirExists(s.Fs, cfg.ModuleDir)
	if err != nil || !exists {
		return nil, nil
	}

	entries, err := afero.ReadDir(s.Fs, cfg.ModuleDir)
	if err != nil {
		return nil, domain.Errorf(domain.ErrNotFound, "read module dir %s", cfg.ModuleDir, err)
	}

	var modules []*domain.Module
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		if ignoredModuleIDs[id] {
			continue
		}

		modPath := cfg.ModuleDir + "/" + id
		if s.hasMarker(modPath, domain.DisableMarker) ||
			s.hasMarker(modPath, domain.RemoveMarker) ||
			s.hasMarker(modPath, domain.SkipMountMarker) {
			continue
		}

		mod := &domain.Module{
			ID:         id,
			SourcePath: modPath,
			Default:    domain.ModeAuto,
		}

		s.parseModuleRules(modPath, mod)

		if cfgRules, ok := cfg.ModuleRules[id]; ok {
			mod.Rules = append(mod.Rules, cfgRules...)
		}

		s.parseModuleProp(modPath, mod)

		if globalMode, ok := cfg.ModuleModes[id]; ok {
			mod.Default = globalMode
		}

		modules = append(modules, mod)
	}

	sort.Slice(modules, func(i, j int) bool { return modules[i].ID > modules[j].ID })
	return modules, nil
}

func (s *Service) hasMarker(modPath, name string) bool {
	ok, _ := afero.Exists(s.Fs, modPath+"/"+name)
	return ok
}

func (s *Service) parseModuleProp(modPath string, mod *domain.Module) {
	propPath := modPath + "/" + domain.ModulePropFile
	ok, _ := afero.Exists(s.Fs, propPath)
	if !ok {
		return
	}

	f, err := s.Fs.Open(propPath)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := splitKV(scanner.Text())
		if !ok {
			continue
		}
		switch key {
		case "name":
			mod.Name = value
		case "version":
			mod.Version = value
		case "author":
			mod.Author = value
		case "description":
			mod.Description = value
		case "mode":
			mod.Default = domain.ParseMode(strings.ToLower(value))
		}
	}
}

func (s *Service) parseModuleRules(modPath string, mod *domain.Module) {
	rulesPath := modPath + "/hymo_rules.conf"
	ok, _ := afero.Exists(s.Fs, rulesPath)
	if !ok {
		return
	}

	f, err := s.Fs.Open(rulesPath)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		path, mode, ok := splitKV(line)
		if !ok {
			continue
		}
		mod.Rules = append(mod.Rules, domain.PathRule{
			Path: path,
			Mode: domain.ParseMode(strings.ToLower(mode)),
		})
	}
}

func splitKV(line string) (key, value string, ok bool) {
	idx := strings.Index(line, "=")
	if idx < 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+1:]), true
}

// ScanPartitionCandidates inspects every module's top-level
// subdirectories and returns the set of names that (a) are not a
// builtin partition or known metadata directory, (b) exist as a real
// directory at the host root, and (c) are themselves an active
// mountpoint there — i.e. a module ships content for a partition this
// device actually has beyond the builtin six, exactly
// scan_partition_candidates.
func (s *Service) ScanPartitionCandidates(modules []*domain.Module) ([]string, error) {
	found := map[string]bool{}

	for _, mod := range modules {
		entries, err := afero.ReadDir(s.Fs, mod.SourcePath)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			name := entry.Name()
			if ignoredPartitionNames[name] {
				continue
			}

			rootPath := "/" + name
			isDir, err := afero.DirExists(s.Fs, rootPath)
			if err != nil || !isDir {
				continue
			}
			if isMountpoint(rootPath) {
				found[name] = true
			}
		}
	}

	out := make([]string, 0, len(found))
	for name := range found {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}
