package executor

import (
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/hymo-project/hymofsd/domain"
	"github.com/hymo-project/hymofsd/fsutil"
)

// nodeKind discriminates a synthetic magic-mount tree node. Go has no
// sum types, so this is the idiomatic tagged-struct transliteration
// of the original's NodeFileType enum.
type nodeKind int

const (
	nodeRegular nodeKind = iota
	nodeDirectory
	nodeSymlink
	nodeWhiteout
)

// node is one entry of the synthetic tree the magic-mount builder
// materializes onto "/". Grounded in Hymo's Node struct.
type node struct {
	name       string
	kind       nodeKind
	children   map[string]*node
	modulePath string
	replace    bool
}

// buildMagicMount composes magicModules' "system/*" trees (plus
// promoted partitions) into a synthetic tree and materializes it onto
// the host root. A nil tree (no module has any files) is a no-op.
func (s *Service) buildMagicMount(magicModules []string, cfg *domain.Config, kc domain.KernelClientIface) error {
	root := collectAllModules(magicModules, cfg)
	if root == nil {
		s.Log.Info("executor: no files to magic mount")
		return nil
	}

	workDir := filepath.Join(cfg.TempDir, "magic_workdir")
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return domain.Errorf(domain.ErrMountFailed, "mkdir(%s)", workDir, err)
	}
	if err := fsutil.MountTmpfs(workDir, "0755"); err != nil {
		return err
	}
	if err := fsutil.MakePrivate(workDir); err != nil {
		s.Log.WithError(err).Warn("executor: make-private on magic workdir failed")
	}

	err := s.materialize("/", workDir, root, false, cfg, kc)

	fsutil.Unmount(workDir, true)
	os.RemoveAll(workDir)

	return err
}

// collectAllModules builds the synthetic tree: a root with a single
// "system" child holding the union of every module's system/* (later
// entries in magicModules win on name collision), with vendor,
// system_ext, product and odm promoted out from under system/ to the
// root, plus any other configured partition. Grounded in
// Hymo's mount/magic.cpp's collect_all_modules.
func collectAllModules(magicModules []string, cfg *domain.Config) *node {
	root := &node{kind: nodeDirectory, children: make(map[string]*node)}
	system := &node{name: "system", kind: nodeDirectory, children: make(map[string]*node), modulePath: "/system"}

	hasFile := false
	for _, modPath := range magicModules {
		modSystem := filepath.Join(modPath, "system")
		if !domain.IsDir(modSystem) {
			continue
		}
		if collectModuleFiles(system, modSystem) {
			hasFile = true
		}
	}
	if !hasFile {
		return nil
	}

	type corePartition struct {
		name           string
		requireSymlink bool
	}
	core := []corePartition{
		{"vendor", true},
		{"system_ext", true},
		{"product", true},
		{"odm", false},
	}
	for _, part := range core {
		promoteFromSystem(root, system, part.name, part.requireSymlink)
	}

	for _, part := range partitionList(cfg) {
		if part == "system" {
			continue
		}
		isCore := false
		for _, c := range core {
			if c.name == part {
				isCore = true
				break
			}
		}
		if isCore {
			continue
		}
		promoteFromSystem(root, system, part, false)
	}

	root.children["system"] = system
	return root
}

// collectModuleFiles walks moduleDir's immediate tree into node's
// children, overwriting any entry of the same name already present
// (so the caller's iteration order decides precedence). Reports
// whether it found any file at all, including via a nested replace
// directory.
func collectModuleFiles(n *node, moduleDir string) bool {
	entries, err := os.ReadDir(moduleDir)
	if err != nil {
		return false
	}

	hasFile := false
	for _, entry := range entries {
		name := entry.Name()
		childPath := filepath.Join(moduleDir, name)
		kind := getFileKind(childPath)

		child := &node{name: name, kind: kind, modulePath: childPath}
		if kind == nodeDirectory {
			child.replace = fsutil.IsReplaceDir(childPath)
			child.children = make(map[string]*node)
			if collectModuleFiles(child, childPath) || child.replace {
				hasFile = true
			}
		} else {
			hasFile = true
		}

		n.children[name] = child
	}
	return hasFile
}

// promoteFromSystem moves partition out from under system's children
// to root's, when the host has a real /<partition> directory (and,
// if requireSymlink, /system/<partition> is itself a symlink on the
// host — matching the original's "may appear as symlinks" wording).
func promoteFromSystem(root, system *node, partition string, requireSymlink bool) {
	rootPart := "/" + partition
	if !domain.IsDir(rootPart) {
		return
	}
	if requireSymlink {
		fi, err := os.Lstat(filepath.Join("/system", partition))
		if err != nil || fi.Mode()&os.ModeSymlink == 0 {
			return
		}
	}

	child, ok := system.children[partition]
	if !ok {
		return
	}
	if child.kind == nodeSymlink && domain.IsDir(child.modulePath) {
		child.kind = nodeDirectory
	}
	if child.modulePath == "" {
		child.modulePath = rootPart
	}

	root.children[partition] = child
	delete(system.children, partition)
}

func getFileKind(path string) nodeKind {
	fi, err := os.Lstat(path)
	if err != nil {
		return nodeRegular
	}
	mode := fi.Mode()
	switch {
	case mode&os.ModeCharDevice != 0:
		if isWhiteoutFile(fi) {
			return nodeWhiteout
		}
		return nodeRegular
	case mode.IsDir():
		return nodeDirectory
	case mode&os.ModeSymlink != 0:
		return nodeSymlink
	default:
		return nodeRegular
	}
}

func isWhiteoutFile(fi os.FileInfo) bool {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return false
	}
	return st.Rdev == 0
}

// materialize recursively realizes n at hostPath, mirroring
// Hymo's do_magic_mount. workPath is the corresponding
// location under the private tmpfs working directory; hasTmpfs
// reports whether an ancestor already established tmpfs coverage
// here.
func (s *Service) materialize(hostPath, workPath string, n *node, hasTmpfs bool, cfg *domain.Config, kc domain.KernelClientIface) error {
	switch n.kind {
	case nodeRegular:
		return s.mountFile(hostPath, workPath, n, hasTmpfs, cfg, kc)
	case nodeSymlink:
		return s.mountSymlink(workPath, n)
	case nodeWhiteout:
		return nil
	case nodeDirectory:
		return s.materializeDirectory(hostPath, workPath, n, hasTmpfs, cfg, kc)
	default:
		return nil
	}
}

func (s *Service) mountFile(hostPath, workPath string, n *node, hasTmpfs bool, cfg *domain.Config, kc domain.KernelClientIface) error {
	targetPath := hostPath
	if hasTmpfs {
		targetPath = workPath
		f, err := os.Create(workPath)
		if err != nil {
			return domain.Errorf(domain.ErrMountFailed, "create(%s)", workPath, err)
		}
		f.Close()
	}

	if n.modulePath == "" {
		return nil
	}
	if err := fsutil.BindMount(n.modulePath, targetPath); err != nil {
		return err
	}
	registerUnmountable(kc, cfg, s.Log, targetPath)
	if err := fsutil.RemountReadOnlyBind(targetPath); err != nil {
		s.Log.WithError(err).WithField("target", targetPath).Warn("executor: remount-ro on magic file failed")
	}
	return nil
}

func (s *Service) mountSymlink(workPath string, n *node) error {
	if n.modulePath == "" {
		return nil
	}
	linkTarget, err := os.Readlink(n.modulePath)
	if err != nil {
		return domain.Errorf(domain.ErrMountFailed, "readlink(%s)", n.modulePath, err)
	}
	if err := os.Symlink(linkTarget, workPath); err != nil {
		return domain.Errorf(domain.ErrMountFailed, "symlink(%s)", workPath, err)
	}
	return fsutil.CopyContext(n.modulePath, workPath)
}

func (s *Service) materializeDirectory(hostPath, workPath string, n *node, hasTmpfs bool, cfg *domain.Config, kc domain.KernelClientIface) error {
	createTmpfs := !hasTmpfs && s.shouldCreateTmpfs(n, hostPath)
	effectiveTmpfs := hasTmpfs || createTmpfs

	if effectiveTmpfs {
		if createTmpfs {
			if err := prepareTmpfsDir(hostPath, workPath, n); err != nil {
				return err
			}
		} else if hasTmpfs && !domain.FileExists(workPath) {
			srcPath := hostPath
			if !domain.FileExists(srcPath) {
				srcPath = n.modulePath
			}
			if err := os.Mkdir(workPath, modeOf(srcPath)); err != nil {
				return domain.Errorf(domain.ErrMountFailed, "mkdir(%s)", workPath, err)
			}
			if err := fsutil.CopyContext(srcPath, workPath); err != nil {
				s.Log.WithError(err).WithField("path", workPath).Warn("executor: copy context failed")
			}
		}
	}

	s.materializeChildren(hostPath, workPath, n, effectiveTmpfs, cfg, kc)

	if createTmpfs {
		return finalizeTmpfsOverlay(hostPath, workPath, cfg, kc, s.Log)
	}
	return nil
}

// shouldCreateTmpfs decides whether hostPath itself needs a tmpfs
// promotion: the node is marked replace, or any child would need a
// type change, a new symlink, or uncovers a whiteout that the host
// actually has.
func (s *Service) shouldCreateTmpfs(n *node, hostPath string) bool {
	if n.replace && n.modulePath != "" {
		return true
	}

	for name, child := range n.children {
		realPath := filepath.Join(hostPath, name)

		var need bool
		switch child.kind {
		case nodeSymlink:
			need = true
		case nodeWhiteout:
			need = domain.FileExists(realPath)
		default:
			if domain.FileExists(realPath) {
				realKind := getFileKind(realPath)
				need = realKind != child.kind || realKind == nodeSymlink
			} else {
				need = true
			}
		}

		if need {
			if n.modulePath == "" {
				s.Log.WithField("path", hostPath).Error("executor: cannot create magic tmpfs, no module source")
				return false
			}
			return true
		}
	}
	return false
}

func prepareTmpfsDir(hostPath, workPath string, n *node) error {
	if err := os.MkdirAll(workPath, 0755); err != nil {
		return domain.Errorf(domain.ErrMountFailed, "mkdir(%s)", workPath, err)
	}

	srcPath := hostPath
	if !domain.FileExists(hostPath) {
		srcPath = n.modulePath
	}
	if err := os.Chmod(workPath, modeOf(srcPath)); err != nil {
		return domain.Errorf(domain.ErrMountFailed, "chmod(%s)", workPath, err)
	}
	if err := fsutil.CopyContext(srcPath, workPath); err != nil {
		return err
	}

	return fsutil.BindMount(workPath, workPath)
}

func finalizeTmpfsOverlay(hostPath, workPath string, cfg *domain.Config, kc domain.KernelClientIface, log *logrus.Logger) error {
	if err := fsutil.RemountReadOnlyBind(workPath); err != nil {
		return err
	}
	if err := fsutil.MoveMountPath(workPath, hostPath); err != nil {
		return err
	}
	if err := fsutil.MakePrivate(hostPath); err != nil {
		return err
	}
	registerUnmountable(kc, cfg, log, hostPath)
	return nil
}

func modeOf(path string) os.FileMode {
	fi, err := os.Stat(path)
	if err != nil {
		return 0755
	}
	return fi.Mode().Perm()
}

func (s *Service) materializeChildren(hostPath, workPath string, n *node, effectiveTmpfs bool, cfg *domain.Config, kc domain.KernelClientIface) {
	if effectiveTmpfs && domain.IsDir(hostPath) && !n.replace {
		if entries, err := os.ReadDir(hostPath); err == nil {
			for _, entry := range entries {
				name := entry.Name()
				if _, overridden := n.children[name]; overridden {
					continue
				}
				if err := mountMirror(hostPath, workPath, name); err != nil {
					s.Log.WithError(err).WithField("name", name).Warn("executor: mirror-preserve of untouched entry failed")
				}
			}
		}
	}

	for _, name := range sortedChildNames(n.children) {
		child := n.children[name]
		if err := s.materialize(filepath.Join(hostPath, name), filepath.Join(workPath, name), child, effectiveTmpfs, cfg, kc); err != nil {
			s.Log.WithError(err).WithField("name", name).Warn("executor: magic-mount child materialization failed")
		}
	}
}

func sortedChildNames(children map[string]*node) []string {
	names := make([]string, 0, len(children))
	for name := range children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// mountMirror bind-mounts the host's existing, untouched entry at
// path/name into the tmpfs working tree so it survives the enclosing
// directory's eventual move_mount promotion.
func mountMirror(path, workDirPath, name string) error {
	targetPath := filepath.Join(path, name)
	workPath := filepath.Join(workDirPath, name)

	fi, err := os.Lstat(targetPath)
	if err != nil {
		return domain.Errorf(domain.ErrMountFailed, "lstat(%s)", targetPath, err)
	}

	switch {
	case fi.Mode().IsRegular():
		f, err := os.Create(workPath)
		if err != nil {
			return domain.Errorf(domain.ErrMountFailed, "create(%s)", workPath, err)
		}
		f.Close()
		return fsutil.BindMount(targetPath, workPath)

	case fi.IsDir():
		if err := os.Mkdir(workPath, fi.Mode().Perm()); err != nil {
			return domain.Errorf(domain.ErrMountFailed, "mkdir(%s)", workPath, err)
		}
		if err := fsutil.CopyContext(targetPath, workPath); err != nil {
			return err
		}
		entries, err := os.ReadDir(targetPath)
		if err != nil {
			return nil
		}
		for _, entry := range entries {
			if err := mountMirror(targetPath, workPath, entry.Name()); err != nil {
				return err
			}
		}
		return nil

	case fi.Mode()&os.ModeSymlink != 0:
		linkTarget, err := os.Readlink(targetPath)
		if err != nil {
			return domain.Errorf(domain.ErrMountFailed, "readlink(%s)", targetPath, err)
		}
		if err := os.Symlink(linkTarget, workPath); err != nil {
			return domain.Errorf(domain.ErrMountFailed, "symlink(%s)", workPath, err)
		}
		return fsutil.CopyContext(targetPath, workPath)

	default:
		return nil
	}
}
