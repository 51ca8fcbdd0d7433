package executor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hymo-project/hymofsd/domain"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestModuleIDFromStagingPath(t *testing.T) {
	root := &domain.StagingRoot{Path: "/data/adb/hymo/img_mnt/staging"}

	id, ok := moduleIDFromStagingPath(root, "/data/adb/hymo/img_mnt/staging/a01/system/bin/t")
	require.True(t, ok)
	require.Equal(t, "a01", id)

	id, ok = moduleIDFromStagingPath(root, "/data/adb/hymo/img_mnt/staging/a01")
	require.True(t, ok)
	require.Equal(t, "a01", id)

	_, ok = moduleIDFromStagingPath(root, "/some/unrelated/path")
	require.False(t, ok)
}

func TestDowngradeToMagicMovesModuleBetweenSets(t *testing.T) {
	s := New(nil)
	root := &domain.StagingRoot{Path: "/staging"}
	op := &domain.OverlayOp{
		Target:    "/system",
		Lowerdirs: []string{"/staging/a01/system", "/staging/a02/system"},
	}
	overlayIds := []string{"a01", "a02", "a03"}
	magicIds := []string{}
	magicModules := []string{}

	s.downgradeToMagic(op, root, &overlayIds, &magicIds, &magicModules)

	require.ElementsMatch(t, []string{"a03"}, overlayIds)
	require.ElementsMatch(t, []string{"a01", "a02"}, magicIds)
	require.ElementsMatch(t, []string{"/staging/a01", "/staging/a02"}, magicModules)
}

func TestModulesContainingRel(t *testing.T) {
	tmp := t.TempDir()
	mod1 := filepath.Join(tmp, "mod1")
	mod2 := filepath.Join(tmp, "mod2")
	require.NoError(t, os.MkdirAll(filepath.Join(mod1, "app"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(mod2, "app"), 0755))

	op := &domain.OverlayOp{Lowerdirs: []string{mod1, mod2}}
	dirs, ok := modulesContainingRel(op, "app")
	require.True(t, ok)
	require.ElementsMatch(t, []string{filepath.Join(mod1, "app"), filepath.Join(mod2, "app")}, dirs)

	_, ok = modulesContainingRel(op, "does-not-exist")
	require.False(t, ok)
}

func TestModulesContainingRelAbortsOnNonDirectory(t *testing.T) {
	tmp := t.TempDir()
	mod1 := filepath.Join(tmp, "mod1")
	require.NoError(t, os.MkdirAll(mod1, 0755))
	writeFile(t, filepath.Join(mod1, "app"), "not a directory")

	op := &domain.OverlayOp{Lowerdirs: []string{mod1}}
	_, ok := modulesContainingRel(op, "app")
	require.False(t, ok)
}

func TestCollectModuleFilesUnionsAndOverridesByInsertionOrder(t *testing.T) {
	tmp := t.TempDir()
	low := filepath.Join(tmp, "low", "system")
	high := filepath.Join(tmp, "high", "system")
	writeFile(t, filepath.Join(low, "build.prop"), "low")
	writeFile(t, filepath.Join(high, "build.prop"), "high")
	writeFile(t, filepath.Join(low, "etc", "hosts"), "low-only")

	system := &node{name: "system", kind: nodeDirectory, children: make(map[string]*node), modulePath: "/system"}
	require.True(t, collectModuleFiles(system, low))
	require.True(t, collectModuleFiles(system, high))

	require.Equal(t, filepath.Join(high, "build.prop"), system.children["build.prop"].modulePath)
	require.NotNil(t, system.children["etc"])
}

func TestGetFileKind(t *testing.T) {
	tmp := t.TempDir()
	reg := filepath.Join(tmp, "reg")
	writeFile(t, reg, "x")
	require.Equal(t, nodeRegular, getFileKind(reg))

	dir := filepath.Join(tmp, "dir")
	require.NoError(t, os.Mkdir(dir, 0755))
	require.Equal(t, nodeDirectory, getFileKind(dir))

	link := filepath.Join(tmp, "link")
	require.NoError(t, os.Symlink(reg, link))
	require.Equal(t, nodeSymlink, getFileKind(link))

	require.Equal(t, nodeRegular, getFileKind(filepath.Join(tmp, "missing")))
}

func TestShouldCreateTmpfsTrueForReplace(t *testing.T) {
	s := New(nil)
	tmp := t.TempDir()
	n := &node{modulePath: filepath.Join(tmp, "src"), replace: true}
	require.True(t, s.shouldCreateTmpfs(n, tmp))
}

func TestShouldCreateTmpfsFalseWhenChildrenMatchHost(t *testing.T) {
	s := New(nil)
	tmp := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(tmp, "app"), 0755))

	n := &node{
		modulePath: tmp,
		children: map[string]*node{
			"app": {name: "app", kind: nodeDirectory},
		},
	}
	require.False(t, s.shouldCreateTmpfs(n, tmp))
}

func TestShouldCreateTmpfsTrueForNewSymlinkChild(t *testing.T) {
	s := New(nil)
	tmp := t.TempDir()

	n := &node{
		modulePath: tmp,
		children: map[string]*node{
			"odm": {name: "odm", kind: nodeSymlink},
		},
	}
	require.True(t, s.shouldCreateTmpfs(n, tmp))
}

func TestShouldCreateTmpfsTrueForNewFileChild(t *testing.T) {
	s := New(nil)
	tmp := t.TempDir()

	n := &node{
		modulePath: tmp,
		children: map[string]*node{
			"newfile": {name: "newfile", kind: nodeRegular},
		},
	}
	require.True(t, s.shouldCreateTmpfs(n, tmp))
}

func TestSortedChildNames(t *testing.T) {
	children := map[string]*node{
		"zeta":  {},
		"alpha": {},
		"mid":   {},
	}
	require.Equal(t, []string{"alpha", "mid", "zeta"}, sortedChildNames(children))
}

func TestRemoveString(t *testing.T) {
	out := removeString([]string{"a", "b", "c"}, "b")
	require.Equal(t, []string{"a", "c"}, out)
}
