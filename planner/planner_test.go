package planner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hymo-project/hymofsd/domain"
)

type fakeKernelClient struct {
	status domain.PeerStatus
}

func (f *fakeKernelClient) GetVersion() (int, error)                 { return domain.ExpectedProtocolVersion, nil }
func (f *fakeKernelClient) Status() domain.PeerStatus                { return f.status }
func (f *fakeKernelClient) Add(src, target string, kind domain.RuleKind) error { return nil }
func (f *fakeKernelClient) Merge(src, target string) error           { return nil }
func (f *fakeKernelClient) Hide(target string) error                 { return nil }
func (f *fakeKernelClient) Delete(src string) error                  { return nil }
func (f *fakeKernelClient) Clear() error                              { return nil }
func (f *fakeKernelClient) List() (string, error)                     { return "", nil }
func (f *fakeKernelClient) SetDebug(bool) error                       { return nil }
func (f *fakeKernelClient) SetStealth(bool) error                     { return nil }
func (f *fakeKernelClient) SetAvcLogSpoofing(bool) error              { return nil }
func (f *fakeKernelClient) SetMirrorPath(string) error                { return nil }
func (f *fakeKernelClient) SetUname(string, string) error             { return nil }
func (f *fakeKernelClient) ReorderMountIDs() error                    { return nil }
func (f *fakeKernelClient) HideOverlayXattrs(string) error            { return nil }
func (f *fakeKernelClient) RegisterUnmountable(string) error          { return nil }

func writeFile(t *testing.T, path string, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func testRoot(t *testing.T) *domain.StagingRoot {
	dir := t.TempDir()
	return &domain.StagingRoot{Path: dir, Mode: domain.StorageTmpfs}
}

// Scenario 1: single module, no rules, kernel-available, default auto.
func TestGeneratePlanSingleModuleKernelAvailable(t *testing.T) {
	root := testRoot(t)
	writeFile(t, filepath.Join(root.Path, "a01", "system", "etc", "x.conf"), "x")

	mods := []*domain.Module{{ID: "a01", SourcePath: "/mods/a01", Default: domain.ModeAuto}}
	kc := &fakeKernelClient{status: domain.StatusAvailable}

	plan, err := New().GeneratePlan(mods, root, domain.DefaultConfig(), kc)
	require.NoError(t, err)

	require.Empty(t, plan.OverlayOps)
	require.Empty(t, plan.MagicIds)
	require.Equal(t, []string{"a01"}, plan.KernelIds)
	require.Len(t, plan.KernelRules, 1)
	rule := plan.KernelRules[0]
	require.Equal(t, domain.OpAdd, rule.Op)
	require.Equal(t, filepath.Join(root.Path, "a01", "system", "etc", "x.conf"), rule.Source)
	require.Equal(t, "/system/etc/x.conf", rule.Target)
	require.Equal(t, domain.KindReg, rule.Kind)
}

// Scenario 3: kernel unavailable, overlay mode. Exercises
// dispatchNoRules directly rather than the full GeneratePlan, since
// the planner's overlay-target finalization requires the real target
// (e.g. "/system") to exist on the host, which a generic test sandbox
// does not guarantee.
func TestDispatchNoRulesOverlayWhenKernelUnavailable(t *testing.T) {
	root := testRoot(t)
	writeFile(t, filepath.Join(root.Path, "m1", "system", "bin", "t"), "x")
	modPath := root.ModulePath("m1")

	mod := &domain.Module{ID: "m1", SourcePath: "/mods/m1", Default: domain.ModeAuto}
	layers := newOverlayLayerSet()
	var overlayIds, magicIds, kernelIds, magicPaths []string

	dispatchNoRules(mod, modPath, domain.ModeOverlay, false, partitionList(domain.DefaultConfig()), layers, &overlayIds, &magicIds, &kernelIds, &magicPaths)

	require.Equal(t, []string{"m1"}, overlayIds)
	require.Contains(t, layers.layers["/system"], filepath.Join(modPath, "system"))
}

// finalizeOverlayOps resolves a symlinked target once and drops
// targets that do not resolve to an existing directory.
func TestFinalizeOverlayOpsDropsMissingTarget(t *testing.T) {
	plan := domain.NewMountPlan()
	layers := newOverlayLayerSet()
	layers.add("/this-path-should-never-exist-in-a-test-sandbox", "/irrelevant")

	finalizeOverlayOps(plan, layers)

	require.Empty(t, plan.OverlayOps)
}

func TestFinalizeOverlayOpsResolvesRealTarget(t *testing.T) {
	tmp := t.TempDir()
	plan := domain.NewMountPlan()
	layers := newOverlayLayerSet()
	layerDir := filepath.Join(tmp, "m1-layer")
	require.NoError(t, os.MkdirAll(layerDir, 0755))
	layers.add(tmp, layerDir)

	finalizeOverlayOps(plan, layers)

	op := plan.OverlayOpFor(tmp)
	require.Contains(t, op.Lowerdirs, layerDir)
}

// Scenario 4/P6: whiteout produces exactly one HideRule, no AddRule.
func TestGeneratePlanWhiteoutProducesHideRule(t *testing.T) {
	root := testRoot(t)
	bloatDir := filepath.Join(root.Path, "m1", "system", "app")
	require.NoError(t, os.MkdirAll(bloatDir, 0755))
	bloatPath := filepath.Join(bloatDir, "Bloat")
	require.NoError(t, unixMknodChar(bloatPath))

	mods := []*domain.Module{{ID: "m1", SourcePath: "/mods/m1", Default: domain.ModeKernel}}
	kc := &fakeKernelClient{status: domain.StatusAvailable}

	plan, err := New().GeneratePlan(mods, root, domain.DefaultConfig(), kc)
	require.NoError(t, err)

	var hides, adds int
	for _, r := range plan.KernelRules {
		switch r.Op {
		case domain.OpHide:
			hides++
			require.Equal(t, "/system/app/Bloat", r.Target)
		case domain.OpAdd:
			adds++
		}
	}
	require.Equal(t, 1, hides)
	require.Equal(t, 0, adds)
}

// P4: rule resolution with nested, conflicting prefixes.
func TestResolveModeLongestPrefixWins(t *testing.T) {
	mod := &domain.Module{
		Rules: []domain.PathRule{
			{Path: "/a", Mode: domain.ModeMagic},
			{Path: "/a/b", Mode: domain.ModeOverlay},
		},
	}
	require.Equal(t, domain.ModeOverlay, resolveMode(mod, "/a/b/c/f", domain.ModeKernel))
	require.Equal(t, domain.ModeMagic, resolveMode(mod, "/a/x/f", domain.ModeKernel))
	require.Equal(t, domain.ModeKernel, resolveMode(mod, "/z/f", domain.ModeKernel))
}

func TestResolveModeLastDeclaredWinsOnTie(t *testing.T) {
	mod := &domain.Module{
		Rules: []domain.PathRule{
			{Path: "/a/b", Mode: domain.ModeMagic},
			{Path: "/a/b", Mode: domain.ModeOverlay},
		},
	}
	require.Equal(t, domain.ModeOverlay, resolveMode(mod, "/a/b/f", domain.ModeKernel))
}

// P7: symlink safety, never replace an existing directory with a LNK rule.
func TestSymlinkReplacesDir(t *testing.T) {
	tmp := t.TempDir()
	require.True(t, symlinkReplacesDir(domain.KindLnk, tmp))
	require.False(t, symlinkReplacesDir(domain.KindLnk, filepath.Join(tmp, "does-not-exist")))
	require.False(t, symlinkReplacesDir(domain.KindReg, tmp))
}

func TestDispatchNoRulesMagicDefault(t *testing.T) {
	root := testRoot(t)
	writeFile(t, filepath.Join(root.Path, "m1", "system", "bin", "t"), "x")

	mods := []*domain.Module{{ID: "m1", SourcePath: "/mods/m1", Default: domain.ModeMagic}}
	kc := &fakeKernelClient{status: domain.StatusAvailable}

	plan, err := New().GeneratePlan(mods, root, domain.DefaultConfig(), kc)
	require.NoError(t, err)

	require.Equal(t, []string{"m1"}, plan.MagicIds)
	require.Contains(t, plan.MagicModules, root.ModulePath("m1"))
	require.Empty(t, plan.OverlayIds)
	require.Empty(t, plan.KernelIds)
}
