package controller

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/hymo-project/hymofsd/domain"
)

type fakeKernelClient struct {
	status     domain.PeerStatus
	added      []string
	deleted    []string
	hidden     []string
	clearCalls int
}

func (f *fakeKernelClient) GetVersion() (int, error)  { return domain.ExpectedProtocolVersion, nil }
func (f *fakeKernelClient) Status() domain.PeerStatus { return f.status }
func (f *fakeKernelClient) Add(src, target string, kind domain.RuleKind) error {
	f.added = append(f.added, target)
	return nil
}
func (f *fakeKernelClient) Merge(src, target string) error { return nil }
func (f *fakeKernelClient) Hide(target string) error {
	f.hidden = append(f.hidden, target)
	return nil
}
func (f *fakeKernelClient) Delete(src string) error {
	f.deleted = append(f.deleted, src)
	return nil
}
func (f *fakeKernelClient) Clear() error {
	f.clearCalls++
	return nil
}
func (f *fakeKernelClient) List() (string, error)        { return "", nil }
func (f *fakeKernelClient) SetDebug(bool) error           { return nil }
func (f *fakeKernelClient) SetStealth(bool) error         { return nil }
func (f *fakeKernelClient) SetAvcLogSpoofing(bool) error  { return nil }
func (f *fakeKernelClient) SetMirrorPath(string) error    { return nil }
func (f *fakeKernelClient) SetUname(string, string) error { return nil }
func (f *fakeKernelClient) ReorderMountIDs() error        { return nil }
func (f *fakeKernelClient) HideOverlayXattrs(string) error { return nil }
func (f *fakeKernelClient) RegisterUnmountable(string) error { return nil }

type fakeInventory struct {
	modules []*domain.Module
	err     error
}

func (f *fakeInventory) ScanModules(cfg *domain.Config) ([]*domain.Module, error) {
	return f.modules, f.err
}

func (f *fakeInventory) ScanPartitionCandidates(modules []*domain.Module) ([]string, error) {
	return nil, nil
}

type fakeSync struct {
	err  error
	root *domain.StagingRoot
}

func (f *fakeSync) Sync(root *domain.StagingRoot, modules []*domain.Module, cfg *domain.Config) error {
	f.root = root
	return f.err
}

type fakePlanner struct {
	plan *domain.MountPlan
	err  error
}

func (f *fakePlanner) GeneratePlan(modules []*domain.Module, root *domain.StagingRoot, cfg *domain.Config, kc domain.KernelClientIface) (*domain.MountPlan, error) {
	return f.plan, f.err
}

type fakeExecutor struct {
	state *domain.RuntimeState
	err   error
}

func (f *fakeExecutor) Execute(plan *domain.MountPlan, root *domain.StagingRoot, cfg *domain.Config, kc domain.KernelClientIface) (*domain.RuntimeState, error) {
	return f.state, f.err
}

type fakeState struct {
	saved  map[string]*domain.RuntimeState
	loaded *domain.RuntimeState
	loadErr error
}

func newFakeState() *fakeState {
	return &fakeState{saved: make(map[string]*domain.RuntimeState)}
}

func (f *fakeState) Save(path string, s *domain.RuntimeState) error {
	f.saved[path] = s
	return nil
}

func (f *fakeState) Load(path string) (*domain.RuntimeState, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	if f.loaded != nil {
		return f.loaded, nil
	}
	return domain.NewRuntimeState(), nil
}

func testController(t *testing.T) (*Controller, *fakeState, *fakeKernelClient) {
	t.Helper()
	kc := &fakeKernelClient{status: domain.StatusAvailable}
	st := newFakeState()
	c := &Controller{
		Log:      logrus.New(),
		KC:       kc,
		Inv:      &fakeInventory{},
		Sync:     &fakeSync{},
		Planner:  &fakePlanner{plan: &domain.MountPlan{}},
		Executor: &fakeExecutor{state: domain.NewRuntimeState()},
		State:    st,
	}
	return c, st, kc
}

func testConfig(t *testing.T) *domain.Config {
	t.Helper()
	cfg := domain.DefaultConfig()
	cfg.ModuleDir = t.TempDir()
	cfg.TempDir = t.TempDir()
	cfg.StatePath = filepath.Join(t.TempDir(), "state.json")
	return cfg
}

func TestMountHappyPath(t *testing.T) {
	c, st, _ := testController(t)
	cfg := testConfig(t)

	got, err := c.Mount(cfg)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.False(t, got.Failed)
	require.Contains(t, st.saved, cfg.StatePath)
}

func TestMountInventoryFailureWritesDegradedState(t *testing.T) {
	c, st, _ := testController(t)
	cfg := testConfig(t)
	c.Inv = &fakeInventory{err: domain.Errorf(domain.ErrNotFound, "boom")}

	_, err := c.Mount(cfg)
	require.Error(t, err)
	saved := st.saved[cfg.StatePath]
	require.NotNil(t, saved)
	require.True(t, saved.Failed)
}

func TestClearDropsKernelRulesAndModuleIds(t *testing.T) {
	c, st, kc := testController(t)
	cfg := testConfig(t)
	st.loaded = domain.NewRuntimeState()
	st.loaded.HymofsModuleIds = []string{"a01", "a02"}

	err := c.Clear(cfg)
	require.NoError(t, err)
	require.Equal(t, 1, kc.clearCalls)
	saved := st.saved[cfg.StatePath]
	require.Empty(t, saved.HymofsModuleIds)
}

func TestReloadResumesFromSavedStagingRoot(t *testing.T) {
	c, st, _ := testController(t)
	cfg := testConfig(t)
	priorRoot := t.TempDir()
	st.loaded = domain.NewRuntimeState()
	st.loaded.MountPoint = priorRoot
	st.loaded.StorageMode = "ext4"
	sy := &fakeSync{}
	c.Sync = sy

	got, err := c.Reload(cfg)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NotNil(t, sy.root)
	require.Equal(t, priorRoot, sy.root.Path)
	require.Equal(t, domain.StorageExt4, sy.root.Mode)
}

func setupModule(t *testing.T, cfg *domain.Config, moduleID, partition string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(cfg.ModuleDir, moduleID, partition, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	}
}

func TestAddModuleInstallsKernelRulesAndRecordsState(t *testing.T) {
	c, st, kc := testController(t)
	cfg := testConfig(t)
	setupModule(t, cfg, "a01", "system", map[string]string{"etc/hosts": "127.0.0.1 x"})

	err := c.AddModule(cfg, "a01")
	require.NoError(t, err)
	require.Contains(t, kc.added, "/system/etc/hosts")

	saved := st.saved[cfg.StatePath]
	require.Contains(t, saved.HymofsModuleIds, "a01")
}

func TestAddModuleNotFound(t *testing.T) {
	c, _, _ := testController(t)
	cfg := testConfig(t)

	err := c.AddModule(cfg, "does-not-exist")
	require.Error(t, err)
}

func TestAddModuleNoContentReturnsError(t *testing.T) {
	c, _, _ := testController(t)
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.ModuleDir, "a01"), 0755))

	err := c.AddModule(cfg, "a01")
	require.Error(t, err)
}

func TestRemoveModuleDeletesKernelRulesAndUpdatesState(t *testing.T) {
	c, st, kc := testController(t)
	cfg := testConfig(t)
	setupModule(t, cfg, "a01", "vendor", map[string]string{"lib/libfoo.so": "data"})
	st.loaded = domain.NewRuntimeState()
	st.loaded.HymofsModuleIds = []string{"a01", "a02"}

	err := c.RemoveModule(cfg, "a01")
	require.NoError(t, err)
	require.Contains(t, kc.deleted, "/vendor/lib/libfoo.so")

	saved := st.saved[cfg.StatePath]
	require.NotContains(t, saved.HymofsModuleIds, "a01")
	require.Contains(t, saved.HymofsModuleIds, "a02")
}

func TestAddThenRemoveRulesFromDirectoryRegularFile(t *testing.T) {
	kc := &fakeKernelClient{status: domain.StatusAvailable}
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "app"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app", "keep.apk"), []byte("x"), 0644))

	require.NoError(t, AddRulesFromDirectory(kc, "/system", dir))
	require.Contains(t, kc.added, "/system/app/keep.apk")

	require.NoError(t, RemoveRulesFromDirectory(kc, "/system", dir))
	require.Contains(t, kc.deleted, "/system/app/keep.apk")
}
