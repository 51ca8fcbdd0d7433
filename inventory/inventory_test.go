package inventory

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/hymo-project/hymofsd/domain"
)

func newTestService() *Service {
	return &Service{Fs: afero.NewMemMapFs()}
}

func TestScanModulesSkipsDisabledAndSorts(t *testing.T) {
	s := newTestService()
	afero.WriteFile(s.Fs, "/data/adb/hymo/modules/zzz/module.prop", []byte("name=Zzz\nmode=overlay\n"), 0644)
	afero.WriteFile(s.Fs, "/data/adb/hymo/modules/aaa/module.prop", []byte("name=Aaa\n"), 0644)
	afero.WriteFile(s.Fs, "/data/adb/hymo/modules/disabled/module.prop", []byte("name=Disabled\n"), 0644)
	afero.WriteFile(s.Fs, "/data/adb/hymo/modules/disabled/disable", []byte(""), 0644)

	cfg := domain.DefaultConfig()
	cfg.ModuleDir = "/data/adb/hymo/modules"

	mods, err := s.ScanModules(cfg)
	require.NoError(t, err)
	require.Len(t, mods, 2)
	require.Equal(t, "zzz", mods[0].ID)
	require.Equal(t, "aaa", mods[1].ID)
	require.Equal(t, domain.ModeOverlay, mods[0].Default)
}

func TestScanModulesConfigOverridesProp(t *testing.T) {
	s := newTestService()
	afero.WriteFile(s.Fs, "/mods/m1/module.prop", []byte("mode=overlay\n"), 0644)

	cfg := domain.DefaultConfig()
	cfg.ModuleDir = "/mods"
	cfg.ModuleModes = map[string]domain.Mode{"m1": domain.ModeKernel}

	mods, err := s.ScanModules(cfg)
	require.NoError(t, err)
	require.Len(t, mods, 1)
	require.Equal(t, domain.ModeKernel, mods[0].Default)
}

func TestScanModulesParsesRulesFile(t *testing.T) {
	s := newTestService()
	afero.WriteFile(s.Fs, "/mods/m1/hymo_rules.conf", []byte("# comment\n/system/app/Bloat = hide\n /vendor/etc/x.conf= magic\n"), 0644)

	cfg := domain.DefaultConfig()
	cfg.ModuleDir = "/mods"

	mods, err := s.ScanModules(cfg)
	require.NoError(t, err)
	require.Len(t, mods, 1)
	require.Len(t, mods[0].Rules, 2)
	require.Equal(t, "/system/app/Bloat", mods[0].Rules[0].Path)
}

// On-disk hymo_rules.conf rules must be appended before config-file
// rules, so that on a same-path conflict the config-file rule (which
// sorts later) wins under the planner's last-declared-wins tie-break.
func TestScanModulesConfigRulesWinOverOnDiskRulesOnConflict(t *testing.T) {
	s := newTestService()
	afero.WriteFile(s.Fs, "/mods/m1/hymo_rules.conf", []byte("/system/app/Bloat = hide\n"), 0644)

	cfg := domain.DefaultConfig()
	cfg.ModuleDir = "/mods"
	cfg.ModuleRules = map[string][]domain.PathRule{
		"m1": {{Path: "/system/app/Bloat", Mode: domain.ModeMagic}},
	}

	mods, err := s.ScanModules(cfg)
	require.NoError(t, err)
	require.Len(t, mods, 1)
	require.Len(t, mods[0].Rules, 2)
	require.Equal(t, domain.ModeHide, mods[0].Rules[0].Mode)
	require.Equal(t, domain.ModeMagic, mods[0].Rules[1].Mode)
}
