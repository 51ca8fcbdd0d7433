package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hymo-project/hymofsd/domain"
)

func writeConfigFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func TestLoadFlatMainConfig(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, mainConfigFile, `
# comment line
moduledir = "/data/adb/hymo/modules"
tempdir = /data/adb/hymo/img_mnt
verbose = true
force_ext4 = true
partitions = system, vendor, product
mirror_path = "/dev/hymo_mirror"
`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, "/data/adb/hymo/modules", cfg.ModuleDir)
	require.Equal(t, "/data/adb/hymo/img_mnt", cfg.TempDir)
	require.True(t, cfg.Verbose)
	require.True(t, cfg.ForceExt4)
	require.Equal(t, []string{"system", "vendor", "product"}, cfg.Partitions)
	require.Equal(t, "/dev/hymo_mirror", cfg.MirrorPath)
}

func TestLoadMissingMainConfigReturnsDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, domain.DefaultConfig().ModuleDir, cfg.ModuleDir)
}

func TestTomlSidecarFillsUnsetFlatKeysOnly(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, mainConfigFile, `moduledir = /custom/modules`)
	writeConfigFile(t, dir, tomlSidecarFile, `
moduledir = "/should/not/win"
mountsource = "HYMO-TOML"
partitions = ["system", "odm"]
`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, "/custom/modules", cfg.ModuleDir)
	require.Equal(t, "HYMO-TOML", cfg.MountSource)
	require.Equal(t, []string{"system", "odm"}, cfg.Partitions)
}

func TestMalformedTomlSidecarIsIgnored(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, mainConfigFile, `moduledir = /custom/modules`)
	writeConfigFile(t, dir, tomlSidecarFile, `this is not valid toml {{{`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, "/custom/modules", cfg.ModuleDir)
}

func TestLoadModuleModes(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, moduleModeFile, `
# comment
a01 = kernel
a02 = MAGIC
a03 = overlay
`)

	modes, err := LoadModuleModes(dir)
	require.NoError(t, err)
	require.Equal(t, domain.ModeKernel, modes["a01"])
	require.Equal(t, domain.ModeMagic, modes["a02"])
	require.Equal(t, domain.ModeOverlay, modes["a03"])
}

func TestLoadModuleRules(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, moduleRulesFile, `
# comment
a01:/system/etc/hosts = hide
a01:/system/app = magic
`)

	rules, err := LoadModuleRules(dir)
	require.NoError(t, err)
	require.Len(t, rules["a01"], 2)
	require.Equal(t, "/system/etc/hosts", rules["a01"][0].Path)
	require.Equal(t, domain.ModeHide, rules["a01"][0].Mode)
	require.Equal(t, domain.ModeMagic, rules["a01"][1].Mode)
}

func TestSaveModuleModesRoundTrip(t *testing.T) {
	dir := t.TempDir()
	modes := map[string]domain.Mode{"a02": domain.ModeMagic, "a01": domain.ModeKernel}

	require.NoError(t, SaveModuleModes(dir, modes))
	got, err := LoadModuleModes(dir)
	require.NoError(t, err)
	require.Equal(t, modes, got)
}

func TestSaveModuleRulesRoundTrip(t *testing.T) {
	dir := t.TempDir()
	rules := map[string][]domain.PathRule{
		"a01": {{Path: "/system/app", Mode: domain.ModeMagic}},
	}

	require.NoError(t, SaveModuleRules(dir, rules))
	got, err := LoadModuleRules(dir)
	require.NoError(t, err)
	require.Equal(t, rules, got)
}
