// Package config loads the daemon's on-disk configuration: a flat
// key=value main config plus two side files (module modes, module
// rules), with an optional real-TOML sidecar consulted for whatever
// the flat format leaves unset. Grounded in
// Hymo's conf/config.cpp.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/hymo-project/hymofsd/domain"
)

// BaseDir is the root directory every config/state file lives under.
const BaseDir = "/data/adb/hymo/"

const (
	mainConfigFile  = "config.conf"
	tomlSidecarFile = "config.toml"
	moduleModeFile  = "module_mode.conf"
	moduleRulesFile = "module_rules.conf"
)

// tomlSidecar is the structured subset of Config a real TOML file may
// carry. Any field left zero is simply not applied, so the flat
// format's value (or the built-in default) stands.
type tomlSidecar struct {
	ModuleDir     string   `toml:"moduledir"`
	TempDir       string   `toml:"tempdir"`
	MountSource   string   `toml:"mountsource"`
	MirrorPath    string   `toml:"mirror_path"`
	StatePath     string   `toml:"state_path"`
	Partitions    []string `toml:"partitions"`
	Verbose       *bool    `toml:"verbose"`
	ForceExt4     *bool    `toml:"force_ext4"`
	DisableUmount *bool    `toml:"disable_umount"`
	EnableNuke    *bool    `toml:"enable_nuke"`
}

// Load reads the main config from dir (falling back to built-in
// defaults for anything unset), applies the optional TOML sidecar for
// whatever the flat file left untouched, then loads module modes and
// module rules. dir defaults to BaseDir when empty.
func Load(dir string) (*domain.Config, error) {
	if dir == "" {
		dir = BaseDir
	}

	cfg := domain.DefaultConfig()
	seen := make(map[string]bool)

	mainPath := filepath.Join(dir, mainConfigFile)
	if domain.FileExists(mainPath) {
		if err := loadFlatMainConfig(mainPath, cfg, seen); err != nil {
			return nil, err
		}
	}

	sidecarPath := filepath.Join(dir, tomlSidecarFile)
	if domain.FileExists(sidecarPath) {
		applyTomlSidecar(sidecarPath, cfg, seen)
	}

	modes, err := LoadModuleModes(dir)
	if err != nil {
		return nil, err
	}
	cfg.ModuleModes = modes

	rules, err := LoadModuleRules(dir)
	if err != nil {
		return nil, err
	}
	cfg.ModuleRules = rules

	return cfg, nil
}

func loadFlatMainConfig(path string, cfg *domain.Config, seen map[string]bool) error {
	f, err := os.Open(path)
	if err != nil {
		return domain.Errorf(domain.ErrConfigInvalid, "open(%s)", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := parseConfigLine(scanner.Text())
		if !ok {
			continue
		}
		seen[key] = true

		switch key {
		case "moduledir":
			cfg.ModuleDir = value
		case "tempdir":
			cfg.TempDir = value
		case "mountsource":
			cfg.MountSource = value
		case "verbose":
			cfg.Verbose = value == "true"
		case "force_ext4", "fs_type":
			cfg.ForceExt4 = value == "true" || strings.EqualFold(value, "ext4")
		case "disable_umount":
			cfg.DisableUmount = value == "true"
		case "enable_nuke":
			cfg.EnableNuke = value == "true"
		case "ignore_protocol_mismatch":
			cfg.IgnoreProtocolMismatch = value == "true"
		case "enable_kernel_debug":
			cfg.EnableKernelDebug = value == "true"
		case "enable_stealth":
			cfg.EnableStealth = value == "true"
		case "avc_spoof":
			cfg.AvcSpoof = value == "true"
		case "mirror_path":
			cfg.MirrorPath = value
		case "state_path":
			cfg.StatePath = value
		case "partitions":
			cfg.Partitions = splitAndTrim(value, ",")
		}
	}
	if err := scanner.Err(); err != nil {
		return domain.Errorf(domain.ErrConfigInvalid, "scan(%s)", path, err)
	}
	return nil
}

// parseConfigLine parses one `key = value` line, stripping comments,
// surrounding whitespace and optional double quotes around value. It
// reports ok=false for blank lines, comment lines, and lines with no
// '=' separator.
func parseConfigLine(line string) (key, value string, ok bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return "", "", false
	}

	eq := strings.IndexByte(trimmed, '=')
	if eq < 0 {
		return "", "", false
	}

	key = strings.TrimSpace(trimmed[:eq])
	value = strings.TrimSpace(trimmed[eq+1:])
	value = strings.Trim(value, `"`)
	if key == "" {
		return "", "", false
	}
	return key, value, true
}

func splitAndTrim(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// applyTomlSidecar decodes path and applies every field the flat
// format left unset (seen tracks which flat keys were present, so
// anything the operator already configured there is never
// overridden). A malformed sidecar is ignored; the flat/default
// config still stands.
func applyTomlSidecar(path string, cfg *domain.Config, seen map[string]bool) {
	var side tomlSidecar
	if _, err := toml.DecodeFile(path, &side); err != nil {
		return
	}

	applyIfUnset := func(key string, apply func()) {
		if !seen[key] {
			apply()
		}
	}

	applyIfUnset("moduledir", func() {
		if side.ModuleDir != "" {
			cfg.ModuleDir = side.ModuleDir
		}
	})
	applyIfUnset("tempdir", func() {
		if side.TempDir != "" {
			cfg.TempDir = side.TempDir
		}
	})
	applyIfUnset("mountsource", func() {
		if side.MountSource != "" {
			cfg.MountSource = side.MountSource
		}
	})
	applyIfUnset("mirror_path", func() {
		if side.MirrorPath != "" {
			cfg.MirrorPath = side.MirrorPath
		}
	})
	applyIfUnset("state_path", func() {
		if side.StatePath != "" {
			cfg.StatePath = side.StatePath
		}
	})
	applyIfUnset("partitions", func() {
		if len(side.Partitions) > 0 {
			cfg.Partitions = side.Partitions
		}
	})
	applyIfUnset("verbose", func() {
		if side.Verbose != nil {
			cfg.Verbose = *side.Verbose
		}
	})
	applyIfUnset("force_ext4", func() {
		if side.ForceExt4 != nil {
			cfg.ForceExt4 = *side.ForceExt4
		}
	})
	applyIfUnset("disable_umount", func() {
		if side.DisableUmount != nil {
			cfg.DisableUmount = *side.DisableUmount
		}
	})
	applyIfUnset("enable_nuke", func() {
		if side.EnableNuke != nil {
			cfg.EnableNuke = *side.EnableNuke
		}
	})
}

// LoadModuleModes reads dir/module_mode.conf ("module_id = mode"
// lines) into a map, returning an empty map if the file is absent.
func LoadModuleModes(dir string) (map[string]domain.Mode, error) {
	modes := make(map[string]domain.Mode)

	path := filepath.Join(dir, moduleModeFile)
	if !domain.FileExists(path) {
		return modes, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, domain.Errorf(domain.ErrConfigInvalid, "open(%s)", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		id, mode, ok := parseConfigLine(scanner.Text())
		if !ok {
			continue
		}
		modes[id] = domain.ParseMode(strings.ToLower(mode))
	}
	if err := scanner.Err(); err != nil {
		return nil, domain.Errorf(domain.ErrConfigInvalid, "scan(%s)", path, err)
	}
	return modes, nil
}

// LoadModuleRules reads dir/module_rules.conf ("module_id:path =
// mode" lines) into a map keyed by module id, returning an empty map
// if the file is absent.
func LoadModuleRules(dir string) (map[string][]domain.PathRule, error) {
	rules := make(map[string][]domain.PathRule)

	path := filepath.Join(dir, moduleRulesFile)
	if !domain.FileExists(path) {
		return rules, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, domain.Errorf(domain.ErrConfigInvalid, "open(%s)", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		trimmed := strings.TrimSpace(scanner.Text())
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		colon := strings.IndexByte(trimmed, ':')
		if colon < 0 {
			continue
		}
		rest := trimmed[colon+1:]
		eq := strings.IndexByte(rest, '=')
		if eq < 0 {
			continue
		}

		id := strings.TrimSpace(trimmed[:colon])
		path := strings.TrimSpace(rest[:eq])
		mode := strings.TrimSpace(rest[eq+1:])
		if id == "" || path == "" {
			continue
		}

		rules[id] = append(rules[id], domain.PathRule{
			Path: path,
			Mode: domain.ParseMode(strings.ToLower(mode)),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, domain.Errorf(domain.ErrConfigInvalid, "scan(%s)", path, err)
	}
	return rules, nil
}

// SaveModuleModes writes modes to dir/module_mode.conf, sorted by
// module id for a deterministic, diffable file.
func SaveModuleModes(dir string, modes map[string]domain.Mode) error {
	path := filepath.Join(dir, moduleModeFile)

	var b strings.Builder
	b.WriteString("# HymoFS Module Modes Configuration\n")
	b.WriteString("# Format: module_id = mode\n")
	b.WriteString("# Modes: auto, kernel, overlay, magic, none\n\n")

	for _, id := range sortedModeKeys(modes) {
		fmt.Fprintf(&b, "%s = %s\n", id, modes[id].String())
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return domain.Errorf(domain.ErrConfigInvalid, "mkdir(%s)", dir, err)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return domain.Errorf(domain.ErrConfigInvalid, "write(%s)", path, err)
	}
	return nil
}

// SaveModuleRules writes rules to dir/module_rules.conf, sorted by
// module id then declaration order.
func SaveModuleRules(dir string, rules map[string][]domain.PathRule) error {
	path := filepath.Join(dir, moduleRulesFile)

	var b strings.Builder
	b.WriteString("# HymoFS Module Rules Configuration\n")
	b.WriteString("# Format: module_id:path = mode\n")
	b.WriteString("# Modes: auto, kernel, overlay, magic, none\n\n")

	ids := make([]string, 0, len(rules))
	for id := range rules {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		for _, rule := range rules[id] {
			fmt.Fprintf(&b, "%s:%s = %s\n", id, rule.Path, rule.Mode.String())
		}
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return domain.Errorf(domain.ErrConfigInvalid, "mkdir(%s)", dir, err)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return domain.Errorf(domain.ErrConfigInvalid, "write(%s)", path, err)
	}
	return nil
}

func sortedModeKeys(modes map[string]domain.Mode) []string {
	keys := make([]string, 0, len(modes))
	for k := range modes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
