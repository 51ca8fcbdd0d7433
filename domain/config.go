//
// Copyright 2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package domain

// Config holds every tunable §6.3 names. ModuleDir/TempDir/MountSource
// and the boolean flags come from the flat main config; ModuleModes and
// ModuleRules come from their respective side files.
type Config struct {
	ModuleDir               string
	TempDir                 string
	MountSource             string
	Verbose                 bool
	ForceExt4               bool
	DisableUmount           bool
	EnableNuke              bool
	IgnoreProtocolMismatch  bool
	EnableKernelDebug       bool
	EnableStealth           bool
	AvcSpoof                bool
	MirrorPath              string
	StatePath               string
	Partitions              []string

	// ModuleModes maps module id -> global mode override loaded from
	// the module-modes config file.
	ModuleModes map[string]Mode

	// ModuleRules maps module id -> ordered PathRule overrides loaded
	// from the module-rules config file.
	ModuleRules map[string][]PathRule
}

// DefaultMirrorPath is the default for Config.MirrorPath, the mirror
// path reported to the kernel peer. The overlay executor always
// creates its mirrors under fsutil.MirrorBase, whatever
// Config.MirrorPath holds.
const DefaultMirrorPath = "/dev/hymo_mirror"

// DefaultStatePath is where the daemon persists its RuntimeState
// between invocations.
const DefaultStatePath = "/data/adb/hymo/run/daemon_state.json"

// DefaultConfig returns a Config with every field at its documented
// default, matching the original implementation's load_default.
func DefaultConfig() *Config {
	return &Config{
		ModuleDir:   "/data/adb/hymo/modules",
		TempDir:     "/data/adb/hymo/img_mnt",
		MountSource: "HYMO",
		MirrorPath:  DefaultMirrorPath,
		StatePath:   DefaultStatePath,
		Partitions:  append([]string{}, BuiltinPartitions...),
		ModuleModes: make(map[string]Mode),
		ModuleRules: make(map[string][]PathRule),
	}
}
