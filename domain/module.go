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

// Mode names one of the five mount strategies a module, or a single
// path within a module, can be resolved to.
type Mode int

const (
	ModeAuto Mode = iota
	ModeKernel
	ModeOverlay
	ModeMagic
	ModeHide
	ModeNone
)

func (m Mode) String() string {
	switch m {
	case ModeAuto:
		return "auto"
	case ModeKernel:
		return "kernel"
	case ModeOverlay:
		return "overlay"
	case ModeMagic:
		return "magic"
	case ModeHide:
		return "hide"
	case ModeNone:
		return "none"
	default:
		return "unknown"
	}
}

// ParseMode converts a lower-case mode keyword, as found in a
// module.prop file or a rules config, into a Mode. Unknown keywords
// resolve to ModeAuto, matching the original inventory's permissive
// parsing of an unrecognized "mode" value.
func ParseMode(s string) Mode {
	switch s {
	case "kernel":
		return ModeKernel
	case "overlay":
		return ModeOverlay
	case "magic":
		return ModeMagic
	case "hide":
		return ModeHide
	case "none":
		return ModeNone
	default:
		return ModeAuto
	}
}

// BuiltinPartitions is the fixed set of partition directory names the
// engine always recognizes, independent of any configured extras.
var BuiltinPartitions = []string{"system", "vendor", "product", "system_ext", "odm", "oem"}

// Marker file names at a module's root that exclude it from scanning.
const (
	DisableMarker   = "disable"
	RemoveMarker    = "remove"
	SkipMountMarker = "skip_mount"
)

// ReplaceDirMarker is an alternative, xattr-less way for a module to
// mark a directory as "replace wholesale" for the magic-mount builder.
const ReplaceDirMarker = ".replace"

// ModulePropFile is the name of a module's metadata file.
const ModulePropFile = "module.prop"

// PathRule binds an absolute virtual path (relative to a mounted
// partition root) to a resolved Mode. Rule lookup uses longest-prefix
// match among all rules whose Path is an ancestor of (or equal to) the
// file being resolved; ties break by last-declared-wins.
type PathRule struct {
	Path string
	Mode Mode
}

// Module is a single scanned module: a unique id, its absolute source
// path on disk, its declared default strategy, and zero or more
// PathRule overrides loaded from the module-rules config file.
type Module struct {
	ID          string
	SourcePath  string
	Name        string
	Version     string
	Author      string
	Description string
	Default     Mode
	Rules       []PathRule
}

// Partition names a directory, builtin or configured extra, that the
// engine may compose content into.
type Partition struct {
	Name string
}
