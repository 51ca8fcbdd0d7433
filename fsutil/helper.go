//
// Copyright 2019-2020 Nestybox, Inc.
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

package fsutil

import (
	"strings"

	"golang.org/x/sys/unix"
)

// The mountPropFlags in a mount syscall indicate a change in the
// propagation type of an existing mountpoint.
const mountPropFlags = (unix.MS_SHARED | unix.MS_PRIVATE | unix.MS_SLAVE | unix.MS_UNBINDABLE)

// The mountModFlags in a mount syscall indicate a change to an
// existing mountpoint. If these flags are not present, the mount
// syscall creates a new mountpoint.
const mountModFlags = (unix.MS_REMOUNT | unix.MS_BIND | unix.MS_MOVE | mountPropFlags)

// flagsMap helps translate /proc/pid/mountinfo's string-based option
// names into their unix.MS_* numerical values. Subset of what the
// kernel supports, matching fs/proc_namespace.c's own set.
var flagsMap = map[string]uint64{
	"ro":          unix.MS_RDONLY,
	"nodev":       unix.MS_NODEV,
	"noexec":      unix.MS_NOEXEC,
	"nosuid":      unix.MS_NOSUID,
	"noatime":     unix.MS_NOATIME,
	"nodiratime":  unix.MS_NODIRATIME,
	"relatime":    unix.MS_RELATIME,
	"strictatime": unix.MS_STRICTATIME,
	"sync":        unix.MS_SYNCHRONOUS,
}

// IsNewMount returns true if the mount flags indicate creation of a
// new mountpoint.
func IsNewMount(flags uint64) bool {
	return flags&unix.MS_MGC_MSK == unix.MS_MGC_VAL || flags&mountModFlags == 0
}

// IsRemount returns true if the mount flags indicate a remount operation.
func IsRemount(flags uint64) bool {
	return flags&unix.MS_REMOUNT == unix.MS_REMOUNT
}

// IsBind returns true if the mount flags indicate a bind-mount operation.
func IsBind(flags uint64) bool {
	return flags&unix.MS_BIND == unix.MS_BIND
}

// IsMove returns true if the mount flags indicate a mount move operation.
func IsMove(flags uint64) bool {
	return flags&unix.MS_MOVE == unix.MS_MOVE
}

// HasPropagationFlag returns true if the mount flags indicate a mount
// propagation change.
func HasPropagationFlag(flags uint64) bool {
	return flags&mountPropFlags != 0
}

// IsReadOnlyMount returns true if the mount flags indicate a
// read-only mount.
func IsReadOnlyMount(flags uint64) bool {
	return flags&unix.MS_RDONLY == unix.MS_RDONLY
}

// StringToFlags converts string-based mount options (as extracted
// from /proc/pid/mountinfo) into their corresponding unix.MS_* flags.
func StringToFlags(opts map[string]string) uint64 {
	var flags uint64
	for k := range opts {
		if k == "rw" {
			continue
		}
		if val, ok := flagsMap[k]; ok {
			flags |= val
		}
	}
	return flags
}

// FilterFsFlags takes filesystem options as extracted from
// /proc/pid/mountinfo, filters out options corresponding to mount
// flags, and returns the remaining filesystem-specific data.
func FilterFsFlags(fsOpts map[string]string) string {
	opts := []string{}
	for k := range fsOpts {
		if _, ok := flagsMap[k]; !ok && k != "rw" {
			opts = append(opts, k)
		}
	}
	return strings.Join(opts, ",")
}
