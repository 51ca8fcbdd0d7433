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

import (
	"os"
	"sort"
	"syscall"
)

// Inode is a bare filesystem inode number, used as a cheap identity
// check when comparing two paths without re-stat'ing both.
type Inode uint64

// FileExists reports whether the named file or directory exists.
func FileExists(name string) bool {
	if _, err := os.Stat(name); err != nil {
		if os.IsNotExist(err) {
			return false
		}
	}
	return true
}

// IsDir reports whether name exists and is a directory.
func IsDir(name string) bool {
	fi, err := os.Stat(name)
	return err == nil && fi.IsDir()
}

// FileInode obtains the inode associated with any given file-system resource.
func FileInode(name string) Inode {

	fi, err := os.Stat(name)
	if err != nil {
		return 0
	}

	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0
	}

	return Inode(st.Ino)
}

// Mount is a generic descriptor exchanged between the filesystem
// primitives and the executor when requesting or recording a mount.
type Mount struct {
	Source string `json:"source"`
	Target string `json:"target"`
	FsType string `json:"fstype"`
	Flags  uint64 `json:"flags"`
	Data   string `json:"data"`
}

// DedupSortStrings returns a sorted copy of ss with duplicates
// removed, matching the planner's "deduplicate and sort
// deterministically" post-processing step.
func DedupSortStrings(ss []string) []string {
	seen := make(map[string]bool, len(ss))
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
