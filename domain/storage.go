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

// StorageMode tags the backing technology chosen for a StagingRoot.
// Once chosen for an invocation it is immutable.
type StorageMode int

const (
	StorageUnknown StorageMode = iota
	StorageTmpfs
	StorageExt4
	StorageErofs
	StorageSource
)

func (m StorageMode) String() string {
	switch m {
	case StorageTmpfs:
		return "tmpfs"
	case StorageExt4:
		return "ext4"
	case StorageErofs:
		return "erofs"
	case StorageSource:
		return "source"
	default:
		return "unknown"
	}
}

// StagingRoot is the writable directory the Sync stage populates and
// the Planner/Executor read module content from.
type StagingRoot struct {
	Path string
	Mode StorageMode
}

// ModulePath returns the staging-local directory for module id.
func (s *StagingRoot) ModulePath(id string) string {
	return s.Path + "/" + id
}

// StorageStats reports free/used/total capacity of a StagingRoot,
// supplementing the original implementation's storage status helper.
// It has no dependency on the out-of-scope JSON status reporter.
type StorageStats struct {
	Mode    StorageMode
	Total   uint64
	Used    uint64
	Free    uint64
	Percent float64
}
