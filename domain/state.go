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

// RuntimeState is the post-boot (or post hot-operation) snapshot
// persisted as a single JSON document on disk (§6.2). Key names match
// the wire format verbatim; keys beyond this set are tolerated on
// load.
type RuntimeState struct {
	StorageMode      string   `json:"storage_mode"`
	MountPoint       string   `json:"mount_point"`
	Pid              int      `json:"pid"`
	NukeActive       bool     `json:"nuke_active"`
	HymofsMismatch   bool     `json:"hymofs_mismatch"`
	MismatchMessage  string   `json:"mismatch_message"`
	OverlayModuleIds []string `json:"overlay_module_ids"`
	MagicModuleIds   []string `json:"magic_module_ids"`
	HymofsModuleIds  []string `json:"hymofs_module_ids"`
	ActiveMounts     []string `json:"active_mounts"`
	Failed           bool     `json:"failed"`
}

// NewRuntimeState returns a zero-valued state with all id-array fields
// allocated to the empty slice so JSON encoding always emits `[]`
// rather than `null`.
func NewRuntimeState() *RuntimeState {
	return &RuntimeState{
		OverlayModuleIds: []string{},
		MagicModuleIds:   []string{},
		HymofsModuleIds:  []string{},
		ActiveMounts:     []string{},
	}
}

// StateServiceIface persists and reloads RuntimeState. Implemented by
// package state.
type StateServiceIface interface {
	Save(path string, s *RuntimeState) error
	Load(path string) (*RuntimeState, error)
}
