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

// InventoryServiceIface scans the module source directory and its
// side-files into a sorted, filtered []*Module. Implemented by
// package inventory.
type InventoryServiceIface interface {
	ScanModules(cfg *Config) ([]*Module, error)
	ScanPartitionCandidates(modules []*Module) ([]string, error)
}

// SyncServiceIface mirrors module trees into a StagingRoot.
// Implemented by package sync.
type SyncServiceIface interface {
	Sync(root *StagingRoot, modules []*Module, cfg *Config) error
}

// PlannerServiceIface converts modules + config + capability into a
// MountPlan. Implemented by package planner.
type PlannerServiceIface interface {
	GeneratePlan(modules []*Module, root *StagingRoot, cfg *Config, kc KernelClientIface) (*MountPlan, error)
}

// ExecutorServiceIface realizes a MountPlan against the host and the
// kernel peer. Implemented by package executor.
type ExecutorServiceIface interface {
	Execute(plan *MountPlan, root *StagingRoot, cfg *Config, kc KernelClientIface) (*RuntimeState, error)
}

// ControllerIface is the hot-path glue: the single-shot boot sequence
// and the incremental hot operations. Implemented by package
// controller.
type ControllerIface interface {
	Mount(cfg *Config) (*RuntimeState, error)
	Clear(cfg *Config) error
	Reload(cfg *Config) (*RuntimeState, error)
	AddModule(cfg *Config, moduleID string) error
	RemoveModule(cfg *Config, moduleID string) error
}
