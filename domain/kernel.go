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

// PeerStatus is the Kernel Protocol Client's cached view of the
// in-kernel peer's availability and protocol compatibility.
type PeerStatus int

const (
	StatusUnknown PeerStatus = iota
	StatusAvailable
	StatusNotPresent
	StatusKernelTooOld
	StatusModuleTooOld
)

func (s PeerStatus) String() string {
	switch s {
	case StatusAvailable:
		return "Available"
	case StatusNotPresent:
		return "NotPresent"
	case StatusKernelTooOld:
		return "KernelTooOld"
	case StatusModuleTooOld:
		return "ModuleTooOld"
	default:
		return "Unknown"
	}
}

// ExpectedProtocolVersion is compiled into the client and compared
// against the peer's reported version on the first Status() call.
const ExpectedProtocolVersion = 10

// KernelClientIface abstracts the single channel to the in-kernel
// peer. Implemented by package kernel; faked in planner/executor
// tests.
type KernelClientIface interface {
	GetVersion() (int, error)
	Status() PeerStatus

	Add(src, target string, kind RuleKind) error
	Merge(src, target string) error
	Hide(target string) error
	Delete(src string) error
	Clear() error
	List() (string, error)

	SetDebug(enabled bool) error
	SetStealth(enabled bool) error
	SetAvcLogSpoofing(enabled bool) error
	SetMirrorPath(path string) error
	SetUname(release, version string) error
	ReorderMountIDs() error
	HideOverlayXattrs(target string) error

	// RegisterUnmountable records target with the peer so it can be
	// torn down automatically if the engine dies uncleanly, mirroring
	// the staging helper's unmount bookkeeping. Callers skip it
	// entirely when Config.DisableUmount is set.
	RegisterUnmountable(target string) error
}
