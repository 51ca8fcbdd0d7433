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

import "fmt"

// ErrorKind enumerates the error taxonomy used across the mount
// composition engine. Every package returns errors wrapped in *Error
// rather than bare errors.New so callers can switch on Kind.
type ErrorKind int

const (
	ErrUnknown ErrorKind = iota
	ErrPeerUnavailable
	ErrPeerVersionMismatch
	ErrPeerOperationFailed
	ErrMountFailed
	ErrBindFailed
	ErrStorageSetupFailed
	ErrSyncFailed
	ErrInvalidRule
	ErrPlanInconsistent
	ErrConfigInvalid
	ErrNotFound
	ErrStateFailed
)

func (k ErrorKind) String() string {
	switch k {
	case ErrPeerUnavailable:
		return "PeerUnavailable"
	case ErrPeerVersionMismatch:
		return "PeerVersionMismatch"
	case ErrPeerOperationFailed:
		return "PeerOperationFailed"
	case ErrMountFailed:
		return "MountFailed"
	case ErrBindFailed:
		return "BindFailed"
	case ErrStorageSetupFailed:
		return "StorageSetupFailed"
	case ErrSyncFailed:
		return "SyncFailed"
	case ErrInvalidRule:
		return "InvalidRule"
	case ErrPlanInconsistent:
		return "PlanInconsistent"
	case ErrConfigInvalid:
		return "ConfigInvalid"
	case ErrNotFound:
		return "NotFound"
	case ErrStateFailed:
		return "StateFailed"
	default:
		return "Unknown"
	}
}

// Error is the typed, loggable error carried across every package
// boundary in the engine. It wraps an underlying cause (which may be
// nil) and tags it with a Kind from the taxonomy.
type Error struct {
	Kind  ErrorKind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Errorf builds an *Error of the given kind, formatting msg/args like
// fmt.Sprintf. The last arg may be an error, in which case it becomes
// the wrapped cause and is excluded from the formatted message.
func Errorf(kind ErrorKind, format string, args ...interface{}) *Error {
	var cause error
	if n := len(args); n > 0 {
		if err, ok := args[n-1].(error); ok {
			cause = err
			args = args[:n-1]
		}
	}
	return &Error{
		Kind:  kind,
		Msg:   fmt.Sprintf(format, args...),
		Cause: cause,
	}
}

// KindOf extracts the ErrorKind from err if it (or something it wraps)
// is an *Error; otherwise returns ErrUnknown.
func KindOf(err error) ErrorKind {
	var e *Error
	for err != nil {
		if ee, ok := err.(*Error); ok {
			e = ee
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return ErrUnknown
	}
	return e.Kind
}
