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

package fsutil

import (
	"os"
	"path/filepath"

	selinux "github.com/opencontainers/selinux/go-selinux"

	"github.com/hymo-project/hymofsd/domain"
)

// DefaultSELinuxContext is the well-known system-file context applied
// when a source path carries no security.selinux xattr of its own.
const DefaultSELinuxContext = "u:object_r:system_file:s0"

// SELinuxXattr is the xattr name carrying the SELinux security
// context, set/get without dereferencing symlinks.
const SELinuxXattr = "security.selinux"

// ReplaceDirXattr, when set to "y" on a directory, tells the magic
// mount builder to replace that directory wholesale rather than
// merge its children with the host's.
const ReplaceDirXattr = "trusted.overlay.opaque"

// SetContext sets path's SELinux context without following symlinks.
func SetContext(path, context string) error {
	if err := selinux.SetFileLabel(path, context); err != nil {
		return domain.Errorf(domain.ErrMountFailed, "setfilecon(%s)", path, err)
	}
	return nil
}

// GetContext returns path's SELinux context, or "" if the xattr is
// absent or unsupported.
func GetContext(path string) string {
	label, err := selinux.FileLabel(path)
	if err != nil {
		return ""
	}
	return label
}

// CopyContext copies src's SELinux context onto dst, falling back to
// DefaultSELinuxContext when src has none.
func CopyContext(src, dst string) error {
	context := DefaultSELinuxContext
	if domain.FileExists(src) {
		if c := GetContext(src); c != "" {
			context = c
		}
	}
	return SetContext(dst, context)
}

// IsXattrSupported probes whether dir's filesystem supports setting
// the SELinux context xattr, by creating a temporary file, attempting
// a known-context set, and deleting it.
func IsXattrSupported(dir string) bool {
	testFile := filepath.Join(dir, ".xattr_test")
	f, err := os.Create(testFile)
	if err != nil {
		return false
	}
	f.Close()
	defer os.Remove(testFile)

	return SetContext(testFile, DefaultSELinuxContext) == nil
}

// IsReplaceDir reports whether dir is marked "replace wholesale" for
// the magic-mount builder: either the trusted.overlay.opaque xattr is
// "y", or a .replace marker file exists at its root.
func IsReplaceDir(dir string) bool {
	if val, err := getRawXattr(dir, ReplaceDirXattr); err == nil && val == "y" {
		return true
	}
	return domain.FileExists(filepath.Join(dir, domain.ReplaceDirMarker))
}
