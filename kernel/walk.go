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

package kernel

import (
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/hymo-project/hymofsd/domain"
)

// joinVirtual joins a virtual base path with a relative suffix using
// forward slashes, regardless of host path separator conventions.
func joinVirtual(base, rel string) string {
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == "" {
		return base
	}
	return strings.TrimRight(base, "/") + "/" + rel
}

// ruleVisitor is invoked for every regular file, symlink, or whiteout
// character device found under the walked module directory.
type ruleVisitor func(rel string, kind domain.RuleKind, whiteout bool) error

// walkRuleDirectory recursively walks moduleDir and invokes visit for
// every file/symlink/whiteout entry, mirroring the original
// implementation's add_rules_from_directory traversal.
func walkRuleDirectory(moduleDir string, visit ruleVisitor) error {
	info, err := os.Stat(moduleDir)
	if err != nil || !info.IsDir() {
		return domain.Errorf(domain.ErrNotFound, "module dir %s", moduleDir)
	}

	return filepath.Walk(moduleDir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == moduleDir {
			return nil
		}
		rel, err := filepath.Rel(moduleDir, path)
		if err != nil {
			return err
		}

		mode := fi.Mode()
		switch {
		case mode&os.ModeSymlink != 0:
			return visit(rel, domain.KindLnk, false)
		case mode.IsRegular():
			return visit(rel, domain.KindReg, false)
		case mode&os.ModeCharDevice != 0:
			st, ok := fi.Sys().(*syscall.Stat_t)
			if ok && st.Rdev == 0 {
				return visit(rel, domain.KindChr, true)
			}
			return nil
		default:
			return nil
		}
	})
}
