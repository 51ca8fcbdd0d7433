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
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/hymo-project/hymofsd/domain"
)

func TestWalkRuleDirectoryRegularAndSymlink(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "etc"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "etc", "x.conf"), []byte("x"), 0644))
	require.NoError(t, os.Symlink("/etc/x.conf", filepath.Join(dir, "etc", "link")))

	var seen []string
	err := walkRuleDirectory(dir, func(rel string, kind domain.RuleKind, whiteout bool) error {
		seen = append(seen, rel)
		if rel == filepath.Join("etc", "x.conf") {
			require.Equal(t, domain.KindReg, kind)
			require.False(t, whiteout)
		}
		if rel == filepath.Join("etc", "link") {
			require.Equal(t, domain.KindLnk, kind)
		}
		return nil
	})
	require.NoError(t, err)
	require.Contains(t, seen, filepath.Join("etc", "x.conf"))
	require.Contains(t, seen, filepath.Join("etc", "link"))
}

func TestWalkRuleDirectoryWhiteout(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("creating a character device requires root")
	}
	dir := t.TempDir()
	target := filepath.Join(dir, "Bloat")
	require.NoError(t, unix.Mknod(target, unix.S_IFCHR|0644, 0))

	var gotWhiteout bool
	err := walkRuleDirectory(dir, func(rel string, kind domain.RuleKind, whiteout bool) error {
		if rel == "Bloat" {
			gotWhiteout = whiteout
			require.Equal(t, domain.KindChr, kind)
		}
		return nil
	})
	require.NoError(t, err)
	require.True(t, gotWhiteout)
}

func TestJoinVirtual(t *testing.T) {
	require.Equal(t, "/system/etc/x", joinVirtual("/system", "etc/x"))
	require.Equal(t, "/system", joinVirtual("/system", "."))
}
