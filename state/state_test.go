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

package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hymo-project/hymofsd/domain"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	svc := New(nil)
	path := filepath.Join(t.TempDir(), "run", "daemon_state.json")

	want := domain.NewRuntimeState()
	want.StorageMode = "tmpfs"
	want.MountPoint = "/data/adb/hymo/img_mnt/staging"
	want.Pid = 1234
	want.OverlayModuleIds = []string{"a01", "a02"}
	want.MagicModuleIds = []string{"a03"}
	want.HymofsModuleIds = []string{"a04"}
	want.ActiveMounts = []string{"/system", "/vendor"}

	require.NoError(t, svc.Save(path, want))

	got, err := svc.Load(path)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	svc := New(nil)
	path := filepath.Join(t.TempDir(), "does-not-exist.json")

	got, err := svc.Load(path)
	require.NoError(t, err)
	require.Equal(t, domain.NewRuntimeState(), got)
}

func TestLoadTolerantOfTrailingCommasAndComments(t *testing.T) {
	svc := New(nil)
	path := filepath.Join(t.TempDir(), "daemon_state.json")

	raw := `{
  // hand-edited for debugging
  "storage_mode": "ext4",
  "mount_point": "/data/adb/hymo/img_mnt/staging",
  "pid": 42,
  "nuke_active": false,
  "hymofs_mismatch": false,
  "mismatch_message": "",
  "overlay_module_ids": ["a01",],
  "magic_module_ids": [],
  "hymofs_module_ids": [],
  "active_mounts": ["/system",],
  "failed": false,
  "some_future_field": "ignored",
}
`
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(raw), 0644))

	got, err := svc.Load(path)
	require.NoError(t, err)
	require.Equal(t, "ext4", got.StorageMode)
	require.Equal(t, 42, got.Pid)
	require.Equal(t, []string{"a01"}, got.OverlayModuleIds)
	require.Equal(t, []string{"/system"}, got.ActiveMounts)
}

func TestLoadUnparseableFileReturnsDefaultsNotError(t *testing.T) {
	svc := New(nil)
	path := filepath.Join(t.TempDir(), "daemon_state.json")
	require.NoError(t, os.WriteFile(path, []byte("not json at all {{{"), 0644))

	got, err := svc.Load(path)
	require.NoError(t, err)
	require.Equal(t, domain.NewRuntimeState(), got)
}

func TestSaveCreatesParentDirectories(t *testing.T) {
	svc := New(nil)
	path := filepath.Join(t.TempDir(), "nested", "run", "daemon_state.json")

	require.NoError(t, svc.Save(path, domain.NewRuntimeState()))
	_, err := os.Stat(path)
	require.NoError(t, err)
}
