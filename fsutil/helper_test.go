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
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestStringToFlags(t *testing.T) {
	flags := StringToFlags(map[string]string{"ro": "", "noatime": "", "rw": ""})
	require.True(t, IsReadOnlyMount(flags))
	require.Equal(t, uint64(unix.MS_RDONLY|unix.MS_NOATIME), flags)
}

func TestFilterFsFlags(t *testing.T) {
	opts := FilterFsFlags(map[string]string{"ro": "", "errors=remount-ro": ""})
	require.Equal(t, "errors=remount-ro", opts)
}

func TestIsBindIsMove(t *testing.T) {
	require.True(t, IsBind(unix.MS_BIND|unix.MS_REC))
	require.True(t, IsMove(unix.MS_MOVE))
	require.False(t, IsBind(unix.MS_MOVE))
}

func TestIsNewMount(t *testing.T) {
	require.True(t, IsNewMount(0))
	require.False(t, IsNewMount(unix.MS_BIND))
}
