package fsutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMirrorPath(t *testing.T) {
	require.Equal(t, "/dev/hymo_mirror/_system", MirrorPath("/system"))
	require.Equal(t, "/dev/hymo_mirror/_vendor_etc", MirrorPath("/vendor/etc"))
}
