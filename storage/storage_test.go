package storage

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/hymo-project/hymofsd/domain"
)

func TestStatsComputesPercent(t *testing.T) {
	dir := t.TempDir()
	root := &domain.StagingRoot{Path: dir, Mode: domain.StorageTmpfs}

	stats, err := Stats(root)
	require.NoError(t, err)
	require.Equal(t, domain.StorageTmpfs, stats.Mode)
	require.GreaterOrEqual(t, stats.Total, stats.Used)
	require.True(t, stats.Percent >= 0 && stats.Percent <= 100)
}

func TestSetupExt4ImageMissingImage(t *testing.T) {
	dir := t.TempDir()
	err := setupExt4Image(dir+"/mnt", dir+"/modules.img", logrus.StandardLogger())
	require.Error(t, err)
	require.Equal(t, domain.ErrStorageSetupFailed, domain.KindOf(err))
}
