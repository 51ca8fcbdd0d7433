package sync

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func discardLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestHasContentDetectsFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/mods/m1/system/bin/t", []byte("x"), 0644)

	require.True(t, hasFilesRecursive(fs, "/mods/m1/system"))
	require.False(t, hasFilesRecursive(fs, "/mods/m1/vendor"))
}

func TestShouldSyncNewModule(t *testing.T) {
	s := &Service{Fs: afero.NewMemMapFs(), Log: nil}
	s.Log = discardLogger()
	require.True(t, s.shouldSync("/mods/m1", "/storage/m1"))
}

func TestShouldSyncUnchangedProp(t *testing.T) {
	s := &Service{Fs: afero.NewMemMapFs(), Log: discardLogger()}
	afero.WriteFile(s.Fs, "/mods/m1/module.prop", []byte("name=X\n"), 0644)
	afero.WriteFile(s.Fs, "/storage/m1/module.prop", []byte("name=X\n"), 0644)

	require.False(t, s.shouldSync("/mods/m1", "/storage/m1"))
}

func TestShouldSyncChangedProp(t *testing.T) {
	s := &Service{Fs: afero.NewMemMapFs(), Log: discardLogger()}
	afero.WriteFile(s.Fs, "/mods/m1/module.prop", []byte("name=X\n"), 0644)
	afero.WriteFile(s.Fs, "/storage/m1/module.prop", []byte("name=Y\n"), 0644)

	require.True(t, s.shouldSync("/mods/m1", "/storage/m1"))
}

func TestRelativeTo(t *testing.T) {
	require.Equal(t, "system/bin/t", relativeTo("/storage/m1", "/storage/m1/system/bin/t"))
}
