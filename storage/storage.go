// Package storage implements the Storage Backend: selecting and
// preparing the staging root the rest of the engine synchronizes
// modules into, before any mount is established.
package storage

import (
	"context"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/hymo-project/hymofsd/domain"
	"github.com/hymo-project/hymofsd/fsutil"
)

const imageFileName = "modules.img"

// Setup selects a storage backend for mntDir, in the order: tmpfs
// (unless forceExt4), then an ext4 loop image at mntDir's sibling
// imageFileName, with one repair-and-retry pass on mount failure. The
// image is not created here: if it is absent, Setup returns an
// ErrStorageSetupFailed error. Grounded
// in Hymo's core/storage.cpp's setup_storage.
func Setup(mntDir string, forceExt4 bool, log *logrus.Logger) (*domain.StagingRoot, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	_ = fsutil.Unmount(mntDir, true)
	if err := os.MkdirAll(mntDir, 0755); err != nil {
		return nil, domain.Errorf(domain.ErrStorageSetupFailed, "mkdir(%s)", mntDir, err)
	}

	if !forceExt4 {
		if mode, err := trySetupTmpfs(mntDir, log); err == nil {
			return &domain.StagingRoot{Path: mntDir, Mode: mode}, nil
		}
	}

	imagePath := filepath.Join(filepath.Dir(mntDir), imageFileName)
	if err := setupExt4Image(mntDir, imagePath, log); err != nil {
		return nil, err
	}
	return &domain.StagingRoot{Path: mntDir, Mode: domain.StorageExt4}, nil
}

func trySetupTmpfs(target string, log *logrus.Logger) (domain.StorageMode, error) {
	log.Debug("storage: attempting tmpfs mode")
	if err := fsutil.MountTmpfs(target, "0755"); err != nil {
		log.WithError(err).Warn("storage: tmpfs mount failed, falling back to image")
		return domain.StorageUnknown, err
	}

	if fsutil.IsXattrSupported(target) {
		log.Info("storage: tmpfs mode active (xattr supported)")
		return domain.StorageTmpfs, nil
	}

	log.Warn("storage: tmpfs does not support xattr, unmounting")
	_ = fsutil.Unmount(target, true)
	return domain.StorageUnknown, domain.Errorf(domain.ErrStorageSetupFailed, "tmpfs lacks xattr support")
}

func setupExt4Image(target, imagePath string, log *logrus.Logger) error {
	log.Debug("storage: falling back to ext4 image mode")

	if !domain.FileExists(imagePath) {
		return domain.Errorf(domain.ErrStorageSetupFailed, "image not found at %s (pre-provisioning is out of scope)", imagePath)
	}

	ctx := context.Background()
	if err := fsutil.MountAndRepairLoopImage(ctx, imagePath, target, log); err != nil {
		return domain.Errorf(domain.ErrStorageSetupFailed, "mount image %s", imagePath, err)
	}

	log.Info("storage: image mode active")
	return nil
}

// FinalizePermissions chmods storageRoot 0755, chowns it root:root,
// and sets its SELinux context, matching
// finalize_storage_permissions/repair_storage_root_permissions. It is
// deliberately called only after sync completes, not at setup time.
func FinalizePermissions(storageRoot string, log *logrus.Logger) error {
	if log == nil {
		log = logrus.StandardLogger()
	}

	if err := os.Chmod(storageRoot, 0755); err != nil {
		log.WithError(err).Warn("storage: chmod storage root failed")
	}
	if err := os.Chown(storageRoot, 0, 0); err != nil {
		log.WithError(err).Warn("storage: chown storage root failed")
	}
	if err := fsutil.SetContext(storageRoot, fsutil.DefaultSELinuxContext); err != nil {
		log.WithError(err).Warn("storage: set storage root context failed")
	}
	return nil
}

// Stats reports free/used/total/percent for root's mount point,
// matching print_storage_status's statfs-derived figures.
func Stats(root *domain.StagingRoot) (*domain.StorageStats, error) {
	var st statfsT
	if err := statfs(root.Path, &st); err != nil {
		return nil, domain.Errorf(domain.ErrStorageSetupFailed, "statfs(%s)", root.Path, err)
	}

	total := st.blocks * st.bsize
	free := st.bfree * st.bsize
	used := uint64(0)
	if total > free {
		used = total - free
	}
	percent := 0.0
	if total > 0 {
		percent = float64(used) * 100.0 / float64(total)
	}

	return &domain.StorageStats{
		Mode:    root.Mode,
		Total:   total,
		Used:    used,
		Free:    free,
		Percent: percent,
	}, nil
}
