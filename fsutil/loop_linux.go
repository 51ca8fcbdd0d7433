//go:build linux

package fsutil

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/hymo-project/hymofsd/domain"
)

const loopControlPath = "/dev/loop-control"

// attachLoopDevice binds imagePath to a free /dev/loopN node via
// LOOP_CTL_GET_FREE + LOOP_SET_FD + LOOP_SET_STATUS64, returning the
// loop device path. The caller owns detaching it on failure.
func attachLoopDevice(imagePath string) (string, error) {
	ctl, err := os.OpenFile(loopControlPath, os.O_RDWR, 0)
	if err != nil {
		return "", domain.Errorf(domain.ErrStorageSetupFailed, "open(%s)", loopControlPath, err)
	}
	defer ctl.Close()

	nr, _, errno := unix.Syscall(unix.SYS_IOCTL, ctl.Fd(), unix.LOOP_CTL_GET_FREE, 0)
	if errno != 0 {
		return "", domain.Errorf(domain.ErrStorageSetupFailed, "LOOP_CTL_GET_FREE", errno)
	}
	loopPath := fmt.Sprintf("/dev/loop%d", nr)

	img, err := os.OpenFile(imagePath, os.O_RDWR, 0)
	if err != nil {
		return "", domain.Errorf(domain.ErrStorageSetupFailed, "open(%s)", imagePath, err)
	}
	defer img.Close()

	loopDev, err := os.OpenFile(loopPath, os.O_RDWR, 0)
	if err != nil {
		return "", domain.Errorf(domain.ErrStorageSetupFailed, "open(%s)", loopPath, err)
	}
	defer loopDev.Close()

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, loopDev.Fd(), unix.LOOP_SET_FD, img.Fd()); errno != 0 {
		return "", domain.Errorf(domain.ErrStorageSetupFailed, "LOOP_SET_FD(%s)", loopPath, errno)
	}

	var status unix.LoopInfo64
	copy(status.File_name[:], imagePath)
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, loopDev.Fd(), unix.LOOP_SET_STATUS64, uintptr(unsafe.Pointer(&status))); errno != 0 {
		unix.Syscall(unix.SYS_IOCTL, loopDev.Fd(), unix.LOOP_CLR_FD, 0)
		return "", domain.Errorf(domain.ErrStorageSetupFailed, "LOOP_SET_STATUS64(%s)", loopPath, errno)
	}

	return loopPath, nil
}

func detachLoopDevice(loopPath string) {
	dev, err := os.OpenFile(loopPath, os.O_RDWR, 0)
	if err != nil {
		return
	}
	defer dev.Close()
	unix.Syscall(unix.SYS_IOCTL, dev.Fd(), unix.LOOP_CLR_FD, 0)
}

// MountLoopImage attaches imagePath to a free loop device and mounts
// it ext4 at target, matching the original implementation's
// mount_image but driving LOOP_CTL_GET_FREE/LOOP_SET_FD/LOOP_SET_STATUS64
// directly instead of shelling out to mount(8).
func MountLoopImage(ctx context.Context, imagePath, target string) error {
	if err := os.MkdirAll(target, 0755); err != nil {
		return domain.Errorf(domain.ErrStorageSetupFailed, "mkdir(%s)", target, err)
	}

	loopPath, err := attachLoopDevice(imagePath)
	if err != nil {
		return err
	}

	if err := unix.Mount(loopPath, target, "ext4", unix.MS_NOATIME, ""); err != nil {
		detachLoopDevice(loopPath)
		return domain.Errorf(domain.ErrStorageSetupFailed, "mount(%s -> %s)", loopPath, target, err)
	}
	return nil
}

// RepairImage runs e2fsck -y -f against imagePath. Exit codes 0-2 are
// treated as success per e2fsck(8)'s convention (0 = clean, 1/2 =
// errors corrected), matching the original implementation's
// repair_image.
func RepairImage(ctx context.Context, imagePath string) error {
	cmd := exec.CommandContext(ctx, "e2fsck", "-y", "-f", imagePath)
	err := cmd.Run()
	if err == nil {
		return nil
	}

	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return domain.Errorf(domain.ErrStorageSetupFailed, "e2fsck(%s) exec failed", imagePath, err)
	}
	if code := exitErr.ExitCode(); code >= 0 && code <= 2 {
		return nil
	}
	return domain.Errorf(domain.ErrStorageSetupFailed, "e2fsck(%s) exit=%d", imagePath, exitErr.ExitCode())
}

// MountAndRepairLoopImage mounts imagePath at target, and on failure
// runs RepairImage once before retrying the mount a single time,
// matching the storage backend's repair-and-retry-once policy.
func MountAndRepairLoopImage(ctx context.Context, imagePath, target string, log *logrus.Logger) error {
	if err := MountLoopImage(ctx, imagePath, target); err == nil {
		return nil
	}

	log.WithField("image", imagePath).Warn("storage: image mount failed, attempting repair")
	repairCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	if err := RepairImage(repairCtx, imagePath); err != nil {
		return err
	}

	return MountLoopImage(ctx, imagePath, target)
}
