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

//go:build linux

// Package fsutil provides thin, typed wrappers over the kernel calls
// the rest of the engine needs: the modern and legacy overlay mount
// paths, bind mounts, SELinux xattr access, loop-image mounting, and
// recursive copy with attribute preservation.
package fsutil

import (
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/hymo-project/hymofsd/domain"
)

// Raw syscall numbers for the modern mount API, on architectures
// where golang.org/x/sys/unix has not wrapped them as typed
// functions. Matches Hymo's mount/overlay.cpp's own
// #define block exactly.
const (
	sysFsopen    = 430
	sysFsconfig  = 431
	sysFsmount   = 432
	sysMoveMount = 429
	sysOpenTree  = 428
)

const (
	fsopenCloexec        = 0x00000001
	fsconfigSetString    = 1
	fsconfigCmdCreate    = 6
	fsmountCloexec       = 0x00000001
	moveMountFEmptyPath  = 0x00000004
	openTreeClone        = 1
	openTreeCloexec      = 0x1
	atRecursive          = 0x8000
	atFdcwd              = -100
)

func bytePtr(s string) unsafe.Pointer {
	b := append([]byte(s), 0)
	return unsafe.Pointer(&b[0])
}

func fsopen(fsname string, flags uintptr) (int, error) {
	fd, _, errno := unix.Syscall(sysFsopen, uintptr(bytePtr(fsname)), flags, 0)
	if errno != 0 {
		return -1, errno
	}
	return int(fd), nil
}

func fsconfig(fd int, cmd uintptr, key string, value string, aux int) error {
	var keyPtr, valPtr unsafe.Pointer
	if key != "" {
		keyPtr = bytePtr(key)
	}
	if value != "" {
		valPtr = bytePtr(value)
	}
	_, _, errno := unix.Syscall6(sysFsconfig, uintptr(fd), cmd, uintptr(keyPtr), uintptr(valPtr), uintptr(aux), 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func fsmount(fd int, flags, attrFlags uintptr) (int, error) {
	mfd, _, errno := unix.Syscall(sysFsmount, uintptr(fd), flags, attrFlags)
	if errno != 0 {
		return -1, errno
	}
	return int(mfd), nil
}

func moveMount(fromDfd int, fromPath string, toDfd int, toPath string, flags uintptr) error {
	var fromPtr unsafe.Pointer
	if fromPath != "" {
		fromPtr = bytePtr(fromPath)
	} else {
		fromPtr = bytePtr("")
	}
	_, _, errno := unix.Syscall6(sysMoveMount, uintptr(fromDfd), uintptr(fromPtr), uintptr(toDfd), uintptr(bytePtr(toPath)), flags, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func openTree(dfd int, filename string, flags uintptr) (int, error) {
	fd, _, errno := unix.Syscall(sysOpenTree, uintptr(dfd), uintptr(bytePtr(filename)), flags)
	if errno != 0 {
		return -1, errno
	}
	return int(fd), nil
}

// OverlayMountOpts carries the lowerdir/upperdir/workdir/source
// configuration for a single overlay invocation.
type OverlayMountOpts struct {
	Lowerdirs []string
	Upperdir  string
	Workdir   string
	Source    string
	Dest      string
}

func (o *OverlayMountOpts) lowerdirConfig() string {
	return strings.Join(o.Lowerdirs, ":")
}

// MountOverlayModern realizes o via fsopen/fsconfig/fsmount/move_mount,
// the new mount API. On any step's failure it returns a *domain.Error
// tagged ErrMountFailed; the caller should fall back to
// MountOverlayLegacy.
func MountOverlayModern(o *OverlayMountOpts) error {
	fsFd, err := fsopen("overlay", fsopenCloexec)
	if err != nil {
		return domain.Errorf(domain.ErrMountFailed, "fsopen(overlay)", err)
	}
	defer unix.Close(fsFd)

	if err := fsconfig(fsFd, fsconfigSetString, "lowerdir", o.lowerdirConfig(), 0); err != nil {
		return domain.Errorf(domain.ErrMountFailed, "fsconfig(lowerdir)", err)
	}

	if o.Upperdir != "" && o.Workdir != "" {
		if err := fsconfig(fsFd, fsconfigSetString, "upperdir", o.Upperdir, 0); err != nil {
			return domain.Errorf(domain.ErrMountFailed, "fsconfig(upperdir)", err)
		}
		if err := fsconfig(fsFd, fsconfigSetString, "workdir", o.Workdir, 0); err != nil {
			return domain.Errorf(domain.ErrMountFailed, "fsconfig(workdir)", err)
		}
	}

	if o.Source != "" {
		if err := fsconfig(fsFd, fsconfigSetString, "source", o.Source, 0); err != nil {
			return domain.Errorf(domain.ErrMountFailed, "fsconfig(source)", err)
		}
	}

	if err := fsconfig(fsFd, fsconfigCmdCreate, "", "", 0); err != nil {
		return domain.Errorf(domain.ErrMountFailed, "fsconfig(create)", err)
	}

	mntFd, err := fsmount(fsFd, fsmountCloexec, 0)
	if err != nil {
		return domain.Errorf(domain.ErrMountFailed, "fsmount", err)
	}
	defer unix.Close(mntFd)

	if err := moveMount(mntFd, "", atFdcwd, o.Dest, moveMountFEmptyPath); err != nil {
		return domain.Errorf(domain.ErrMountFailed, "move_mount(%s)", o.Dest, err)
	}

	return nil
}

// MountOverlayLegacy realizes o via a single mount(2) call with a
// comma-joined options string, the fallback path when the modern API
// is unavailable (older kernels).
func MountOverlayLegacy(o *OverlayMountOpts) error {
	data := "lowerdir=" + o.lowerdirConfig()
	if o.Upperdir != "" && o.Workdir != "" {
		data += ",upperdir=" + o.Upperdir + ",workdir=" + o.Workdir
	}

	source := o.Source
	if source == "" {
		source = "overlay"
	}

	if err := unix.Mount(source, o.Dest, "overlay", 0, data); err != nil {
		return domain.Errorf(domain.ErrMountFailed, "mount(overlay, %s)", o.Dest, err)
	}
	return nil
}

// BindMount binds from onto to, recursively. It prefers
// open_tree(CLONE|RECURSIVE) + move_mount(EMPTY_PATH); on failure it
// falls back to mount(MS_BIND|MS_REC).
func BindMount(from, to string) error {
	treeFd, err := openTree(atFdcwd, from, openTreeClone|atRecursive|openTreeCloexec)
	if err == nil {
		defer unix.Close(treeFd)
		if err := moveMount(treeFd, "", atFdcwd, to, moveMountFEmptyPath); err == nil {
			return nil
		}
	}

	if err := unix.Mount(from, to, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return domain.Errorf(domain.ErrBindFailed, "bind(%s -> %s)", from, to, err)
	}
	return nil
}

// MakePrivate marks target MS_PRIVATE so subsequent mount changes
// under it do not propagate back to its origin namespace.
func MakePrivate(target string) error {
	if err := unix.Mount("", target, "", unix.MS_PRIVATE, ""); err != nil {
		return domain.Errorf(domain.ErrMountFailed, "make-private(%s)", target, err)
	}
	return nil
}

// MountTmpfs mounts a tmpfs filesystem at target with the given mode
// (e.g. "0755").
func MountTmpfs(target, mode string) error {
	data := "mode=" + mode
	if err := unix.Mount("tmpfs", target, "tmpfs", 0, data); err != nil {
		return domain.Errorf(domain.ErrMountFailed, "mount(tmpfs, %s)", target, err)
	}
	return nil
}

// Unmount detaches the mount at target. force requests MNT_DETACH
// (lazy unmount), matching the engine's unconditional-detach-before-
// establish convention for the staging mount point.
func Unmount(target string, force bool) error {
	flags := 0
	if force {
		flags = unix.MNT_DETACH
	}
	if err := unix.Unmount(target, flags); err != nil {
		return domain.Errorf(domain.ErrMountFailed, "umount(%s)", target, err)
	}
	return nil
}

// RemountReadOnlyBind remounts an existing bind mount at target
// read-only, used when finalizing a magic-mount tmpfs overlay.
func RemountReadOnlyBind(target string) error {
	if err := unix.Mount("", target, "", unix.MS_REMOUNT|unix.MS_BIND|unix.MS_RDONLY, ""); err != nil {
		return domain.Errorf(domain.ErrMountFailed, "remount-ro(%s)", target, err)
	}
	return nil
}

// MoveMountPath moves the mount at from onto to, via the legacy
// MS_MOVE flag (used by the magic-mount builder to relocate a
// finalized tmpfs-backed node into place).
func MoveMountPath(from, to string) error {
	if err := unix.Mount(from, to, "", unix.MS_MOVE, ""); err != nil {
		return domain.Errorf(domain.ErrMountFailed, "move(%s -> %s)", from, to, err)
	}
	return nil
}
