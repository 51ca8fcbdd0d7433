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

package kernel

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Legacy syscall command discriminants, used only on the SYS_REBOOT
// fallback path: when DevicePath cannot be opened, or when the
// fd-based ioctl returns ENOTTY.
const (
	cmdAddRule           = 0x48001
	cmdDelRule           = 0x48002
	cmdHideRule          = 0x48003
	cmdInjectRule        = 0x48004
	cmdClearAll          = 0x48005
	cmdGetVersion        = 0x48006
	cmdListRules         = 0x48007
	cmdSetDebug          = 0x48008
	cmdReorderMntID      = 0x48009
	cmdSetStealth        = 0x48010
	cmdHideOverlayXattrs = 0x48011
	cmdAddMergeRule      = 0x48012
	cmdSetAvcLogSpoofing = 0x48013
	cmdSetMirrorPath     = 0x48014
	cmdSetUname          = 0x48015

	// cmdRegisterUnmount has no reserved command number in the peer's
	// protocol; ordinal 16 is the next free slot past the real
	// HYMO_CMD_*/HYMO_IOC_* range (1-14) and cmdSetUname's 15.
	cmdRegisterUnmount = 0x48016
)

// ioctl direction bits, per <asm-generic/ioctl.h>.
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2
)

const (
	iocNrBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNrShift   = 0
	iocTypeShift = iocNrShift + iocNrBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits
)

// ioc replicates the _IOC()/_IO()/_IOW()/_IOR()/_IOWR() macro family
// used by the peer's ioctl number space (magic byte 'H').
func ioc(dir uint32, typ byte, nr byte, size uintptr) uint32 {
	return dir<<iocDirShift | uint32(size)<<iocSizeShift | uint32(typ)<<iocTypeShift | uint32(nr)<<iocNrShift
}

const iocMagic = 'H'

// hymoSyscallArg mirrors struct hymo_syscall_arg { const char *src;
// const char *target; int type; } with the trailing padding a real C
// compiler inserts to keep the struct 8-byte aligned on 64-bit.
type hymoSyscallArg struct {
	Src    *byte
	Target *byte
	Type   int32
	_      int32
}

// hymoSyscallListArg mirrors struct hymo_syscall_list_arg { char
// *buf; size_t size; }.
type hymoSyscallListArg struct {
	Buf  *byte
	Size uint64
}

// hymoUnameArg mirrors the peer's SET_UNAME payload: two fixed-size
// C strings, matching struct utsname's release/version field widths.
type hymoUnameArg struct {
	Release [65]byte
	Version [65]byte
}

var (
	iocAddRule           = ioc(iocWrite, iocMagic, 1, unsafe.Sizeof(hymoSyscallArg{}))
	iocDelRule           = ioc(iocWrite, iocMagic, 2, unsafe.Sizeof(hymoSyscallArg{}))
	iocHideRule          = ioc(iocWrite, iocMagic, 3, unsafe.Sizeof(hymoSyscallArg{}))
	// nr 4 is reserved: HYMO_IOC_INJECT_RULE in the peer's protocol.
	// Intentionally unused here; do not repurpose it.
	iocClearAll          = ioc(iocNone, iocMagic, 5, 0)
	iocGetVersion        = ioc(iocRead, iocMagic, 6, unsafe.Sizeof(int32(0)))
	iocListRules         = ioc(iocWrite|iocRead, iocMagic, 7, unsafe.Sizeof(hymoSyscallListArg{}))
	iocSetDebug          = ioc(iocWrite, iocMagic, 8, unsafe.Sizeof(int32(0)))
	iocReorderMntID      = ioc(iocNone, iocMagic, 9, 0)
	iocSetStealth        = ioc(iocWrite, iocMagic, 10, unsafe.Sizeof(int32(0)))
	iocHideOverlayXattrs = ioc(iocWrite, iocMagic, 11, unsafe.Sizeof(hymoSyscallArg{}))
	iocAddMergeRule      = ioc(iocWrite, iocMagic, 12, unsafe.Sizeof(hymoSyscallArg{}))
	iocSetAvcLogSpoofing = ioc(iocWrite, iocMagic, 13, unsafe.Sizeof(int32(0)))
	iocSetMirrorPath     = ioc(iocWrite, iocMagic, 14, unsafe.Sizeof(hymoSyscallArg{}))
	iocSetUname          = ioc(iocWrite, iocMagic, 15, unsafe.Sizeof(hymoUnameArg{}))
	iocRegisterUnmount   = ioc(iocWrite, iocMagic, 16, unsafe.Sizeof(hymoSyscallArg{}))
)

// tryOpenDevice opens DevicePath for fd-based ioctl communication,
// caching the fd for the process lifetime. Must be called with
// c.mu held.
func (c *Client) tryOpenDevice() int {
	if c.fd >= 0 {
		return c.fd
	}
	fd, err := unix.Open(DevicePath, unix.O_RDWR, 0)
	if err != nil {
		return -1
	}
	c.fd = fd
	c.useFdMode = true
	c.log.Info("kernel: using fd-based communication via " + DevicePath)
	return fd
}

// execCmd dispatches through the fd-based ioctl first; on ENOTTY it
// falls back to the SYS_REBOOT side-channel, exactly the transport
// selection the original implementation's hymo_execute_cmd performs.
func (c *Client) execCmd(legacyCmd int, ioctlCmd uint32, arg unsafe.Pointer) error {
	if c.useFdMode || c.tryOpenDevice() >= 0 {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(c.fd), uintptr(ioctlCmd), uintptr(arg))
		if errno == 0 {
			return nil
		}
		if errno != unix.ENOTTY {
			return errno
		}
		c.log.Warn("kernel: ioctl failed with ENOTTY, falling back to syscall mode")
		c.useFdMode = false
	}

	_, _, errno := unix.Syscall6(unix.SYS_REBOOT, uintptr(Magic1), uintptr(Magic2), uintptr(legacyCmd), uintptr(arg), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func cString(s string) *byte {
	if s == "" {
		return nil
	}
	b := append([]byte(s), 0)
	return &b[0]
}

func (c *Client) getVersion() (int, error) {
	if c.useFdMode || c.tryOpenDevice() >= 0 {
		var version int32
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(c.fd), uintptr(iocGetVersion), uintptr(unsafe.Pointer(&version)))
		if errno == 0 {
			return int(version), nil
		}
	}

	ret, _, errno := unix.Syscall6(unix.SYS_REBOOT, uintptr(Magic1), uintptr(Magic2), uintptr(cmdGetVersion), 0, 0, 0)
	if errno != 0 {
		return 0, errno
	}
	if int(ret) < 0 {
		return 0, fmt.Errorf("peer returned %d", int(ret))
	}
	return int(ret), nil
}

func (c *Client) addRule(src, target string, kind int32) error {
	arg := hymoSyscallArg{Src: cString(src), Target: cString(target), Type: kind}
	return c.execCmd(cmdAddRule, iocAddRule, unsafe.Pointer(&arg))
}

func (c *Client) addMergeRule(src, target string) error {
	arg := hymoSyscallArg{Src: cString(src), Target: cString(target)}
	return c.execCmd(cmdAddMergeRule, iocAddMergeRule, unsafe.Pointer(&arg))
}

func (c *Client) delRule(src string) error {
	arg := hymoSyscallArg{Src: cString(src)}
	return c.execCmd(cmdDelRule, iocDelRule, unsafe.Pointer(&arg))
}

func (c *Client) hideRule(target string) error {
	arg := hymoSyscallArg{Src: cString(target)}
	return c.execCmd(cmdHideRule, iocHideRule, unsafe.Pointer(&arg))
}

func (c *Client) registerUnmountable(target string) error {
	arg := hymoSyscallArg{Src: cString(target)}
	return c.execCmd(cmdRegisterUnmount, iocRegisterUnmount, unsafe.Pointer(&arg))
}

func (c *Client) clearAll() error {
	return c.execCmd(cmdClearAll, iocClearAll, nil)
}

func (c *Client) listRules() (string, error) {
	const bufSize = 128 * 1024
	buf := make([]byte, bufSize)
	arg := hymoSyscallListArg{Buf: &buf[0], Size: uint64(bufSize)}
	if err := c.execCmd(cmdListRules, iocListRules, unsafe.Pointer(&arg)); err != nil {
		return "", err
	}
	n := 0
	for n < len(buf) && buf[n] != 0 {
		n++
	}
	return string(buf[:n]), nil
}

func (c *Client) setDebug(enable bool) error {
	v := boolToInt32(enable)
	return c.execCmd(cmdSetDebug, iocSetDebug, unsafe.Pointer(&v))
}

func (c *Client) setStealth(enable bool) error {
	v := boolToInt32(enable)
	return c.execCmd(cmdSetStealth, iocSetStealth, unsafe.Pointer(&v))
}

func (c *Client) setAvcLogSpoofing(enabled bool) error {
	v := boolToInt32(enabled)
	return c.execCmd(cmdSetAvcLogSpoofing, iocSetAvcLogSpoofing, unsafe.Pointer(&v))
}

func (c *Client) setMirrorPath(path string) error {
	arg := hymoSyscallArg{Src: cString(path)}
	return c.execCmd(cmdSetMirrorPath, iocSetMirrorPath, unsafe.Pointer(&arg))
}

func (c *Client) setUname(release, version string) error {
	var arg hymoUnameArg
	copy(arg.Release[:len(arg.Release)-1], release)
	copy(arg.Version[:len(arg.Version)-1], version)
	return c.execCmd(cmdSetUname, iocSetUname, unsafe.Pointer(&arg))
}

func (c *Client) reorderMountIDs() error {
	return c.execCmd(cmdReorderMntID, iocReorderMntID, nil)
}

func (c *Client) hideOverlayXattrs(target string) error {
	arg := hymoSyscallArg{Src: cString(target)}
	return c.execCmd(cmdHideOverlayXattrs, iocHideOverlayXattrs, unsafe.Pointer(&arg))
}

func boolToInt32(b bool) int32 {
	if b {
		return 1
	}
	return 0
}
