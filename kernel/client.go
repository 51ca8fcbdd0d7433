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

// Package kernel implements the Kernel Protocol Client: the single
// channel through which the engine issues per-file redirection, hide,
// and merge rules to the in-kernel peer.
package kernel

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/hymo-project/hymofsd/domain"
)

// DevicePath is the well-known path at which the in-kernel peer
// exposes its fd-based ioctl interface.
const DevicePath = "/dev/hymo"

// Magic1/Magic2 are the two u32 constants exchanged on the legacy
// acquire/syscall path, compiled into both the peer and this client.
const (
	Magic1 uint32 = 0x48594D4F // "HYMO"
	Magic2 uint32 = 0x524F4F54 // "ROOT"
)

// Client is a stateless wrapper (besides a cached fd and cached
// status) around the in-kernel peer's command set. The zero value is
// not usable; construct with New.
type Client struct {
	mu sync.Mutex

	fd         int
	useFdMode  bool
	statusSet  bool
	status     domain.PeerStatus
	log        *logrus.Logger
}

// New returns a Client with no cached handle and an Unknown status.
// The handle is acquired lazily on first use, matching the peer
// protocol's "global handle, lazy init" lifecycle.
func New(log *logrus.Logger) *Client {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{fd: -1, log: log}
}

var _ domain.KernelClientIface = (*Client)(nil)

// GetVersion issues GET_VERSION and returns the peer's reported
// protocol version. A negative return from the transport means the
// peer is not present.
func (c *Client) GetVersion() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, err := c.getVersion()
	if err != nil {
		c.log.WithError(err).Warn("kernel: get_protocol_version failed")
		return 0, domain.Errorf(domain.ErrPeerUnavailable, "get_version", err)
	}
	c.log.WithField("version", v).Info("kernel: get_protocol_version")
	return v, nil
}

// Status implements the status state machine of §4.1: its first call
// issues GET_VERSION itself and derives the status from the result,
// which is then cached for the process lifetime. GetVersion() does not
// touch the cached status.
func (c *Client) Status() domain.PeerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.computeStatus()
}

// computeStatus must be called with c.mu held.
func (c *Client) computeStatus() domain.PeerStatus {
	if c.statusSet {
		return c.status
	}

	v, err := c.getVersion()
	if err != nil {
		c.status = domain.StatusNotPresent
		c.statusSet = true
		c.log.Warn("kernel: check_status: NotPresent (transport failed)")
		return c.status
	}

	switch {
	case v < domain.ExpectedProtocolVersion:
		c.status = domain.StatusKernelTooOld
	case v > domain.ExpectedProtocolVersion:
		c.status = domain.StatusModuleTooOld
	default:
		c.status = domain.StatusAvailable
	}
	c.statusSet = true
	c.log.WithFields(logrus.Fields{
		"version":  v,
		"expected": domain.ExpectedProtocolVersion,
		"status":   c.status.String(),
	}).Info("kernel: check_status")
	return c.status
}

// EnsureStatus forces the status state machine to evaluate now, if it
// has not already, and returns the cached status; it is equivalent to
// Status.
func (c *Client) EnsureStatus() domain.PeerStatus {
	return c.Status()
}

func (c *Client) Add(src, target string, kind domain.RuleKind) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log.WithFields(logrus.Fields{"src": src, "target": target, "kind": kind}).Info("kernel: add_rule")
	if err := c.addRule(src, target, int32(kind)); err != nil {
		c.log.WithError(err).Error("kernel: add_rule failed")
		return domain.Errorf(domain.ErrPeerOperationFailed, "add(%s -> %s)", src, target, err)
	}
	return nil
}

func (c *Client) Merge(src, target string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log.WithFields(logrus.Fields{"src": src, "target": target}).Info("kernel: add_merge_rule")
	if err := c.addMergeRule(src, target); err != nil {
		c.log.WithError(err).Error("kernel: add_merge_rule failed")
		return domain.Errorf(domain.ErrPeerOperationFailed, "merge(%s -> %s)", src, target, err)
	}
	return nil
}

func (c *Client) Hide(target string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log.WithField("target", target).Info("kernel: hide_path")
	if err := c.hideRule(target); err != nil {
		c.log.WithError(err).Error("kernel: hide_path failed")
		return domain.Errorf(domain.ErrPeerOperationFailed, "hide(%s)", target, err)
	}
	return nil
}

func (c *Client) Delete(src string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log.WithField("src", src).Info("kernel: delete_rule")
	if err := c.delRule(src); err != nil {
		c.log.WithError(err).Error("kernel: delete_rule failed")
		return domain.Errorf(domain.ErrPeerOperationFailed, "delete(%s)", src, err)
	}
	return nil
}

func (c *Client) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log.Info("kernel: clear_rules")
	if err := c.clearAll(); err != nil {
		c.log.WithError(err).Error("kernel: clear_rules failed")
		return domain.Errorf(domain.ErrPeerOperationFailed, "clear", err)
	}
	return nil
}

func (c *Client) List() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log.Info("kernel: get_active_rules")
	text, err := c.listRules()
	if err != nil {
		c.log.WithError(err).Error("kernel: get_active_rules failed")
		return "", domain.Errorf(domain.ErrPeerOperationFailed, "list", err)
	}
	return text, nil
}

func (c *Client) SetDebug(enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.setDebug(enabled); err != nil {
		return domain.Errorf(domain.ErrPeerOperationFailed, "set_debug", err)
	}
	return nil
}

func (c *Client) SetStealth(enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.setStealth(enabled); err != nil {
		return domain.Errorf(domain.ErrPeerOperationFailed, "set_stealth", err)
	}
	return nil
}

func (c *Client) SetAvcLogSpoofing(enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.setAvcLogSpoofing(enabled); err != nil {
		return domain.Errorf(domain.ErrPeerOperationFailed, "set_avc_log_spoofing", err)
	}
	return nil
}

func (c *Client) SetMirrorPath(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.setMirrorPath(path); err != nil {
		return domain.Errorf(domain.ErrPeerOperationFailed, "set_mirror_path(%s)", path, err)
	}
	return nil
}

func (c *Client) SetUname(release, version string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.setUname(release, version); err != nil {
		return domain.Errorf(domain.ErrPeerOperationFailed, "set_uname", err)
	}
	return nil
}

func (c *Client) ReorderMountIDs() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.reorderMountIDs(); err != nil {
		return domain.Errorf(domain.ErrPeerOperationFailed, "reorder_mnt_id", err)
	}
	return nil
}

func (c *Client) HideOverlayXattrs(target string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.hideOverlayXattrs(target); err != nil {
		return domain.Errorf(domain.ErrPeerOperationFailed, "hide_overlay_xattrs(%s)", target, err)
	}
	return nil
}

// RegisterUnmountable records target with the peer so it gets torn
// down automatically if this process dies before unmounting it
// itself. Grounded in the original implementation's
// send_unmountable/grab_ksu_fd companion-driver handshake, adapted to
// the same peer channel as every other rule op rather than a second
// driver.
func (c *Client) RegisterUnmountable(target string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log.WithField("target", target).Info("kernel: register_unmountable")
	if err := c.registerUnmountable(target); err != nil {
		c.log.WithError(err).Warn("kernel: register_unmountable failed")
		return domain.Errorf(domain.ErrPeerOperationFailed, "register_unmountable(%s)", target, err)
	}
	return nil
}

// AddRulesFromDirectory walks moduleDir recursively, emitting an Add
// for every regular file/symlink and a Hide for every whiteout
// character-device, rooted at targetBase. Grounded in the original
// implementation's add_rules_from_directory, used by the hot-add path.
func (c *Client) AddRulesFromDirectory(targetBase, moduleDir string) error {
	return walkRuleDirectory(moduleDir, func(rel string, kind domain.RuleKind, whiteout bool) error {
		target := joinVirtual(targetBase, rel)
		if whiteout {
			return c.Hide(target)
		}
		return c.Add(joinVirtual(moduleDir, rel), target, kind)
	})
}

// RemoveRulesFromDirectory is the inverse of AddRulesFromDirectory,
// used by the hot-remove path.
func (c *Client) RemoveRulesFromDirectory(targetBase, moduleDir string) error {
	return walkRuleDirectory(moduleDir, func(rel string, kind domain.RuleKind, whiteout bool) error {
		target := joinVirtual(targetBase, rel)
		return c.Delete(target)
	})
}
