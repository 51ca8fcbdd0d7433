// Package controller wires Inventory, Storage, Sync, Planner, and
// Executor into the boot sequence, and exposes the incremental hot
// operations a running daemon accepts without a full re-mount.
// Grounded in Hymo's main.cpp's top-level command
// dispatch and sysbox-fs's cmd/sysbox-fs/main.go's service wiring.
package controller

import (
	"github.com/sirupsen/logrus"

	"github.com/hymo-project/hymofsd/domain"
	"github.com/hymo-project/hymofsd/executor"
	"github.com/hymo-project/hymofsd/inventory"
	"github.com/hymo-project/hymofsd/kernel"
	"github.com/hymo-project/hymofsd/planner"
	"github.com/hymo-project/hymofsd/storage"
	"github.com/hymo-project/hymofsd/state"
	"github.com/hymo-project/hymofsd/sync"
)

// Controller is the single place that owns every per-invocation
// service and runs both the boot sequence and the hot operations.
type Controller struct {
	Log *logrus.Logger

	KC       domain.KernelClientIface
	Inv      domain.InventoryServiceIface
	Sync     domain.SyncServiceIface
	Planner  domain.PlannerServiceIface
	Executor domain.ExecutorServiceIface
	State    domain.StateServiceIface
}

// New wires up a Controller with the real implementations of every
// service, logging through log (or the standard logger if nil). If kc
// is nil, a real kernel.Client is created in its place.
func New(log *logrus.Logger, kc domain.KernelClientIface) *Controller {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if kc == nil {
		kc = kernel.New(log)
	}
	return &Controller{
		Log:      log,
		KC:       kc,
		Inv:      inventory.New(),
		Sync:     sync.New(log),
		Planner:  planner.New(),
		Executor: executor.New(log),
		State:    state.New(log),
	}
}

var _ domain.ControllerIface = (*Controller)(nil)

// Mount runs the full boot sequence: Inventory -> Storage setup ->
// Sync -> Planner -> Executor -> State persist, exactly the data flow
// spec'd for daemon startup. A force_ext4 storage failure is retried
// once in auto mode, per Hymo's main.cpp's mirror-setup
// fallback.
func (c *Controller) Mount(cfg *domain.Config) (*domain.RuntimeState, error) {
	modules, err := c.Inv.ScanModules(cfg)
	if err != nil {
		return c.fail(cfg, err)
	}

	root, err := storage.Setup(cfg.TempDir, cfg.ForceExt4, c.Log)
	if err != nil && cfg.ForceExt4 {
		c.Log.WithError(err).Warn("controller: force_ext4 storage setup failed, retrying in auto mode")
		root, err = storage.Setup(cfg.TempDir, false, c.Log)
	}
	if err != nil {
		return c.fail(cfg, err)
	}

	if err := c.Sync.Sync(root, modules, cfg); err != nil {
		return c.fail(cfg, err)
	}
	if err := storage.FinalizePermissions(root.Path, c.Log); err != nil {
		c.Log.WithError(err).Warn("controller: finalize permissions failed")
	}

	plan, err := c.Planner.GeneratePlan(modules, root, cfg, c.KC)
	if err != nil {
		return c.fail(cfg, err)
	}

	runtimeState, err := c.Executor.Execute(plan, root, cfg, c.KC)
	if err != nil {
		return c.fail(cfg, err)
	}

	if err := c.applyProtocolFlags(cfg); err != nil {
		c.Log.WithError(err).Warn("controller: applying protocol flags failed")
	}

	if err := c.State.Save(cfg.StatePath, runtimeState); err != nil {
		c.Log.WithError(err).Error("controller: state save failed")
	}

	return runtimeState, nil
}

// fail writes a degraded RuntimeState (marked failed, per §7's "any
// fatal error in the top-level controller writes a degraded
// RuntimeState") and returns the original error. Already-installed
// mounts are never rolled back here.
func (c *Controller) fail(cfg *domain.Config, cause error) (*domain.RuntimeState, error) {
	degraded := domain.NewRuntimeState()
	degraded.Failed = true
	if err := c.State.Save(cfg.StatePath, degraded); err != nil {
		c.Log.WithError(err).Error("controller: degraded state save failed")
	}
	return nil, cause
}

// applyProtocolFlags pushes the config-derived peer flags (debug,
// stealth, avc-log spoofing, mirror path) once the peer is confirmed
// reachable, mirroring the original's post-mount flag application.
func (c *Controller) applyProtocolFlags(cfg *domain.Config) error {
	if c.KC == nil || c.KC.Status() != domain.StatusAvailable {
		return nil
	}
	if err := c.KC.SetDebug(cfg.EnableKernelDebug); err != nil {
		return err
	}
	if err := c.KC.SetStealth(cfg.EnableStealth); err != nil {
		return err
	}
	if err := c.KC.SetAvcLogSpoofing(cfg.AvcSpoof); err != nil {
		return err
	}
	if cfg.MirrorPath != "" {
		if err := c.KC.SetMirrorPath(cfg.MirrorPath); err != nil {
			return err
		}
	}
	if cfg.EnableStealth {
		if err := c.KC.ReorderMountIDs(); err != nil {
			return err
		}
	}
	return nil
}

// Clear drops every kernel rule and records the daemon as having no
// active kernel-strategy modules, leaving overlay/magic mounts
// untouched — exactly the CLI "clear" command's scope.
func (c *Controller) Clear(cfg *domain.Config) error {
	if err := c.KC.Clear(); err != nil {
		return domain.Errorf(domain.ErrPeerOperationFailed, "clear", err)
	}

	runtimeState, err := c.State.Load(cfg.StatePath)
	if err != nil {
		return err
	}
	runtimeState.HymofsModuleIds = []string{}
	return c.State.Save(cfg.StatePath, runtimeState)
}

// Reload re-scans modules, re-syncs them into the existing staging
// root recorded in RuntimeState, and regenerates the full plan,
// without touching Storage setup — the hot-path equivalent of Mount.
func (c *Controller) Reload(cfg *domain.Config) (*domain.RuntimeState, error) {
	prior, err := c.State.Load(cfg.StatePath)
	if err != nil {
		return nil, err
	}

	root := &domain.StagingRoot{Path: prior.MountPoint, Mode: parseStorageMode(prior.StorageMode)}
	if root.Path == "" {
		root = &domain.StagingRoot{Path: cfg.TempDir, Mode: domain.StorageTmpfs}
	}

	modules, err := c.Inv.ScanModules(cfg)
	if err != nil {
		return c.fail(cfg, err)
	}

	if err := c.Sync.Sync(root, modules, cfg); err != nil {
		return c.fail(cfg, err)
	}

	plan, err := c.Planner.GeneratePlan(modules, root, cfg, c.KC)
	if err != nil {
		return c.fail(cfg, err)
	}

	runtimeState, err := c.Executor.Execute(plan, root, cfg, c.KC)
	if err != nil {
		return c.fail(cfg, err)
	}

	if err := c.State.Save(cfg.StatePath, runtimeState); err != nil {
		c.Log.WithError(err).Error("controller: state save failed")
	}
	return runtimeState, nil
}

func parseStorageMode(s string) domain.StorageMode {
	switch s {
	case "tmpfs":
		return domain.StorageTmpfs
	case "ext4":
		return domain.StorageExt4
	case "erofs":
		return domain.StorageErofs
	case "source":
		return domain.StorageSource
	default:
		return domain.StorageUnknown
	}
}
