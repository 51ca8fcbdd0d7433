// Package executor realizes a MountPlan against the host and the
// in-kernel peer: kernel rules first, then overlay mounts (mirror
// strategy, with a magic-mount downgrade on overlay failure), then
// the magic-mount tree for whatever never got an overlay or kernel
// rule. Grounded in Hymo's mount/overlay.cpp and
// Hymo's mount/magic.cpp.
package executor

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/hymo-project/hymofsd/domain"
)

// Service implements domain.ExecutorServiceIface.
type Service struct {
	Log *logrus.Logger
}

// New returns a Service logging through log (or the standard logger
// if nil).
func New(log *logrus.Logger) *Service {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{Log: log}
}

var _ domain.ExecutorServiceIface = (*Service)(nil)

// Execute applies plan in the order §4.7 mandates: kernel rules, then
// overlay mounts (each of which may downgrade to the magic queue on
// failure), then the magic-mount tree.
func (s *Service) Execute(plan *domain.MountPlan, root *domain.StagingRoot, cfg *domain.Config, kc domain.KernelClientIface) (*domain.RuntimeState, error) {
	state := domain.NewRuntimeState()
	state.StorageMode = root.Mode.String()
	state.MountPoint = root.Path
	state.Pid = os.Getpid()

	if kc != nil {
		s.applyKernelRules(kc, plan)
	}
	state.HymofsModuleIds = append([]string{}, plan.KernelIds...)

	overlayIds := append([]string{}, plan.OverlayIds...)
	magicIds := append([]string{}, plan.MagicIds...)
	magicModules := append([]string{}, plan.MagicModules...)

	var activeMounts []string
	for _, op := range plan.OrderedOverlayOps() {
		if err := s.applyOverlayOp(op, cfg, kc); err != nil {
			s.Log.WithError(err).WithField("target", op.Target).
				Warn("executor: overlay op failed, downgrading to magic mount")
			s.downgradeToMagic(op, root, &overlayIds, &magicIds, &magicModules)
			continue
		}
		activeMounts = append(activeMounts, op.Target)
	}

	if err := s.buildMagicMount(magicModules, cfg, kc); err != nil {
		s.Log.WithError(err).Error("executor: magic mount build failed")
		state.Failed = true
	}

	state.OverlayModuleIds = domain.DedupSortStrings(overlayIds)
	state.MagicModuleIds = domain.DedupSortStrings(magicIds)
	state.ActiveMounts = domain.DedupSortStrings(activeMounts)

	return state, nil
}

// applyKernelRules clears the peer's rule table, then applies every
// KernelRule in the order the planner emitted (Add, Merge, Hide).
// Individual failures are logged and do not abort the pass.
func (s *Service) applyKernelRules(kc domain.KernelClientIface, plan *domain.MountPlan) {
	if err := kc.Clear(); err != nil {
		s.Log.WithError(err).Warn("executor: clear before apply failed")
	}

	for _, rule := range plan.KernelRules {
		var err error
		switch rule.Op {
		case domain.OpAdd:
			err = kc.Add(rule.Source, rule.Target, rule.Kind)
		case domain.OpMerge:
			err = kc.Merge(rule.Source, rule.Target)
		case domain.OpHide:
			err = kc.Hide(rule.Target)
		}
		if err != nil {
			s.Log.WithError(err).WithFields(logrus.Fields{
				"op":     rule.Op.String(),
				"source": rule.Source,
				"target": rule.Target,
			}).Warn("executor: kernel rule failed")
		}
	}
}

// downgradeToMagic moves a failed overlay op's participating modules
// from the overlay id/module sets into the magic ones. Execute has no
// []*domain.Module to consult, so module ids are recovered from the
// op's lowerdirs, which are always staging paths of the form
// "<root.Path>/<moduleID>[/subpath]" (mirror excluded, since it is
// appended after planning and never module-derived).
func (s *Service) downgradeToMagic(op *domain.OverlayOp, root *domain.StagingRoot, overlayIds, magicIds, magicModules *[]string) {
	moved := make(map[string]bool)
	for _, lowerdir := range op.Lowerdirs {
		id, ok := moduleIDFromStagingPath(root, lowerdir)
		if !ok || moved[id] {
			continue
		}
		moved[id] = true
		*magicModules = append(*magicModules, root.ModulePath(id))
		*magicIds = append(*magicIds, id)
		*overlayIds = removeString(*overlayIds, id)
	}
}

// moduleIDFromStagingPath extracts the module id from a staging-local
// path, i.e. the first path segment after root.Path.
func moduleIDFromStagingPath(root *domain.StagingRoot, path string) (string, bool) {
	prefix := strings.TrimRight(root.Path, "/") + "/"
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	rest := strings.TrimPrefix(path, prefix)
	id := strings.SplitN(rest, "/", 2)[0]
	if id == "" {
		return "", false
	}
	return id, true
}

func removeString(ss []string, target string) []string {
	out := ss[:0]
	for _, s := range ss {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

func partitionList(cfg *domain.Config) []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range domain.BuiltinPartitions {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, p := range cfg.Partitions {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

func registerUnmountable(kc domain.KernelClientIface, cfg *domain.Config, log *logrus.Logger, target string) {
	if kc == nil || cfg.DisableUmount {
		return
	}
	if err := kc.RegisterUnmountable(target); err != nil {
		log.WithError(err).WithField("target", target).Warn("executor: register_unmountable failed")
	}
}

func joinRel(base, rel string) string {
	if rel == "" {
		return base
	}
	return filepath.Join(base, rel)
}
