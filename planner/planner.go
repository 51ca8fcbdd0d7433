// Package planner implements the Planner: it converts scanned
// modules, their per-path rule overrides, and the kernel peer's
// capability into a MountPlan naming, for every affected file, exactly
// one of the three mount strategies.
package planner

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/hymo-project/hymofsd/domain"
)

// Service implements domain.PlannerServiceIface.
type Service struct{}

// New returns a planner Service. It is stateless.
func New() *Service { return &Service{} }

var _ domain.PlannerServiceIface = (*Service)(nil)

// GeneratePlan walks modules (already sorted highest-priority first
// by Inventory) and builds a MountPlan. Grounded in
// Hymo's core/planner.cpp's generate_plan +
// update_hymofs_mappings.
func (s *Service) GeneratePlan(modules []*domain.Module, root *domain.StagingRoot, cfg *domain.Config, kc domain.KernelClientIface) (*domain.MountPlan, error) {
	plan := domain.NewMountPlan()
	partitions := partitionList(cfg)

	useKernel := kernelAvailable(cfg, kc)

	overlayLayers := newOverlayLayerSet()
	var magicPaths []string
	var overlayIds, magicIds, kernelIds []string

	for _, mod := range modules {
		modPath := root.ModulePath(mod.ID)
		if !hasMeaningfulContent(modPath, partitions) {
			continue
		}

		defaultMode := mod.Default
		if defaultMode == domain.ModeAuto {
			if useKernel {
				defaultMode = domain.ModeKernel
			} else {
				defaultMode = domain.ModeOverlay
			}
		}

		if len(mod.Rules) == 0 {
			dispatchNoRules(mod, modPath, defaultMode, useKernel, partitions, overlayLayers, &overlayIds, &magicIds, &kernelIds, &magicPaths)
			continue
		}

		dispatchWithRules(mod, modPath, defaultMode, useKernel, partitions, overlayLayers, &overlayIds, &magicIds, &kernelIds, &magicPaths)
	}

	plan.MagicModules = domain.DedupSortStrings(magicPaths)
	plan.OverlayIds = domain.DedupSortStrings(overlayIds)
	plan.MagicIds = domain.DedupSortStrings(magicIds)
	plan.KernelIds = domain.DedupSortStrings(kernelIds)

	finalizeOverlayOps(plan, overlayLayers)

	if useKernel {
		runKernelRulePass(cfg, modules, root, plan)
	}

	return plan, nil
}

func kernelAvailable(cfg *domain.Config, kc domain.KernelClientIface) bool {
	if kc == nil {
		return false
	}
	status := kc.Status()
	if status == domain.StatusAvailable {
		return true
	}
	if cfg.IgnoreProtocolMismatch && (status == domain.StatusKernelTooOld || status == domain.StatusModuleTooOld) {
		return true
	}
	return false
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

func hasMeaningfulContent(modPath string, partitions []string) bool {
	for _, part := range partitions {
		if hasFiles(modPath + "/" + part) {
			return true
		}
	}
	return false
}

func hasFiles(dir string) bool {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return false
	}
	found := false
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if path == dir {
			return nil
		}
		found = true
		return filepath.SkipAll
	})
	return found
}

// dispatchNoRules implements the planner's "No rules" branch: one
// strategy decision for the entire module.
func dispatchNoRules(mod *domain.Module, modPath string, defaultMode domain.Mode, useKernel bool, partitions []string, layers *overlayLayerSet, overlayIds, magicIds, kernelIds *[]string, magicPaths *[]string) {
	switch defaultMode {
	case domain.ModeNone:
		return
	case domain.ModeMagic:
		*magicPaths = append(*magicPaths, modPath)
		*magicIds = append(*magicIds, mod.ID)
		return
	case domain.ModeKernel:
		if useKernel {
			*kernelIds = append(*kernelIds, mod.ID)
			return
		}
	}

	participates := false
	for _, part := range partitions {
		partPath := modPath + "/" + part
		if hasFiles(partPath) {
			layers.add("/"+part, partPath)
			participates = true
		}
	}
	if participates {
		*overlayIds = append(*overlayIds, mod.ID)
	}
}

// dispatchWithRules implements the planner's "Rules present" branch:
// walk the module's partition subtrees and resolve each entry's
// effective mode by longest-prefix rule lookup.
func dispatchWithRules(mod *domain.Module, modPath string, defaultMode domain.Mode, useKernel bool, partitions []string, layers *overlayLayerSet, overlayIds, magicIds, kernelIds *[]string, magicPaths *[]string) {
	kernelActive, overlayActive, magicActive := false, false, false

	for _, part := range partitions {
		partRoot := modPath + "/" + part
		if !domain.IsDir(partRoot) {
			continue
		}

		filepath.WalkDir(partRoot, func(path string, d fs.DirEntry, err error) error {
			if err != nil || path == partRoot {
				return nil
			}
			rel, relErr := filepath.Rel(modPath, path)
			if relErr != nil {
				return nil
			}
			virtualPath := "/" + rel

			mode := resolveMode(mod, virtualPath, defaultMode)
			if mode == domain.ModeNone {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}

			if d.IsDir() {
				switch mode {
				case domain.ModeOverlay:
					if exactRuleMatch(mod, virtualPath, domain.ModeOverlay) {
						layers.add(virtualPath, path)
						overlayActive = true
					}
				case domain.ModeMagic:
					if exactRuleMatch(mod, virtualPath, domain.ModeMagic) {
						*magicPaths = append(*magicPaths, path)
						magicActive = true
					}
				}
			}

			if mode == domain.ModeKernel || mode == domain.ModeAuto {
				kernelActive = true
			}

			return nil
		})
	}

	if defaultMode == domain.ModeMagic && !magicActive {
		*magicPaths = append(*magicPaths, modPath)
	}

	if kernelActive && useKernel {
		*kernelIds = append(*kernelIds, mod.ID)
	}
	if overlayActive {
		*overlayIds = append(*overlayIds, mod.ID)
	}
	if magicActive || defaultMode == domain.ModeMagic {
		*magicIds = append(*magicIds, mod.ID)
	}
}

// resolveMode performs the longest-prefix rule lookup, defaulting to
// defaultMode when nothing matches. Ties on prefix length resolve to
// the last-declared rule, per spec.
func resolveMode(mod *domain.Module, virtualPath string, defaultMode domain.Mode) domain.Mode {
	mode := defaultMode
	best := -1
	for _, r := range mod.Rules {
		if !isPrefixOrEqual(r.Path, virtualPath) {
			continue
		}
		if len(r.Path) >= best {
			best = len(r.Path)
			mode = r.Mode
		}
	}
	return mode
}

func exactRuleMatch(mod *domain.Module, virtualPath string, mode domain.Mode) bool {
	for _, r := range mod.Rules {
		if r.Path == virtualPath && r.Mode == mode {
			return true
		}
	}
	return false
}

// isPrefixOrEqual reports whether prefix equals path or is a proper
// directory ancestor of it.
func isPrefixOrEqual(prefix, path string) bool {
	if prefix == path {
		return true
	}
	return strings.HasPrefix(path, prefix) && strings.HasPrefix(path[len(prefix):], "/")
}

// overlayLayerSet accumulates lowerdir layers keyed by target path,
// preserving first-seen target order (the order the final OverlayOps
// are emitted in) and per-target insertion order (lowerdir priority).
type overlayLayerSet struct {
	order  []string
	layers map[string][]string
}

func newOverlayLayerSet() *overlayLayerSet {
	return &overlayLayerSet{layers: make(map[string][]string)}
}

func (o *overlayLayerSet) add(target, layer string) {
	if _, ok := o.layers[target]; !ok {
		o.order = append(o.order, target)
	}
	for _, l := range o.layers[target] {
		if l == layer {
			return
		}
	}
	o.layers[target] = append(o.layers[target], layer)
}

// finalizeOverlayOps resolves each accumulated target's symlinks once
// and builds the plan's final OverlayOps; targets that do not resolve
// to an existing directory are dropped entirely.
func finalizeOverlayOps(plan *domain.MountPlan, layers *overlayLayerSet) {
	for _, target := range layers.order {
		resolved, ok := resolveOverlayTarget(target)
		if !ok {
			continue
		}
		op := plan.OverlayOpFor(resolved)
		for _, layer := range layers.layers[target] {
			op.AddLowerdir(layer)
		}
	}
}
