package planner

import (
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"github.com/hymo-project/hymofsd/domain"
)

// runKernelRulePass walks every module recorded in plan.KernelIds, in
// ascending priority order (modules arrive sorted highest-priority
// first, so this iterates the slice in reverse), and appends AddRule,
// MergeRule and HideRule entries to plan.KernelRules. Overlay-covered
// subtrees are folded into the covering OverlayOp's lowerdirs instead
// of producing a rule. Grounded in
// Hymo's core/planner.cpp's update_hymofs_mappings.
func runKernelRulePass(cfg *domain.Config, modules []*domain.Module, root *domain.StagingRoot, plan *domain.MountPlan) {
	kernelIDs := toSet(plan.KernelIds)
	partitions := partitionList(cfg)

	var addRules, mergeRules, hideRules []domain.KernelRule

	for i := len(modules) - 1; i >= 0; i-- {
		mod := modules[i]
		if !kernelIDs[mod.ID] {
			continue
		}
		modPath := root.ModulePath(mod.ID)

		defaultMode := mod.Default
		if defaultMode == domain.ModeAuto {
			defaultMode = domain.ModeKernel
		}

		for _, r := range mod.Rules {
			if r.Mode == domain.ModeHide {
				hideRules = append(hideRules, domain.KernelRule{
					Op:     domain.OpHide,
					Target: resolveForKernel(r.Path),
				})
			}
		}

		for _, part := range partitions {
			partRoot := modPath + "/" + part
			if !domain.IsDir(partRoot) {
				continue
			}
			walkKernelPartition(partRoot, modPath, mod, defaultMode, plan, &addRules, &mergeRules, &hideRules)
		}
	}

	plan.KernelRules = make([]domain.KernelRule, 0, len(addRules)+len(mergeRules)+len(hideRules))
	plan.KernelRules = append(plan.KernelRules, addRules...)
	plan.KernelRules = append(plan.KernelRules, mergeRules...)
	plan.KernelRules = append(plan.KernelRules, hideRules...)
}

func toSet(ss []string) map[string]bool {
	set := make(map[string]bool, len(ss))
	for _, s := range ss {
		set[s] = true
	}
	return set
}

func walkKernelPartition(partRoot, modPath string, mod *domain.Module, defaultMode domain.Mode, plan *domain.MountPlan, addRules, mergeRules, hideRules *[]domain.KernelRule) {
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
		if mode != domain.ModeKernel && mode != domain.ModeAuto {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if op := plan.OverlayOpCovering(virtualPath); op != nil {
			foldIntoOverlay(op, modPath)
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}

		if d.IsDir() {
			finalPath := resolveForKernel(virtualPath)
			if domain.IsDir(finalPath) {
				*mergeRules = append(*mergeRules, domain.KernelRule{
					Op:     domain.OpMerge,
					Source: finalPath,
					Target: path,
					Kind:   domain.KindDir,
				})
				return filepath.SkipDir
			}
			return nil
		}

		kind := kindOf(info)

		if kind == domain.KindChr {
			if isWhiteout(path, info) {
				*hideRules = append(*hideRules, domain.KernelRule{
					Op:     domain.OpHide,
					Target: resolveForKernel(virtualPath),
				})
			}
			return nil
		}

		if symlinkReplacesDir(kind, virtualPath) {
			// Never replace an existing host directory with a symlink.
			return nil
		}

		if kind == domain.KindReg || kind == domain.KindLnk {
			finalPath := resolveForKernel(virtualPath)
			*addRules = append(*addRules, domain.KernelRule{
				Op:     domain.OpAdd,
				Source: path,
				Target: finalPath,
				Kind:   kind,
			})
		}

		return nil
	})
}

// foldIntoOverlay appends the module's contribution at op's target
// partition to op's lowerdirs, if that subtree exists on disk.
func foldIntoOverlay(op *domain.OverlayOp, modPath string) {
	if len(op.Target) <= 1 {
		return
	}
	layerPath := modPath + op.Target
	if domain.FileExists(layerPath) {
		op.AddLowerdir(layerPath)
	}
}

// symlinkReplacesDir reports whether emitting an AddRule of kind LNK
// at virtualPath would shadow an existing host directory there, which
// the planner must never do.
func symlinkReplacesDir(kind domain.RuleKind, virtualPath string) bool {
	return kind == domain.KindLnk && domain.IsDir(virtualPath)
}

func kindOf(info os.FileInfo) domain.RuleKind {
	mode := info.Mode()
	switch {
	case mode.IsRegular():
		return domain.KindReg
	case mode&os.ModeSymlink != 0:
		return domain.KindLnk
	case mode.IsDir():
		return domain.KindDir
	case mode&os.ModeCharDevice != 0:
		return domain.KindChr
	case mode&os.ModeDevice != 0:
		return domain.KindBlk
	case mode&os.ModeNamedPipe != 0:
		return domain.KindFifo
	case mode&os.ModeSocket != 0:
		return domain.KindSock
	default:
		return domain.KindUnknown
	}
}

// isWhiteout reports whether path is the overlay whiteout convention:
// a character device with rdev 0:0.
func isWhiteout(path string, info os.FileInfo) bool {
	if info.Mode()&os.ModeCharDevice == 0 {
		return false
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return false
	}
	return st.Rdev == 0
}
