package planner

import (
	"os"
	"path/filepath"
	"strings"
)

// resolveForKernel walks virtualPath up to the nearest existing
// ancestor, canonicalizes that ancestor (resolving any symlinks in
// it), then reattaches the missing suffix verbatim. This is how a
// rule targeting "/sdcard/x" becomes "/storage/emulated/0/x" when
// "/sdcard" is a symlink, while a rule that targets a symlink file
// itself keeps that symlink as its final component (only the
// symlink's parent directory is canonicalized).
//
// Grounded in Hymo's resolve_path_for_hymofs.
func resolveForKernel(virtualPath string) string {
	if virtualPath == "" || virtualPath == "/" {
		return virtualPath
	}

	existing, suffix := splitAtExistingAncestor(virtualPath)
	if existing == "" {
		return virtualPath
	}
	if suffix == "" {
		if fi, err := os.Lstat(existing); err == nil && fi.Mode()&os.ModeSymlink != 0 {
			existing, suffix = filepath.Dir(existing), filepath.Base(existing)
		}
	}

	real, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return virtualPath
	}

	if suffix == "" {
		return real
	}
	return filepath.Join(real, suffix)
}

// splitAtExistingAncestor returns the longest existing ancestor of
// path and the (possibly empty, slash-joined) suffix below it.
func splitAtExistingAncestor(path string) (ancestor, suffix string) {
	clean := filepath.Clean(path)
	if _, err := os.Lstat(clean); err == nil {
		return clean, ""
	}

	var suffixParts []string
	cur := clean
	for {
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", strings.Join(suffixParts, "/")
		}
		suffixParts = append([]string{filepath.Base(cur)}, suffixParts...)
		cur = parent
		if _, err := os.Lstat(cur); err == nil {
			return cur, strings.Join(suffixParts, "/")
		}
	}
}

// resolveOverlayTarget follows a single symlink hop on root (a
// configured partition root like "/vendor") and canonicalizes it; it
// reports ok=false if the result is not an existing directory, which
// tells the caller to drop the OverlayOp entirely.
func resolveOverlayTarget(root string) (resolved string, ok bool) {
	fi, err := os.Lstat(root)
	if err != nil {
		return "", false
	}
	target := root
	if fi.Mode()&os.ModeSymlink != 0 {
		real, err := filepath.EvalSymlinks(root)
		if err != nil {
			return "", false
		}
		target = real
	}
	info, err := os.Stat(target)
	if err != nil || !info.IsDir() {
		return "", false
	}
	return target, true
}
