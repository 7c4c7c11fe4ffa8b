package wavecache

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/soundfold/mixcore/ffi"
)

// resolveKey maps an asset key to an absolute path under root, rejecting
// traversal and symlink escapes before any file access. The key is the only
// caller-controlled component of the path.
func resolveKey(root, key string) (string, error) {
	if err := ffi.CheckNonEmpty("key", key); err != nil {
		return "", err
	}
	if filepath.IsAbs(key) {
		return "", ffi.New(ffi.InvalidInput, ffi.CodePathEscape,
			"asset key %q must be relative", key)
	}
	clean := filepath.Clean(key)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", ffi.New(ffi.InvalidInput, ffi.CodePathEscape,
			"asset key %q escapes the asset root", key)
	}

	full := filepath.Join(root, clean)

	// Symlinks inside the tree may point anywhere; resolve and re-check.
	resolved, err := filepath.EvalSymlinks(full)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ffi.Wrap(ffi.NotFound, ffi.CodeUnknownID, err, "asset %q not found", key)
		}
		return "", ffi.Wrap(ffi.IOError, ffi.CodeLoadFailed, err, "cannot resolve asset %q", key)
	}
	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", ffi.Wrap(ffi.IOError, ffi.CodeLoadFailed, err, "cannot resolve asset root")
	}
	rel, err := filepath.Rel(resolvedRoot, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ffi.New(ffi.InvalidInput, ffi.CodePathEscape,
			"asset key %q escapes the asset root via symlink", key)
	}
	return resolved, nil
}
