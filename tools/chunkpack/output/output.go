// Package output manages the build output directory.
package output

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// DefaultIgnore is the ignore list used when none is configured.
var DefaultIgnore = []string{".DS_Store"}

// Clean removes dir and everything under it, then recreates it empty. It
// refuses to remove the filesystem root, root itself or any of its
// ancestors.
func Clean(dir, root string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve output directory %s: %w", dir, err)
	}
	if err := checkRemovable(abs, root); err != nil {
		return err
	}
	if err := os.RemoveAll(abs); err != nil {
		return fmt.Errorf("failed to clean output directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	return nil
}

// Remove deletes dir after the same checks as Clean.
func Remove(dir, root string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	if err := checkRemovable(abs, root); err != nil {
		return err
	}
	return os.RemoveAll(abs)
}

func checkRemovable(dir, root string) error {
	if dir == filepath.Dir(dir) {
		return fmt.Errorf("refusing to clean %s: it is the filesystem root", dir)
	}
	if root == "" {
		return nil
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	if canonical, err := filepath.EvalSymlinks(root); err == nil {
		root = canonical
	}
	target := dir
	if canonical, err := filepath.EvalSymlinks(dir); err == nil {
		target = canonical
	}
	if within(root, target) {
		return fmt.Errorf("refusing to clean %s: it contains the project root %s", dir, root)
	}
	return nil
}

// within reports whether path is dir or lies below it.
func within(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// CopyStatic copies every regular file under src into dst, keeping relative
// paths. Files whose base name or slash-separated relative path matches one
// of the ignore globs are skipped, as are directories matching them. It
// returns the relative paths copied, in walk order.
func CopyStatic(src, dst string, ignore []string) ([]string, error) {
	for _, pattern := range ignore {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return nil, fmt.Errorf("invalid ignore pattern %q: %w", pattern, err)
		}
	}
	var copied []string
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if ignored(rel, ignore) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if err := copyFile(path, filepath.Join(dst, filepath.FromSlash(rel))); err != nil {
			return err
		}
		copied = append(copied, rel)
		return nil
	})
	if err != nil {
		return copied, fmt.Errorf("failed to copy static files from %s: %w", src, err)
	}
	return copied, nil
}

func ignored(rel string, patterns []string) bool {
	base := rel[strings.LastIndex(rel, "/")+1:]
	for _, pattern := range patterns {
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
		if ok, _ := filepath.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
