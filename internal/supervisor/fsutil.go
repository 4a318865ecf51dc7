package supervisor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// uniqueDestination picks a non-colliding path under dir for name, adding
// a " (n)" suffix before the extension when needed.
func uniqueDestination(dir, name string) (string, string, error) {
	if name == "" {
		name = "download"
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	candidate := name
	for n := 1; ; n++ {
		path := filepath.Join(dir, candidate)
		if _, err := os.Lstat(path); errors.Is(err, os.ErrNotExist) {
			return path, candidate, nil
		} else if err != nil {
			return "", "", err
		}
		if n > 1000 {
			return "", "", fmt.Errorf("no free name for %q in %s", name, dir)
		}
		candidate = fmt.Sprintf("%s (%d)%s", stem, n, ext)
	}
}

// moveFile renames src to dst, falling back to copy-fsync-rename when the
// two sit on different filesystems.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !isCrossDevice(err) {
		return err
	}
	return copyThenRename(src, dst)
}

func copyThenRename(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".part"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err = io.Copy(out, in); err == nil {
		err = out.Sync()
	}
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Remove(src)
}

func isCrossDevice(err error) bool {
	return errors.Is(err, syscall.EXDEV)
}

func isNoSpace(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}
