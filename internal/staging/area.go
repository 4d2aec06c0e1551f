// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package staging

import (
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"strings"

	"github.com/aibor/vmrecord/internal/qemu"
)

// GuestPrefix marks arguments that refer to paths in the guest. They are
// passed through without the prefix.
const GuestPrefix = "guest:"

// Area is a host directory whose content is made available in the guest.
type Area struct {
	dir      string
	packager Packager
	files    map[string]string
}

// NewArea creates the directory, if it does not exist yet, and returns an
// [Area] for it. Existing content is kept.
func NewArea(dir string, packager Packager) (*Area, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, &Error{Op: "create area", Err: err}
	}

	// The image path is passed quoted to the monitor.
	if !qemu.MonitorQuotable(absDir) {
		return nil, &Error{Op: "create area", Err: fmt.Errorf("%w: %q", qemu.ErrUnquotablePath, absDir)}
	}

	err = os.MkdirAll(absDir, 0o755)
	if err != nil {
		return nil, &Error{Op: "create area", Err: err}
	}

	return &Area{
		dir:      absDir,
		packager: packager,
		files:    make(map[string]string),
	}, nil
}

// Dir returns the absolute path of the area. The guest mounts the image at
// the same path.
func (a *Area) Dir() string {
	return a.dir
}

// ImagePath returns the path of the image the area is packaged into.
func (a *Area) ImagePath() string {
	return a.dir + ".iso"
}

// Packager returns the [Packager] used for the area.
func (a *Area) Packager() Packager {
	return a.packager
}

// GuestPath returns the path the file at hostPath inside the area has in the
// guest once mounted.
func (a *Area) GuestPath(hostPath string) (string, error) {
	rel, err := filepath.Rel(a.dir, hostPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", &Error{
			Op:  "guest path",
			Err: fmt.Errorf("%s is not inside %s", hostPath, a.dir),
		}
	}

	return filepath.Join(a.dir, a.packager.GuestName(rel)), nil
}

// Import copies the regular file at hostPath into the area and returns its
// path in the guest. Importing the same file again only refreshes the copy.
func (a *Area) Import(hostPath string) (string, error) {
	absPath, err := filepath.Abs(hostPath)
	if err != nil {
		return "", &Error{Op: "import", Err: err}
	}

	target := filepath.Join(a.dir, filepath.Base(absPath))

	for orig, copied := range a.files {
		if copied == target && orig != absPath {
			return "", &Error{
				Op:  "import",
				Err: fmt.Errorf("%w: %s and %s", ErrNameConflict, orig, absPath),
			}
		}
	}

	if target != absPath {
		err := copyFile(target, absPath)
		if err != nil {
			return "", &Error{Op: "import", Err: err}
		}
	}

	a.files[absPath] = target

	return a.GuestPath(target)
}

// TranslateArg converts a command argument into its guest form.
//
// Arguments with [GuestPrefix] are returned without it. Arguments that name
// an existing regular file on the host are imported and replaced by the guest
// path of the copy. Anything else is returned unchanged.
func (a *Area) TranslateArg(arg string) (string, error) {
	if guestArg, found := strings.CutPrefix(arg, GuestPrefix); found {
		return guestArg, nil
	}

	info, err := os.Stat(arg)
	if err != nil || !info.Mode().IsRegular() {
		return arg, nil //nolint:nilerr
	}

	return a.Import(arg)
}

// Files returns the imported files as map from absolute host path to the path
// of the copy in the area.
func (a *Area) Files() map[string]string {
	return maps.Clone(a.files)
}

// Empty returns true if the area directory has no content.
func (a *Area) Empty() (bool, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return false, &Error{Op: "read area", Err: err}
	}

	return len(entries) == 0, nil
}

func copyFile(dst, src string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer srcFile.Close()

	info, err := srcFile.Stat()
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}

	dstFile, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("create copy: %w", err)
	}

	_, err = io.Copy(dstFile, srcFile)
	if err != nil {
		_ = dstFile.Close()
		return fmt.Errorf("copy: %w", err)
	}

	err = dstFile.Close()
	if err != nil {
		return fmt.Errorf("finalize copy: %w", err)
	}

	// Keep the mode even if the copy existed before.
	err = os.Chmod(dst, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("set mode: %w", err)
	}

	return nil
}
