// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package arch describes the guest architectures recordings can be made for.
package arch

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/kballard/go-shellquote"
	"gopkg.in/yaml.v3"
)

// CacheDirVar is replaced by the image cache directory in
// [Profile.ExtraArgs].
const CacheDirVar = "CACHE_DIR"

var (
	// ErrUnknown is returned for architectures not in the [Catalog].
	ErrUnknown = errors.New("unknown architecture")

	// ErrIncomplete is returned for profiles with missing fields.
	ErrIncomplete = errors.New("incomplete architecture profile")
)

// Profile describes the emulator and guest image of an architecture.
type Profile struct {
	// Name of the architecture.
	Name string `yaml:"-"`

	// BuildDir is the emulator's directory in the emulator build tree.
	BuildDir string `yaml:"build_dir"`

	// Binary is the emulator's file name.
	Binary string `yaml:"binary"`

	// Prompt is the guest's shell prompt.
	Prompt string `yaml:"prompt"`

	// Image is the file name of the guest disk image.
	Image string `yaml:"image"`

	// Device is the emulator's name of the guest's removable media drive.
	Device string `yaml:"device"`

	// ExtraFiles are fetched along with the image.
	ExtraFiles []string `yaml:"extra_files"`

	// ExtraArgs for the emulator. May reference ${CACHE_DIR}.
	ExtraArgs string `yaml:"extra_args"`
}

// Executable returns the path of the emulator in the given build tree.
func (p Profile) Executable(buildRoot string) string {
	return filepath.Join(buildRoot, p.BuildDir, p.Binary)
}

// Files returns the image and all extra files.
func (p Profile) Files() []string {
	return append([]string{p.Image}, p.ExtraFiles...)
}

// Arguments returns the extra emulator arguments with ${CACHE_DIR} replaced.
func (p Profile) Arguments(cacheDir string) ([]string, error) {
	args, err := shellquote.Split(p.ExtraArgs)
	if err != nil {
		return nil, fmt.Errorf("extra args of %s: %w", p.Name, err)
	}

	for idx, arg := range args {
		args[idx] = os.Expand(arg, func(name string) string {
			if name == CacheDirVar {
				return cacheDir
			}

			return "${" + name + "}"
		})
	}

	return args, nil
}

func (p Profile) validate() error {
	var missing []string

	for field, value := range map[string]string{
		"build_dir": p.BuildDir,
		"binary":    p.Binary,
		"prompt":    p.Prompt,
		"image":     p.Image,
		"device":    p.Device,
	} {
		if value == "" {
			missing = append(missing, field)
		}
	}

	if len(missing) > 0 {
		slices.Sort(missing)

		return fmt.Errorf("%w: %s: missing %s",
			ErrIncomplete, p.Name, strings.Join(missing, ", "))
	}

	return nil
}

func (p Profile) merge(override Profile) Profile {
	merged := p

	for _, field := range []struct {
		dst *string
		src string
	}{
		{&merged.BuildDir, override.BuildDir},
		{&merged.Binary, override.Binary},
		{&merged.Prompt, override.Prompt},
		{&merged.Image, override.Image},
		{&merged.Device, override.Device},
		{&merged.ExtraArgs, override.ExtraArgs},
	} {
		if field.src != "" {
			*field.dst = field.src
		}
	}

	if override.ExtraFiles != nil {
		merged.ExtraFiles = slices.Clone(override.ExtraFiles)
	}

	return merged
}

// Catalog maps architecture names to their [Profile].
type Catalog map[string]Profile

// Default returns the built-in [Catalog].
func Default() Catalog {
	return Catalog{
		"i386": {
			Name:     "i386",
			BuildDir: "i386-softmmu",
			Binary:   "qemu-system-i386",
			Prompt:   "root@debian-i386:~#",
			Image:    "wheezy_panda2.qcow2",
			Device:   "ide1-cd0",
		},
		"x86_64": {
			Name:     "x86_64",
			BuildDir: "x86_64-softmmu",
			Binary:   "qemu-system-x86_64",
			Prompt:   "root@debian-amd64:~#",
			Image:    "wheezy_x64.qcow2",
			Device:   "ide1-cd0",
		},
		"ppc": {
			Name:     "ppc",
			BuildDir: "ppc-softmmu",
			Binary:   "qemu-system-ppc",
			Prompt:   "root@debian-powerpc:~#",
			Image:    "ppc_wheezy.qcow",
			Device:   "ide1-cd0",
		},
		"arm": {
			Name:     "arm",
			BuildDir: "arm-softmmu",
			Binary:   "qemu-system-arm",
			Prompt:   "root@debian-armel:~#",
			Image:    "arm_wheezy.qcow",
			Device:   "scsi0-cd2",
			ExtraFiles: []string{
				"vmlinuz-3.2.0-4-versatile",
				"initrd.img-3.2.0-4-versatile",
			},
			ExtraArgs: `-M versatilepb -append "root=/dev/sda1"` +
				` -kernel ${CACHE_DIR}/vmlinuz-3.2.0-4-versatile` +
				` -initrd ${CACHE_DIR}/initrd.img-3.2.0-4-versatile`,
		},
	}
}

// DefaultArch is used if no architecture is given.
const DefaultArch = "i386"

// Lookup returns the [Profile] with the given name.
func (c Catalog) Lookup(name string) (Profile, error) {
	profile, exists := c[name]
	if !exists {
		return Profile{}, fmt.Errorf("%w: %s (known: %s)",
			ErrUnknown, name, strings.Join(c.Names(), ", "))
	}

	profile.ExtraFiles = slices.Clone(profile.ExtraFiles)

	return profile, nil
}

// Names returns the sorted names of all architectures.
func (c Catalog) Names() []string {
	return slices.Sorted(maps.Keys(c))
}

// Merge returns a new [Catalog] with the given profiles added. Non-empty
// fields of profiles with names already in the catalog override the
// existing ones. New profiles must be complete.
func (c Catalog) Merge(overrides map[string]Profile) (Catalog, error) {
	merged := make(Catalog, len(c)+len(overrides))

	for name, profile := range c {
		profile.ExtraFiles = slices.Clone(profile.ExtraFiles)
		merged[name] = profile
	}

	for name, override := range overrides {
		override.Name = name

		if existing, exists := merged[name]; exists {
			override = existing.merge(override)
		}

		err := override.validate()
		if err != nil {
			return nil, err
		}

		merged[name] = override
	}

	return merged, nil
}

// Load reads a YAML file of profile overrides, mapping names to profiles,
// and merges it into the [Default] catalog.
func Load(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}

	var overrides map[string]Profile

	err = yaml.Unmarshal(data, &overrides)
	if err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}

	return Default().Merge(overrides)
}
