// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package arch_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aibor/vmrecord/internal/arch"
)

func TestDefault(t *testing.T) {
	catalog := arch.Default()

	assert.Equal(t, []string{"arm", "i386", "ppc", "x86_64"}, catalog.Names())

	tests := []struct {
		name       string
		executable string
		prompt     string
		image      string
		device     string
	}{
		{
			name:       "i386",
			executable: "/panda/build/i386-softmmu/qemu-system-i386",
			prompt:     "root@debian-i386:~#",
			image:      "wheezy_panda2.qcow2",
			device:     "ide1-cd0",
		},
		{
			name:       "x86_64",
			executable: "/panda/build/x86_64-softmmu/qemu-system-x86_64",
			prompt:     "root@debian-amd64:~#",
			image:      "wheezy_x64.qcow2",
			device:     "ide1-cd0",
		},
		{
			name:       "ppc",
			executable: "/panda/build/ppc-softmmu/qemu-system-ppc",
			prompt:     "root@debian-powerpc:~#",
			image:      "ppc_wheezy.qcow",
			device:     "ide1-cd0",
		},
		{
			name:       "arm",
			executable: "/panda/build/arm-softmmu/qemu-system-arm",
			prompt:     "root@debian-armel:~#",
			image:      "arm_wheezy.qcow",
			device:     "scsi0-cd2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			profile, err := catalog.Lookup(tt.name)
			require.NoError(t, err)

			assert.Equal(t, tt.name, profile.Name)
			assert.Equal(t, tt.executable, profile.Executable("/panda/build"))
			assert.Equal(t, tt.prompt, profile.Prompt)
			assert.Equal(t, tt.image, profile.Image)
			assert.Equal(t, tt.device, profile.Device)
		})
	}
}

func TestLookupUnknown(t *testing.T) {
	_, err := arch.Default().Lookup("mips")
	require.ErrorIs(t, err, arch.ErrUnknown)
	assert.ErrorContains(t, err, "arm, i386, ppc, x86_64")
}

func TestLookupImmutable(t *testing.T) {
	catalog := arch.Default()

	profile, err := catalog.Lookup("arm")
	require.NoError(t, err)

	profile.ExtraFiles[0] = "changed"

	again, err := catalog.Lookup("arm")
	require.NoError(t, err)
	assert.Equal(t, "vmlinuz-3.2.0-4-versatile", again.ExtraFiles[0])
}

func TestProfileArguments(t *testing.T) {
	profile, err := arch.Default().Lookup("arm")
	require.NoError(t, err)

	args, err := profile.Arguments("/home/u/my cache")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"-M", "versatilepb",
		"-append", "root=/dev/sda1",
		"-kernel", "/home/u/my cache/vmlinuz-3.2.0-4-versatile",
		"-initrd", "/home/u/my cache/initrd.img-3.2.0-4-versatile",
	}, args)

	assert.Equal(t, []string{
		"arm_wheezy.qcow",
		"vmlinuz-3.2.0-4-versatile",
		"initrd.img-3.2.0-4-versatile",
	}, profile.Files())

	i386, err := arch.Default().Lookup("i386")
	require.NoError(t, err)

	args, err = i386.Arguments("/cache")
	require.NoError(t, err)
	assert.Empty(t, args)

	broken := arch.Profile{Name: "x", ExtraArgs: `-append "unterminated`}
	_, err = broken.Arguments("/cache")
	require.Error(t, err)
}

func TestMerge(t *testing.T) {
	merged, err := arch.Default().Merge(map[string]arch.Profile{
		"i386": {Image: "custom.qcow2"},
		"mips": {
			BuildDir: "mips-softmmu",
			Binary:   "qemu-system-mips",
			Prompt:   "root@debian-mips:~#",
			Image:    "mips_wheezy.qcow",
			Device:   "ide1-cd0",
		},
	})
	require.NoError(t, err)

	i386, err := merged.Lookup("i386")
	require.NoError(t, err)
	assert.Equal(t, "custom.qcow2", i386.Image)
	assert.Equal(t, "root@debian-i386:~#", i386.Prompt, "other fields kept")

	mips, err := merged.Lookup("mips")
	require.NoError(t, err)
	assert.Equal(t, "mips", mips.Name)

	original, err := arch.Default().Lookup("i386")
	require.NoError(t, err)
	assert.Equal(t, "wheezy_panda2.qcow2", original.Image)

	_, err = arch.Default().Merge(map[string]arch.Profile{
		"mips": {Binary: "qemu-system-mips"},
	})
	require.ErrorIs(t, err, arch.ErrIncomplete)
	assert.ErrorContains(t, err, "missing build_dir, device, image, prompt")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
x86_64:
  prompt: "root@custom:~#"
arm:
  extra_files: []
  extra_args: "-M virt"
`), 0o600))

	catalog, err := arch.Load(path)
	require.NoError(t, err)

	x86, err := catalog.Lookup("x86_64")
	require.NoError(t, err)
	assert.Equal(t, "root@custom:~#", x86.Prompt)

	arm, err := catalog.Lookup("arm")
	require.NoError(t, err)
	assert.Empty(t, arm.ExtraFiles)
	assert.Equal(t, "-M virt", arm.ExtraArgs)

	_, err = arch.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, os.WriteFile(path, []byte("arm: [1, 2"), 0o600))
	_, err = arch.Load(path)
	require.Error(t, err)
}
