// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package staging

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/kdomanski/iso9660"
)

const (
	iso9660DirectoryIdentifierMaxLength = 31
	iso9660FileIdentifierMaxLength      = 30
	iso9660ExtensionMaxLength           = 8
	iso9660VolumeLabelMaxLength         = 32

	// DefaultVolumeLabel is used if [ISO9660Packager.VolumeLabel] is empty.
	DefaultVolumeLabel = "VMRECORD"
)

// Allowed characters for ISO9660 D-strings, as used by the writer.
const iso9660Characters = "abcdefghijklmnopqrstuvwxyz0123456789_!\"%&'()*+,-./:;<=>?"

// ISO9660Packager creates plain ISO9660 images without external tools.
//
// Plain ISO9660 has restricted file names, so names are mangled. Use
// [ISO9660Packager.GuestName] to get the name a file has in the guest.
type ISO9660Packager struct {
	VolumeLabel string
}

// Package implements [Packager].
func (p *ISO9660Packager) Package(ctx context.Context, dir, image string) error {
	err := p.writeImage(ctx, dir, image)
	if err != nil {
		return &Error{Op: "package", Err: err}
	}

	return nil
}

func (p *ISO9660Packager) writeImage(ctx context.Context, dir, image string) error {
	writer, err := iso9660.NewWriter()
	if err != nil {
		return fmt.Errorf("create iso writer: %w", err)
	}
	defer writer.Cleanup() //nolint:errcheck

	err = writer.AddLocalDirectory(dir, "/")
	if err != nil {
		return fmt.Errorf("add directory: %w", err)
	}

	// The writer can not be interrupted, so at least do not start it late.
	err = ctx.Err()
	if err != nil {
		return err
	}

	err = os.MkdirAll(filepath.Dir(image), 0o755)
	if err != nil {
		return fmt.Errorf("ensure image directory: %w", err)
	}

	out, err := os.OpenFile(image, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create image file: %w", err)
	}

	err = writer.WriteTo(out, sanitizeVolumeLabel(p.VolumeLabel))
	if err != nil {
		return errors.Join(
			fmt.Errorf("write iso: %w", err),
			out.Close(),
			os.Remove(image),
		)
	}

	err = out.Close()
	if err != nil {
		_ = os.Remove(image)
		return fmt.Errorf("finalize iso: %w", err)
	}

	return nil
}

// GuestName implements [Packager]. It returns the mangled path the writer
// produces for the given relative path.
func (*ISO9660Packager) GuestName(rel string) string {
	segments := splitPath(rel)
	if len(segments) == 0 {
		return ""
	}

	last := len(segments) - 1
	for idx, segment := range segments[:last] {
		segments[idx] = mangleDString(segment, iso9660DirectoryIdentifierMaxLength)
	}

	segments[last] = strings.TrimSuffix(mangleFileName(segments[last]), ";1")

	return path.Join(segments...)
}

func splitPath(p string) []string {
	raw := strings.Split(filepath.ToSlash(p), "/")
	segments := make([]string, 0, len(raw))

	for _, segment := range raw {
		if segment != "" && segment != "." {
			segments = append(segments, segment)
		}
	}

	return segments
}

func mangleFileName(input string) string {
	parts := strings.Split(strings.ToLower(input), ".")

	version := "1"
	filename := parts[0]
	extension := ""

	if len(parts) > 1 {
		filename = strings.Join(parts[:len(parts)-1], "_")
		extension = parts[len(parts)-1]
	}

	extension = mangleDString(extension, iso9660ExtensionMaxLength)

	maxFilenameLen := iso9660FileIdentifierMaxLength - (1 + len(version))
	if extension != "" {
		maxFilenameLen -= 1 + len(extension)
	}

	filename = mangleDString(filename, maxFilenameLen)

	if extension != "" {
		return filename + "." + extension + ";" + version
	}

	return filename + ";" + version
}

func mangleDString(input string, maxLen int) string {
	input = strings.ToLower(input)

	var b strings.Builder

	for i := 0; i < len(input) && b.Len() < maxLen; i++ {
		if strings.IndexByte(iso9660Characters, input[i]) >= 0 {
			b.WriteByte(input[i])
		} else {
			b.WriteByte('_')
		}
	}

	return b.String()
}

func sanitizeVolumeLabel(label string) string {
	if label == "" {
		return DefaultVolumeLabel
	}

	var b strings.Builder

	for _, r := range strings.ToUpper(label) {
		if b.Len() >= iso9660VolumeLabelMaxLength {
			break
		}

		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	return b.String()
}
