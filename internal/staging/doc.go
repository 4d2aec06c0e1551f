// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package staging moves host files into the guest.
//
// Files are collected in an [Area] on the host, packaged into an ISO image by
// a [Packager] and inserted into the guest's removable media drive. The
// [Stager] mounts the image in the guest at the same path the [Area] has on
// the host, so paths of imported files are valid on both sides.
package staging
