// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package qemu manages a single emulator process and its two out-of-band
// control channels: the human monitor and the guest's serial console.
//
// Both channels are unix sockets created by the emulator in a private per
// session directory. Their appearance on the file system signals that the
// emulator is ready to be connected. A [Session] then synchronizes on the
// monitor prompt and, unless booting fresh, on the guest's shell prompt.
//
// All channel operations are synchronous. A [Session] must not be used from
// multiple goroutines.
package qemu
