//go:build unix

// Syncron is a supervisor and archive for externally-triggered command runs.
// Copyright (C) 2026  David Caldwell
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package supervisor

import (
	"os/exec"
	"syscall"

	"github.com/caldwell/syncron/internal/registry"
)

// mapPlatformExitError resolves the Signal/CoreDump rows of §4.8's table
// using the POSIX wait status the runtime exposes via syscall.WaitStatus.
func mapPlatformExitError(exitErr *exec.ExitError) registry.ExitStatus {
	ws, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return registry.Exited(int32(exitErr.ExitCode()))
	}
	if ws.Signaled() {
		sig := int32(ws.Signal())
		if ws.CoreDump() {
			return registry.CoreDump(sig)
		}
		return registry.Signal(sig)
	}
	return registry.Exited(int32(ws.ExitStatus()))
}
