//go:build !unix

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

	"github.com/caldwell/syncron/internal/registry"
)

// mapPlatformExitError has no signal/core-dump information to work with
// outside POSIX, so every non-nil *exec.ExitError maps to Exited.
func mapPlatformExitError(exitErr *exec.ExitError) registry.ExitStatus {
	return registry.Exited(int32(exitErr.ExitCode()))
}
