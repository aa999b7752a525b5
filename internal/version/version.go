// SPDX-License-Identifier: MIT
package version

var (
	// Version is the worker release. Populated by the build system via
	// ldflags; the fallback tracks the current release tag.
	Version = "v0.3.2"

	// Commit is the git short hash of the build.
	Commit = "unknown"

	// Date is the build timestamp.
	Date = "unknown"
)
