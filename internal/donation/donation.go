// Package donation collects the file descriptors a host process hands
// down to a freshly-forked monitor child, the way
// runsc/sandbox.go's donation.Agency collects the log, profile, and
// control-socket FDs it hands to the sandbox process it execs.
//
// Donated files become the child's os.ExtraFiles in donation order,
// starting at fd 3 (0, 1, and 2 are stdio). The child and parent must
// agree on that order out of band; cmd/bcdmonitor and bcd.go do so via
// the constants in internal/pipe.
package donation

import (
	"os"
	"os/exec"
)

// Agency accumulates files to donate to a child process.
type Agency struct {
	files []*os.File
}

// Donate adds f to the set of files that will become the child's
// ExtraFiles, in call order.
func (a *Agency) Donate(f *os.File) {
	a.files = append(a.files, f)
}

// Transfer appends every donated file to cmd.ExtraFiles and returns the
// fd number (in the child's fd table) that the *next* donated file
// would receive, mirroring runsc's Agency.Transfer bookkeeping so
// callers can keep donating across multiple Transfer-adjacent steps if
// needed.
func (a *Agency) Transfer(cmd *exec.Cmd, nextFD int) int {
	cmd.ExtraFiles = append(cmd.ExtraFiles, a.files...)
	return nextFD + len(a.files)
}

// Close closes every donated file. The parent calls this once the
// child has started: the child's fork-duplicated copies stay open in
// its own fd table regardless of what the parent does with its copies.
func (a *Agency) Close() {
	for _, f := range a.files {
		_ = f.Close()
	}
	a.files = nil
}
