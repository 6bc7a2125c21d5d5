// Package file_tree copies and removes whole jail and release trees.
//
// Trees contain files carrying BSD file flags, device nodes and hard
// links, so both operations shell out to the base system tools rather than
// walking the tree in-process.
package file_tree

import (
	"errors"
	"io/fs"
	"os"
	"os/exec"

	"code.cloudfoundry.org/mjail/command_runner"
)

type FileTree struct {
	runner command_runner.CommandRunner
}

func New(runner command_runner.CommandRunner) *FileTree {
	return &FileTree{runner: runner}
}

// Clone copies src to dst, which must not exist yet.
func (t *FileTree) Clone(src, dst string) error {
	return t.runner.Run(exec.Command("cp", "-a", src, dst))
}

// Destroy clears the schg flag recursively and removes dir. Removing a
// tree that does not exist succeeds without running anything.
func (t *FileTree) Destroy(dir string) error {
	exists, err := Exists(dir)
	if err != nil {
		return err
	}

	if !exists {
		return nil
	}

	err = t.runner.Run(exec.Command("chflags", "-R", "noschg", dir))
	if err != nil {
		return err
	}

	return t.runner.Run(exec.Command("rm", "-rf", dir))
}

func Exists(path string) (bool, error) {
	_, err := os.Lstat(path)
	if err == nil {
		return true, nil
	}

	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}

	return false, err
}
