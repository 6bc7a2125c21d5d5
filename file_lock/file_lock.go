// Package file_lock serializes read-modify-write cycles on shared host
// files across mjail processes with flock(2) on a companion lock file.
package file_lock

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const lockFileMode os.FileMode = 0600

type Lock struct {
	file *os.File
}

// Acquire blocks until it holds an exclusive flock(2) on path, creating the
// file if needed.
func Acquire(path string) (*Lock, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, lockFileMode)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	for {
		err = unix.Flock(int(file.Fd()), unix.LOCK_EX)
		if err != unix.EINTR {
			break
		}
	}

	if err != nil {
		file.Close()
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}

	return &Lock{file: file}, nil
}

func (l *Lock) Release() error {
	defer l.file.Close()

	return unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
}

// With runs fn while holding the lock on path.
func With(path string, fn func() error) (err error) {
	lock, err := Acquire(path)
	if err != nil {
		return err
	}

	defer func() {
		releaseErr := lock.Release()
		if err == nil {
			err = releaseErr
		}
	}()

	return fn()
}
