// Package hosts_file keeps one "<address> <jail>" line in /etc/hosts per
// addressed jail.
//
// Every rewrite holds an exclusive lock on "<hosts>.lock" so that
// concurrent mjail invocations do not drop each other's lines.
package hosts_file

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strings"

	"code.cloudfoundry.org/lager/v3"
	"github.com/moby/sys/atomicwriter"

	"code.cloudfoundry.org/mjail"
	"code.cloudfoundry.org/mjail/file_lock"
)

type HostsFile struct {
	path     string
	lockPath string

	logger lager.Logger
}

func New(path string, logger lager.Logger) *HostsFile {
	return &HostsFile{
		path:     path,
		lockPath: path + ".lock",

		logger: logger.Session("hosts-file", lager.Data{"path": path}),
	}
}

func Line(ip net.IP, name string) string {
	return fmt.Sprintf("%s %s\n", ip, name)
}

// Add appends the mapping unless the exact line is already present.
func (h *HostsFile) Add(ip net.IP, name string) error {
	return file_lock.With(h.lockPath, func() error {
		return h.add(ip, name)
	})
}

func (h *HostsFile) add(ip net.IP, name string) error {
	line := Line(ip, name)

	lines, mode, err := h.read()
	if err != nil {
		return err
	}

	for _, existing := range lines {
		if existing == line {
			h.logger.Debug("already-present", lager.Data{"line": line})
			return nil
		}
	}

	if len(lines) > 0 && !strings.HasSuffix(lines[len(lines)-1], "\n") {
		lines[len(lines)-1] += "\n"
	}

	h.logger.Info("adding", lager.Data{"ip": ip.String(), "name": name})

	return h.write(append(lines, line), mode)
}

// Remove drops every line equal to the mapping.
func (h *HostsFile) Remove(ip net.IP, name string) error {
	return file_lock.With(h.lockPath, func() error {
		return h.remove(ip, name)
	})
}

func (h *HostsFile) remove(ip net.IP, name string) error {
	line := Line(ip, name)

	lines, mode, err := h.read()
	if err != nil {
		return err
	}

	kept := lines[:0]
	for _, existing := range lines {
		if existing != line {
			kept = append(kept, existing)
		}
	}

	if len(kept) == len(lines) {
		return nil
	}

	h.logger.Info("removing", lager.Data{"ip": ip.String(), "name": name})

	return h.write(kept, mode)
}

// read returns the file split after each newline, keeping the newlines.
func (h *HostsFile) read() ([]string, os.FileMode, error) {
	info, err := os.Stat(h.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, 0644, nil
	}

	if err != nil {
		return nil, 0, err
	}

	content, err := os.ReadFile(h.path)
	if err != nil {
		return nil, 0, err
	}

	lines := strings.SplitAfter(string(content), "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	return lines, info.Mode().Perm(), nil
}

func (h *HostsFile) write(lines []string, mode os.FileMode) error {
	err := atomicwriter.WriteFile(h.path, []byte(strings.Join(lines, "")), mode)
	if err != nil {
		h.logger.Error("failed-to-write", err)
		return mjail.IOError{Path: h.path, Err: err}
	}

	return nil
}
