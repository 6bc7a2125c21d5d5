// Package sshd_conf edits sshd_config(5) files.
//
// Keywords are case-insensitive and the first occurrence of a keyword
// wins, as in sshd itself. Comments and unrelated lines are preserved.
package sshd_conf

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/moby/sys/atomicwriter"

	"code.cloudfoundry.org/mjail"
)

type SSHDConf struct {
	path  string
	lines []string
}

// Load reads the file at path. A missing file is an empty configuration.
func Load(path string) (*SSHDConf, error) {
	conf := &SSHDConf{path: path}

	content, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return conf, nil
	}

	if err != nil {
		return nil, err
	}

	if len(content) > 0 {
		conf.lines = strings.Split(strings.TrimSuffix(string(content), "\n"), "\n")
	}

	return conf, nil
}

// Get returns the value of the first active occurrence of option in the
// global section, or def.
func (c *SSHDConf) Get(option, def string) string {
	for _, line := range c.lines[:c.globalEnd()] {
		keyword, value, ok := parse(line)
		if ok && strings.EqualFold(keyword, option) {
			return value
		}
	}

	return def
}

// SetOption rewrites the first active occurrence of option in the global
// section and drops any later ones there, or adds the option at the end of
// the global section. Match blocks are left alone.
func (c *SSHDConf) SetOption(option, value string) {
	setting := option + " " + value

	global := c.lines[:c.globalEnd()]
	rest := c.lines[len(global):]

	found := false
	lines := make([]string, 0, len(c.lines)+1)

	for _, line := range global {
		keyword, _, ok := parse(line)
		if ok && strings.EqualFold(keyword, option) {
			if found {
				continue
			}

			found = true
			line = setting
		}

		lines = append(lines, line)
	}

	if !found {
		lines = append(lines, setting)
	}

	c.lines = append(lines, rest...)
}

// globalEnd is the index of the first active Match line, or the number of
// lines when there is none.
func (c *SSHDConf) globalEnd() int {
	for i, line := range c.lines {
		keyword, _, ok := parse(line)
		if ok && strings.EqualFold(keyword, "Match") {
			return i
		}
	}

	return len(c.lines)
}

// Overwrite replaces the file it was loaded from.
func (c *SSHDConf) Overwrite() error {
	content := strings.Join(c.lines, "\n") + "\n"

	err := atomicwriter.WriteFile(c.path, []byte(content), 0644)
	if err != nil {
		return mjail.IOError{Path: c.path, Err: err}
	}

	return nil
}

// parse splits an active line into keyword and value.
func parse(line string) (string, string, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}

	fields := strings.FieldsFunc(line, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '='
	})

	if len(fields) == 0 {
		return "", "", false
	}

	return fields[0], strings.Join(fields[1:], " "), true
}
