// Package rc_conf reads and modifies rc.conf(5) through sysrc(8).
package rc_conf

import (
	"os/exec"

	"code.cloudfoundry.org/mjail/command_runner"
)

type RCConf struct {
	// File is the rc.conf to operate on. Empty means the host's rc.conf
	// files as resolved by sysrc itself.
	File string

	runner command_runner.CommandRunner
}

func New(runner command_runner.CommandRunner) *RCConf {
	return &RCConf{runner: runner}
}

// ForFile returns an RCConf operating on a specific file, such as a jail's
// /etc/rc.conf.
func ForFile(runner command_runner.CommandRunner, file string) *RCConf {
	return &RCConf{File: file, runner: runner}
}

// Mod applies an assignment such as "sshd_enable=YES" or
// "cloned_interfaces+=lo1".
func (r *RCConf) Mod(assignment string) error {
	return r.runner.Run(exec.Command("sysrc", r.args(assignment)...))
}

// Get returns the value of variable.
func (r *RCConf) Get(variable string) (string, error) {
	return command_runner.Output(r.runner, exec.Command("sysrc", r.args("-n", variable)...))
}

func (r *RCConf) args(args ...string) []string {
	if r.File == "" {
		return args
	}

	return append([]string{"-f", r.File}, args...)
}
