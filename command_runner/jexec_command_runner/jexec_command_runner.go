package jexec_command_runner

import (
	"os/exec"

	"code.cloudfoundry.org/mjail/command_runner"
)

// JexecCommandRunner runs commands inside a running jail by wrapping them
// with jexec(8).
type JexecCommandRunner struct {
	jail string

	runner command_runner.CommandRunner
}

func New(jail string, runner command_runner.CommandRunner) *JexecCommandRunner {
	return &JexecCommandRunner{
		jail: jail,

		runner: runner,
	}
}

func (r *JexecCommandRunner) Run(cmd *exec.Cmd) error {
	return r.runner.Run(r.wrap(cmd))
}

// wrap uses the command's argv rather than its resolved Path, since the
// binary is looked up inside the jail, not on the host.
func (r *JexecCommandRunner) wrap(cmd *exec.Cmd) *exec.Cmd {
	jexecArgs := append([]string{r.jail}, cmd.Args...)

	wrapped := exec.Command("jexec", jexecArgs...)

	wrapped.Env = cmd.Env
	wrapped.Dir = cmd.Dir
	wrapped.Stdin = cmd.Stdin
	wrapped.Stdout = cmd.Stdout
	wrapped.Stderr = cmd.Stderr

	return wrapped
}
