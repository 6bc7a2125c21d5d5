package command_runner

import (
	"bytes"
	"errors"
	"os/exec"
	"strings"

	"code.cloudfoundry.org/mjail"
)

type CommandRunner interface {
	Run(*exec.Cmd) error
}

type RealCommandRunner struct{}

func New() *RealCommandRunner {
	return &RealCommandRunner{}
}

// Run runs the command to completion. Any failure, including the command
// not being found, is returned as an mjail.ExternalCommandError.
func (r *RealCommandRunner) Run(cmd *exec.Cmd) error {
	err := cmd.Run()
	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return mjail.ExternalCommandError{
			Args:       cmd.Args,
			ExitStatus: exitErr.ExitCode(),
			Err:        err,
		}
	}

	return mjail.ExternalCommandError{
		Args:       cmd.Args,
		ExitStatus: -1,
		Err:        err,
	}
}

// Output runs the command and returns its trimmed stdout.
func Output(runner CommandRunner, cmd *exec.Cmd) (string, error) {
	out := new(bytes.Buffer)
	cmd.Stdout = out

	err := runner.Run(cmd)
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(out.String()), nil
}

// ExitStatus extracts the exit status from an error returned by a
// CommandRunner. ok is false when err did not come from a finished command.
func ExitStatus(err error) (int, bool) {
	var cmdErr mjail.ExternalCommandError
	if !errors.As(err, &cmdErr) || cmdErr.ExitStatus < 0 {
		return 0, false
	}

	return cmdErr.ExitStatus, true
}
