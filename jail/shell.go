package jail

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"code.cloudfoundry.org/mjail"
	"code.cloudfoundry.org/mjail/command_runner/jexec_command_runner"
	"code.cloudfoundry.org/mjail/file_tree"
)

const DefaultShell = "/bin/csh"

// AvailableShells lists the shells in the jail's /etc/shells that exist in
// the jail tree.
func (j *Jail) AvailableShells() ([]string, error) {
	file, err := os.Open(filepath.Join(j.directory, "etc", "shells"))
	if err != nil {
		return nil, err
	}

	defer file.Close()

	var shells []string

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		shell := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(shell, "/") {
			continue
		}

		exists, err := file_tree.Exists(filepath.Join(j.directory, shell))
		if err != nil {
			return nil, err
		}

		if exists {
			shells = append(shells, shell)
		}
	}

	return shells, scanner.Err()
}

// Shell runs an interactive shell in the running jail. An empty shell
// means DefaultShell.
func (j *Jail) Shell(shell string) error {
	if shell == "" {
		shell = DefaultShell
	}

	shells, err := j.AvailableShells()
	if err != nil {
		return err
	}

	for _, available := range shells {
		if available == shell {
			return j.Execute(shell)
		}
	}

	return mjail.ValidationError{Field: "shell", Reason: fmt.Sprintf("no such shell: %s", shell)}
}

// Execute runs a command in the running jail attached to the caller's
// terminal.
func (j *Jail) Execute(command string, args ...string) error {
	cmd := exec.Command(command, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	return jexec_command_runner.New(j.name, j.depot.runner).Run(cmd)
}
