package fake_command_runner

import (
	"os/exec"
	"reflect"
	"sync"
)

type FakeCommandRunner struct {
	ExecutedCommands []*exec.Cmd

	commandCallbacks []commandCallback

	sync.Mutex
}

type CommandSpec struct {
	Path string
	Args []string
	Env  []string
}

type commandCallback struct {
	spec     CommandSpec
	callback func(*exec.Cmd) error
}

func (s CommandSpec) Matches(cmd *exec.Cmd) bool {
	if s.Path != "" && s.Path != cmd.Path {
		return false
	}

	if len(s.Args) > 0 && !reflect.DeepEqual(s.Args, cmd.Args[1:]) {
		return false
	}

	if len(s.Env) > 0 && !reflect.DeepEqual(s.Env, cmd.Env) {
		return false
	}

	return true
}

func New() *FakeCommandRunner {
	return &FakeCommandRunner{}
}

func (r *FakeCommandRunner) Run(cmd *exec.Cmd) error {
	r.Lock()
	r.ExecutedCommands = append(r.ExecutedCommands, cmd)
	callbacks := r.commandCallbacks
	r.Unlock()

	for _, cc := range callbacks {
		if cc.spec.Matches(cmd) {
			return cc.callback(cmd)
		}
	}

	return nil
}

// WhenRunning registers a callback for commands matching spec. The first
// registered matching spec wins.
func (r *FakeCommandRunner) WhenRunning(spec CommandSpec, callback func(*exec.Cmd) error) {
	r.Lock()
	defer r.Unlock()

	r.commandCallbacks = append(r.commandCallbacks, commandCallback{spec, callback})
}

// Executed returns the argv of every command run so far.
func (r *FakeCommandRunner) Executed() [][]string {
	r.Lock()
	defer r.Unlock()

	executed := make([][]string, 0, len(r.ExecutedCommands))
	for _, cmd := range r.ExecutedCommands {
		executed = append(executed, cmd.Args)
	}

	return executed
}
