package mjail

import (
	"fmt"
	"strings"
)

type ValidationError struct {
	Field  string
	Reason string
}

func (err ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", err.Field, err.Reason)
}

type AlreadyExistsError struct {
	Name string
	Path string
}

func (err AlreadyExistsError) Error() string {
	if err.Path != "" {
		return fmt.Sprintf("jail already exists: %s (%s)", err.Name, err.Path)
	}

	return fmt.Sprintf("jail already exists: %s", err.Name)
}

type AlreadyRegisteredError struct {
	Address string
	Jail    string
}

func (err AlreadyRegisteredError) Error() string {
	return fmt.Sprintf("ip4 address %s already registered to jail %s", err.Address, err.Jail)
}

type NotFoundError struct {
	Name string
}

func (err NotFoundError) Error() string {
	return fmt.Sprintf("unknown jail: %s", err.Name)
}

type UnsupportedUpgradeError struct {
	From string
	To   string
}

func (err UnsupportedUpgradeError) Error() string {
	return fmt.Sprintf(
		"cannot upgrade from %s to %s: only minor version upgrades are supported",
		err.From,
		err.To,
	)
}

// ExternalCommandError is returned for any wrapped process that exits
// non-zero. ExitStatus is -1 when the process could not be run at all.
type ExternalCommandError struct {
	Args       []string
	ExitStatus int
	Err        error
}

func (err ExternalCommandError) Error() string {
	return fmt.Sprintf("command failed (exit status %d): %s", err.ExitStatus, strings.Join(err.Args, " "))
}

func (err ExternalCommandError) Unwrap() error {
	return err.Err
}

type ResourceExhaustedError struct {
	Network string
}

func (err ResourceExhaustedError) Error() string {
	return fmt.Sprintf("no ip4 address available in %s", err.Network)
}

type IOError struct {
	Path string
	Err  error
}

func (err IOError) Error() string {
	return fmt.Sprintf("failed to replace %s: %s", err.Path, err.Err)
}

func (err IOError) Unwrap() error {
	return err.Err
}
