// Package freebsd_update drives freebsd-update(8) against a release or jail
// tree.
//
// In unattended mode the install step exits with status 1 both when there
// is nothing to install and on some genuine failures; freebsd-update gives
// no way to tell the two apart. Status 1 is therefore reported as
// NoPendingChanges, logged as install-status-ambiguous and counted in the
// mjail/patch_installs metric. Any other non-zero status is an error.
package freebsd_update

import (
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"code.cloudfoundry.org/lager/v3"

	"code.cloudfoundry.org/mjail"
	"code.cloudfoundry.org/mjail/command_runner"
	"code.cloudfoundry.org/mjail/metrics"
)

type Outcome int

const (
	Applied Outcome = iota
	NoPendingChanges
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return metrics.OutcomeApplied
	case NoPendingChanges:
		return metrics.OutcomeNoPendingChanges
	}

	return fmt.Sprintf("Outcome(%d)", int(o))
}

const ambiguousInstallStatus = 1

var (
	componentsLine = regexp.MustCompile(`^Components\s`)
	kernelWord     = regexp.MustCompile(`\bkernel\b`)
)

type Updater struct {
	runner     command_runner.CommandRunner
	configPath string

	logger lager.Logger
}

// New returns an Updater. configPath is the host's freebsd-update.conf,
// used as the template for jail upgrades.
func New(runner command_runner.CommandRunner, configPath string, logger lager.Logger) *Updater {
	return &Updater{
		runner:     runner,
		configPath: configPath,

		logger: logger.Session("freebsd-update"),
	}
}

// Update fetches and installs pending patches for the tree at dir.
func (u *Updater) Update(dir string, unattended bool) (Outcome, error) {
	uLog := u.logger.Session("update", lager.Data{"dir": dir, "unattended": unattended})

	if !unattended {
		err := u.runner.Run(attended(exec.Command("freebsd-update", "-b", dir, "fetch", "install")))
		if err != nil {
			uLog.Error("failed-to-update", err)
			metrics.RecordPatchInstall(metrics.OutcomeFailed)
			return 0, err
		}

		metrics.RecordPatchInstall(metrics.OutcomeApplied)

		return Applied, nil
	}

	env := unattendedEnv()

	fetch := exec.Command("freebsd-update", "-b", dir, "--not-running-from-cron", "fetch")
	fetch.Env = env

	uLog.Debug("fetching")

	err := u.runner.Run(fetch)
	if err != nil {
		uLog.Error("failed-to-fetch", err)
		return 0, err
	}

	install := exec.Command("freebsd-update", "-b", dir, "install")
	install.Env = env

	uLog.Debug("installing")

	err = u.runner.Run(install)
	if err == nil {
		metrics.RecordPatchInstall(metrics.OutcomeApplied)
		uLog.Info("installed")
		return Applied, nil
	}

	status, exited := command_runner.ExitStatus(err)
	if exited && status == ambiguousInstallStatus {
		metrics.RecordPatchInstall(metrics.OutcomeNoPendingChanges)
		uLog.Info("install-status-ambiguous", lager.Data{
			"exit-status": status,
			"assumed":     NoPendingChanges.String(),
		})

		return NoPendingChanges, nil
	}

	metrics.RecordPatchInstall(metrics.OutcomeFailed)
	uLog.Error("failed-to-install", err)

	return 0, err
}

// IDS compares the tree at dir against the release's published hashes.
func (u *Updater) IDS(dir string) error {
	return u.runner.Run(exec.Command("freebsd-update", "-b", dir, "IDS"))
}

// MinorUpgrade upgrades the userland of the jail tree at dir from the
// currently running release to another release of the same major
// version. The kernel component is never touched.
func (u *Updater) MinorUpgrade(dir, currentlyRunning, to string, unattended bool) error {
	uLog := u.logger.Session("minor-upgrade", lager.Data{
		"dir":  dir,
		"from": currentlyRunning,
		"to":   to,
	})

	if Major(currentlyRunning) != Major(to) {
		return mjail.UnsupportedUpgradeError{From: currentlyRunning, To: to}
	}

	conf, err := u.jailConfig()
	if err != nil {
		uLog.Error("failed-to-write-config", err)
		return err
	}

	defer func() {
		if err := os.Remove(conf); err != nil {
			uLog.Error("failed-to-remove-config", err)
		}
	}()

	upgrade := exec.Command(
		"freebsd-update",
		"-b", dir,
		"-f", conf,
		"-r", to,
		"upgrade", "install",
		"--currently-running", currentlyRunning,
	)

	commands := []*exec.Cmd{upgrade}

	// freebsd-update needs an install pass per stage of the upgrade.
	for i := 0; i < 2; i++ {
		commands = append(commands, exec.Command("freebsd-update", "-b", dir, "-f", conf, "install"))
	}

	for _, cmd := range commands {
		if unattended {
			cmd.Env = unattendedEnv()
		} else {
			attended(cmd)
		}

		err := u.runner.Run(cmd)
		if err != nil {
			uLog.Error("failed", err, lager.Data{"args": cmd.Args})
			return err
		}
	}

	uLog.Info("upgraded")

	return nil
}

// jailConfig writes a scratch copy of the host configuration with the
// kernel component removed and returns its path.
func (u *Updater) jailConfig() (string, error) {
	content, err := os.ReadFile(u.configPath)
	if err != nil {
		return "", err
	}

	lines := strings.SplitAfter(string(content), "\n")
	for i, line := range lines {
		if componentsLine.MatchString(line) {
			lines[i] = kernelWord.ReplaceAllString(line, "")
		}
	}

	scratch, err := os.CreateTemp("", "mjail-freebsd-update-*.conf")
	if err != nil {
		return "", err
	}

	_, err = scratch.WriteString(strings.Join(lines, ""))
	if closeErr := scratch.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		os.Remove(scratch.Name())
		return "", err
	}

	return scratch.Name(), nil
}

// Major is the major version of a release name: "14" for "14.1-RELEASE".
func Major(release string) string {
	major, _, _ := strings.Cut(release, ".")
	return major
}

func unattendedEnv() []string {
	return append(os.Environ(), "PAGER=cat")
}

func attended(cmd *exec.Cmd) *exec.Cmd {
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	return cmd
}
