// Package release manages the base system trees jails are cloned from.
//
// A release is built in a hidden staging directory next to its final
// location and renamed into place once it is fully extracted and patched,
// so an interrupted build never looks built.
package release

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"code.cloudfoundry.org/lager/v3"

	"code.cloudfoundry.org/mjail/command_runner"
	"code.cloudfoundry.org/mjail/file_tree"
	"code.cloudfoundry.org/mjail/freebsd_update"
)

// marker is present in every complete base tree.
const marker = "bin/echo"

type Config struct {
	// ReleasesPath is the directory holding one tree per version.
	ReleasesPath string

	// Mirror is the URL of the release distribution sets for the host
	// architecture; components are fetched from <Mirror>/<version>/.
	Mirror string

	Components []string
}

type Release struct {
	version string
	config  Config

	runner   command_runner.CommandRunner
	fileTree *file_tree.FileTree
	updater  *freebsd_update.Updater

	logger lager.Logger
}

func New(
	version string,
	config Config,
	runner command_runner.CommandRunner,
	updater *freebsd_update.Updater,
	logger lager.Logger,
) *Release {
	return &Release{
		version: version,
		config:  config,

		runner:   runner,
		fileTree: file_tree.New(runner),
		updater:  updater,

		logger: logger.Session("release", lager.Data{"version": version}),
	}
}

// CurrentRelease derives the release name of the running host from
// `uname -r`, dropping any patch level: 14.1-RELEASE-p3 is 14.1-RELEASE.
func CurrentRelease(runner command_runner.CommandRunner) (string, error) {
	uname, err := command_runner.Output(runner, exec.Command("uname", "-r"))
	if err != nil {
		return "", err
	}

	version, _, _ := strings.Cut(uname, "-")

	return version + "-RELEASE", nil
}

func (r *Release) Version() string {
	return r.version
}

func (r *Release) String() string {
	return r.version
}

func (r *Release) Directory() string {
	return filepath.Join(r.config.ReleasesPath, r.version)
}

func (r *Release) Built() bool {
	exists, err := file_tree.Exists(filepath.Join(r.Directory(), marker))
	return err == nil && exists
}

// Build fetches, extracts and patches the release. Leftovers of an earlier
// interrupted build are removed, including a release directory without the
// marker.
func (r *Release) Build() error {
	rLog := r.logger.Session("build", lager.Data{"directory": r.Directory()})

	rLog.Info("building")

	staging := filepath.Join(r.config.ReleasesPath, "."+r.version+".partial")

	err := r.fileTree.Destroy(staging)
	if err != nil {
		rLog.Error("failed-to-clean-up-staging", err)
		return err
	}

	err = os.MkdirAll(staging, 0755)
	if err != nil {
		rLog.Error("failed-to-create-staging", err)
		return err
	}

	scratch, err := os.MkdirTemp("", "mjail-release-")
	if err != nil {
		rLog.Error("failed-to-create-scratch", err)
		return err
	}

	defer os.RemoveAll(scratch)

	for _, component := range r.config.Components {
		archive := filepath.Join(scratch, component)

		rLog.Info("fetching", lager.Data{"component": component})

		err := r.runner.Run(exec.Command("fetch", r.componentURL(component), "-o", archive))
		if err != nil {
			rLog.Error("failed-to-fetch", err, lager.Data{"component": component})
			return err
		}

		err = r.runner.Run(exec.Command("tar", "xf", archive, "-C", staging))
		if err != nil {
			rLog.Error("failed-to-extract", err, lager.Data{"component": component})
			return err
		}
	}

	_, err = r.updater.Update(staging, true)
	if err != nil {
		rLog.Error("failed-to-update", err)
		return err
	}

	err = r.updater.IDS(staging)
	if err != nil {
		rLog.Error("failed-to-check-integrity", err)
		return err
	}

	err = r.fileTree.Destroy(r.Directory())
	if err != nil {
		rLog.Error("failed-to-clean-up-unfinished-release", err)
		return err
	}

	err = os.Rename(staging, r.Directory())
	if err != nil {
		rLog.Error("failed-to-move-into-place", err)
		return err
	}

	rLog.Info("built")

	return nil
}

// Update patches the built tree in place.
func (r *Release) Update(unattended bool) (freebsd_update.Outcome, error) {
	return r.updater.Update(r.Directory(), unattended)
}

func (r *Release) componentURL(component string) string {
	return fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(r.config.Mirror, "/"), r.version, component)
}
