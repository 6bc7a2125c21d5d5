package jail

import (
	"fmt"
	"net"
	"path/filepath"
	"regexp"

	"code.cloudfoundry.org/lager/v3"

	"code.cloudfoundry.org/mjail"
	"code.cloudfoundry.org/mjail/command_runner"
	"code.cloudfoundry.org/mjail/file_tree"
	"code.cloudfoundry.org/mjail/freebsd_update"
	"code.cloudfoundry.org/mjail/hosts_file"
	"code.cloudfoundry.org/mjail/jailconf"
	"code.cloudfoundry.org/mjail/ledger"
	"code.cloudfoundry.org/mjail/network_pool"
	"code.cloudfoundry.org/mjail/pf_manager"
	"code.cloudfoundry.org/mjail/release"
)

var namePattern = regexp.MustCompile(`^[a-z]{1,16}[0-9]{0,6}$`)

// ValidateName accepts 1 to 16 lowercase letters optionally followed by up
// to 6 digits, at least 2 characters in total.
func ValidateName(name string) error {
	if len(name) < 2 || !namePattern.MatchString(name) {
		return mjail.ValidationError{
			Field: "jail name",
			Reason: fmt.Sprintf(
				"%q must be at least two characters: 1 to 16 lowercase letters optionally followed by at most 6 digits",
				name,
			),
		}
	}

	return nil
}

type DepotConfig struct {
	// InstancesPath holds one tree per jail, named after the jail.
	InstancesPath string

	Network   *net.IPNet
	Interface string

	HostSSHDConfig string
}

// Depot holds everything jails share on a host: the ledger, the base
// release, the jail network and the host files kept in sync with them.
type Depot struct {
	config DepotConfig

	ledger   *ledger.Ledger
	hosts    *hosts_file.HostsFile
	firewall pf_manager.Firewall
	release  *release.Release
	updater  *freebsd_update.Updater
	runner   command_runner.CommandRunner
	fileTree *file_tree.FileTree

	logger lager.Logger
}

func NewDepot(
	config DepotConfig,
	ledger *ledger.Ledger,
	hosts *hosts_file.HostsFile,
	firewall pf_manager.Firewall,
	release *release.Release,
	updater *freebsd_update.Updater,
	runner command_runner.CommandRunner,
	logger lager.Logger,
) *Depot {
	return &Depot{
		config: config,

		ledger:   ledger,
		hosts:    hosts,
		firewall: firewall,
		release:  release,
		updater:  updater,
		runner:   runner,
		fileTree: file_tree.New(runner),

		logger: logger,
	}
}

// Jail returns a handle on the named jail, which need not exist yet.
func (d *Depot) Jail(name string) (*Jail, error) {
	err := ValidateName(name)
	if err != nil {
		return nil, err
	}

	return &Jail{
		name:      name,
		directory: filepath.Join(d.config.InstancesPath, name),

		depot: d,

		logger: d.logger.Session("jail", lager.Data{"name": name}),
	}, nil
}

type Info struct {
	Name      string
	Release   string
	Addresses []net.IP
	Redirects []mjail.Redirect
}

// Jails lists the jails managed by mjail in ledger order. Blocks written
// by hand are left out.
func (d *Depot) Jails() ([]Info, error) {
	conf, err := d.ledger.Load()
	if err != nil {
		return nil, err
	}

	var infos []Info

	for _, block := range conf.Jails() {
		managed, _ := block.GetScalar(mjail.ManagedParam)
		if managed != mjail.ManagedValue {
			continue
		}

		info := Info{Name: block.Name, Addresses: network_pool.Addresses(block)}
		info.Release, _ = block.GetScalar(mjail.RunningReleaseParam)

		for _, param := range block.Params.Params() {
			value, ok := param.Value.Scalar()
			if !ok {
				continue
			}

			redirect, ok := mjail.ParseRedirect(param.Name, value)
			if ok {
				info.Redirects = append(info.Redirects, redirect)
			}
		}

		infos = append(infos, info)
	}

	return infos, nil
}

// CancelRedirect removes the redirect of a host port from whichever jails
// carry it, then refreshes the firewall. Cancelling a redirect that does
// not exist succeeds.
func (d *Depot) CancelRedirect(proto mjail.Protocol, hostPort uint16) error {
	param := mjail.RedirectParam(proto, hostPort)

	cLog := d.logger.Session("cancel-redirect", lager.Data{"redirect": param})

	err := d.ledger.Update(func(conf *jailconf.Conf) error {
		removed := false

		for _, block := range conf.Jails() {
			if block.Delete(param) {
				cLog.Info("removed", lager.Data{"jail": block.Name})
				removed = true
			}
		}

		if !removed {
			return ledger.ErrUnchanged
		}

		return nil
	})
	if err != nil {
		cLog.Error("failed-to-update-ledger", err)
		return err
	}

	return d.firewall.RefreshAnchor()
}
