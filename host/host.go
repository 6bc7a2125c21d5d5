// Package host prepares a FreeBSD host for mjail: the jail network
// interface, the jail service, the mjail directories, host-wide jail.conf
// defaults, the base release, DNS for jails and the pf anchor.
//
// Every step is safe to repeat, so Init can be re-run after a failure.
package host

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"

	"code.cloudfoundry.org/lager/v3"
	"github.com/moby/sys/atomicwriter"

	"code.cloudfoundry.org/mjail"
	"code.cloudfoundry.org/mjail/command_runner"
	"code.cloudfoundry.org/mjail/config"
	"code.cloudfoundry.org/mjail/jailconf"
	"code.cloudfoundry.org/mjail/ledger"
	"code.cloudfoundry.org/mjail/network_pool"
	"code.cloudfoundry.org/mjail/pf_manager"
	"code.cloudfoundry.org/mjail/rc_conf"
	"code.cloudfoundry.org/mjail/release"
)

// RequiredServices must be enabled in rc.conf before mjail can run.
var RequiredServices = []string{"local_unbound", "pf"}

type IncompatibleHostError struct {
	Service string
}

func (err IncompatibleHostError) Error() string {
	return fmt.Sprintf("mjail requires %s\nrun:\n    sysrc %s_enable=YES", err.Service, err.Service)
}

type Host struct {
	config config.Config

	runner   command_runner.CommandRunner
	rcConf   *rc_conf.RCConf
	ledger   *ledger.Ledger
	release  *release.Release
	firewall *pf_manager.PFManager

	logger lager.Logger
}

func New(
	config config.Config,
	runner command_runner.CommandRunner,
	ledger *ledger.Ledger,
	release *release.Release,
	firewall *pf_manager.PFManager,
	logger lager.Logger,
) *Host {
	return &Host{
		config: config,

		runner:   runner,
		rcConf:   rc_conf.New(runner),
		ledger:   ledger,
		release:  release,
		firewall: firewall,

		logger: logger.Session("host"),
	}
}

func (h *Host) CheckCompatibility() error {
	for _, service := range RequiredServices {
		enabled, err := h.rcConf.Get(service + "_enable")
		if err != nil {
			return err
		}

		if enabled != "YES" {
			return IncompatibleHostError{Service: service}
		}
	}

	return nil
}

func (h *Host) Init() error {
	iLog := h.logger.Session("init", lager.Data{"network": h.config.Network})

	err := h.CheckCompatibility()
	if err != nil {
		iLog.Error("incompatible", err)
		return err
	}

	ipNet, err := h.config.IPNet()
	if err != nil {
		return err
	}

	steps := []struct {
		action string
		run    func() error
	}{
		{"configure-interface", func() error { return h.configureInterface(ipNet) }},
		{"enable-jails", func() error { return h.rcConf.Mod("jail_enable=YES") }},
		{"create-directories", h.createDirectories},
		{"write-jail-defaults", h.writeJailDefaults},
		{"build-release", h.buildRelease},
		{"configure-dns", func() error { return h.configureDNS(ipNet) }},
		{"enable-firewall", h.firewall.Enable},
	}

	for _, step := range steps {
		iLog.Info(step.action)

		err := step.run()
		if err != nil {
			iLog.Error("failed-to-"+step.action, err)
			return err
		}
	}

	iLog.Info("initialized")

	return nil
}

// configureInterface clones the jail interface and gives it the gateway
// address, both now and at boot.
func (h *Host) configureInterface(ipNet *net.IPNet) error {
	iface := h.config.ClonedInterface
	gateway := network_pool.Gateway(ipNet).String()
	netmask := net.IP(ipNet.Mask).String()

	err := h.rcConf.Mod("cloned_interfaces+=" + iface)
	if err != nil {
		return err
	}

	err = h.runner.Run(exec.Command("service", "netif", "cloneup"))
	if err != nil {
		return err
	}

	err = h.rcConf.Mod(fmt.Sprintf("ifconfig_%s=inet %s netmask %s", iface, gateway, netmask))
	if err != nil {
		return err
	}

	return h.runner.Run(exec.Command("ifconfig", iface, "inet", gateway, "netmask", netmask))
}

func (h *Host) createDirectories() error {
	dirs := []struct {
		path string
		mode os.FileMode
	}{
		{h.config.Root, 0755},
		{h.config.InstancesPath(), 0700},
		{h.config.ReleasesPath(), 0700},
		{h.config.GeneratedConfsPath(), 0755},
	}

	for _, dir := range dirs {
		err := os.MkdirAll(dir.path, dir.mode)
		if err != nil {
			return err
		}

		err = os.Chmod(dir.path, dir.mode)
		if err != nil {
			return err
		}
	}

	return nil
}

func (h *Host) writeJailDefaults() error {
	return h.ledger.Update(func(conf *jailconf.Conf) error {
		conf.Set("exec.start", jailconf.ScalarValue("/bin/sh /etc/rc"))
		conf.Set("exec.stop", jailconf.ScalarValue("/bin/sh /etc/rc.shutdown"))
		conf.Set("exec.clean", jailconf.FlagValue())
		conf.Set("mount.devfs", jailconf.FlagValue())
		conf.Set("path", jailconf.ScalarValue(filepath.Join(h.config.InstancesPath(), "$name")))

		return nil
	})
}

func (h *Host) buildRelease() error {
	if h.release.Built() {
		return nil
	}

	return h.release.Build()
}

// configureDNS makes local_unbound answer jails on the gateway address,
// which is the nameserver of every jail.
func (h *Host) configureDNS(ipNet *net.IPNet) error {
	path := filepath.Join(h.config.UnboundConfDir, "mjail.conf")

	unboundConf := fmt.Sprintf(
		"server:\n\tinterface: %s\n\taccess-control: %s allow\n",
		network_pool.Gateway(ipNet),
		ipNet,
	)

	err := os.MkdirAll(h.config.UnboundConfDir, 0755)
	if err != nil {
		return err
	}

	err = atomicwriter.WriteFile(path, []byte(unboundConf), 0644)
	if err != nil {
		return mjail.IOError{Path: path, Err: err}
	}

	return h.runner.Run(exec.Command("service", "local_unbound", "restart"))
}
