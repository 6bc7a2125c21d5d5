// Package jail implements the lifecycle of a single jail: creation from
// the base release, addressing, redirects, start/stop, upgrades and
// deletion.
//
// No operation rolls back after its first side effect. Each one checks the
// state it depends on before acting, so a failed operation can be re-run.
package jail

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"

	"code.cloudfoundry.org/lager/v3"

	"code.cloudfoundry.org/mjail"
	"code.cloudfoundry.org/mjail/file_tree"
	"code.cloudfoundry.org/mjail/jailconf"
	"code.cloudfoundry.org/mjail/ledger"
	"code.cloudfoundry.org/mjail/network_pool"
)

type Jail struct {
	name      string
	directory string

	depot *Depot

	logger lager.Logger
}

func (j *Jail) Name() string {
	return j.name
}

func (j *Jail) Directory() string {
	return j.directory
}

// Create clones the base release, building it first if needed, and adds
// the jail to the ledger. Both the tree and the ledger block are checked
// before anything is copied.
func (j *Jail) Create() error {
	cLog := j.logger.Session("create", lager.Data{"directory": j.directory})

	rel := j.depot.release

	if !rel.Built() {
		cLog.Info("building-release", lager.Data{"release": rel.Version()})

		err := rel.Build()
		if err != nil {
			cLog.Error("failed-to-build-release", err)
			return err
		}
	}

	exists, err := file_tree.Exists(j.directory)
	if err != nil {
		return err
	}

	if exists {
		return mjail.AlreadyExistsError{Name: j.name, Path: j.directory}
	}

	conf, err := j.depot.ledger.Load()
	if err != nil {
		cLog.Error("failed-to-load-ledger", err)
		return err
	}

	if conf.HasJail(j.name) {
		return mjail.AlreadyExistsError{Name: j.name}
	}

	cLog.Info("cloning", lager.Data{"release": rel.Version()})

	err = j.depot.fileTree.Clone(rel.Directory(), j.directory)
	if err != nil {
		cLog.Error("failed-to-clone", err)
		return err
	}

	resolvConf := filepath.Join(j.directory, "etc", "resolv.conf")
	nameserver := fmt.Sprintf("nameserver %s\n", network_pool.Gateway(j.depot.config.Network))

	err = os.WriteFile(resolvConf, []byte(nameserver), 0644)
	if err != nil {
		cLog.Error("failed-to-write-resolv-conf", err)
		return err
	}

	err = j.depot.ledger.Update(func(conf *jailconf.Conf) error {
		return conf.AddJail(jailconf.NewBlock(
			j.name,
			jailconf.Param{Name: mjail.ManagedParam, Value: jailconf.ScalarValue(mjail.ManagedValue)},
			jailconf.Param{Name: mjail.RunningReleaseParam, Value: jailconf.ScalarValue(rel.Version())},
			jailconf.Param{Name: mjail.HostnameParam, Value: jailconf.ScalarValue(j.name)},
		))
	})
	if err != nil {
		cLog.Error("failed-to-add-to-ledger", err)
		return err
	}

	cLog.Info("created")

	return nil
}

// SetIP4 gives the jail ip. The address must be a host address of the jail
// network other than the gateway, and must not be listed by any jail,
// including this one.
func (j *Jail) SetIP4(ip net.IP) error {
	if ip.To4() == nil {
		return mjail.ValidationError{Field: "ip4 address", Reason: fmt.Sprintf("%q is not an IPv4 address", ip)}
	}

	_, err := j.setIP4(func(*jailconf.Conf) (net.IP, error) {
		return ip.To4(), nil
	})

	return err
}

// AssignIP4 gives the jail the lowest free address of the jail network.
func (j *Jail) AssignIP4() (net.IP, error) {
	return j.setIP4(func(conf *jailconf.Conf) (net.IP, error) {
		ip, ok := network_pool.AvailableAddress(conf, j.depot.config.Network)
		if !ok {
			return nil, mjail.ResourceExhaustedError{Network: j.depot.config.Network.String()}
		}

		return ip, nil
	})
}

// setIP4 picks and records the address within a single ledger update, so
// that concurrent assignments cannot pick the same address.
func (j *Jail) setIP4(pick func(*jailconf.Conf) (net.IP, error)) (net.IP, error) {
	sLog := j.logger.Session("set-ip4")

	var (
		ip       net.IP
		previous []net.IP
	)

	err := j.depot.ledger.Update(func(conf *jailconf.Conf) error {
		block, err := conf.Jail(j.name)
		if err != nil {
			return err
		}

		ip, err = pick(conf)
		if err != nil {
			return err
		}

		network := j.depot.config.Network

		if !network.Contains(ip) {
			return mjail.ValidationError{
				Field:  "ip4 address",
				Reason: fmt.Sprintf("%s is outside the jail network %s", ip, network),
			}
		}

		if ip.Equal(network_pool.Gateway(network)) {
			return mjail.ValidationError{
				Field:  "ip4 address",
				Reason: fmt.Sprintf("%s is the gateway of the jail network", ip),
			}
		}

		owner, taken := network_pool.Owner(conf, ip)
		if taken {
			return mjail.AlreadyRegisteredError{Address: ip.String(), Jail: owner}
		}

		previous = network_pool.Addresses(block)

		block.Set(mjail.InterfaceParam, jailconf.ScalarValue(j.depot.config.Interface))
		block.Set(mjail.IP4AddrParam, jailconf.ScalarValue(ip.String()))

		return nil
	})
	if err != nil {
		sLog.Error("failed-to-update-ledger", err)
		return nil, err
	}

	sLog.Info("assigned", lager.Data{"ip": ip.String()})

	err = j.depot.firewall.RefreshAnchor()
	if err != nil {
		sLog.Error("failed-to-refresh-firewall", err)
		return nil, err
	}

	for _, old := range previous {
		err := j.depot.hosts.Remove(old, j.name)
		if err != nil {
			sLog.Error("failed-to-remove-previous-host", err)
			return nil, err
		}
	}

	err = j.depot.hosts.Add(ip, j.name)
	if err != nil {
		sLog.Error("failed-to-add-host", err)
		return nil, err
	}

	return ip, nil
}

func (j *Jail) Start() error {
	return j.depot.runner.Run(exec.Command("service", "jail", "start", j.name))
}

func (j *Jail) Stop() error {
	return j.depot.runner.Run(exec.Command("service", "jail", "stop", j.name))
}

// AddRedirect forwards hostPort on the external interface to jailPort in
// the jail. A host port can only be redirected to one jail at a time.
func (j *Jail) AddRedirect(proto mjail.Protocol, hostPort, jailPort uint16) error {
	redirect := mjail.Redirect{Protocol: proto, HostPort: hostPort, JailPort: jailPort}

	rLog := j.logger.Session("add-redirect", lager.Data{
		"redirect": redirect.Param(),
		"to":       jailPort,
	})

	if _, err := mjail.ParseProtocol(string(proto)); err != nil {
		return err
	}

	if hostPort == 0 || jailPort == 0 {
		return mjail.ValidationError{Field: "port", Reason: "ports must be between 1 and 65535"}
	}

	err := j.depot.ledger.Update(func(conf *jailconf.Conf) error {
		block, err := conf.Jail(j.name)
		if err != nil {
			return err
		}

		for _, other := range conf.Jails() {
			if other.Name == j.name {
				continue
			}

			if _, found := other.Get(redirect.Param()); found {
				return mjail.ValidationError{
					Field:  "host port",
					Reason: fmt.Sprintf("%s %d is already redirected to jail %s", proto, hostPort, other.Name),
				}
			}
		}

		block.Set(redirect.Param(), jailconf.ScalarValue(redirect.Value()))

		return nil
	})
	if err != nil {
		rLog.Error("failed-to-update-ledger", err)
		return err
	}

	return j.depot.firewall.RefreshAnchor()
}

// Delete stops the jail and removes its ledger block, hosts entries and
// tree, whichever of them exist. The firewall is refreshed even when
// nothing was left to remove.
func (j *Jail) Delete() error {
	dLog := j.logger.Session("delete")

	err := j.Stop()
	if err != nil {
		dLog.Info("failed-to-stop", lager.Data{"error": err.Error()})
	}

	var addresses []net.IP

	err = j.depot.ledger.Update(func(conf *jailconf.Conf) error {
		block, err := conf.Jail(j.name)
		if err != nil {
			var notFound mjail.NotFoundError
			if errors.As(err, &notFound) {
				return ledger.ErrUnchanged
			}

			return err
		}

		addresses = network_pool.Addresses(block)
		conf.RemoveJail(j.name)

		return nil
	})
	if err != nil {
		dLog.Error("failed-to-update-ledger", err)
		return err
	}

	for _, ip := range addresses {
		err := j.depot.hosts.Remove(ip, j.name)
		if err != nil {
			dLog.Error("failed-to-remove-host", err)
			return err
		}
	}

	err = j.depot.fileTree.Destroy(j.directory)
	if err != nil {
		dLog.Error("failed-to-destroy-tree", err)
		return err
	}

	err = j.depot.firewall.RefreshAnchor()
	if err != nil {
		dLog.Error("failed-to-refresh-firewall", err)
		return err
	}

	dLog.Info("deleted")

	return nil
}
