package main

import (
	"fmt"
	"io"

	"code.cloudfoundry.org/lager/v3"

	"code.cloudfoundry.org/mjail/command_runner"
	"code.cloudfoundry.org/mjail/config"
	"code.cloudfoundry.org/mjail/freebsd_update"
	"code.cloudfoundry.org/mjail/host"
	"code.cloudfoundry.org/mjail/hosts_file"
	"code.cloudfoundry.org/mjail/jail"
	"code.cloudfoundry.org/mjail/ledger"
	"code.cloudfoundry.org/mjail/pf_manager"
	"code.cloudfoundry.org/mjail/release"
)

func parseLogLevel(level string) (lager.LogLevel, error) {
	switch level {
	case "debug":
		return lager.DEBUG, nil
	case "info":
		return lager.INFO, nil
	case "error":
		return lager.ERROR, nil
	case "fatal":
		return lager.FATAL, nil
	}

	return 0, fmt.Errorf("unknown log level %q: expected debug, info, error or fatal", level)
}

func newLogger(out io.Writer, level lager.LogLevel) lager.Logger {
	logger := lager.NewLogger("mjail")
	logger.RegisterSink(lager.NewWriterSink(out, level))

	return logger
}

// environment wires the components of one mjail invocation.
type environment struct {
	config config.Config
	logger lager.Logger

	runner   command_runner.CommandRunner
	ledger   *ledger.Ledger
	hosts    *hosts_file.HostsFile
	firewall *pf_manager.PFManager
	updater  *freebsd_update.Updater
}

func newEnvironment(conf config.Config, runner command_runner.CommandRunner, logger lager.Logger) (*environment, error) {
	ipNet, err := conf.IPNet()
	if err != nil {
		return nil, err
	}

	store := ledger.New(conf.JailConf, logger)

	return &environment{
		config: conf,
		logger: logger,

		runner: runner,
		ledger: store,
		hosts:  hosts_file.New(conf.Hosts, logger),
		firewall: pf_manager.New(
			pf_manager.Config{
				Anchor:            conf.PFAnchor,
				AnchorFile:        conf.AnchorFile(),
				PFConf:            conf.PFConf,
				ExternalInterface: conf.ExternalInterface,
				Network:           ipNet,
			},
			store,
			runner,
			logger,
		),
		updater: freebsd_update.New(runner, conf.FreeBSDUpdateConfig, logger),
	}, nil
}

// release returns the named release, or the one matching the host when
// version is empty.
func (e *environment) release(version string) (*release.Release, error) {
	if version == "" {
		current, err := release.CurrentRelease(e.runner)
		if err != nil {
			return nil, err
		}

		version = current
	}

	return release.New(
		version,
		release.Config{
			ReleasesPath: e.config.ReleasesPath(),
			Mirror:       e.config.ReleaseMirror,
			Components:   e.config.ReleaseComponents,
		},
		e.runner,
		e.updater,
		e.logger,
	), nil
}

func (e *environment) depot() (*jail.Depot, error) {
	rel, err := e.release("")
	if err != nil {
		return nil, err
	}

	ipNet, err := e.config.IPNet()
	if err != nil {
		return nil, err
	}

	return jail.NewDepot(
		jail.DepotConfig{
			InstancesPath:  e.config.InstancesPath(),
			Network:        ipNet,
			Interface:      e.config.ClonedInterface,
			HostSSHDConfig: e.config.HostSSHDConfig,
		},
		e.ledger,
		e.hosts,
		e.firewall,
		rel,
		e.updater,
		e.runner,
		e.logger,
	), nil
}

func (e *environment) jail(name string) (*jail.Jail, error) {
	err := jail.ValidateName(name)
	if err != nil {
		return nil, err
	}

	depot, err := e.depot()
	if err != nil {
		return nil, err
	}

	return depot.Jail(name)
}

func (e *environment) host() (*host.Host, error) {
	rel, err := e.release("")
	if err != nil {
		return nil, err
	}

	return host.New(e.config, e.runner, e.ledger, rel, e.firewall, e.logger), nil
}
