// Package pf_manager keeps a pf(4) anchor in sync with the ledger.
//
// The anchor holds one NAT rule for the jail network and one rdr rule per
// redirect recorded in the ledger. It is regenerated from scratch and
// reloaded on every refresh; pf.conf only needs to hook it once.
package pf_manager

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"os/exec"
	"strings"

	"code.cloudfoundry.org/lager/v3"
	"github.com/moby/sys/atomicwriter"

	"code.cloudfoundry.org/mjail"
	"code.cloudfoundry.org/mjail/command_runner"
	"code.cloudfoundry.org/mjail/jailconf"
	"code.cloudfoundry.org/mjail/network_pool"
)

type Firewall interface {
	RefreshAnchor() error
}

type LedgerLoader interface {
	Load() (*jailconf.Conf, error)
}

type Config struct {
	Anchor            string
	AnchorFile        string
	PFConf            string
	ExternalInterface string
	Network           *net.IPNet
}

type PFManager struct {
	config Config

	ledger LedgerLoader
	runner command_runner.CommandRunner

	logger lager.Logger
}

func New(config Config, ledger LedgerLoader, runner command_runner.CommandRunner, logger lager.Logger) *PFManager {
	return &PFManager{
		config: config,

		ledger: ledger,
		runner: runner,

		logger: logger.Session("pf", lager.Data{"anchor": config.Anchor}),
	}
}

// RefreshAnchor regenerates the anchor from the current ledger and loads
// it into pf.
func (m *PFManager) RefreshAnchor() error {
	rLog := m.logger.Session("refresh-anchor")

	conf, err := m.ledger.Load()
	if err != nil {
		rLog.Error("failed-to-load-ledger", err)
		return err
	}

	err = atomicwriter.WriteFile(m.config.AnchorFile, m.Rules(conf), 0644)
	if err != nil {
		rLog.Error("failed-to-write-anchor", err)
		return mjail.IOError{Path: m.config.AnchorFile, Err: err}
	}

	err = m.runner.Run(exec.Command("pfctl", "-a", m.config.Anchor, "-f", m.config.AnchorFile))
	if err != nil {
		rLog.Error("failed-to-load-anchor", err)
		return err
	}

	rLog.Debug("refreshed")

	return nil
}

// Rules renders the anchor for a ledger. Redirects of jails without an
// address are skipped.
func (m *PFManager) Rules(conf *jailconf.Conf) []byte {
	ext := m.config.ExternalInterface

	rules := new(bytes.Buffer)
	fmt.Fprintf(rules, "nat on %s from %s to any -> (%s)\n", ext, m.config.Network, ext)

	for _, block := range conf.Jails() {
		addresses := network_pool.Addresses(block)

		for _, param := range block.Params.Params() {
			value, ok := param.Value.Scalar()
			if !ok {
				continue
			}

			redirect, ok := mjail.ParseRedirect(param.Name, value)
			if !ok {
				continue
			}

			if len(addresses) == 0 {
				m.logger.Info("skipping-redirect-without-address", lager.Data{
					"jail":     block.Name,
					"redirect": param.Name,
				})
				continue
			}

			fmt.Fprintf(
				rules,
				"rdr pass on %s proto %s from any to (%s) port %d -> %s port %d\n",
				ext,
				redirect.Protocol,
				ext,
				redirect.HostPort,
				addresses[0],
				redirect.JailPort,
			)
		}
	}

	return rules.Bytes()
}

// Enable hooks the anchor into pf.conf, reloads the main ruleset and
// refreshes the anchor. Hooks already present are left alone.
func (m *PFManager) Enable() error {
	eLog := m.logger.Session("enable", lager.Data{"pf-conf": m.config.PFConf})

	content, err := os.ReadFile(m.config.PFConf)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		eLog.Error("failed-to-read", err)
		return err
	}

	hooked, changed := m.hook(string(content))
	if changed {
		err := atomicwriter.WriteFile(m.config.PFConf, []byte(hooked), 0644)
		if err != nil {
			eLog.Error("failed-to-write", err)
			return mjail.IOError{Path: m.config.PFConf, Err: err}
		}

		eLog.Info("hooked-anchor")
	}

	err = m.runner.Run(exec.Command("pfctl", "-f", m.config.PFConf))
	if err != nil {
		eLog.Error("failed-to-load", err)
		return err
	}

	return m.RefreshAnchor()
}

// hook inserts the translation anchors before the first translation or
// filter rule, which is where pf expects them.
func (m *PFManager) hook(pfConf string) (string, bool) {
	hooks := []string{
		fmt.Sprintf("nat-anchor %q", m.config.Anchor),
		fmt.Sprintf("rdr-anchor %q", m.config.Anchor),
	}

	lines := strings.SplitAfter(pfConf, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	var missing []string
	for _, hook := range hooks {
		present := false
		for _, line := range lines {
			if strings.TrimSpace(line) == hook {
				present = true
				break
			}
		}

		if !present {
			missing = append(missing, hook+"\n")
		}
	}

	if len(missing) == 0 {
		return pfConf, false
	}

	if len(lines) > 0 && !strings.HasSuffix(lines[len(lines)-1], "\n") {
		lines[len(lines)-1] += "\n"
	}

	at := len(lines)
	for i, line := range lines {
		fields := strings.Fields(line)
		if len(fields) > 0 && ruleKeywords[fields[0]] {
			at = i
			break
		}
	}

	hooked := append(append(append([]string{}, lines[:at]...), missing...), lines[at:]...)

	return strings.Join(hooked, ""), true
}

var ruleKeywords = map[string]bool{
	"nat":          true,
	"rdr":          true,
	"binat":        true,
	"nat-anchor":   true,
	"rdr-anchor":   true,
	"binat-anchor": true,
	"pass":         true,
	"block":        true,
	"match":        true,
	"anchor":       true,
	"antispoof":    true,
}
