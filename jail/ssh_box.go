package jail

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"code.cloudfoundry.org/lager/v3"

	"code.cloudfoundry.org/mjail"
	"code.cloudfoundry.org/mjail/rc_conf"
	"code.cloudfoundry.org/mjail/sshd_conf"
)

const defaultSSHPort = "22"

var jailSSHDOptions = [][2]string{
	{"PermitRootLogin", "prohibit-password"},
	{"PubkeyAuthentication", "yes"},
	{"PasswordAuthentication", "no"},
}

// ProvisionSSH makes publicKey the only key allowed to log in as root,
// runs sshd in the jail on jailPort, and redirects hostPort to it. The
// host's own ssh port is refused.
func (j *Jail) ProvisionSSH(publicKey string, hostPort, jailPort uint16) error {
	pLog := j.logger.Session("provision-ssh", lager.Data{
		"host-port": hostPort,
		"jail-port": jailPort,
	})

	hostSSHD, err := sshd_conf.Load(j.depot.config.HostSSHDConfig)
	if err != nil {
		pLog.Error("failed-to-load-host-sshd-config", err)
		return err
	}

	hostSSHPort, err := sshPort(hostSSHD.Get("Port", defaultSSHPort))
	if err != nil {
		pLog.Error("failed-to-read-host-ssh-port", err)
		return err
	}

	if hostSSHPort == hostPort {
		return mjail.ValidationError{
			Field:  "host port",
			Reason: fmt.Sprintf("%d is the ssh port of the host", hostPort),
		}
	}

	if jailPort == 0 {
		return mjail.ValidationError{Field: "jail port", Reason: "ports must be between 1 and 65535"}
	}

	conf, err := j.depot.ledger.Load()
	if err != nil {
		return err
	}

	if _, err := conf.Jail(j.name); err != nil {
		return err
	}

	err = j.writeAuthorizedKey(publicKey)
	if err != nil {
		pLog.Error("failed-to-write-authorized-key", err)
		return err
	}

	jailSSHD, err := sshd_conf.Load(filepath.Join(j.directory, "etc", "ssh", "sshd_config"))
	if err != nil {
		pLog.Error("failed-to-load-jail-sshd-config", err)
		return err
	}

	for _, option := range jailSSHDOptions {
		jailSSHD.SetOption(option[0], option[1])
	}

	jailSSHD.SetOption("Port", strconv.Itoa(int(jailPort)))

	err = jailSSHD.Overwrite()
	if err != nil {
		pLog.Error("failed-to-write-jail-sshd-config", err)
		return err
	}

	rcConf := rc_conf.ForFile(j.depot.runner, filepath.Join(j.directory, "etc", "rc.conf"))

	err = rcConf.Mod("sshd_enable=YES")
	if err != nil {
		pLog.Error("failed-to-enable-sshd", err)
		return err
	}

	pLog.Info("provisioned")

	return j.AddRedirect(mjail.TCP, hostPort, jailPort)
}

// writeAuthorizedKey replaces root's authorized_keys with publicKey.
func (j *Jail) writeAuthorizedKey(publicKey string) error {
	sshDir := filepath.Join(j.directory, "root", ".ssh")

	err := os.MkdirAll(sshDir, 0700)
	if err != nil {
		return err
	}

	err = os.Chmod(sshDir, 0700)
	if err != nil {
		return err
	}

	if !strings.HasSuffix(publicKey, "\n") {
		publicKey += "\n"
	}

	authorizedKeys := filepath.Join(sshDir, "authorized_keys")

	err = os.WriteFile(authorizedKeys, []byte(publicKey), 0600)
	if err != nil {
		return err
	}

	return os.Chmod(authorizedKeys, 0600)
}

// sshPort reads the value of a Port option, which may be followed by a
// comment.
func sshPort(value string) (uint16, error) {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return 0, mjail.ValidationError{Field: "host ssh port", Reason: "empty Port option"}
	}

	port, err := strconv.ParseUint(fields[0], 10, 16)
	if err != nil {
		return 0, mjail.ValidationError{Field: "host ssh port", Reason: fmt.Sprintf("%q is not a port number", fields[0])}
	}

	return uint16(port), nil
}
