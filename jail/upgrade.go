package jail

import (
	"code.cloudfoundry.org/lager/v3"

	"code.cloudfoundry.org/mjail"
	"code.cloudfoundry.org/mjail/freebsd_update"
	"code.cloudfoundry.org/mjail/jailconf"
)

// Update applies pending patches to the jail's userland.
func (j *Jail) Update(unattended bool) (freebsd_update.Outcome, error) {
	return j.depot.updater.Update(j.directory, unattended)
}

// MinorUpgrade upgrades the jail to another release of the same major
// version and records it as the currently running release.
func (j *Jail) MinorUpgrade(to string, unattended bool) error {
	uLog := j.logger.Session("minor-upgrade", lager.Data{"to": to})

	conf, err := j.depot.ledger.Load()
	if err != nil {
		return err
	}

	block, err := conf.Jail(j.name)
	if err != nil {
		return err
	}

	running, found := block.GetScalar(mjail.RunningReleaseParam)
	if !found {
		return mjail.ValidationError{
			Field:  "currently running release",
			Reason: "not recorded in the ledger for jail " + j.name,
		}
	}

	err = j.depot.updater.MinorUpgrade(j.directory, running, to, unattended)
	if err != nil {
		uLog.Error("failed-to-upgrade", err)
		return err
	}

	err = j.depot.ledger.Update(func(conf *jailconf.Conf) error {
		block, err := conf.Jail(j.name)
		if err != nil {
			return err
		}

		block.Set(mjail.RunningReleaseParam, jailconf.ScalarValue(to))

		return nil
	})
	if err != nil {
		uLog.Error("failed-to-record-release", err)
		return err
	}

	uLog.Info("upgraded", lager.Data{"from": running})

	return nil
}
