// Package ledger is the store for the jail.conf file that records every
// jail on the host.
//
// The file is always read and written whole. Read-modify-write cycles go
// through Update, which holds an exclusive flock(2) on a lock file next to
// the ledger for the duration of the cycle so that concurrent mjail
// invocations serialize instead of losing each other's updates.
package ledger

import (
	"errors"
	"io/fs"

	"code.cloudfoundry.org/lager/v3"
	"github.com/moby/sys/atomicwriter"

	"code.cloudfoundry.org/mjail"
	"code.cloudfoundry.org/mjail/file_lock"
	"code.cloudfoundry.org/mjail/jailconf"
	"code.cloudfoundry.org/mjail/metrics"
)

// ErrUnchanged may be returned by an Update mutation that made no change.
// Update then skips the write and returns nil.
var ErrUnchanged = errors.New("ledger unchanged")

type Ledger struct {
	path     string
	lockPath string

	logger lager.Logger
}

func New(path string, logger lager.Logger) *Ledger {
	return &Ledger{
		path:     path,
		lockPath: path + ".lock",

		logger: logger.Session("ledger", lager.Data{"path": path}),
	}
}

func (l *Ledger) Path() string {
	return l.path
}

// Load reads the current ledger. A missing file is an empty ledger.
func (l *Ledger) Load() (*jailconf.Conf, error) {
	conf, err := jailconf.Load(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return jailconf.New(), nil
	}

	return conf, err
}

// Write replaces the ledger file with conf. The new content is written to
// a temporary file and renamed over the old one.
func (l *Ledger) Write(conf *jailconf.Conf) error {
	err := atomicwriter.WriteFile(l.path, conf.Marshal(), 0644)
	if err != nil {
		l.logger.Error("failed-to-write", err)
		return mjail.IOError{Path: l.path, Err: err}
	}

	metrics.RecordLedgerWrite()

	l.logger.Debug("wrote", lager.Data{"jails": len(conf.Jails())})

	return nil
}

// Update runs one locked read-modify-write cycle. When mutate returns an
// error the ledger is left untouched and the error is returned, except for
// ErrUnchanged.
func (l *Ledger) Update(mutate func(*jailconf.Conf) error) error {
	lock, err := file_lock.Acquire(l.lockPath)
	if err != nil {
		l.logger.Error("failed-to-lock", err)
		return err
	}

	defer func() {
		if err := lock.Release(); err != nil {
			l.logger.Error("failed-to-unlock", err)
		}
	}()

	conf, err := l.Load()
	if err != nil {
		return err
	}

	err = mutate(conf)
	if errors.Is(err, ErrUnchanged) {
		return nil
	}

	if err != nil {
		return err
	}

	return l.Write(conf)
}
