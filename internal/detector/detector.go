// Package detector finds a gateway left running by an earlier orchestrator,
// for example after the orchestrator itself was killed.
package detector

import (
	"errors"
	"fmt"
	"os"

	"github.com/beacon-ops/gwfailover/internal/process"
)

// Orphan is a live process named by a gateway PID file.
type Orphan struct {
	PID       int
	StartUnix int64
	PIDFile   string
}

func (o Orphan) Describe() string {
	return fmt.Sprintf("pid:%d pidfile:%s", o.PID, o.PIDFile)
}

// Find reads pidFile and reports whether the process it names is the gateway
// that wrote it and is still running. Only a pid whose start time matches the
// recorded one is reported: a file without that record, or naming init or
// this process, never yields an orphan. A missing file is not an error.
func Find(pidFile string) (Orphan, bool, error) {
	if pidFile == "" {
		return Orphan{}, false, nil
	}
	rec, err := process.ReadPIDRecord(pidFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Orphan{}, false, nil
		}
		return Orphan{}, false, err
	}
	o := Orphan{PID: rec.PID, StartUnix: rec.Meta.StartUnix, PIDFile: pidFile}
	if rec.PID <= 1 || rec.PID == os.Getpid() {
		return o, false, nil
	}
	if rec.Meta.StartUnix <= 0 || !process.PIDAlive(rec.PID) {
		return o, false, nil
	}
	if process.StartUnix(rec.PID) != rec.Meta.StartUnix {
		return o, false, nil
	}
	return o, true, nil
}
