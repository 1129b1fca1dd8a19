package process

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotReaped is returned by Stop when the process could not be confirmed
// dead even after SIGKILL.
var ErrNotReaped = errors.New("process not reaped after kill")

// ErrRefusedPID is returned by StopPID for init and for the calling process.
var ErrRefusedPID = errors.New("refusing to signal pid")

type beforeStartError struct{ d time.Duration }

func (e beforeStartError) Error() string {
	return fmt.Sprintf("process exited before start duration %s", e.d)
}

func errBeforeStart(d time.Duration) error { return beforeStartError{d: d} }

// IsBeforeStartErr reports whether err means the process died inside its
// start duration window.
func IsBeforeStartErr(err error) bool {
	var b beforeStartError
	return errors.As(err, &b)
}
