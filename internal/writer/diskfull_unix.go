//go:build unix

package writer

import (
	"errors"

	"golang.org/x/sys/unix"
)

var errNoSpace error = unix.ENOSPC

func isDiskFull(err error) bool {
	return errors.Is(err, unix.ENOSPC) || errors.Is(err, unix.EDQUOT)
}
