//go:build !unix && !windows

package writer

import "errors"

var errNoSpace = errors.New("no space left on device")

func isDiskFull(err error) bool {
	return errors.Is(err, errNoSpace)
}
