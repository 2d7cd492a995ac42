// Package failure defines the error kinds shared by the extraction engine and
// its callers. Errors are wrapped with fmt.Errorf("...: %w") as they travel up
// and matched with errors.Is.
package failure

import "errors"

var (
	ErrInvalidTimestamp    = errors.New("invalid timestamp")
	ErrInvalidInterval     = errors.New("invalid sampling interval")
	ErrUnsupportedFormat   = errors.New("unsupported format")
	ErrOpenFailed          = errors.New("open failed")
	ErrBackendFailure      = errors.New("backend failure")
	ErrOutputDirUnwritable = errors.New("output directory unwritable")
	ErrDiskFull            = errors.New("disk full")
	ErrEncode              = errors.New("encode error")
	ErrNameCollision       = errors.New("frame filename collision")
	ErrNotFound            = errors.New("not found")
	ErrBusy                = errors.New("too many active runs")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrInvalidTimestamp, "InvalidTimestamp"},
	{ErrInvalidInterval, "InvalidInterval"},
	{ErrUnsupportedFormat, "UnsupportedFormat"},
	{ErrOpenFailed, "OpenFailed"},
	{ErrBackendFailure, "BackendFailure"},
	{ErrOutputDirUnwritable, "OutputDirUnwritable"},
	{ErrDiskFull, "DiskFull"},
	{ErrEncode, "EncodeError"},
	{ErrNameCollision, "NameCollision"},
	{ErrNotFound, "NotFound"},
	{ErrBusy, "Busy"},
}

// Kind returns the stable name of the first known kind err wraps, "Internal"
// for anything else and "" for nil.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "Internal"
}

// IsPreflight reports whether err is one of the kinds raised before any
// decoding starts.
func IsPreflight(err error) bool {
	return errors.Is(err, ErrInvalidTimestamp) ||
		errors.Is(err, ErrInvalidInterval) ||
		errors.Is(err, ErrUnsupportedFormat) ||
		errors.Is(err, ErrOutputDirUnwritable) ||
		errors.Is(err, ErrNameCollision)
}
