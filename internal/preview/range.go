package preview

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrInvalidRange  = errors.New("invalid range format")
	ErrUnsatisfiable = errors.New("range not satisfiable")
)

// Span is an inclusive byte range of a file.
type Span struct {
	First int64
	Last  int64
}

func (s Span) Len() int64 {
	return s.Last - s.First + 1
}

func (s Span) Header(size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", s.First, s.Last, size)
}

// ParseRange reads a single-range Range header for a file of size bytes.
// Only the first range of a multi-range request is honoured. A nil span with
// a nil error means no range was requested.
func ParseRange(header string, size int64) (*Span, error) {
	if header == "" {
		return nil, nil
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return nil, ErrInvalidRange
	}
	spec, _, _ = strings.Cut(spec, ",")
	from, to, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return nil, ErrInvalidRange
	}

	var s Span
	switch {
	case from == "":
		n, err := strconv.ParseInt(to, 10, 64)
		if err != nil || n <= 0 {
			return nil, ErrInvalidRange
		}
		s = Span{First: max(size-n, 0), Last: size - 1}
	default:
		first, err := strconv.ParseInt(from, 10, 64)
		if err != nil || first < 0 {
			return nil, ErrInvalidRange
		}
		last := size - 1
		if to != "" {
			if last, err = strconv.ParseInt(to, 10, 64); err != nil {
				return nil, ErrInvalidRange
			}
		}
		s = Span{First: first, Last: last}
	}

	if s.First >= size || s.First > s.Last {
		return nil, ErrUnsatisfiable
	}
	s.Last = min(s.Last, size-1)
	return &s, nil
}
