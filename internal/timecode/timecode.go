// Package timecode converts between wall-clock timestamps, frame indices and
// the HH-MM-SS-mmm names given to extracted frames.
//
// All arithmetic is done in integer milliseconds against a rational frame
// rate, so a frame's timestamp is always derived from its index and never
// accumulated from an interval count.
package timecode

import (
	"fmt"
	"math"
	"math/bits"
	"strconv"
	"strings"

	"github.com/framesnap/framesnap/internal/failure"
)

// Rate is a frame rate expressed as Num/Den frames per second.
type Rate struct {
	Num int64
	Den int64
}

// NewRate returns num/den reduced to lowest terms. Both must be positive.
func NewRate(num, den int64) (Rate, error) {
	if num <= 0 || den <= 0 {
		return Rate{}, fmt.Errorf("frame rate %d/%d must be positive", num, den)
	}
	g := gcd(num, den)
	return Rate{Num: num / g, Den: den / g}, nil
}

// ParseRate accepts "30000/1001", "30/1" or a decimal such as "29.97".
func ParseRate(s string) (Rate, error) {
	s = strings.TrimSpace(s)
	if num, den, ok := strings.Cut(s, "/"); ok {
		n, err := strconv.ParseInt(num, 10, 64)
		if err != nil {
			return Rate{}, fmt.Errorf("invalid frame rate %q: %w", s, err)
		}
		d, err := strconv.ParseInt(den, 10, 64)
		if err != nil {
			return Rate{}, fmt.Errorf("invalid frame rate %q: %w", s, err)
		}
		return NewRate(n, d)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Rate{}, fmt.Errorf("invalid frame rate %q: %w", s, err)
	}
	return RateFromFloat(f)
}

// ntscRates maps the common fractional broadcast rates to their exact form.
var ntscRates = []Rate{
	{24000, 1001},
	{30000, 1001},
	{48000, 1001},
	{60000, 1001},
	{120000, 1001},
}

// RateFromFloat converts a decoder-reported rate to a Rate. Rates within
// 0.005 of an NTSC rate snap to it; anything else is kept to 1/1000 fps.
func RateFromFloat(f float64) (Rate, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		return Rate{}, fmt.Errorf("frame rate %v must be positive and finite", f)
	}
	for _, r := range ntscRates {
		if math.Abs(r.Float()-f) < 0.005 {
			return r, nil
		}
	}
	if f == math.Trunc(f) {
		return NewRate(int64(f), 1)
	}
	return NewRate(int64(math.Round(f*1000)), 1000)
}

// Valid reports whether the rate is usable for index arithmetic.
func (r Rate) Valid() bool {
	return r.Num > 0 && r.Den > 0
}

// Float returns the rate in frames per second.
func (r Rate) Float() float64 {
	if r.Den == 0 {
		return 0
	}
	return float64(r.Num) / float64(r.Den)
}

func (r Rate) String() string {
	if r.Den == 1 {
		return strconv.FormatInt(r.Num, 10)
	}
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}

// ParseTimestamp parses HH:MM:SS, HH:MM:SS.mmm or the same with hyphens, and
// the frame-name form HH-MM-SS-mmm. Minutes and seconds must be below 60 and
// the fractional part has at most three digits.
func ParseTimestamp(text string) (int64, error) {
	s := strings.TrimSpace(text)
	if s == "" {
		return 0, fmt.Errorf("%w: empty", failure.ErrInvalidTimestamp)
	}
	parts := strings.Split(strings.ReplaceAll(s, "-", ":"), ":")

	var frac string
	switch len(parts) {
	case 3:
		if sec, f, ok := strings.Cut(parts[2], "."); ok {
			parts[2], frac = sec, f
			if frac == "" {
				return 0, fmt.Errorf("%w: %q has an empty fraction", failure.ErrInvalidTimestamp, text)
			}
		}
	case 4:
		frac = parts[3]
		parts = parts[:3]
	default:
		return 0, fmt.Errorf("%w: %q is not HH:MM:SS[.mmm]", failure.ErrInvalidTimestamp, text)
	}

	h, err := component(parts[0], 0)
	if err != nil {
		return 0, fmt.Errorf("%w: hours in %q: %v", failure.ErrInvalidTimestamp, text, err)
	}
	if h > maxHours {
		return 0, fmt.Errorf("%w: hours in %q out of range", failure.ErrInvalidTimestamp, text)
	}
	m, err := component(parts[1], 2)
	if err != nil || m >= 60 {
		return 0, fmt.Errorf("%w: minutes in %q out of range", failure.ErrInvalidTimestamp, text)
	}
	sec, err := component(parts[2], 2)
	if err != nil || sec >= 60 {
		return 0, fmt.Errorf("%w: seconds in %q out of range", failure.ErrInvalidTimestamp, text)
	}

	var ms int64
	if frac != "" {
		if len(frac) > 3 {
			return 0, fmt.Errorf("%w: %q has more than millisecond precision", failure.ErrInvalidTimestamp, text)
		}
		v, err := component(frac, 3)
		if err != nil {
			return 0, fmt.Errorf("%w: fraction in %q: %v", failure.ErrInvalidTimestamp, text, err)
		}
		for i := len(frac); i < 3; i++ {
			v *= 10
		}
		ms = v
	}

	return ((h*60+m)*60+sec)*1000 + ms, nil
}

// maxHours is the largest hour count whose millisecond total fits in int64.
const maxHours = (math.MaxInt64 - 3_599_999) / 3_600_000

// component parses an unsigned decimal field. maxDigits of 0 means unbounded.
func component(s string, maxDigits int) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty field")
	}
	if maxDigits > 0 && len(s) > maxDigits {
		return 0, fmt.Errorf("field %q too long", s)
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("field %q is not a number", s)
		}
	}
	return strconv.ParseInt(s, 10, 64)
}

// FrameIndexFor returns floor(ms * rate / 1000) clamped to [0, total-1].
func FrameIndexFor(ms int64, r Rate, total int64) int64 {
	if ms < 0 {
		ms = 0
	}
	idx, _, ok := mulDiv(ms, r.Num, 1000*r.Den)
	if !ok {
		idx = math.MaxInt64
	}
	if total > 0 && idx > total-1 {
		idx = total - 1
	}
	return idx
}

// MillisFor returns the presentation time of a frame in whole milliseconds,
// rounded up so that FrameIndexFor(MillisFor(i)) == i for rates below
// 1000 fps.
func MillisFor(index int64, r Rate) int64 {
	if index <= 0 {
		return 0
	}
	return ceilDiv(index*1000*r.Den, r.Num)
}

// Timestamp is a broken-down presentation time.
type Timestamp struct {
	Hours   int64
	Minutes int64
	Seconds int64
	Millis  int64
}

// FromMillis splits a millisecond count into its components.
func FromMillis(ms int64) Timestamp {
	if ms < 0 {
		ms = 0
	}
	return Timestamp{
		Hours:   ms / 3_600_000,
		Minutes: ms / 60_000 % 60,
		Seconds: ms / 1000 % 60,
		Millis:  ms % 1000,
	}
}

// TimestampFor is the inverse of FrameIndexFor used to name frames.
func TimestampFor(index int64, r Rate) Timestamp {
	return FromMillis(MillisFor(index, r))
}

// TotalMillis folds the components back into milliseconds.
func (t Timestamp) TotalMillis() int64 {
	return ((t.Hours*60+t.Minutes)*60+t.Seconds)*1000 + t.Millis
}

// Name returns the HH-MM-SS-mmm stem used for frame files.
func (t Timestamp) Name() string {
	return fmt.Sprintf("%02d-%02d-%02d-%03d", t.Hours, t.Minutes, t.Seconds, t.Millis)
}

// Filename returns the frame file name for the given extension.
func (t Timestamp) Filename(ext string) string {
	return t.Name() + "." + strings.TrimPrefix(ext, ".")
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%02d:%02d:%02d.%03d", t.Hours, t.Minutes, t.Seconds, t.Millis)
}

// FormatMillis renders ms as HH:MM:SS.mmm.
func FormatMillis(ms int64) string {
	return FromMillis(ms).String()
}

func ceilDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 {
		q++
	}
	return q
}

// mulDiv returns a*b/c and its remainder for non-negative a, b and positive
// c, computing the product in 128 bits. ok is false when the quotient does
// not fit in int64.
func mulDiv(a, b, c int64) (q, rem int64, ok bool) {
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	if hi >= uint64(c) {
		return 0, 0, false
	}
	uq, ur := bits.Div64(hi, lo, uint64(c))
	if uq > math.MaxInt64 {
		return 0, 0, false
	}
	return int64(uq), int64(ur), true
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
