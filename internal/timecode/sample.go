package timecode

import (
	"fmt"

	"github.com/framesnap/framesnap/internal/failure"
)

// Timeline is the metadata of an opened video the range arithmetic needs.
type Timeline struct {
	Rate       Rate
	Frames     int64
	DurationMs int64
}

// Range is an inclusive span of frame indices.
type Range struct {
	Start int64 `json:"start_frame"`
	End   int64 `json:"end_frame"`
}

// Len is the number of frames in the range.
func (r Range) Len() int64 {
	return r.End - r.Start + 1
}

// ResolveRange derives the frame range for the requested timestamps. A nil
// end selects through the last frame; a given end selects every frame whose
// presentation time is strictly before it.
func ResolveRange(tl Timeline, startMs int64, endMs *int64) (Range, error) {
	if !tl.Rate.Valid() {
		return Range{}, fmt.Errorf("%w: frame rate %s", failure.ErrOpenFailed, tl.Rate)
	}
	if tl.Frames <= 0 {
		return Range{}, fmt.Errorf("%w: video reports no frames", failure.ErrOpenFailed)
	}
	duration := tl.DurationMs
	if duration <= 0 {
		duration = MillisFor(tl.Frames, tl.Rate)
	}
	if startMs < 0 {
		return Range{}, fmt.Errorf("%w: negative start", failure.ErrInvalidTimestamp)
	}
	if startMs > duration {
		return Range{}, fmt.Errorf("%w: start %s is beyond video duration %s",
			failure.ErrInvalidTimestamp, FormatMillis(startMs), FormatMillis(duration))
	}

	last := tl.Frames - 1
	start := FrameIndexFor(startMs, tl.Rate, tl.Frames)
	end := last
	if endMs != nil {
		if *endMs <= startMs {
			return Range{}, fmt.Errorf("%w: end %s must be after start %s",
				failure.ErrInvalidTimestamp, FormatMillis(*endMs), FormatMillis(startMs))
		}
		// end is exclusive: the last frame shown before endMs.
		q, rem, ok := mulDiv(*endMs, tl.Rate.Num, 1000*tl.Rate.Den)
		if ok && rem != 0 {
			q++
		}
		if ok && q-1 < last {
			end = q - 1
		}
	}
	if end < start {
		end = start
	}
	return Range{Start: start, End: end}, nil
}

// SampleSpec is the authoritative set of frame indices an extraction writes:
// Start, Start+Interval, ... up to End.
type SampleSpec struct {
	Range    Range `json:"range"`
	Interval int64 `json:"interval"`
}

// NewSampleSpec validates interval against rng.
func NewSampleSpec(rng Range, interval int64) (SampleSpec, error) {
	if interval < 1 {
		return SampleSpec{}, fmt.Errorf("%w: %d must be at least 1", failure.ErrInvalidInterval, interval)
	}
	if rng.Start < 0 || rng.End < rng.Start {
		return SampleSpec{}, fmt.Errorf("%w: empty frame range %d..%d", failure.ErrInvalidTimestamp, rng.Start, rng.End)
	}
	return SampleSpec{Range: rng, Interval: interval}, nil
}

// Count is |SampleSpec|.
func (s SampleSpec) Count() int64 {
	if s.Interval < 1 || s.Range.End < s.Range.Start {
		return 0
	}
	return (s.Range.End-s.Range.Start)/s.Interval + 1
}

// Contains reports whether index is sampled.
func (s SampleSpec) Contains(index int64) bool {
	if index < s.Range.Start || index > s.Range.End {
		return false
	}
	return (index-s.Range.Start)%s.Interval == 0
}

// At returns the k-th sampled index, zero based.
func (s SampleSpec) At(k int64) int64 {
	return s.Range.Start + k*s.Interval
}

// Last returns the final sampled index.
func (s SampleSpec) Last() int64 {
	return s.At(s.Count() - 1)
}

// Indices lists every sampled index. Intended for tests and small ranges.
func (s SampleSpec) Indices() []int64 {
	n := s.Count()
	out := make([]int64, 0, n)
	for k := int64(0); k < n; k++ {
		out = append(out, s.At(k))
	}
	return out
}

// CheckNames fails when two sampled frames would round to the same
// millisecond and therefore to the same file name. Sampled frames are at
// least Interval/rate seconds apart, and with ceiling rounding that spacing
// maps to distinct names whenever it is one millisecond or more.
func (s SampleSpec) CheckNames(r Rate) error {
	if s.Count() <= 1 {
		return nil
	}
	if s.Interval*1000*r.Den < r.Num {
		return fmt.Errorf("%w: interval %d at %s fps is shorter than one millisecond",
			failure.ErrNameCollision, s.Interval, r)
	}
	return nil
}
