// Package extract drives one frame extraction end to end: it opens the video
// through the selected backend, resolves the sampled frame set, checks
// capacity, streams frames into the writer pool and reports the outcome.
package extract

import (
	"time"

	"github.com/framesnap/framesnap/internal/backend"
	"github.com/framesnap/framesnap/internal/capacity"
	"github.com/framesnap/framesnap/internal/writer"
)

// State is a step of the extraction state machine.
type State string

const (
	StateIdle      State = "idle"
	StateOpening   State = "opening"
	StateSeeking   State = "seeking"
	StateStreaming State = "streaming"
	StateDraining  State = "draining"
	StateDone      State = "done"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transitions follow s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateCancelled || s == StateFailed
}

// Request describes one extraction. Use NewRequest for the defaults.
type Request struct {
	VideoPath string `json:"video_path"`
	// Start and End are HH:MM:SS[.mmm] timestamps. An empty Start is the
	// first frame; an empty End runs through the last frame.
	Start     string               `json:"start,omitempty"`
	End       string               `json:"end,omitempty"`
	Interval  int64                `json:"interval"`
	OutputDir string               `json:"output_dir,omitempty"`
	Format    writer.Format        `json:"format"`
	Encode    writer.EncodeOptions `json:"encode"`

	Workers       int `json:"workers,omitempty"`
	QueueCapacity int `json:"queue_capacity,omitempty"`

	// OnProgress is called at most once per completed job, never
	// concurrently.
	OnProgress func(Progress) `json:"-"`
	// OnCapacityWarning is called at most once, before the first frame is
	// written, when the estimate exceeds free space or the large-output
	// threshold. Returning false ends the run as cancelled. A nil callback
	// continues.
	OnCapacityWarning func(capacity.Estimate) bool `json:"-"`
	// OnState observes state transitions.
	OnState func(State) `json:"-"`
	// Sink, when set, receives every written file.
	Sink writer.Sink `json:"-"`
}

// NewRequest returns a request for path with interval 1, WebP output and
// default encoder settings.
func NewRequest(path string) Request {
	return Request{
		VideoPath: path,
		Interval:  1,
		Format:    writer.DefaultFormat,
		Encode:    writer.DefaultEncodeOptions(),
	}
}

// Progress is a snapshot delivered after each completed job.
type Progress struct {
	Completed int64  `json:"completed"`
	Planned   int64  `json:"planned"`
	Written   int64  `json:"written"`
	Failed    int64  `json:"failed"`
	Bytes     int64  `json:"bytes"`
	File      string `json:"file"`
	Index     int64  `json:"index"`
}

// Report is the outcome of an extraction. Planned always equals
// Written + Failed + Skipped once the run has passed pre-flight.
type Report struct {
	Video      string               `json:"video"`
	OutputDir  string               `json:"output_dir,omitempty"`
	Backend    string               `json:"backend,omitempty"`
	Format     writer.Format        `json:"format"`
	State      State                `json:"state"`
	Error      string               `json:"error,omitempty"`
	ErrorKind  string               `json:"error_kind,omitempty"`
	Source     *backend.VideoSource `json:"source,omitempty"`
	StartFrame int64                `json:"start_frame"`
	EndFrame   int64                `json:"end_frame"`
	Interval   int64                `json:"interval"`
	Planned    int64                `json:"planned"`
	Sampled    int64                `json:"sampled"`
	writer.Counts
	Capacity  *capacity.Estimate `json:"capacity,omitempty"`
	StartedAt time.Time          `json:"started_at"`
	Elapsed   time.Duration      `json:"elapsed_ns"`
}
