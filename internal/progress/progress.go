// Package progress defines the typed progress events the executor and
// controller emit (spec §6) and the non-blocking callback contract consumers
// must honor.
package progress

import "github.com/pktmask/pktmask/internal/stats"

type Type string

const (
	TypeFileStart  Type = "file_start"
	TypeStageStart Type = "stage_start"
	TypeStageEnd   Type = "stage_end"
	TypeFileEnd    Type = "file_end"
	TypeError      Type = "error"
)

// Event is the payload handed to the progress callback. Only the fields
// relevant to Type are populated.
type Event struct {
	Type Type

	// Path is the input file the event concerns; the executor sets it on
	// every event type.
	Path string

	// stage_end: the stage's position in the pipeline and the stage count
	Index int
	Total int

	// not set by the executor; Path carries the file
	File string

	// stage_start / stage_end / error
	Stage string

	// stage_end
	Stats *stats.StageStats

	// file_end
	Success bool
	AllStats []*stats.StageStats

	// error
	ErrorKind string
	Detail    string

	Message string
}

// Callback is invoked for every event. Implementations MUST NOT block —
// the executor emits events from its own goroutine (spec §5).
type Callback func(Event)

// Noop is used when the caller supplies no callback.
func Noop(Event) {}
