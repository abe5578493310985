package ingest

import (
	"fmt"
	"time"
)

// Kind is the type of change a watcher observed.
type Kind int

const (
	Modified Kind = iota
	Created
	Deleted
)

func (k Kind) String() string {
	switch k {
	case Modified:
		return "modified"
	case Created:
		return "created"
	case Deleted:
		return "deleted"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is a normalized filesystem change notification. Path is either
// absolute (and inside the pipeline root) or relative to the root.
type Event struct {
	Path string
	Kind Kind
}

// Clock supplies commit timestamps.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}
