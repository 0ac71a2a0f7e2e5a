// Package progress defines the event stream shared by every long-running
// operation (write, verify, health scan, download) and the transfer state
// accumulator that derives percent, throughput and ETA from chunk counts.
package progress

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/isoflash/isoflash/pkg/errors"
)

// Kind tags an Event.
type Kind int

const (
	KindStatus Kind = iota
	KindProgress
	KindCompleted
	KindFailed
)

func (k Kind) String() string {
	switch k {
	case KindStatus:
		return "status"
	case KindProgress:
		return "progress"
	case KindCompleted:
		return "completed"
	case KindFailed:
		return "failed"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ETAUnknown is reported when throughput is zero.
const ETAUnknown = -1

// Event is one notification of an operation. Exactly one event per
// operation is terminal (KindCompleted or KindFailed) and it is always last.
type Event struct {
	Op             string    `json:"op"`
	Kind           Kind      `json:"kind"`
	Percent        int       `json:"percent"`
	BytesPerSecond float64   `json:"bytes_per_second"`
	ETASeconds     float64   `json:"eta_seconds"`
	BytesDone      int64     `json:"bytes_done"`
	BytesTotal     int64     `json:"bytes_total"`
	Message        string    `json:"message,omitempty"`
	Err            error     `json:"-"`
	Time           time.Time `json:"time"`
}

// Terminal reports whether e ends its operation.
func (e Event) Terminal() bool {
	return e.Kind == KindCompleted || e.Kind == KindFailed
}

// Speed renders the throughput, e.g. "12 MB/s".
func (e Event) Speed() string {
	return FormatSpeed(e.BytesPerSecond)
}

// ETA renders the remaining time or "unknown".
func (e Event) ETA() string {
	return FormatETA(e.ETASeconds)
}

func (e Event) String() string {
	switch e.Kind {
	case KindProgress:
		return fmt.Sprintf("%s %3d%% %s/%s %s eta %s", e.Op, e.Percent,
			humanize.IBytes(uint64(e.BytesDone)), humanize.IBytes(uint64(e.BytesTotal)), e.Speed(), e.ETA())
	case KindFailed:
		return fmt.Sprintf("%s failed: %s", e.Op, e.Message)
	default:
		return fmt.Sprintf("%s %s: %s", e.Op, e.Kind, e.Message)
	}
}

// Status builds an informational event.
func Status(op, format string, args ...any) Event {
	return Event{Op: op, Kind: KindStatus, Message: fmt.Sprintf(format, args...), Time: time.Now()}
}

// Completed builds a successful terminal event.
func Completed(op, message string) Event {
	return Event{Op: op, Kind: KindCompleted, Percent: 100, ETASeconds: 0, Message: message, Time: time.Now()}
}

// Failed builds a failed terminal event carrying err.
func Failed(op string, err error) Event {
	if err == nil {
		err = errors.New("unknown failure")
	}
	return Event{Op: op, Kind: KindFailed, ETASeconds: ETAUnknown, Message: err.Error(), Err: err, Time: time.Now()}
}

// FormatSpeed renders bytes per second with SI units.
func FormatSpeed(bps float64) string {
	if bps <= 0 {
		return "0 B/s"
	}
	return humanize.Bytes(uint64(bps)) + "/s"
}

// FormatETA renders seconds as a rounded duration, or "unknown" when negative.
func FormatETA(seconds float64) string {
	if seconds < 0 {
		return "unknown"
	}
	return (time.Duration(seconds * float64(time.Second))).Round(time.Second).String()
}
