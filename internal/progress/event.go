package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/rfp-scanner/internal/crawler"
)

// Stage denotes the milestone an Event represents.
type Stage string

// Supported progress stages.
const (
	StageScanStart Stage = "SCAN_START"
	StageScanDone  Stage = "SCAN_DONE"
	StageURLStart  Stage = "URL_START"
	StageURLDone   Stage = "URL_DONE"
)

// Event captures one scan milestone.
type Event struct {
	// SessionID identifies the scan run.
	SessionID string
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// Site scopes URL events to a host label.
	Site string
	URL  string
	// Kind is the fetch outcome of a finished URL.
	Kind crawler.ErrorKind
	// Status is the final session status of a finished scan.
	Status   crawler.SessionStatus
	Found    int
	Relevant int
	Saved    int
	Dur      time.Duration
	// Note carries low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.SessionID == "" {
		return errors.New("session id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageScanStart:
	case StageScanDone:
		if !e.Status.Terminal() {
			return fmt.Errorf("scan done requires a terminal status, got %q", e.Status)
		}
	case StageURLStart:
		if e.Site == "" {
			return errors.New("url start requires site")
		}
	case StageURLDone:
		if e.Site == "" {
			return errors.New("url done requires site")
		}
		if e.Kind == "" {
			return errors.New("url done requires error kind")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
