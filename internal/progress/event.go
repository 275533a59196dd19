package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/music-graph-crawler/internal/crawler"
)

// Stage denotes the milestone an Event represents.
type Stage string

// Supported stages.
const (
	StageRunStart    Stage = "RUN_START"
	StageArtistDone  Stage = "ARTIST_DONE"
	StageArtistError Stage = "ARTIST_ERROR"
	StageRunDone     Stage = "RUN_DONE"
)

// Event captures one crawl milestone.
type Event struct {
	RunID string
	// TS is the UTC time the emitter observed the milestone.
	TS    time.Time
	Stage Stage

	// Artist fields, set on ARTIST_* stages.
	CanonicalID string
	Name        string
	PersonID    int64
	Songs       int
	Discovered  int

	// Result is the final run snapshot, set on RUN_DONE.
	Result *crawler.RunResult

	Dur  time.Duration
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart:
	case StageArtistDone, StageArtistError:
		if e.CanonicalID == "" {
			return fmt.Errorf("%s requires canonical id", e.Stage)
		}
	case StageRunDone:
		if e.Result == nil {
			return errors.New("run done requires a result")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ArtistExplored converts an ARTIST_DONE event into its published form.
func (e Event) ArtistExplored() crawler.ArtistExploredEvent {
	return crawler.ArtistExploredEvent{
		RunID:         e.RunID,
		CanonicalID:   e.CanonicalID,
		Name:          e.Name,
		PersonID:      e.PersonID,
		SongsIngested: e.Songs,
		Discovered:    e.Discovered,
		ExploredAt:    e.TS,
	}
}
