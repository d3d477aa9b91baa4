// Package service hosts a download behind a message protocol, for
// owners that drive the engine from another goroutine or process edge.
// One Runner serves exactly one download and terminates with it.
package service

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"tilefetch/internal/engine"
	"tilefetch/internal/model"
)

// CommandType enumerates owner-to-runner messages.
type CommandType string

const (
	CmdStartDownload  CommandType = "START_DOWNLOAD"
	CmdPauseDownload  CommandType = "PAUSE_DOWNLOAD"
	CmdResumeDownload CommandType = "RESUME_DOWNLOAD"
	CmdCancelDownload CommandType = "CANCEL_DOWNLOAD"
	CmdGetProgress    CommandType = "GET_PROGRESS"
)

// EventType enumerates runner-to-owner messages.
type EventType string

const (
	EventStarted   EventType = "DOWNLOAD_STARTED"
	EventProgress  EventType = "PROGRESS_UPDATE"
	EventTile      EventType = "TILE_DOWNLOADED"
	EventComplete  EventType = "DOWNLOAD_COMPLETE"
	EventError     EventType = "DOWNLOAD_ERROR"
	EventCancelled EventType = "DOWNLOAD_CANCELLED"
)

// Command carries a correlation ID so responses can be matched.
type Command struct {
	ID     string
	Type   CommandType
	Config *model.Config // set for START_DOWNLOAD
}

// Event is a runner-to-owner message. Tile payload ownership transfers
// with the event; the runner does not retain it.
type Event struct {
	ID            string
	Type          EventType
	TotalTiles    int
	EstimatedSize int64
	Progress      *model.LiveProgress
	Tile          *model.TilePayload
	Stats         *model.DownloadStats
	Error         string
}

// progressInterval caps unsolicited PROGRESS_UPDATE emission.
const progressInterval = time.Second

// Runner is the message loop around one download.
type Runner struct {
	commands chan Command
	events   chan Event
}

// NewRunner starts the message loop. The events channel closes when the
// download terminates or Close is called before a download starts.
func NewRunner() *Runner {
	r := &Runner{
		commands: make(chan Command, 16),
		events:   make(chan Event, 64),
	}
	go r.loop()
	return r
}

// Send enqueues a command.
func (r *Runner) Send(cmd Command) {
	r.commands <- cmd
}

// Close ends the runner. Safe to call once, at any time.
func (r *Runner) Close() {
	close(r.commands)
}

// Events returns the outbound message stream.
func (r *Runner) Events() <-chan Event { return r.events }

func (r *Runner) loop() {
	defer close(r.events)

	// wait for the start command
	var start Command
	for {
		cmd, ok := <-r.commands
		if !ok {
			return
		}
		if cmd.Type == CmdStartDownload && cmd.Config != nil {
			start = cmd
			break
		}
		log.Warnf("runner: dropping %s before a download started", cmd.Type)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h, err := engine.Download(ctx, *start.Config)
	if err != nil {
		r.events <- Event{ID: start.ID, Type: EventError, Error: err.Error()}
		return
	}
	r.events <- Event{
		ID:            start.ID,
		Type:          EventStarted,
		TotalTiles:    h.TotalTiles,
		EstimatedSize: h.EstimatedSize,
	}

	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	emitProgress := func(id string) {
		p := h.Progress()
		r.events <- Event{ID: id, Type: EventProgress, Progress: &p}
	}

	tiles := h.Tiles()
	for {
		select {
		case cmd, ok := <-r.commands:
			if !ok {
				h.Cancel()
				r.commands = nil
				continue
			}
			switch cmd.Type {
			case CmdPauseDownload:
				if err := h.Pause(); err != nil {
					r.events <- Event{ID: cmd.ID, Type: EventError, Error: err.Error()}
				}
			case CmdResumeDownload:
				if err := h.Resume(); err != nil {
					r.events <- Event{ID: cmd.ID, Type: EventError, Error: err.Error()}
				}
			case CmdCancelDownload:
				h.Cancel()
			case CmdGetProgress:
				emitProgress(cmd.ID)
			default:
				log.Warnf("runner: unknown command %s", cmd.Type)
			}

		case p, ok := <-tiles:
			if !ok {
				tiles = nil
				continue
			}
			r.events <- Event{ID: start.ID, Type: EventTile, Tile: &p}

		case <-ticker.C:
			if !h.State().Terminal() {
				emitProgress(start.ID)
			}

		case <-h.Done():
			// flush any tiles still buffered in the stream
			if tiles != nil {
				for p := range tiles {
					r.events <- Event{ID: start.ID, Type: EventTile, Tile: &p}
				}
			}
			r.finish(start.ID, h)
			return
		}
	}
}

func (r *Runner) finish(id string, h *engine.Handle) {
	stats, err := h.Stats()
	switch h.State() {
	case model.StateCancelled:
		r.events <- Event{ID: id, Type: EventCancelled, Stats: &stats}
	case model.StateFailed:
		r.events <- Event{ID: id, Type: EventError, Error: err.Error(), Stats: &stats}
	default:
		r.events <- Event{ID: id, Type: EventComplete, Stats: &stats}
	}
}
