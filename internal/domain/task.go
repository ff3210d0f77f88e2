package domain

import "time"

// Status mirrors the aria2 task status values.
type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusActive   Status = "active"
	StatusPaused   Status = "paused"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
	StatusRemoved  Status = "removed"
)

// SourceKind tags how a task entered the engine. It is decided once, when the
// task is created, and never re-inspected downstream.
type SourceKind string

const (
	SourceTorrentFile SourceKind = "torrent"
	SourceHTTPLink    SourceKind = "http"
	SourceMagnetLink  SourceKind = "magnet"
)

// Task is one download job as last reported by the engine.
type Task struct {
	GID            string
	Status         Status
	Name           string
	Source         SourceKind
	Dir            string
	CompletedBytes int64
	// TotalBytes is 0 when the engine does not know the size yet.
	TotalBytes    int64
	DownloadSpeed int64
	UploadSpeed   int64
	Connections   int
	NumSeeders    int
	ErrorCode     string
	ErrorMessage  string
	// LastSeenAt is the time of the poll (or optimistic action) that
	// produced this snapshot. Upsert keeps whichever snapshot is newer.
	LastSeenAt time.Time
}

// Progress returns the completed fraction in [0,1], 0 when the total is unknown.
func (t Task) Progress() float64 {
	if t.TotalBytes <= 0 {
		return 0
	}
	return float64(t.CompletedBytes) / float64(t.TotalBytes)
}

// Finished reports whether the engine will no longer make progress on the task.
func (t Task) Finished() bool {
	switch t.Status {
	case StatusComplete, StatusError, StatusRemoved:
		return true
	}
	return false
}

// Binding ties a task to the chat message currently displaying it.
type Binding struct {
	GID       string
	ChatID    int64
	MessageID int
	// RenderedHash is the hash of the payload last successfully sent for
	// this message. A failed edit must not update it.
	RenderedHash string
	LastEditAt   time.Time
}

// ChangeEvent notifies the notifier that a task's observable state changed.
// It carries the snapshot so consumers never race the store; for the same GID
// the latest event wins.
type ChangeEvent struct {
	Task Task
	// Final marks the last event for a task: the store entry is already
	// gone and the binding should be released after this render.
	Final bool
}

// ActionKind is a user-requested control operation.
type ActionKind string

const (
	ActionPause  ActionKind = "pause"
	ActionResume ActionKind = "resume"
	ActionRemove ActionKind = "remove"
)

// PendingAction is a button press awaiting validation and dispatch.
type PendingAction struct {
	Kind        ActionKind
	GID         string
	UserID      int64
	ChatID      int64
	MessageID   int
	CallbackID  string
	RequestedAt time.Time
}

// AllowedActions returns the control actions legal for a task status. The
// renderer uses it to build buttons and the dispatcher to validate presses,
// so the two can never disagree.
func AllowedActions(s Status) []ActionKind {
	switch s {
	case StatusActive, StatusWaiting:
		return []ActionKind{ActionPause, ActionRemove}
	case StatusPaused:
		return []ActionKind{ActionResume, ActionRemove}
	case StatusComplete, StatusError:
		return []ActionKind{ActionRemove}
	default:
		return nil
	}
}

// ActionAllowed reports whether kind is legal for status.
func ActionAllowed(kind ActionKind, s Status) bool {
	for _, k := range AllowedActions(s) {
		if k == kind {
			return true
		}
	}
	return false
}

// TargetStatus is the status a task is optimistically moved to once the
// engine accepts the action, to be reconciled by the next poll.
func (k ActionKind) TargetStatus() Status {
	switch k {
	case ActionPause:
		return StatusPaused
	case ActionResume:
		return StatusActive
	case ActionRemove:
		return StatusRemoved
	}
	return ""
}
