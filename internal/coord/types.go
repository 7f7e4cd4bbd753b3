package coord

import (
	"regexp"
	"time"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionSyncing   SessionStatus = "syncing"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// ValidSessionStatuses defines the allowed session lifecycle states.
var ValidSessionStatuses = map[SessionStatus]bool{
	SessionActive:    true,
	SessionSyncing:   true,
	SessionPaused:    true,
	SessionCompleted: true,
	SessionFailed:    true,
}

// Session is an isolated, named unit of work.
//
// Sessions form a forest via the optional Parent reference (stacked
// sessions). Cycles are rejected at command validation, so Parent chains
// always terminate.
type Session struct {
	Name      string        `json:"name"`
	Status    SessionStatus `json:"status"`
	Parent    string        `json:"parent,omitempty"`
	Queued    bool          `json:"queued"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// TrainResource is the well-known lockable slot for the queue processor.
// It always exists; every other lockable resource is a session name.
const TrainResource = "train"

// sessionNameRe constrains session names to safe workspace identifiers.
var sessionNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,63}$`)

// ValidateSessionName checks that name is a usable session identifier.
// Names double as workspace directory names, so the character set is strict.
func ValidateSessionName(name string) error {
	if name == "" {
		return NewValidation("session name is empty", "provide a non-empty session name")
	}
	if !sessionNameRe.MatchString(name) {
		return NewValidation(
			"invalid session name "+name,
			"use lowercase letters, digits, '.', '_' or '-', starting with a letter or digit",
		)
	}
	return nil
}

// QueueEntry is a session's slot in the ordered merge queue.
//
// Position is the sole ordering key. Positions are dense, unique, and
// ascending across active (non-terminal) entries, starting at
// QueueBasePosition. Terminal entries (merged, kicked) carry no position.
type QueueEntry struct {
	Session     string      `json:"session"`
	Position    int         `json:"position"`
	Status      QueueStatus `json:"status"`
	CheckDetail string      `json:"check_detail,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// QueueBasePosition is the position of the first active entry.
const QueueBasePosition = 1

// Lease is a time-bounded, heartbeat-renewed exclusive claim on a resource.
//
// A lease is stale once now - HeartbeatAt exceeds TTL. Staleness is
// evaluated lazily on every acquisition attempt and proactively by the
// self-heal pass; a stale lease never blocks a new acquisition.
type Lease struct {
	Resource    string        `json:"resource"`
	Holder      string        `json:"holder"`
	ID          string        `json:"id"`
	AcquiredAt  time.Time     `json:"acquired_at"`
	HeartbeatAt time.Time     `json:"heartbeat_at"`
	TTL         time.Duration `json:"ttl"`
}

// Stale reports whether the lease has missed its heartbeat window at now.
func (l Lease) Stale(now time.Time) bool {
	return now.Sub(l.HeartbeatAt) > l.TTL
}

// TrainResult is the immutable summary of one scheduler pass.
//
// Invariant: Merged + Kicked + StillActive equals the number of active
// entries at pass start. Blocked entries remain active and are counted in
// StillActive.
type TrainResult struct {
	Merged         int      `json:"merged"`
	Kicked         int      `json:"kicked"`
	Blocked        int      `json:"blocked"`
	StillActive    int      `json:"still_active"`
	KickedSessions []string `json:"kicked_sessions"`
	StartedEntries int      `json:"started_entries"`
}
